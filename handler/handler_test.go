package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/workerpool/dispatcher"
	"github.com/ygrebnov/workerpool/errkind"
	"github.com/ygrebnov/workerpool/future"
	"github.com/ygrebnov/workerpool/protocol"
)

// memTransport is a hand-wired Transport double for tests that need precise
// control over Inbound/Exited timing, independent of a real backend's
// scheduling.
type memTransport struct {
	mu      sync.Mutex
	posted  []*protocol.Request
	inbound chan Inbound
	exited  chan ExitInfo
}

func newMemTransport() *memTransport {
	return &memTransport{inbound: make(chan Inbound, 16), exited: make(chan ExitInfo, 1)}
}

func (m *memTransport) Post(req *protocol.Request) error {
	m.mu.Lock()
	m.posted = append(m.posted, req)
	m.mu.Unlock()
	return nil
}

func (m *memTransport) lastPosted() *protocol.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.posted) == 0 {
		return nil
	}
	return m.posted[len(m.posted)-1]
}

func (m *memTransport) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

func (m *memTransport) Inbound() <-chan Inbound { return m.inbound }
func (m *memTransport) Exited() <-chan ExitInfo { return m.exited }
func (m *memTransport) Close() error            { return nil }

func waitReady(t *testing.T, h *Handler) {
	t.Helper()
	select {
	case <-h.Ready():
	case <-time.After(time.Second):
		t.Fatal("handler never became ready")
	}
}

func TestHandler_ExecResolvesOnSuccessResponse(t *testing.T) {
	mt := newMemTransport()
	h := New(mt)
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "add", []any{2, 3}, nil, 0, nil)

	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)
	req := mt.lastPosted()
	require.Equal(t, protocol.TypeTask, req.Type)
	require.Equal(t, "add", req.Method)

	mt.inbound <- Inbound{Response: &protocol.Response{Type: protocol.TypeSuccess, ID: req.ID, Result: 5}}

	v, err := fut.Wait()
	require.NoError(t, err)
	require.Equal(t, 5, v)
	require.Equal(t, Idle, h.State())
}

func TestHandler_ExecRejectsWithTaskErrorOnErrorResponse(t *testing.T) {
	mt := newMemTransport()
	h := New(mt)
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "boom", nil, nil, 0, nil)
	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)
	req := mt.lastPosted()

	mt.inbound <- Inbound{Response: &protocol.Response{
		Type:  protocol.TypeError,
		ID:    req.ID,
		Error: &protocol.SerializedError{Name: "Error", Message: "kaboom"},
	}}

	_, err := fut.Wait()
	require.ErrorIs(t, err, errkind.ErrTask)
	require.Contains(t, err.Error(), "kaboom")
}

func TestHandler_CancelMidFlightSendsCleanupThenTerminates(t *testing.T) {
	mt := newMemTransport()
	h := New(mt, WithTerminateGrace(2*time.Second))
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "slow", nil, nil, 0, nil)
	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)
	taskReq := mt.lastPosted()

	fut.Cancel()

	require.Eventually(t, func() bool { return mt.postedCount() == 2 }, time.Second, time.Millisecond)
	cleanupReq := mt.lastPosted()
	require.Equal(t, protocol.TypeCleanup, cleanupReq.Type)
	require.Equal(t, taskReq.ID, cleanupReq.TargetTaskID)

	mt.inbound <- Inbound{Response: &protocol.Response{
		Type:         protocol.TypeCleanupComplete,
		ID:           cleanupReq.ID,
		TargetTaskID: taskReq.ID,
	}}

	_, err := fut.Wait()
	require.ErrorIs(t, err, errkind.ErrCancellation)

	require.Eventually(t, func() bool { return h.State() == Terminating }, time.Second, time.Millisecond)
}

func TestHandler_LateSuccessAfterCancelIsDropped(t *testing.T) {
	mt := newMemTransport()
	h := New(mt, WithTerminateGrace(2*time.Second))
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "slow", nil, nil, 0, nil)
	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)
	taskReq := mt.lastPosted()

	fut.Cancel()
	require.Eventually(t, func() bool { return mt.postedCount() == 2 }, time.Second, time.Millisecond)

	// Worker finishes the task anyway (uninterruptible); its late success
	// must not override the cancellation.
	mt.inbound <- Inbound{Response: &protocol.Response{Type: protocol.TypeSuccess, ID: taskReq.ID, Result: "too-late"}}

	_, err := fut.Wait()
	require.ErrorIs(t, err, errkind.ErrCancellation)
}

func TestHandler_GraceTimeoutForceTerminatesWhenNoCleanupComplete(t *testing.T) {
	mt := newMemTransport()
	h := New(mt, WithTerminateGrace(20*time.Millisecond))
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "slow", nil, nil, 0, nil)
	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)

	fut.Cancel()

	_, err := fut.Wait()
	require.ErrorIs(t, err, errkind.ErrCancellation)

	require.Eventually(t, func() bool { return h.State() == Terminating }, time.Second, time.Millisecond)
}

func TestHandler_TimeoutRejectsWithTimeoutKind(t *testing.T) {
	mt := newMemTransport()
	h := New(mt, WithTerminateGrace(time.Second))
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "slow", nil, nil, 20*time.Millisecond, nil)

	_, err := fut.Wait()
	require.ErrorIs(t, err, errkind.ErrTimeout)
}

func TestHandler_CrashRejectsInFlightTasksWithWorkerError(t *testing.T) {
	mt := newMemTransport()

	var observedCause ExitCause
	var observed bool
	var mu sync.Mutex
	h := New(mt, WithExitObserver(func(_ *Handler, info ExitInfo) {
		mu.Lock()
		observed = true
		observedCause = info.Cause
		mu.Unlock()
	}))
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "add", nil, nil, 0, nil)
	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)

	mt.exited <- ExitInfo{Cause: ExitCrash, Code: 1, Err: errors.New("segfault")}

	_, err := fut.Wait()
	require.ErrorIs(t, err, errkind.ErrWorker)

	require.Eventually(t, func() bool { return h.State() == Terminated }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return observed
	}, time.Second, time.Millisecond)
	require.Equal(t, ExitCrash, observedCause)
}

func TestHandler_EventSinkReceivesPayloadDuringTask(t *testing.T) {
	mt := newMemTransport()
	h := New(mt)
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	var got any
	var mu sync.Mutex
	sink := func(payload any) {
		mu.Lock()
		got = payload
		mu.Unlock()
	}

	fut := future.New[any]()
	h.Exec(fut, false, "withEvents", nil, nil, 0, sink)
	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)
	req := mt.lastPosted()

	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeEvent, TaskID: req.ID, Payload: "progress"}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == "progress"
	}, time.Second, time.Millisecond)

	mt.inbound <- Inbound{Response: &protocol.Response{Type: protocol.TypeSuccess, ID: req.ID, Result: "done"}}
	v, err := fut.Wait()
	require.NoError(t, err)
	require.Equal(t, "done", v)
}

func TestHandler_DrainSendsTerminateOnceIdle(t *testing.T) {
	mt := newMemTransport()
	h := New(mt)
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	h.Drain()
	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, protocol.TypeTerminate, mt.lastPosted().Type)
}

func TestHandler_DrainWaitsForInFlightTaskBeforeTerminate(t *testing.T) {
	mt := newMemTransport()
	h := New(mt)
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "add", nil, nil, 0, nil)
	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)
	taskReq := mt.lastPosted()

	h.Drain()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, mt.postedCount(), "terminate must not be sent while a task is in flight")

	mt.inbound <- Inbound{Response: &protocol.Response{Type: protocol.TypeSuccess, ID: taskReq.ID, Result: 1}}
	_, err := fut.Wait()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mt.postedCount() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, protocol.TypeTerminate, mt.lastPosted().Type)
}

func TestHandler_ForceTerminateRejectsInFlightTasks(t *testing.T) {
	mt := newMemTransport()
	h := New(mt)
	mt.inbound <- Inbound{Event: &protocol.Event{Type: protocol.TypeReady}}
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "add", nil, nil, 0, nil)
	require.Eventually(t, func() bool { return mt.postedCount() == 1 }, time.Second, time.Millisecond)

	h.ForceTerminate()

	_, err := fut.Wait()
	require.ErrorIs(t, err, errkind.ErrTerminate)
}

// End-to-end sanity check wiring a real goroutine backend + dispatcher.
func TestHandler_EndToEndOverGoroutineBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewGoroutine(ctx, func(d *dispatcher.Dispatcher) {
		d.Register("multiply", func(_ context.Context, params []any) (any, error) {
			return params[0].(int) * params[1].(int), nil
		})
	})

	h := New(transport)
	waitReady(t, h)

	fut := future.New[any]()
	h.Exec(fut, false, "multiply", []any{6, 7}, nil, 0, nil)

	v, err := fut.Wait()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}
