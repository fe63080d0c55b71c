// Package handler implements the Worker Handler: the host-side object that
// owns one worker (goroutine, process, or web backend) and drives its wire
// protocol. All processing-set and state mutation happens on the handler's
// own goroutine, reached exclusively through its internal command channel,
// mirroring the teacher's single-select dispatch loop (dispatcher.go) and
// the spec's "no shared mutable state, only messages" concurrency model.
package handler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ygrebnov/workerpool/errkind"
	"github.com/ygrebnov/workerpool/future"
	"github.com/ygrebnov/workerpool/protocol"
	"github.com/ygrebnov/workerpool/transfer"
)

// EventSink receives worker-emitted EVENT payloads for one task, while it
// is in flight.
type EventSink func(payload any)

// ExitObserver is notified once, from the handler's own goroutine, when the
// handler reaches Terminated — whether by graceful drain, crash, or force.
// The Pool uses it to remove the handler and retrigger dispatch.
type ExitObserver func(h *Handler, info ExitInfo)

// StreamObserver receives mirrored stdout/stderr chunks, if emitStdStreams
// was requested for this handler.
type StreamObserver func(stderr bool, data string)

type pendingTask struct {
	fut       *future.Future[any]
	sink      EventSink
	timeout   *time.Timer
	cancelled bool // set once a CLEANUP has been issued for this task
}

// Handler owns one worker across its full lifecycle.
type Handler struct {
	ID string

	transport Transport
	logger    *zap.Logger

	state          atomic.Int32
	nextRequestID  atomic.Int64
	terminateGrace time.Duration

	cmds chan any
	done chan struct{}

	onExit   ExitObserver
	onStream StreamObserver

	mu          sync.Mutex // guards processing, which Busy() reads from other goroutines
	processing  map[int64]*pendingTask
	cancelKinds sync.Map // taskID int64 -> error, the kind to reject with once cleanup completes

	readyOnce sync.Once
	readyCh   chan struct{}

	draining bool
}

// Option configures a Handler at construction.
type Option func(*Handler)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger == nil {
			logger = zap.NewNop()
		}
		h.logger = logger
	}
}

func WithTerminateGrace(d time.Duration) Option {
	return func(h *Handler) { h.terminateGrace = d }
}

func WithExitObserver(fn ExitObserver) Option {
	return func(h *Handler) { h.onExit = fn }
}

func WithStreamObserver(fn StreamObserver) Option {
	return func(h *Handler) { h.onStream = fn }
}

// New creates a Handler driving transport, and starts its dispatch loop.
// The handler begins in Booting and transitions to Idle on the worker's
// READY event.
func New(transport Transport, opts ...Option) *Handler {
	h := &Handler{
		ID:             uuid.NewString(),
		transport:      transport,
		logger:         zap.NewNop(),
		terminateGrace: 5 * time.Second,
		cmds:           make(chan any, 64),
		done:           make(chan struct{}),
		processing:     make(map[int64]*pendingTask),
		readyCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.state.Store(int32(Booting))
	go h.run()
	return h
}

// State returns a point-in-time snapshot of the handler's lifecycle state.
func (h *Handler) State() State { return State(h.state.Load()) }

// Busy reports whether the handler's processing set is non-empty.
func (h *Handler) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.processing) > 0
}

// Ready returns a channel closed once the worker has announced readiness.
func (h *Handler) Ready() <-chan struct{} { return h.readyCh }

// Done returns a channel closed once the handler has reached Terminated.
func (h *Handler) Done() <-chan struct{} { return h.done }

type cmdExec struct {
	req  *protocol.Request
	fut  *future.Future[any]
	sink EventSink
}

type cmdCancelTask struct {
	taskID int64
	kind   error // errkind.ErrCancellation or errkind.ErrTimeout
}

type cmdGraceExpired struct{ taskID int64 }

type cmdDrain struct{}

type cmdForceTerminate struct{}

// Exec dispatches one task to the worker: it allocates a request id,
// installs the future's cancel hook (CLEANUP -> grace timer -> force
// terminate), and posts a TASK or DYNAMIC request. It never blocks on the
// worker's response; the caller observes completion via fut.
func (h *Handler) Exec(taskFut *future.Future[any], dynamic bool, method string, params []any, tr *transfer.Transfer, timeout time.Duration, sink EventSink) {
	id := h.nextRequestID.Add(1) - 1

	req := &protocol.Request{ID: id, Method: method, Params: params}
	if dynamic {
		req.Type = protocol.TypeDynamic
		req.Code = method
	} else {
		req.Type = protocol.TypeTask
	}
	if tr != nil {
		_ = tr.Take() // detaches the handles from the sender; nothing of tr is sent to the worker
	}

	taskFut.OnCancel(func() {
		// By the time the cancel hook runs, the future's node has already
		// settled (trySettle runs before the hook), so Wait returns
		// immediately with the reason that triggered this cancellation —
		// either an explicit Cancel (CancellationError) or a SetTimeout
		// expiry (TimeoutError).
		kind := error(errkind.ErrCancellation)
		if _, err := taskFut.Wait(); errors.Is(err, errkind.ErrTimeout) {
			kind = errkind.ErrTimeout
		}
		select {
		case h.cmds <- cmdCancelTask{taskID: id, kind: kind}:
		case <-h.done:
		}
	})
	if timeout > 0 {
		taskFut.SetTimeout(timeout)
	}

	select {
	case h.cmds <- cmdExec{req: req, fut: taskFut, sink: sink}:
	case <-h.done:
		taskFut.Reject(errkind.Tag(errkind.ErrTerminate, errClosed, id, h.ID))
	}
}

// Drain requests a graceful terminate: no new tasks are accepted, and a
// TERMINATE request is sent once the processing set empties.
func (h *Handler) Drain() {
	select {
	case h.cmds <- cmdDrain{}:
	case <-h.done:
	}
}

// ForceTerminate closes the transport immediately, failing every in-flight
// task with a TerminateError.
func (h *Handler) ForceTerminate() {
	select {
	case h.cmds <- cmdForceTerminate{}:
	case <-h.done:
	}
}

func (h *Handler) setState(s State) {
	h.state.Store(int32(s))
	h.logger.Debug("handler state", zap.String("handler", h.ID), zap.String("state", s.String()))
}

// run is the handler's single dispatch-loop goroutine: every mutation of
// state/processing/draining happens here, and only here.
func (h *Handler) run() {
	defer close(h.done)

	for {
		select {
		case in := <-h.transport.Inbound():
			h.handleInbound(in)

		case info := <-h.transport.Exited():
			h.handleExit(info)
			return

		case raw := <-h.cmds:
			if h.dispatchCmd(raw) {
				return
			}
		}
	}
}

func (h *Handler) dispatchCmd(raw any) (exit bool) {
	switch c := raw.(type) {
	case cmdExec:
		h.startTask(c)
	case cmdCancelTask:
		h.cancelTask(c.taskID, c.kind)
	case cmdGraceExpired:
		h.graceExpired(c.taskID)
	case cmdDrain:
		h.draining = true
		h.maybeSendTerminateOnDrain()
	case cmdForceTerminate:
		h.rejectAll(errkind.Tag(errkind.ErrTerminate, nil, 0, h.ID))
		h.setState(Terminating)
		_ = h.transport.Close()
	}
	return false
}

func (h *Handler) startTask(c cmdExec) {
	h.mu.Lock()
	h.processing[c.req.ID] = &pendingTask{fut: c.fut, sink: c.sink}
	h.mu.Unlock()
	h.setState(Busy)

	if err := h.transport.Post(c.req); err != nil {
		h.failTask(c.req.ID, errkind.Tag(errkind.ErrWorker, err, c.req.ID, h.ID))
	}
}

func (h *Handler) handleInbound(in Inbound) {
	switch {
	case in.Event != nil:
		h.handleEvent(in.Event)
	case in.Response != nil:
		h.handleResponse(in.Response)
	}
}

func (h *Handler) handleEvent(ev *protocol.Event) {
	switch ev.Type {
	case protocol.TypeReady:
		h.readyOnce.Do(func() { close(h.readyCh) })
		if h.State() == Booting {
			h.setState(Idle)
		}
	case protocol.TypeEvent:
		h.mu.Lock()
		pt, ok := h.processing[ev.TaskID]
		h.mu.Unlock()
		if ok && pt.sink != nil {
			pt.sink(ev.Payload)
		}
	case protocol.TypeStdout:
		if h.onStream != nil {
			h.onStream(false, ev.Data)
		}
	case protocol.TypeStderr:
		if h.onStream != nil {
			h.onStream(true, ev.Data)
		}
	}
}

func (h *Handler) handleResponse(resp *protocol.Response) {
	if resp.Type == protocol.TypeCleanupComplete {
		h.completeCleanup(resp.TargetTaskID)
		return
	}

	h.mu.Lock()
	pt, ok := h.processing[resp.ID]
	if ok && !pt.cancelled {
		delete(h.processing, resp.ID)
	}
	busyAfter := len(h.processing) > 0
	h.mu.Unlock()
	if !ok || pt.cancelled {
		// A cancellation/timeout already owns this task's settlement (or
		// will shortly, via completeCleanup/graceExpired); a late success
		// or error response from the worker is dropped rather than racing
		// it, so timeout/cancel deterministically supersedes late success.
		return
	}
	if pt.timeout != nil {
		pt.timeout.Stop()
	}

	// Leave Busy before settling, so whoever observes the settlement (the
	// caller, or the Pool picking an idle handler) already sees Idle.
	h.afterProcessingChange(busyAfter)

	if resp.Type == protocol.TypeError && resp.Error != nil {
		pt.fut.Reject(errkind.Tag(errkind.ErrTask, protocol.Deserialize(resp.Error), resp.ID, h.ID))
	} else {
		pt.fut.Resolve(resp.Result)
	}
}

func (h *Handler) afterProcessingChange(busyAfter bool) {
	switch h.State() {
	case Busy, Idle:
		if busyAfter {
			h.setState(Busy)
		} else {
			h.setState(Idle)
			h.maybeSendTerminateOnDrain()
		}
	}
}

func (h *Handler) maybeSendTerminateOnDrain() {
	if !h.draining || h.Busy() {
		return
	}
	h.setState(Terminating)
	id := h.nextRequestID.Add(1) - 1
	_ = h.transport.Post(&protocol.Request{Type: protocol.TypeTerminate, ID: id})
}

// cancelTask issues CLEANUP for taskID and starts the grace timer, unless
// the task has already settled or cleanup is already in flight for it.
func (h *Handler) cancelTask(taskID int64, kind error) {
	h.mu.Lock()
	pt, ok := h.processing[taskID]
	if !ok || pt.cancelled {
		h.mu.Unlock()
		return
	}
	pt.cancelled = true
	h.mu.Unlock()

	h.setState(Cleaning)
	id := h.nextRequestID.Add(1) - 1
	_ = h.transport.Post(&protocol.Request{Type: protocol.TypeCleanup, ID: id, TargetTaskID: taskID})

	pt.timeout = time.AfterFunc(h.terminateGrace, func() {
		select {
		case h.cmds <- cmdGraceExpired{taskID: taskID}:
		case <-h.done:
		}
	})

	// Stash the settlement kind so completeCleanup/graceExpired can reject
	// with the right error without re-deriving cause from the future.
	h.cancelKinds.Store(taskID, kind)
}

func (h *Handler) completeCleanup(taskID int64) {
	h.mu.Lock()
	pt, ok := h.processing[taskID]
	if ok {
		delete(h.processing, taskID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if pt.timeout != nil {
		pt.timeout.Stop()
	}

	kind := errkind.ErrCancellation
	if v, ok := h.cancelKinds.LoadAndDelete(taskID); ok {
		kind = v.(error)
	}
	pt.fut.Reject(errkind.Tag(kind, nil, taskID, h.ID))

	// Cancellation may leave the worker uninterruptibly running the user
	// function, so the worker is terminated rather than reused.
	h.rejectAll(errkind.Tag(errkind.ErrTerminate, kind, 0, h.ID))
	h.setState(Terminating)
	_ = h.transport.Close()
}

func (h *Handler) graceExpired(taskID int64) {
	h.mu.Lock()
	_, ok := h.processing[taskID]
	h.mu.Unlock()
	if !ok {
		return
	}
	kind := errkind.ErrCancellation
	if v, ok := h.cancelKinds.LoadAndDelete(taskID); ok {
		kind = v.(error)
	}
	h.rejectAll(errkind.Tag(errkind.ErrTerminate, kind, taskID, h.ID))
	h.setState(Terminating)
	_ = h.transport.Close()
}

func (h *Handler) failTask(taskID int64, err error) {
	h.mu.Lock()
	pt, ok := h.processing[taskID]
	if ok {
		delete(h.processing, taskID)
	}
	h.mu.Unlock()
	if ok {
		pt.fut.Reject(err)
	}
}

func (h *Handler) rejectAll(err error) {
	h.mu.Lock()
	tasks := make([]*pendingTask, 0, len(h.processing))
	for id, pt := range h.processing {
		tasks = append(tasks, pt)
		delete(h.processing, id)
	}
	h.mu.Unlock()
	for _, pt := range tasks {
		if pt.timeout != nil {
			pt.timeout.Stop()
		}
		pt.fut.Reject(err)
	}
}

func (h *Handler) handleExit(info ExitInfo) {
	cause := errkind.ErrWorker
	if info.Cause == ExitClosedByHost {
		cause = errkind.ErrTerminate
	}
	h.rejectAll(errkind.Tag(cause, fmt.Errorf("exit code %d: %w", info.Code, firstNonNil(info.Err, errkind.ErrWorker)), 0, h.ID))
	h.setState(Terminated)
	if h.onExit != nil {
		h.onExit(h, info)
	}
}

func firstNonNil(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
