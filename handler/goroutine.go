package handler

import (
	"context"
	"errors"
	"sync"

	"github.com/ygrebnov/workerpool/dispatcher"
	"github.com/ygrebnov/workerpool/protocol"
)

// goroutineTransport is the in-process backend: the closest Go analogue of
// an in-process worker thread. The worker body runs as a goroutine wired
// directly to a dispatcher.Dispatcher over native Go channels — no
// serialization boundary, so params reach the worker by reference rather
// than by copy.
type goroutineTransport struct {
	requests chan *protocol.Request
	inbound  chan Inbound
	exited   chan ExitInfo

	closeOnce sync.Once
	done      chan struct{}
}

// goroutineSender adapts dispatcher.Sender onto the transport's inbound
// channel, tagging Responses/Events uniformly as Inbound values.
type goroutineSender struct {
	inbound chan Inbound
}

func (s *goroutineSender) Send(msg any) error {
	switch m := msg.(type) {
	case *protocol.Response:
		s.inbound <- Inbound{Response: m}
	case *protocol.Event:
		s.inbound <- Inbound{Event: m}
	}
	return nil
}

// WorkerBody is the goroutine-backend worker entry point: it registers
// methods and dynamic tasks against d. The transport calls it once and
// announces READY only after it returns, so every method is available from
// the first dispatched task.
type WorkerBody func(d *dispatcher.Dispatcher)

// NewGoroutine spawns body as the worker for a goroutine-backend handler.
// The worker's dispatcher.Dispatcher talks back to the handler over a
// buffered Inbound channel (capacity 16), which delivers the
// Responses/Events in the order the worker side sends them.
func NewGoroutine(ctx context.Context, body WorkerBody) Transport {
	t := &goroutineTransport{
		requests: make(chan *protocol.Request, 16),
		inbound:  make(chan Inbound, 16),
		exited:   make(chan ExitInfo, 1),
		done:     make(chan struct{}),
	}

	d := dispatcher.New(&goroutineSender{inbound: t.inbound})
	body(d)

	go t.run(ctx, d)
	return t
}

func (t *goroutineTransport) run(ctx context.Context, d *dispatcher.Dispatcher) {
	defer close(t.exited)

	_ = d.Ready()

	for {
		select {
		case <-t.done:
			t.exited <- ExitInfo{Cause: ExitClosedByHost}
			return
		case <-ctx.Done():
			t.exited <- ExitInfo{Cause: ExitClosedByHost, Err: ctx.Err()}
			return
		case req, ok := <-t.requests:
			if !ok {
				t.exited <- ExitInfo{Cause: ExitNormal}
				return
			}
			if req.Type == protocol.TypeTerminate {
				err := d.Handle(ctx, req)
				code := 0
				if req.ExitCode != nil {
					code = *req.ExitCode
				}
				t.exited <- ExitInfo{Cause: ExitNormal, Code: code, Err: ignoreTerminateSentinel(err)}
				return
			}
			// Each task/cleanup/dynamic request is handled concurrently, same
			// as a real worker thread processing independent messages; the
			// Dispatcher itself serializes per-task bookkeeping.
			go func(req *protocol.Request) { _ = d.Handle(ctx, req) }(req)
		}
	}
}

func (t *goroutineTransport) Post(req *protocol.Request) error {
	select {
	case t.requests <- req:
		return nil
	case <-t.done:
		return errClosed
	}
}

func (t *goroutineTransport) Inbound() <-chan Inbound { return t.inbound }
func (t *goroutineTransport) Exited() <-chan ExitInfo { return t.exited }

func (t *goroutineTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func ignoreTerminateSentinel(err error) error {
	if errors.Is(err, dispatcher.ErrTerminateRequested) {
		return nil
	}
	return err
}
