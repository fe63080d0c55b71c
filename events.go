package workerpool

import "go.uber.org/zap"

// EventKind discriminates a Pool observability event, per spec §4.5
// "Events": taskStart, taskComplete, taskFail, workerCreated,
// workerTerminated, workerError.
type EventKind string

const (
	EventTaskStart        EventKind = "taskStart"
	EventTaskComplete     EventKind = "taskComplete"
	EventTaskFail         EventKind = "taskFail"
	EventWorkerCreated    EventKind = "workerCreated"
	EventWorkerTerminated EventKind = "workerTerminated"
	EventWorkerError      EventKind = "workerError"
)

// PoolEvent is one observability notification, delivered to every listener
// registered via WithOnEvent.
type PoolEvent struct {
	Kind      EventKind
	TaskID    int64
	HandlerID string
	Err       error
}

// eventForwarder fans Pool events out to registered listeners without ever
// blocking the dispatch loop. Grounded on the teacher's errorForwarder: a
// single intake channel, best-effort delivery, and draining on close,
// generalized from "one error, one outward channel, stop on first error" to
// "N event kinds, N listener callbacks, never stop" since the Pool's event
// bus is observability, not a cancellation trigger.
type eventForwarder struct {
	in        chan PoolEvent
	listeners []func(PoolEvent)
	logger    *zap.Logger
	closeCh   chan struct{}
}

func newEventForwarder(logger *zap.Logger, listeners []func(PoolEvent)) *eventForwarder {
	return &eventForwarder{
		in:        make(chan PoolEvent, 256),
		listeners: listeners,
		logger:    logger,
		closeCh:   make(chan struct{}),
	}
}

// emit is the only operation the dispatch loop calls: it never blocks. The
// intake buffer is generous; a full buffer only drops the event (logged)
// rather than stalling the one goroutine that owns Pool state, per spec
// §4.5 "the event bus is synchronous; emitting must not block the dispatch
// loop."
func (f *eventForwarder) emit(ev PoolEvent) {
	if len(f.listeners) == 0 {
		return
	}
	select {
	case f.in <- ev:
	default:
		f.logger.Warn("pool event dropped, listener queue full", zap.String("kind", string(ev.Kind)))
	}
}

func (f *eventForwarder) run() {
	for {
		select {
		case ev := <-f.in:
			for _, l := range f.listeners {
				f.dispatchOne(l, ev)
			}
		case <-f.closeCh:
			// Drain whatever is already queued, then exit, mirroring the
			// teacher's drain-on-close behavior.
			for {
				select {
				case ev := <-f.in:
					for _, l := range f.listeners {
						f.dispatchOne(l, ev)
					}
				default:
					return
				}
			}
		}
	}
}

// dispatchOne isolates one listener's panic from the forwarder loop and
// from every other listener, the same guarded-call discipline applied at
// every other user-code boundary in this module.
func (f *eventForwarder) dispatchOne(l func(PoolEvent), ev PoolEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("pool event listener panicked", zap.Any("recover", r))
		}
	}()
	l(ev)
}

func (f *eventForwarder) close() {
	close(f.closeCh)
}
