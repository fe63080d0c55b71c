package handler

import "github.com/ygrebnov/workerpool/protocol"

// Inbound is one decoded message arriving from the worker side: exactly one
// of Response or Event is set.
type Inbound struct {
	Response *protocol.Response
	Event    *protocol.Event
}

// ExitCause classifies why a Transport's Exited channel fired.
type ExitCause int

const (
	ExitNormal ExitCause = iota
	ExitCrash
	ExitClosedByHost
)

// ExitInfo describes a backend's termination.
type ExitInfo struct {
	Cause ExitCause
	Code  int
	Err   error
}

// Transport is the small capability set each backend (goroutine, process,
// web) implements, per the "one state machine, one transport interface"
// design: {post, close, onMessage/onExit/onError} realized as channels
// instead of callbacks, matching Go's idiom over JS's event-emitter one.
type Transport interface {
	// Post sends req to the worker. Post never blocks on a worker response;
	// it only blocks on backpressure from the transport's own send path.
	Post(req *protocol.Request) error

	// Inbound delivers decoded Responses and Events as they arrive, in the
	// order the backend received them.
	Inbound() <-chan Inbound

	// Exited fires exactly once, when the backend's worker process/thread
	// has terminated, whether cleanly or abnormally.
	Exited() <-chan ExitInfo

	// Close force-terminates the backend if still running. Idempotent.
	Close() error
}
