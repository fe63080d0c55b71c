// Package errkind defines the closed set of error kinds the core can fail
// with, plus a tagging wrapper that carries task/handler correlation
// metadata across the host/worker boundary.
package errkind

import (
	"errors"
	"fmt"
)

// Namespace prefixes every sentinel error's message.
const Namespace = "workerpool"

// Sentinel kinds. Callers identify a failure's kind with errors.Is against
// one of these, never against a concrete struct type.
var (
	// ErrValidation signals bad options or arguments, raised synchronously
	// at construction or submission. It never reaches a worker.
	ErrValidation = errors.New(Namespace + ": validation error")

	// ErrQueueFull signals that a submission would exceed MaxQueueSize.
	ErrQueueFull = errors.New(Namespace + ": queue is full")

	// ErrCancellation signals a user-requested cancel.
	ErrCancellation = errors.New(Namespace + ": task cancelled")

	// ErrTimeout signals a deferred cancel triggered by a timer.
	ErrTimeout = errors.New(Namespace + ": task timed out")

	// ErrTerminate signals a task dropped because its worker or the pool
	// is being torn down.
	ErrTerminate = errors.New(Namespace + ": task terminated")

	// ErrWorker signals that a worker exited abnormally or raised an
	// uncaught error outside any task scope.
	ErrWorker = errors.New(Namespace + ": worker error")

	// ErrTask signals that the user method itself threw; the serialized
	// payload is surfaced faithfully to the caller via Cause.
	ErrTask = errors.New(Namespace + ": task error")
)

// Tagged carries correlation metadata (task id, handler id, underlying
// cause) alongside one of the sentinel Kind values above. It mirrors the
// TaskMetaError contract: a concrete type implementing Unwrap so callers
// can errors.Is/errors.As through it without caring about the wrapping.
type Tagged struct {
	Kind      error
	Cause     error
	TaskID    int64
	HandlerID string
}

// Tag wraps cause (which may be nil) with kind and correlation metadata.
func Tag(kind, cause error, taskID int64, handlerID string) error {
	if kind == nil {
		return cause
	}
	return &Tagged{Kind: kind, Cause: cause, TaskID: taskID, HandlerID: handlerID}
}

func (e *Tagged) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Cause.Error())
}

// Unwrap exposes both the sentinel kind and the underlying cause so
// errors.Is/errors.As can match either.
func (e *Tagged) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func (e *Tagged) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "task=%d handler=%s: %s", e.TaskID, e.HandlerID, e.Error())
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// TaskID extracts the originating task id from err, if it was tagged.
func TaskID(err error) (int64, bool) {
	var t *Tagged
	if errors.As(err, &t) {
		return t.TaskID, true
	}
	return 0, false
}

// HandlerID extracts the originating handler id from err, if it was tagged.
func HandlerID(err error) (string, bool) {
	var t *Tagged
	if errors.As(err, &t) {
		return t.HandlerID, t.HandlerID != ""
	}
	return "", false
}
