package workerpool

import "github.com/ygrebnov/workerpool/errkind"

// Sentinel error kinds, re-exported from errkind so callers never need to
// import that package directly to write an errors.Is check against a
// Pool/Exec failure.
var (
	ErrValidation = errkind.ErrValidation
	ErrQueueFull  = errkind.ErrQueueFull
	ErrCancelled  = errkind.ErrCancellation
	ErrTimeout    = errkind.ErrTimeout
	ErrTerminated = errkind.ErrTerminate
	ErrWorker     = errkind.ErrWorker
	ErrTask       = errkind.ErrTask
)

// TaskID extracts the originating task id from err, if the Pool tagged it.
func TaskID(err error) (int64, bool) { return errkind.TaskID(err) }

// HandlerID extracts the originating handler id from err, if the Pool
// tagged it.
func HandlerID(err error) (string, bool) { return errkind.HandlerID(err) }
