package workerpool

import "sync"

// lifecycleCoordinator encapsulates the Pool's shutdown sequence. It is a
// wiring helper, not an owner of any state: it orchestrates closures,
// draining, and waits in a deterministic order so Terminate's graceful and
// force paths share one Close-exactly-once guarantee, the same structure
// the teacher's lifecycleCoordinator gives Workers.Close, generalized from
// "stop channels in order" to "stop dispatch, drain the queue, tear down
// every handler, then close the event bus."
type lifecycleCoordinator struct {
	stopIntake      func()   // stop accepting new Exec submissions
	rejectQueued    func()   // settle every not-yet-dispatched task with TerminateError
	terminateHandle func()   // ask every handler to terminate (graceful or forced)
	waitHandlers    func()   // block until every handler reaches Terminated
	closeEventBus   func()

	once sync.Once
}

func newLifecycleCoordinator(
	stopIntake func(),
	rejectQueued func(),
	terminateHandle func(),
	waitHandlers func(),
	closeEventBus func(),
) *lifecycleCoordinator {
	return &lifecycleCoordinator{
		stopIntake:      stopIntake,
		rejectQueued:    rejectQueued,
		terminateHandle: terminateHandle,
		waitHandlers:    waitHandlers,
		closeEventBus:   closeEventBus,
	}
}

// Close runs the shutdown sequence exactly once:
// 1) stop accepting new submissions
// 2) reject whatever is still queued with TerminateError
// 3) signal every handler to terminate (caller chooses graceful or force)
// 4) wait for every handler to reach Terminated
// 5) close the event bus
func (lc *lifecycleCoordinator) Close() {
	lc.once.Do(func() {
		if lc.stopIntake != nil {
			lc.stopIntake()
		}
		if lc.rejectQueued != nil {
			lc.rejectQueued()
		}
		if lc.terminateHandle != nil {
			lc.terminateHandle()
		}
		if lc.waitHandlers != nil {
			lc.waitHandlers()
		}
		if lc.closeEventBus != nil {
			lc.closeEventBus()
		}
	})
}
