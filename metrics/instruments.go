package metrics

// Instrument name shape used throughout this package's callers:
// workerpool_<subject>_<verb>[_total], where subject is "task" or "worker".
// PoolInstruments resolves that fixed set once and hands back typed handles,
// so a pool records against a cached instrument instead of looking one up by
// string on every task completion or worker spawn.
const (
	NameTaskComplete     = "workerpool_task_complete_total"
	NameTaskFail         = "workerpool_task_fail_total"
	NameTaskDuration     = "workerpool_task_duration_seconds"
	NameWorkerCreated    = "workerpool_worker_created_total"
	NameWorkerTerminated = "workerpool_worker_terminated_total"
	NameWorkerError      = "workerpool_worker_error_total"
)

// PoolInstruments is the fixed instrument set a worker pool records against:
// task outcomes and latency, and worker churn across the restart-on-crash
// lifecycle. Handed-out instruments are resolved once from a Provider and
// reused for the PoolInstruments' lifetime.
type PoolInstruments struct {
	TaskComplete     Counter
	TaskFail         Counter
	TaskDuration     Histogram
	WorkerCreated    Counter
	WorkerTerminated Counter
	WorkerError      Counter
}

// NewPoolInstruments resolves the pool's fixed instrument set from p.
func NewPoolInstruments(p Provider) *PoolInstruments {
	return &PoolInstruments{
		TaskComplete:     p.Counter(NameTaskComplete),
		TaskFail:         p.Counter(NameTaskFail),
		TaskDuration:     p.Histogram(NameTaskDuration, WithUnit("s")),
		WorkerCreated:    p.Counter(NameWorkerCreated),
		WorkerTerminated: p.Counter(NameWorkerTerminated),
		WorkerError:      p.Counter(NameWorkerError),
	}
}

// RecordTaskOutcome records one completed task's duration and its
// success/failure counter in a single call, matching how the pool's actor
// loop learns of a task's result (duration is always known; failure is
// conditional on err).
func (in *PoolInstruments) RecordTaskOutcome(seconds float64, err error) {
	in.TaskDuration.Record(seconds)
	if err != nil {
		in.TaskFail.Add(1)
		return
	}
	in.TaskComplete.Add(1)
}
