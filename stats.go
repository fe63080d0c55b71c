package workerpool

// PoolStats is a point-in-time snapshot of Pool occupancy, per spec §4.5.
type PoolStats struct {
	TotalWorkers  int
	BusyWorkers   int
	IdleWorkers   int
	PendingTasks  int // queue length
	ActiveTasks   int // == BusyWorkers, kept distinct since busy counts handlers, not tasks
	RestartActive bool
}
