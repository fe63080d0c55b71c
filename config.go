package workerpool

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ygrebnov/workerpool/errkind"
	"github.com/ygrebnov/workerpool/handler"
	"github.com/ygrebnov/workerpool/metrics"
)

// workerType selects the backend a handler spawns its worker on.
type workerType string

const (
	WorkerAuto    workerType = "auto"
	WorkerThread  workerType = "thread"
	WorkerProcess workerType = "process"
	WorkerWeb     workerType = "web"
)

// queueStrategy selects the Task Queue variant a Pool dispatches from.
type queueStrategy string

const (
	QueueFIFO     queueStrategy = "fifo"
	QueueLIFO     queueStrategy = "lifo"
	QueuePriority queueStrategy = "priority"
)

// config holds Pool configuration assembled by Option functions. Unexported:
// callers only ever see it through New's validated result, matching the
// teacher's configOptions builder-then-validate shape.
type config struct {
	maxWorkers             int
	minWorkers             int
	minWorkersIsMax        bool
	workerType             workerType
	workerTerminateTimeout time.Duration
	maxQueueSize           int // 0 means unbounded
	queueStrategy          queueStrategy
	priorityKey            func(task any) int
	emitStdStreams         bool

	forkArgs         []string
	forkOpts         map[string]string
	workerOpts       map[string]string
	workerThreadOpts map[string]string

	onCreateWorker    func(id string)
	onTerminateWorker func(id string)

	logger         *zap.Logger
	metrics        metrics.Provider
	restartBackoff func() backoff.BackOff

	methods        []string // known method names, for Proxy construction
	eventListeners []func(PoolEvent)

	workerBody     handler.WorkerBody
	processCommand string
	processArgs    []string
}

// defaultConfig mirrors the teacher's defaultConfig: every Pool starts from
// these values before Option functions are applied.
func defaultConfig() config {
	return config{
		maxWorkers:             4,
		minWorkers:             0,
		workerType:             WorkerAuto,
		workerTerminateTimeout: 5 * time.Second,
		maxQueueSize:           0,
		queueStrategy:          QueueFIFO,
		emitStdStreams:         false,
		logger:                 zap.NewNop(),
		metrics:                metrics.NewNoopProvider(),
		restartBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0 // retry indefinitely, bounded by the interval growth itself
			return b
		},
	}
}

// validateConfig rejects bad options per spec §4.6: non-positive worker
// counts, invalid workerType/queueStrategy, and a missing worker factory for
// the selected backend.
func validateConfig(cfg *config) error {
	switch {
	case cfg.maxWorkers < 1:
		return fmt.Errorf("%w: maxWorkers must be >= 1", errkind.ErrValidation)
	case cfg.minWorkers < 0:
		return fmt.Errorf("%w: minWorkers must be >= 0", errkind.ErrValidation)
	case !cfg.minWorkersIsMax && cfg.minWorkers > cfg.maxWorkers:
		return fmt.Errorf("%w: minWorkers must not exceed maxWorkers", errkind.ErrValidation)
	case cfg.maxQueueSize < 0:
		return fmt.Errorf("%w: maxQueueSize must be >= 0", errkind.ErrValidation)
	}

	switch cfg.workerType {
	case WorkerAuto, WorkerThread, WorkerProcess, WorkerWeb:
	default:
		return fmt.Errorf("%w: invalid workerType %q", errkind.ErrValidation, cfg.workerType)
	}

	switch cfg.queueStrategy {
	case QueueFIFO, QueueLIFO, QueuePriority:
	default:
		return fmt.Errorf("%w: invalid queueStrategy %q", errkind.ErrValidation, cfg.queueStrategy)
	}

	backend := resolveBackend(cfg.workerType)
	switch backend {
	case WorkerProcess:
		if cfg.processCommand == "" {
			return fmt.Errorf("%w: workerType process requires WithProcessCommand", errkind.ErrValidation)
		}
	default:
		if cfg.workerBody == nil {
			return fmt.Errorf("%w: workerType %q requires WithWorkerBody", errkind.ErrValidation, cfg.workerType)
		}
	}
	return nil
}

// resolveBackend turns "auto" into the concrete backend this build
// supports: the goroutine backend is always available in Go, so auto always
// resolves to it unless the caller explicitly asked for process/web.
func resolveBackend(wt workerType) workerType {
	if wt == WorkerAuto {
		return WorkerThread
	}
	return wt
}
