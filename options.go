package workerpool

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ygrebnov/workerpool/handler"
	"github.com/ygrebnov/workerpool/metrics"
	"github.com/ygrebnov/workerpool/transfer"
)

// Option configures a Pool at construction, mirroring the teacher's
// Option func(*configOptions) pattern. New skips nil options.
type Option func(*config)

func WithMaxWorkers(n int) Option {
	return func(c *config) { c.maxWorkers = n }
}

// WithMinWorkers sets the eager warmup floor. Pass WithMinWorkersMax instead
// of a literal maxWorkers value to track it dynamically (spec's `"max"`).
func WithMinWorkers(n int) Option {
	return func(c *config) { c.minWorkers = n; c.minWorkersIsMax = false }
}

// WithMinWorkersMax sets the warmup floor equal to maxWorkers (spec's
// minWorkers: "max").
func WithMinWorkersMax() Option {
	return func(c *config) { c.minWorkersIsMax = true }
}

func WithWorkerType(wt workerType) Option {
	return func(c *config) { c.workerType = wt }
}

func WithWorkerTerminateTimeout(d time.Duration) Option {
	return func(c *config) { c.workerTerminateTimeout = d }
}

// WithMaxQueueSize bounds the task queue; 0 means unbounded.
func WithMaxQueueSize(n int) Option {
	return func(c *config) { c.maxQueueSize = n }
}

func WithQueueStrategy(qs queueStrategy) Option {
	return func(c *config) { c.queueStrategy = qs }
}

// WithPriorityKey overrides how a QueuePriority pool ranks queued tasks;
// smaller numbers dequeue first (spec's min-heap contract, see DESIGN.md
// Open Question). task is the internal queued-task value passed opaquely.
// Unset, QueuePriority ranks by the per-call WithPriority ExecOption.
func WithPriorityKey(keyFn func(task any) int) Option {
	return func(c *config) { c.priorityKey = keyFn }
}

func WithEmitStdStreams(enabled bool) Option {
	return func(c *config) { c.emitStdStreams = enabled }
}

func WithForkArgs(args ...string) Option {
	return func(c *config) { c.forkArgs = args }
}

func WithForkOpts(opts map[string]string) Option {
	return func(c *config) { c.forkOpts = copyStringMap(opts) }
}

func WithWorkerOpts(opts map[string]string) Option {
	return func(c *config) { c.workerOpts = copyStringMap(opts) }
}

func WithWorkerThreadOpts(opts map[string]string) Option {
	return func(c *config) { c.workerThreadOpts = copyStringMap(opts) }
}

func WithOnCreateWorker(fn func(id string)) Option {
	return func(c *config) { c.onCreateWorker = fn }
}

func WithOnTerminateWorker(fn func(id string)) Option {
	return func(c *config) { c.onTerminateWorker = fn }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger == nil {
			logger = zap.NewNop()
		}
		c.logger = logger
	}
}

func WithMetrics(provider metrics.Provider) Option {
	return func(c *config) {
		if provider == nil {
			provider = metrics.NewNoopProvider()
		}
		c.metrics = provider
	}
}

// WithRestartBackoff overrides the bounded exponential backoff gating
// replacement-worker creation after a crash. factory is called once per
// Pool to produce an independent BackOff (backoff.BackOff is stateful).
func WithRestartBackoff(factory func() backoff.BackOff) Option {
	return func(c *config) { c.restartBackoff = factory }
}

// WithMethods declares the method names a worker body registers, used to
// validate Exec calls early and to populate Proxy (see DESIGN.md: Proxy is
// built from this static declaration rather than a live introspection RPC).
func WithMethods(names ...string) Option {
	return func(c *config) { c.methods = append([]string(nil), names...) }
}

// WithOnEvent registers a listener for Pool observability events
// (taskStart/taskComplete/taskFail/workerCreated/workerTerminated/
// workerError). Multiple calls accumulate listeners rather than replacing.
func WithOnEvent(fn func(PoolEvent)) Option {
	return func(c *config) { c.eventListeners = append(c.eventListeners, fn) }
}

// WithWorkerBody supplies the goroutine/web backend's worker entry point:
// it registers methods and dynamic-task handling against the dispatcher
// passed to it. Required unless workerType is process.
func WithWorkerBody(body handler.WorkerBody) Option {
	return func(c *config) { c.workerBody = body }
}

// WithProcessCommand selects the binary (and its arguments) spawned as the
// worker for workerType process; it is expected to run a dispatcher.New
// wired to a process-framed Sender reading protocol.Request lines on stdin.
func WithProcessCommand(name string, args ...string) Option {
	return func(c *config) { c.processCommand = name; c.processArgs = args }
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ExecOption configures one Exec/ExecFunc call.
type ExecOption func(*execConfig)

type execConfig struct {
	timeout  time.Duration
	priority int
	sink     handler.EventSink
	transfer *transfer.Transfer
}

func WithTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) { c.timeout = d }
}

// WithPriority sets this task's priority for QueuePriority pools; smaller
// values dequeue first. Ignored by fifo/lifo pools.
func WithPriority(p int) ExecOption {
	return func(c *execConfig) { c.priority = p }
}

// WithEventSink registers a callback invoked with each payload the worker
// emits for this task while it is in flight.
func WithEventSink(sink handler.EventSink) ExecOption {
	return func(c *execConfig) { c.sink = sink }
}

// WithTransfer attaches a Transfer Descriptor to this task. When the task is
// dispatched its handles are detached from tr (Transfer.Take) on every
// backend; neither tr's Value nor its handles are delivered to the worker,
// which receives only the task's params.
func WithTransfer(tr transfer.Transfer) ExecOption {
	return func(c *execConfig) { c.transfer = &tr }
}

func applyExecOptions(opts []ExecOption) execConfig {
	var cfg execConfig
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	return cfg
}
