package workerpool

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ygrebnov/workerpool/dispatcher"
	"github.com/ygrebnov/workerpool/errkind"
	"github.com/ygrebnov/workerpool/future"
	"github.com/ygrebnov/workerpool/handler"
	"github.com/ygrebnov/workerpool/metrics"
	"github.com/ygrebnov/workerpool/queue"
	"github.com/ygrebnov/workerpool/transfer"
)

// dynamicClosureKey is the single dispatcher.RegisterDynamic key every
// goroutine/web worker body registers for ExecFunc: the closure itself
// rides along as the request's first param instead of being named ahead of
// time, since the goroutine backend crosses no serialization boundary. The
// process backend has no such registry entry and rejects ExecFunc outright
// (see (*Pool[R]).ExecFunc).
const dynamicClosureKey = "__workerpool-dynamic-closure__"

// queuedTask is one admitted, not-yet-settled unit of work sitting in the
// Task Queue until the dispatch loop pops and assigns it to a handler.
type queuedTask struct {
	id       int64
	method   string
	dynamic  bool
	closure  func(context.Context, []any) (any, error)
	params   []any
	priority int
	timeout  time.Duration
	transfer *transfer.Transfer
	sink     handler.EventSink
	fut      *future.Future[any]
}

type cmdSubmit struct{ task *queuedTask }
type cmdHandlerFree struct{ h *handler.Handler }
type cmdHandlerExit struct {
	h    *handler.Handler
	info handler.ExitInfo
}
type cmdRegisterHandler struct{ h *handler.Handler }
type cmdReplenish struct{}
type cmdStats struct{ reply chan PoolStats }
type cmdRejectQueued struct{ ack chan struct{} }
type cmdSignalHandlers struct {
	force bool
	ack   chan []*handler.Handler
}
type cmdStopRun struct{}

// terminatePlan carries the parameters of the one Terminate call that wins
// the race, from Terminate through to the lifecycleCoordinator's steps.
type terminatePlan struct {
	force    bool
	timeout  time.Duration
	handlers []*handler.Handler
}

// Pool dispatches named or dynamic tasks to a fleet of Worker Handlers over
// a goroutine, process, or web backend. Every mutation of queue/handler
// state happens inside run, the Pool's single dispatch-loop goroutine,
// reached only through cmds — the actor-via-channel realization of the
// "no re-entrancy guards because one event loop" scheduling model.
type Pool[R any] struct {
	ID string

	cfg     config
	logger  *zap.Logger
	metrics metrics.Provider
	body    handler.WorkerBody

	instr *metrics.PoolInstruments

	ctx    context.Context
	cancel context.CancelFunc

	cmds    chan any
	runDone chan struct{}

	nextTaskID      atomic.Int64
	queueLen        atomic.Int64
	terminatingFlag atomic.Bool

	events *eventForwarder
	ready  *future.Future[struct{}]

	closeOnce    sync.Once
	lc           *lifecycleCoordinator
	plan         terminatePlan
	terminateFut *future.Future[struct{}]

	// The remaining fields are mutated only from run's goroutine.
	q           queue.Queue[*queuedTask]
	handlers    map[string]*handler.Handler
	restartBO   backoff.BackOff
	restarting  bool
	terminating bool
}

// New constructs a Pool, starts its dispatch loop, and kicks off minWorkers
// warmup (or WithMinWorkersMax's maxWorkers-sized warmup) in the
// background. Use Ready to wait for warmup to finish.
func New[R any](opts ...Option) (*Pool[R], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool[R]{
		ID:        uuid.NewString(),
		cfg:       cfg,
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan any, 256),
		runDone:   make(chan struct{}),
		events:    newEventForwarder(cfg.logger, cfg.eventListeners),
		ready:     future.New[struct{}](),
		handlers:  make(map[string]*handler.Handler),
		restartBO: cfg.restartBackoff(),
	}
	p.body = p.wrapWorkerBody(cfg.workerBody)

	p.instr = metrics.NewPoolInstruments(cfg.metrics)

	switch cfg.queueStrategy {
	case QueueLIFO:
		p.q = queue.NewLIFO[*queuedTask]()
	case QueuePriority:
		keyFn := cfg.priorityKey
		if keyFn == nil {
			keyFn = func(task any) int { return task.(*queuedTask).priority }
		}
		p.q = queue.NewPriorityByKey(func(t *queuedTask) int { return keyFn(t) })
	default:
		p.q = queue.NewFIFO[*queuedTask]()
	}

	p.lc = newLifecycleCoordinator(
		p.stopIntakeStep,
		p.rejectQueuedStep,
		p.terminateHandleStep,
		p.waitHandlersStep,
		p.closeEventBusStep,
	)

	go p.events.run()
	go p.run()
	p.warmup()

	return p, nil
}

// Ready resolves once every warmup worker has emitted READY (immediately,
// if minWorkers is zero).
func (p *Pool[R]) Ready() *future.Future[struct{}] { return p.ready }

// wrapWorkerBody layers the fixed dynamic-closure registry entry onto the
// caller's WorkerBody, so ExecFunc works against any goroutine/web backend
// body without that body having to know about it.
func (p *Pool[R]) wrapWorkerBody(body handler.WorkerBody) handler.WorkerBody {
	if body == nil {
		return nil
	}
	return func(d *dispatcher.Dispatcher) {
		body(d)
		d.RegisterDynamic(dynamicClosureKey, func(ctx context.Context, params []any) (any, error) {
			if len(params) == 0 {
				return nil, fmt.Errorf("%w: dynamic closure missing from params", errkind.ErrValidation)
			}
			fn, ok := params[0].(func(context.Context, []any) (any, error))
			if !ok {
				return nil, fmt.Errorf("%w: dynamic closure has an unexpected type", errkind.ErrValidation)
			}
			return fn(ctx, params[1:])
		})
	}
}

// Exec submits a named task and returns a future for its result.
func (p *Pool[R]) Exec(ctx context.Context, method string, params []any, opts ...ExecOption) *future.Future[R] {
	ec := applyExecOptions(opts)
	return p.submit(ctx, method, false, nil, params, ec)
}

// ExecFunc submits a dynamic task: fn runs directly on the goroutine/web
// backend (no serialization boundary to cross). The process backend cannot
// carry a Go closure across an OS process boundary, so ExecFunc rejects
// synchronously with ErrValidation there instead of attempting it.
func (p *Pool[R]) ExecFunc(ctx context.Context, fn DynamicFunc[R], params []any, opts ...ExecOption) *future.Future[R] {
	if resolveBackend(p.cfg.workerType) == WorkerProcess {
		out := future.New[R]()
		out.Reject(fmt.Errorf("%w: ExecFunc is unsupported on the process backend", errkind.ErrValidation))
		return out
	}

	ec := applyExecOptions(opts)
	closure := func(c context.Context, pr []any) (any, error) { return fn(c, pr) }
	return p.submit(ctx, dynamicClosureKey, true, closure, params, ec)
}

func (p *Pool[R]) submit(
	ctx context.Context,
	method string,
	dynamic bool,
	closure func(context.Context, []any) (any, error),
	params []any,
	ec execConfig,
) *future.Future[R] {
	inner := future.New[any]()
	out := future.Then(inner,
		func(v any) (R, error) { return coerce[R](v) },
		func(err error) (R, error) { var zero R; return zero, err },
	)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				out.Cancel()
			case <-out.Done():
			}
		}()
	}

	if p.terminatingFlag.Load() {
		inner.Reject(fmt.Errorf("%w: pool is terminating", errkind.ErrTerminate))
		return out
	}
	if !dynamic && len(p.cfg.methods) > 0 && !containsString(p.cfg.methods, method) {
		inner.Reject(fmt.Errorf("%w: unknown method %q", errkind.ErrValidation, method))
		return out
	}
	if p.cfg.maxQueueSize > 0 && p.queueLen.Load() >= int64(p.cfg.maxQueueSize) {
		inner.Reject(errkind.ErrQueueFull)
		return out
	}

	qt := &queuedTask{
		id:       p.nextTaskID.Add(1) - 1,
		method:   method,
		dynamic:  dynamic,
		closure:  closure,
		params:   params,
		priority: ec.priority,
		timeout:  ec.timeout,
		transfer: ec.transfer,
		sink:     ec.sink,
		fut:      inner,
	}

	select {
	case p.cmds <- cmdSubmit{task: qt}:
		p.queueLen.Add(1)
	case <-p.runDone:
		inner.Reject(fmt.Errorf("%w: pool is terminated", errkind.ErrTerminate))
	}
	return out
}

// Proxy builds a static facade over Exec from the method names declared
// with WithMethods. Unlike a live introspection RPC against a worker, this
// resolves immediately: see DESIGN.md for why the wire protocol has no
// introspection message to round-trip for this.
func (p *Pool[R]) Proxy(ctx context.Context) (*future.Future[Proxy[R]], error) {
	if len(p.cfg.methods) == 0 {
		return nil, fmt.Errorf("%w: Proxy requires WithMethods at construction", errkind.ErrValidation)
	}
	out := future.New[Proxy[R]]()
	out.Resolve(Proxy[R]{pool: p, ctx: ctx, methods: p.cfg.methods})
	return out, nil
}

// Proxy is a convenience facade whose Call delegates to the owning Pool's
// Exec, scoped to the method names declared at construction.
type Proxy[R any] struct {
	pool    *Pool[R]
	ctx     context.Context
	methods []string
}

// Methods returns the method names this Proxy was built from.
func (px Proxy[R]) Methods() []string { return px.methods }

// Call delegates to the owning Pool's Exec.
func (px Proxy[R]) Call(method string, params []any, opts ...ExecOption) *future.Future[R] {
	return px.pool.Exec(px.ctx, method, params, opts...)
}

// Stats returns a point-in-time occupancy snapshot, computed inside run so
// it never observes a torn read of queue/handler state.
func (p *Pool[R]) Stats() PoolStats {
	reply := make(chan PoolStats, 1)
	select {
	case p.cmds <- cmdStats{reply: reply}:
	case <-p.runDone:
		return PoolStats{}
	}
	select {
	case s := <-reply:
		return s
	case <-p.runDone:
		return PoolStats{}
	}
}

// Terminate begins the shutdown sequence exactly once; later calls observe
// the same future regardless of the force/timeout they pass.
func (p *Pool[R]) Terminate(ctx context.Context, force bool, timeout time.Duration) *future.Future[struct{}] {
	p.closeOnce.Do(func() {
		p.terminateFut = future.New[struct{}]()
		p.plan.force = force
		p.plan.timeout = timeout
		go p.lc.Close()
	})
	return p.terminateFut
}

func (p *Pool[R]) stopIntakeStep() { p.terminatingFlag.Store(true) }

func (p *Pool[R]) rejectQueuedStep() {
	ack := make(chan struct{})
	select {
	case p.cmds <- cmdRejectQueued{ack: ack}:
		<-ack
	case <-p.runDone:
	}
}

func (p *Pool[R]) terminateHandleStep() {
	ack := make(chan []*handler.Handler, 1)
	select {
	case p.cmds <- cmdSignalHandlers{force: p.plan.force, ack: ack}:
		p.plan.handlers = <-ack
	case <-p.runDone:
	}
}

func (p *Pool[R]) waitHandlersStep() {
	p.waitForHandlers(p.plan.handlers, p.plan.timeout)
}

func (p *Pool[R]) closeEventBusStep() {
	select {
	case p.cmds <- cmdStopRun{}:
	case <-p.runDone:
	case <-time.After(2 * time.Second):
	}
	p.cancel()
	p.events.close()
	p.terminateFut.Resolve(struct{}{})
}

// waitForHandlers blocks until every handler in hs reaches Terminated,
// bounded by timeout (0 means wait indefinitely); stragglers past the
// deadline are force-terminated, coordinated with errgroup the same way
// the teacher coordinates its parallel shutdown waits with a WaitGroup.
func (p *Pool[R]) waitForHandlers(hs []*handler.Handler, timeout time.Duration) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hs {
		h := h
		g.Go(func() error {
			select {
			case <-h.Done():
				return nil
			case <-gctx.Done():
				h.ForceTerminate()
				<-h.Done()
				return gctx.Err()
			}
		})
	}
	_ = g.Wait()
}

// run is the dispatch loop: the only goroutine that ever reads or writes
// q, handlers, restartBO, restarting, and terminating.
func (p *Pool[R]) run() {
	defer close(p.runDone)
	for raw := range p.cmds {
		switch c := raw.(type) {
		case cmdSubmit:
			p.q.Push(c.task)
			p.next()
		case cmdHandlerFree:
			p.next()
		case cmdHandlerExit:
			p.onHandlerExitCmd(c)
		case cmdRegisterHandler:
			p.registerHandler(c.h)
			p.next()
		case cmdReplenish:
			p.replenish()
		case cmdStats:
			p.handleStats(c)
		case cmdRejectQueued:
			p.handleRejectQueued(c)
		case cmdSignalHandlers:
			p.handleSignalHandlers(c)
		case cmdStopRun:
			return
		}
	}
}

// next repeatedly assigns queued tasks to handlers while progress is
// possible: pick an idle handler, else create one under maxWorkers, else
// stop and wait for the next cmdHandlerFree/cmdRegisterHandler.
func (p *Pool[R]) next() {
	for {
		qt, ok := p.q.Pop()
		if !ok {
			return
		}
		p.queueLen.Add(-1)
		if qt.fut.State() != future.Pending {
			// Settled already (cancelled while queued); drop and keep going.
			continue
		}

		h := p.pickIdle()
		if h == nil {
			if len(p.handlers) >= p.cfg.maxWorkers {
				p.q.Push(qt)
				p.queueLen.Add(1)
				return
			}
			created, err := p.createHandler()
			if err != nil {
				qt.fut.Reject(errkind.Tag(errkind.ErrWorker, err, qt.id, ""))
				continue
			}
			h = created
		}
		p.dispatch(h, qt)
	}
}

func (p *Pool[R]) pickIdle() *handler.Handler {
	for _, h := range p.handlers {
		if h.State() == handler.Idle {
			return h
		}
	}
	return nil
}

func (p *Pool[R]) dispatch(h *handler.Handler, qt *queuedTask) {
	qt.fut.Always(func() {
		select {
		case p.cmds <- cmdHandlerFree{h: h}:
		case <-p.runDone:
		}
	})

	start := time.Now()
	qt.fut.Always(func() {
		_, err := qt.fut.Wait()
		p.instr.RecordTaskOutcome(time.Since(start).Seconds(), err)
		if err != nil {
			p.events.emit(PoolEvent{Kind: EventTaskFail, TaskID: qt.id, HandlerID: h.ID, Err: err})
			return
		}
		p.events.emit(PoolEvent{Kind: EventTaskComplete, TaskID: qt.id, HandlerID: h.ID})
	})

	p.events.emit(PoolEvent{Kind: EventTaskStart, TaskID: qt.id, HandlerID: h.ID})

	method := qt.method
	params := qt.params
	if qt.dynamic {
		params = append([]any{qt.closure}, qt.params...)
	}
	h.Exec(qt.fut, qt.dynamic, method, params, qt.transfer, qt.timeout, qt.sink)
}

// newHandlerTransport builds the Transport for the resolved backend. It
// touches no Pool state, so it is safe to call concurrently during warmup.
func (p *Pool[R]) newHandlerTransport() (handler.Transport, error) {
	switch resolveBackend(p.cfg.workerType) {
	case WorkerProcess:
		args := append(append([]string(nil), p.cfg.processArgs...), p.cfg.forkArgs...)
		return handler.NewProcess(p.ctx, p.cfg.processCommand, args)
	case WorkerWeb:
		return handler.NewWeb(p.ctx, p.body), nil
	default:
		return handler.NewGoroutine(p.ctx, p.body), nil
	}
}

func (p *Pool[R]) newHandler(transport handler.Transport) *handler.Handler {
	return handler.New(transport,
		handler.WithLogger(p.logger),
		handler.WithTerminateGrace(p.cfg.workerTerminateTimeout),
		handler.WithExitObserver(p.onHandlerExit),
	)
}

// createHandler builds and registers one handler synchronously, for the
// demand path (next), where handlers are created one at a time as the
// dispatch loop discovers it needs one.
func (p *Pool[R]) createHandler() (*handler.Handler, error) {
	transport, err := p.newHandlerTransport()
	if err != nil {
		return nil, err
	}
	h := p.newHandler(transport)
	p.registerHandler(h)
	return h, nil
}

// registerHandler inserts h into the run-loop-owned handler map. Only run
// calls this directly; warmup goroutines route through cmdRegisterHandler.
func (p *Pool[R]) registerHandler(h *handler.Handler) {
	p.handlers[h.ID] = h
	if p.cfg.onCreateWorker != nil {
		p.cfg.onCreateWorker(h.ID)
	}
	p.instr.WorkerCreated.Add(1)
	p.events.emit(PoolEvent{Kind: EventWorkerCreated, HandlerID: h.ID})
}

// onHandlerExit is the handler.ExitObserver: it runs on the exiting
// handler's own goroutine, so it only ever posts a command back to run.
func (p *Pool[R]) onHandlerExit(h *handler.Handler, info handler.ExitInfo) {
	select {
	case p.cmds <- cmdHandlerExit{h: h, info: info}:
	case <-p.runDone:
	}
}

func (p *Pool[R]) onHandlerExitCmd(c cmdHandlerExit) {
	delete(p.handlers, c.h.ID)
	if p.cfg.onTerminateWorker != nil {
		p.cfg.onTerminateWorker(c.h.ID)
	}

	kind := EventWorkerTerminated
	var cerr error
	if c.info.Cause == handler.ExitCrash {
		kind = EventWorkerError
		cerr = fmt.Errorf("exit code %d", c.info.Code)
		p.instr.WorkerError.Add(1)
	}
	p.instr.WorkerTerminated.Add(1)
	p.events.emit(PoolEvent{Kind: kind, HandlerID: c.h.ID, Err: cerr})

	if !p.terminating && c.info.Cause == handler.ExitCrash {
		p.maybeReplenish()
	}
	p.next()
}

// maybeReplenish schedules a backoff-gated attempt to restore the warmup
// floor after a crash, so a worker that crashes immediately on startup
// cannot spin the Pool into a tight respawn loop. Demand-driven creation in
// next is unaffected: a fresh submission always creates a handler
// immediately, regardless of this backoff.
func (p *Pool[R]) maybeReplenish() {
	floor := p.warmupFloor()
	if floor <= 0 || len(p.handlers) >= floor || p.restarting {
		return
	}
	delay := p.restartBO.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	p.restarting = true
	time.AfterFunc(delay, func() {
		select {
		case p.cmds <- cmdReplenish{}:
		case <-p.runDone:
		}
	})
}

func (p *Pool[R]) replenish() {
	p.restarting = false
	if p.terminating {
		return
	}
	floor := p.warmupFloor()
	for len(p.handlers) < floor && len(p.handlers) < p.cfg.maxWorkers {
		if _, err := p.createHandler(); err != nil {
			p.logger.Warn("workerpool: replenish failed", zap.Error(err))
			p.maybeReplenish()
			return
		}
	}
	p.restartBO.Reset()
	p.next()
}

func (p *Pool[R]) warmupFloor() int {
	if p.cfg.minWorkersIsMax {
		return p.cfg.maxWorkers
	}
	return p.cfg.minWorkers
}

func (p *Pool[R]) handleStats(c cmdStats) {
	busy := 0
	for _, h := range p.handlers {
		if h.Busy() {
			busy++
		}
	}
	c.reply <- PoolStats{
		TotalWorkers:  len(p.handlers),
		BusyWorkers:   busy,
		IdleWorkers:   len(p.handlers) - busy,
		PendingTasks:  p.q.Size(),
		ActiveTasks:   busy,
		RestartActive: p.restarting,
	}
}

func (p *Pool[R]) handleRejectQueued(c cmdRejectQueued) {
	for _, t := range p.q.Clear() {
		p.queueLen.Add(-1)
		t.fut.Reject(fmt.Errorf("%w: pool is terminating", errkind.ErrTerminate))
	}
	close(c.ack)
}

func (p *Pool[R]) handleSignalHandlers(c cmdSignalHandlers) {
	p.terminating = true
	snapshot := make([]*handler.Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		snapshot = append(snapshot, h)
		if c.force {
			h.ForceTerminate()
		} else {
			h.Drain()
		}
	}
	c.ack <- snapshot
}

// warmup eagerly constructs the configured warmup floor of handlers,
// bounded by a semaphore so a large minWorkers does not burst dozens of
// concurrently-booting transports at once; ready resolves once every one
// of them has emitted READY.
func (p *Pool[R]) warmup() {
	floor := p.warmupFloor()
	if floor <= 0 {
		p.ready.Resolve(struct{}{})
		return
	}

	sem := semaphore.NewWeighted(int64(warmupConcurrency(floor)))
	readyChs := make(chan (<-chan struct{}), floor)
	var wg sync.WaitGroup
	wg.Add(floor)

	for i := 0; i < floor; i++ {
		go func() {
			defer wg.Done()
			if err := sem.Acquire(p.ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			transport, err := p.newHandlerTransport()
			if err != nil {
				p.logger.Warn("workerpool: warmup handler failed", zap.Error(err))
				return
			}
			h := p.newHandler(transport)
			select {
			case p.cmds <- cmdRegisterHandler{h: h}:
			case <-p.runDone:
				return
			}
			readyChs <- h.Ready()
		}()
	}

	go func() {
		wg.Wait()
		close(readyChs)
		for ch := range readyChs {
			<-ch
		}
		p.ready.Resolve(struct{}{})
	}()
}

// warmupConcurrency caps how many handlers boot at once.
func warmupConcurrency(floor int) int {
	const maxConcurrentBoot = 8
	if floor > maxConcurrentBoot {
		return maxConcurrentBoot
	}
	return floor
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// coerce adapts a task's any-typed result to R: a direct type assertion
// covers the goroutine backend (no serialization boundary), and a reflect
// conversion covers the process backend, where JSON decoding can hand back
// a float64 for what was an int on the wire, or similar representational
// drift between JSON's type set and R's.
func coerce[R any](v any) (R, error) {
	var zero R
	if v == nil {
		return zero, nil
	}
	if r, ok := v.(R); ok {
		return r, nil
	}
	rv := reflect.ValueOf(v)
	zt := reflect.TypeOf(zero)
	if zt != nil && rv.Type().ConvertibleTo(zt) {
		return rv.Convert(zt).Interface().(R), nil
	}
	return zero, fmt.Errorf("%w: task result type %T is not assignable to %T", errkind.ErrTask, v, zero)
}
