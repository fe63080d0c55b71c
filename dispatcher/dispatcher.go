// Package dispatcher is the worker-side counterpart of package handler: it
// runs inside a worker binary (a goroutine body for the in-process backend,
// or a standalone process's main for the process backend) and decodes
// incoming protocol.Request values into registered method calls.
//
// It owns the method registry, the per-task abort-listener discipline, and
// outgoing event emission (the workerEmit/registerAbortListener analogues),
// mirroring the teacher's dispatcher.go single-consumer-loop shape but
// dispatching named RPCs instead of queued generic tasks.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ygrebnov/workerpool/protocol"
)

// MethodFunc is a registered callable: a named method or a pre-registered
// dynamic-task body. ctx carries the active task id, reachable from within
// fn via Emit/OnAbort.
type MethodFunc func(ctx context.Context, params []any) (any, error)

// Sender delivers a Response or Event back across the worker boundary. The
// goroutine backend implements it directly over a channel; the process
// backend implements it over framed stdout writes.
type Sender interface {
	Send(msg any) error
}

// ErrTerminateRequested is returned from Handle when the request was a
// TypeTerminate; the worker binary should exit (with ExitCode, if set) after
// any in-flight work this call already completed.
var ErrTerminateRequested = errors.New("dispatcher: terminate requested")

// ErrMethodNotFound is serialized back to the host when a TASK or DYNAMIC
// request names a method absent from the registry.
var ErrMethodNotFound = errors.New("dispatcher: method not found")

type dispatchCtxKey struct{}

type dispatchCtx struct {
	d      *Dispatcher
	taskID int64
}

func withDispatch(ctx context.Context, d *Dispatcher, taskID int64) context.Context {
	return context.WithValue(ctx, dispatchCtxKey{}, &dispatchCtx{d: d, taskID: taskID})
}

func fromContext(ctx context.Context) (*dispatchCtx, bool) {
	dc, ok := ctx.Value(dispatchCtxKey{}).(*dispatchCtx)
	return dc, ok
}

// Dispatcher is the worker-side method registry and abort/emit coordinator.
type Dispatcher struct {
	mu             sync.Mutex
	methods        map[string]MethodFunc
	dynamic        map[string]MethodFunc
	abortListeners map[int64][]func()
	active         map[int64]bool

	sender Sender
	logger *zap.Logger
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithLogger attaches a structured logger; nil installs a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger == nil {
			logger = zap.NewNop()
		}
		d.logger = logger
	}
}

// New returns a Dispatcher that delivers responses and events through sender.
func New(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		methods:        make(map[string]MethodFunc),
		dynamic:        make(map[string]MethodFunc),
		abortListeners: make(map[int64][]func()),
		active:         make(map[int64]bool),
		sender:         sender,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a named method callable by TypeTask requests. Registering
// under a reserved method name (protocol.MethodTerminate, MethodCleanup,
// MethodHeartbeat) panics: those names are never user-dispatchable.
func (d *Dispatcher) Register(name string, fn MethodFunc) {
	switch name {
	case protocol.MethodTerminate, protocol.MethodCleanup, protocol.MethodHeartbeat:
		panic(fmt.Sprintf("dispatcher: %q is a reserved method name", name))
	}
	d.mu.Lock()
	d.methods[name] = fn
	d.mu.Unlock()
}

// RegisterDynamic pre-declares a dynamic-task body under key, looked up by
// TypeDynamic requests whose Code names key. Go has no runtime eval, so a
// stringified-function task on the process backend is represented this way
// instead of compiling source across the process boundary; the goroutine
// backend instead runs the caller's Go closure directly without ever
// consulting this registry (see handler package).
func (d *Dispatcher) RegisterDynamic(key string, fn MethodFunc) {
	d.mu.Lock()
	d.dynamic[key] = fn
	d.mu.Unlock()
}

// Handle decodes and executes one incoming request, sending its Response (a
// CLEANUP-COMPLETE Response for a cleanup) through the Dispatcher's Sender. It returns
// ErrTerminateRequested, wrapping req.ExitCode if set, when req is a
// TERMINATE request; any other error indicates the Sender itself failed.
func (d *Dispatcher) Handle(ctx context.Context, req *protocol.Request) error {
	switch req.Type {
	case protocol.TypeTerminate:
		if req.ExitCode != nil {
			return fmt.Errorf("%w: exit code %d", ErrTerminateRequested, *req.ExitCode)
		}
		return ErrTerminateRequested

	case protocol.TypeCleanup:
		d.runCleanup(req.TargetTaskID)
		return d.sender.Send(&protocol.Response{
			Type:         protocol.TypeCleanupComplete,
			ID:           req.ID,
			TargetTaskID: req.TargetTaskID,
		})

	case protocol.TypeTask:
		fn, _ := d.lookup(req.Method)
		return d.invoke(ctx, req, fn)

	case protocol.TypeDynamic:
		fn, _ := d.lookupDynamic(req.Code)
		return d.invoke(ctx, req, fn)

	default:
		return fmt.Errorf("dispatcher: unhandled request type %q", req.Type)
	}
}

func (d *Dispatcher) lookup(name string) (MethodFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.methods[name]
	return fn, ok
}

func (d *Dispatcher) lookupDynamic(key string) (MethodFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.dynamic[key]
	return fn, ok
}

func (d *Dispatcher) invoke(ctx context.Context, req *protocol.Request, fn MethodFunc) error {
	d.mu.Lock()
	d.active[req.ID] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, req.ID)
		delete(d.abortListeners, req.ID)
		d.mu.Unlock()
	}()

	if fn == nil {
		return d.sender.Send(errorResponse(req.ID, ErrMethodNotFound))
	}

	result, err := d.runGuarded(withDispatch(ctx, d, req.ID), fn, req.Params)
	if err != nil {
		return d.sender.Send(errorResponse(req.ID, err))
	}
	return d.sender.Send(&protocol.Response{Type: protocol.TypeSuccess, ID: req.ID, Result: result})
}

// runGuarded invokes fn, converting a panic into an error the same way the
// teacher's worker.execute recovers task panics, so one runaway method never
// takes the whole dispatch loop down with it.
func (d *Dispatcher) runGuarded(ctx context.Context, fn MethodFunc, params []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher: method panicked: %v", r)
		}
	}()
	return fn(ctx, params)
}

func errorResponse(id int64, err error) *protocol.Response {
	return &protocol.Response{Type: protocol.TypeError, ID: id, Error: protocol.Serialize(err)}
}

// runCleanup runs every abort listener registered for taskID to completion
// (concurrently, each isolated from the others' panics), then drops the
// listener set. Events emitted for taskID after this call are dropped by
// Emit, since the task is no longer in d.active.
func (d *Dispatcher) runCleanup(taskID int64) {
	d.mu.Lock()
	listeners := d.abortListeners[taskID]
	delete(d.abortListeners, taskID)
	delete(d.active, taskID)
	d.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(listeners))
	for _, fn := range listeners {
		go func(fn func()) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Warn("abort listener panicked", zap.Any("recover", r))
				}
			}()
			fn()
		}(fn)
	}
	wg.Wait()
}

// OnAbort registers fn to run when the task whose ctx this is (as obtained
// from the MethodFunc's ctx argument) receives a CLEANUP request. It is the
// free-function analogue of the worker script's registerAbortListener; it
// is a no-op if ctx was not produced by a Dispatcher invocation.
func OnAbort(ctx context.Context, fn func()) {
	dc, ok := fromContext(ctx)
	if !ok {
		return
	}
	dc.d.mu.Lock()
	dc.d.abortListeners[dc.taskID] = append(dc.d.abortListeners[dc.taskID], fn)
	dc.d.mu.Unlock()
}

// Emit sends payload as an EVENT scoped to the active task, the free-function
// analogue of workerEmit. It is dropped silently if the task has already
// been cleaned up, or if ctx was not produced by a Dispatcher invocation.
func Emit(ctx context.Context, payload any) error {
	dc, ok := fromContext(ctx)
	if !ok {
		return nil
	}
	dc.d.mu.Lock()
	active := dc.d.active[dc.taskID]
	dc.d.mu.Unlock()
	if !active {
		return nil
	}
	return dc.d.sender.Send(&protocol.Event{Type: protocol.TypeEvent, TaskID: dc.taskID, Payload: payload})
}

// EmitStdout/EmitStderr mirror a chunk of captured stdout/stderr as an
// unsolicited Event, for backends that opt into stream capture.
func (d *Dispatcher) EmitStdout(data string) error {
	return d.sender.Send(&protocol.Event{Type: protocol.TypeStdout, Data: data})
}

func (d *Dispatcher) EmitStderr(data string) error {
	return d.sender.Send(&protocol.Event{Type: protocol.TypeStderr, Data: data})
}

// Ready announces worker readiness once, after load, per the RPC protocol.
func (d *Dispatcher) Ready() error {
	return d.sender.Send(&protocol.Event{Type: protocol.TypeReady})
}
