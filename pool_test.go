package workerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/workerpool/dispatcher"
)

// arithmeticBody is the shared goroutine-backend worker used by most of
// these scenarios: "add" resolves immediately, "sleep" blocks the dispatch
// goroutine for the requested duration.
func arithmeticBody(d *dispatcher.Dispatcher) {
	d.Register("add", func(ctx context.Context, params []any) (any, error) {
		return params[0].(int) + params[1].(int), nil
	})
	d.Register("sleep", func(ctx context.Context, params []any) (any, error) {
		time.Sleep(time.Duration(params[0].(int)) * time.Millisecond)
		return "slept", nil
	})
}

func TestPool_BasicArithmetic(t *testing.T) {
	p, err := New[int](
		WithWorkerType(WorkerThread),
		WithWorkerBody(arithmeticBody),
		WithMaxWorkers(4),
	)
	require.NoError(t, err)
	defer func() { _, _ = p.Terminate(context.Background(), true, time.Second).Wait() }()

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fut := p.Exec(context.Background(), "add", []any{3, 4})
			v, execErr := fut.Wait()
			require.NoError(t, execErr)
			require.Equal(t, 7, v)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.PendingTasks == 0 && s.ActiveTasks == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPool_CancelInQueue(t *testing.T) {
	p, err := New[string](
		WithWorkerType(WorkerThread),
		WithWorkerBody(arithmeticBody),
		WithMaxWorkers(1),
	)
	require.NoError(t, err)
	defer func() { _, _ = p.Terminate(context.Background(), true, time.Second).Wait() }()

	f1 := p.Exec(context.Background(), "sleep", []any{500})
	require.Eventually(t, func() bool { return p.Stats().ActiveTasks == 1 }, time.Second, 2*time.Millisecond)

	f2 := p.Exec(context.Background(), "sleep", []any{500})
	f2.Cancel()

	_, err2 := f2.Wait()
	require.ErrorIs(t, err2, ErrCancelled)

	v1, err1 := f1.Wait()
	require.NoError(t, err1)
	require.Equal(t, "slept", v1)

	require.Eventually(t, func() bool { return p.Stats().TotalWorkers == 1 }, time.Second, 5*time.Millisecond)
}

func TestPool_Timeout(t *testing.T) {
	p, err := New[string](
		WithWorkerType(WorkerThread),
		WithWorkerBody(arithmeticBody),
		WithMaxWorkers(1),
	)
	require.NoError(t, err)
	defer func() { _, _ = p.Terminate(context.Background(), true, time.Second).Wait() }()

	start := time.Now()
	fut := p.Exec(context.Background(), "sleep", []any{500}, WithTimeout(100*time.Millisecond))
	_, err = fut.Wait()
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 400*time.Millisecond)

	// The worker was uninterruptibly mid-task, so the handler that carried
	// it is torn down rather than reused.
	require.Eventually(t, func() bool { return p.Stats().TotalWorkers == 0 }, time.Second, 5*time.Millisecond)

	fut2 := p.Exec(context.Background(), "sleep", []any{1})
	v2, err2 := fut2.Wait()
	require.NoError(t, err2)
	require.Equal(t, "slept", v2)
	require.Equal(t, 1, p.Stats().TotalWorkers)
}

func TestPool_PriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []int

	body := func(d *dispatcher.Dispatcher) {
		d.Register("warmup", func(ctx context.Context, params []any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		})
		d.Register("record", func(ctx context.Context, params []any) (any, error) {
			mu.Lock()
			order = append(order, params[0].(int))
			mu.Unlock()
			return nil, nil
		})
	}

	p, err := New[any](
		WithWorkerType(WorkerThread),
		WithWorkerBody(body),
		WithMaxWorkers(1),
		WithQueueStrategy(QueuePriority),
	)
	require.NoError(t, err)
	defer func() { _, _ = p.Terminate(context.Background(), true, time.Second).Wait() }()

	warm := p.Exec(context.Background(), "warmup", nil)
	require.Eventually(t, func() bool { return p.Stats().ActiveTasks == 1 }, time.Second, 2*time.Millisecond)

	f5 := p.Exec(context.Background(), "record", []any{5}, WithPriority(5))
	f1 := p.Exec(context.Background(), "record", []any{1}, WithPriority(1))
	f10 := p.Exec(context.Background(), "record", []any{10}, WithPriority(10))

	_, err = warm.Wait()
	require.NoError(t, err)
	_, err = f1.Wait()
	require.NoError(t, err)
	_, err = f5.Wait()
	require.NoError(t, err)
	_, err = f10.Wait()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 5, 10}, order)
}

func TestPool_GracefulTerminate(t *testing.T) {
	p, err := New[string](
		WithWorkerType(WorkerThread),
		WithWorkerBody(arithmeticBody),
		WithMaxWorkers(2),
	)
	require.NoError(t, err)

	f1 := p.Exec(context.Background(), "sleep", []any{200})
	f2 := p.Exec(context.Background(), "sleep", []any{200})
	require.Eventually(t, func() bool { return p.Stats().ActiveTasks == 2 }, time.Second, 2*time.Millisecond)

	termFut := p.Terminate(context.Background(), false, time.Second)

	rejected := p.Exec(context.Background(), "sleep", []any{1})
	_, rejErr := rejected.Wait()
	require.ErrorIs(t, rejErr, ErrTerminated)

	v1, err1 := f1.Wait()
	require.NoError(t, err1)
	require.Equal(t, "slept", v1)
	v2, err2 := f2.Wait()
	require.NoError(t, err2)
	require.Equal(t, "slept", v2)

	_, termErr := termFut.Wait()
	require.NoError(t, termErr)
}
