package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskwatch/internal/progress"
)

func TestCallableRunCompletes(t *testing.T) {
	t.Parallel()

	u := NewCallable(func(context.Context) (any, error) {
		return 42, nil
	}, WithDescription("answer"))
	require.Equal(t, KindCallable, u.Kind())
	require.Equal(t, "answer", u.Description())
	require.Equal(t, StatusPending, u.Status())

	require.True(t, u.MarkScheduled())
	require.False(t, u.MarkScheduled())
	u.Run(context.Background())

	require.Equal(t, StatusDone, u.Status())
	v, err := u.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
	started, finished := u.Times()
	require.False(t, started.IsZero())
	require.False(t, finished.Before(started))
}

func TestRunnableFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	u := NewRunnable(func(context.Context) error { return boom })
	require.Equal(t, KindRunnable, u.Kind())
	require.Contains(t, u.Description(), "runnable")

	u.Run(context.Background())
	require.ErrorIs(t, u.Err(), boom)
	require.Nil(t, u.Value())
	require.False(t, u.Canceled())
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()

	u := NewRunnable(func(context.Context) error { panic("bad") })
	require.NotPanics(t, func() { u.Run(context.Background()) })

	var pe *PanicError
	require.ErrorAs(t, u.Err(), &pe)
	require.Equal(t, "bad", pe.Value)
	require.NotEmpty(t, pe.Stack)
}

func TestCancelPendingSkipsBody(t *testing.T) {
	t.Parallel()

	var ran atomic.Bool
	u := NewRunnable(func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.True(t, u.Cancel())
	u.Run(context.Background())

	require.False(t, ran.Load())
	require.True(t, u.Canceled())
	require.True(t, IsCanceled(u.Err()))
}

func TestCancelRunningInterruptsBody(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	exited := make(chan struct{})
	u := NewCallable(func(ctx context.Context) (any, error) {
		close(entered)
		<-ctx.Done()
		close(exited)
		return "late", nil
	})
	go u.Run(context.Background())
	<-entered

	require.True(t, u.Cancel())
	<-exited
	require.Eventually(t, func() bool { return u.Status() == StatusDone }, time.Second, time.Millisecond)
	require.True(t, IsCanceled(u.Err()))
	require.Nil(t, u.Value())
}

// TestCancelAfterRunClaimsUnitInterruptsBody covers a Cancel that lands
// between Run marking the unit running and the body starting.
func TestCancelAfterRunClaimsUnitInterruptsBody(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u := NewRunnable(nil)
	require.True(t, u.MarkScheduled())
	u.mu.Lock()
	u.cancel = cancel
	u.status = StatusRunning
	u.mu.Unlock()

	require.True(t, u.Cancel())
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.True(t, u.Canceled())
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	t.Parallel()

	u := NewCallable(func(context.Context) (any, error) { return "ok", nil })
	u.Run(context.Background())
	require.False(t, u.Cancel())
	require.NoError(t, u.Err())
	require.Equal(t, "ok", u.Value())
	require.False(t, u.Canceled())
}

func TestRunWithDoneParent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	u := NewRunnable(func(context.Context) error {
		ran.Store(true)
		return nil
	})
	u.Run(ctx)
	require.False(t, ran.Load())
	require.True(t, IsCanceled(u.Err()))
}

func TestCompletionIsExactlyOnceUnderRace(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		release := make(chan struct{})
		u := NewCallable(func(context.Context) (any, error) {
			<-release
			return "value", nil
		})
		var calls atomic.Int32
		u.OnComplete(func(*Unit) { calls.Add(1) })

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			u.Run(context.Background())
		}()
		go func() {
			defer wg.Done()
			close(release)
			u.Cancel()
		}()
		wg.Wait()

		require.EqualValues(t, 1, calls.Load())
		if u.Canceled() {
			require.True(t, IsCanceled(u.Err()))
		} else {
			require.Equal(t, "value", u.Value())
		}
	}
}

func TestOnCompleteAfterDoneRunsImmediately(t *testing.T) {
	t.Parallel()

	u := NewRunnable(nil)
	u.Run(context.Background())
	var got *Unit
	u.OnComplete(func(done *Unit) { got = done })
	require.Same(t, u, got)
}

func TestBodySeesProgressHandler(t *testing.T) {
	t.Parallel()

	u := NewRunnable(func(ctx context.Context) error {
		h := progress.FromContext(ctx)
		h.SetMessage("halfway")
		h.SetProgress(0.5)
		return nil
	}, WithProgressOptions(progress.WithInitialMessage("queued")))
	require.Equal(t, "queued", u.Progress().State().Message)

	u.Run(context.Background())
	require.Equal(t, progress.State{Message: "halfway", Progress: 0.5}, u.Progress().State())
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	u := NewRunnable(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := u.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInner(t *testing.T) {
	t.Parallel()

	type job struct{ name string }
	u := NewRunnable(nil, WithInner(&job{name: "index"}))
	j, ok := Inner[*job](u)
	require.True(t, ok)
	require.Equal(t, "index", j.name)

	_, ok = Inner[string](u)
	require.False(t, ok)
}

func TestFutureGet(t *testing.T) {
	t.Parallel()

	f := NewFuture(func(context.Context) (int, error) { return 7, nil })
	go f.Unit().Run(context.Background())
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)

	failing := NewFuture(func(context.Context) (string, error) { return "", errors.New("nope") })
	failing.Unit().Run(context.Background())
	_, err = failing.Get(context.Background())
	require.EqualError(t, err, "nope")

	canceled := NewFuture(func(context.Context) (int, error) { return 1, nil })
	require.True(t, canceled.Cancel())
	<-canceled.Done()
	_, err = canceled.Get(context.Background())
	require.True(t, IsCanceled(err))
}
