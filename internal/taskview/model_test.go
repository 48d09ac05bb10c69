package taskview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskwatch/internal/pool"
	"github.com/JakeFAU/taskwatch/internal/progress"
	"github.com/JakeFAU/taskwatch/internal/task"
)

func awaitPool(t *testing.T, p *pool.Pool) {
	t.Helper()
	p.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.AwaitTermination(ctx))
}

func TestModelTracksLifecycle(t *testing.T) {
	t.Parallel()

	m := New()
	p := pool.NewFixed(3, pool.WithObserver(m))

	for i := 0; i < 6; i++ {
		fail := i%3 == 0
		_, err := p.SubmitRunnable(context.Background(), func(ctx context.Context) error {
			h := progress.FromContext(ctx)
			h.SetMessage("working")
			h.SetProgress(1)
			if fail {
				return errors.New("boom")
			}
			return nil
		}, task.WithDescription(fmt.Sprintf("unit-%d", i)))
		require.NoError(t, err)
	}
	awaitPool(t, p)

	views := m.Snapshot()
	require.Len(t, views, 6)
	require.Zero(t, m.Active())
	for i, v := range views {
		require.Equal(t, fmt.Sprintf("unit-%d", i), v.Description, "scheduling order")
		require.Equal(t, "working", v.Message)
		require.Equal(t, 1.0, v.Progress)
		require.NotNil(t, v.StartedAt)
		require.NotNil(t, v.FinishedAt)
		if i%3 == 0 {
			require.Equal(t, StatusFailed, v.Status)
			require.Equal(t, "boom", v.Error)
		} else {
			require.Equal(t, StatusFinished, v.Status)
			require.Empty(t, v.Error)
		}
	}
}

func TestModelRemoveSucceeded(t *testing.T) {
	t.Parallel()

	m := New(WithRemoveSucceeded(true))
	p := pool.NewElastic(pool.WithObserver(m))

	_, err := p.SubmitRunnable(context.Background(), func(context.Context) error { return nil },
		task.WithDescription("ok"))
	require.NoError(t, err)
	_, err = p.SubmitRunnable(context.Background(), func(context.Context) error { return errors.New("nope") },
		task.WithDescription("bad"))
	require.NoError(t, err)
	awaitPool(t, p)

	views := m.Snapshot()
	require.Len(t, views, 1)
	require.Equal(t, "bad", views[0].Description)
	require.Equal(t, StatusFailed, views[0].Status)
}

func TestModelRetentionExpires(t *testing.T) {
	t.Parallel()

	m := New(WithRetention(50 * time.Millisecond))
	p := pool.NewFixed(1, pool.WithObserver(m))

	u, err := p.SubmitRunnable(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	awaitPool(t, p)

	view, err := m.Get(u.ID().String())
	require.NoError(t, err)
	require.Equal(t, StatusFinished, view.Status)

	require.Eventually(t, func() bool {
		return len(m.Snapshot()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, err = m.Get(u.ID().String())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestModelCancel(t *testing.T) {
	t.Parallel()

	m := New()
	p := pool.NewFixed(1, pool.WithObserver(m))

	release := make(chan struct{})
	blocker, err := p.SubmitRunnable(context.Background(), func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, task.WithDescription("blocker"))
	require.NoError(t, err)
	queued, err := p.SubmitRunnable(context.Background(), func(context.Context) error { return nil },
		task.WithDescription("queued"))
	require.NoError(t, err)

	view, err := m.Get(queued.ID().String())
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, view.Status)

	require.NoError(t, m.Cancel(queued.ID().String()))
	close(release)
	awaitPool(t, p)

	view, err = m.Get(queued.ID().String())
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, view.Status)

	require.ErrorIs(t, m.Cancel(blocker.ID().String()), ErrFinished)
	require.ErrorIs(t, m.Cancel("not-a-uuid"), ErrNotFound)
	require.ErrorIs(t, m.Cancel(task.NewRunnable(nil).ID().String()), ErrNotFound)
}

func TestModelOnChange(t *testing.T) {
	t.Parallel()

	m := New()
	var mu sync.Mutex
	var statuses []Status
	var messages []string
	remove := m.OnChange(func(v View) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, v.Status)
		if v.Message != "" {
			messages = append(messages, v.Message)
		}
	})
	defer remove()
	m.OnChange(func(View) { panic("hook failure") })

	p := pool.NewFixed(1, pool.WithObserver(m))
	_, err := p.SubmitRunnable(context.Background(), func(ctx context.Context) error {
		progress.FromContext(ctx).SetMessage("step 1")
		return nil
	})
	require.NoError(t, err)
	awaitPool(t, p)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, StatusScheduled, statuses[0])
	require.Equal(t, StatusFinished, statuses[len(statuses)-1])
	require.Contains(t, statuses, StatusProcessing)
	require.Contains(t, messages, "step 1")
}

func TestViewText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		view View
		want string
	}{
		{"scheduled", View{Status: StatusScheduled, Description: "copy", Progress: -1}, "scheduled : copy"},
		{"processing", View{Status: StatusProcessing, Description: "copy", Message: "file 2", Progress: 0.5}, "processing: copy file 2 (50%)"},
		{"failed", View{Status: StatusFailed, Description: "copy", Progress: -1, Error: "disk full"}, "failed    : copy, error: disk full"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.view.Text())
		})
	}
}
