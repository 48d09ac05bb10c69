package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskwatch/internal/decision"
	"github.com/JakeFAU/taskwatch/internal/progress"
)

func TestControllerWithoutRunner(t *testing.T) {
	t.Parallel()

	c := NewController()
	require.Equal(t, Controls{}, c.Controls())
	require.ErrorIs(t, c.Start(), ErrNoRunner)
	require.ErrorIs(t, c.Stop(context.Background()), ErrNoRunner)
	require.ErrorIs(t, c.TogglePause(), ErrNoRunner)
}

func TestControllerTracksRunner(t *testing.T) {
	t.Parallel()

	tk := &countingTask{delay: time.Millisecond}
	c := NewController()
	var mu sync.Mutex
	var seen []Controls
	c.Watch(func(ctl Controls) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ctl)
	})

	r := New(tk)
	c.SetRunner(r)
	require.Equal(t, Controls{Start: true, Step: true}, c.Controls())
	require.ErrorIs(t, c.Stop(context.Background()), ErrCommandDisabled)
	require.ErrorIs(t, c.TogglePause(), ErrCommandDisabled)

	require.NoError(t, c.Do(context.Background(), CommandStart))
	require.Equal(t, Controls{Pause: true, Step: true, Stop: true}, c.Controls())
	require.ErrorIs(t, c.Start(), ErrCommandDisabled)

	require.NoError(t, c.Do(context.Background(), CommandPause))
	require.Eventually(t, func() bool { return c.Controls().Paused }, time.Second, time.Millisecond)
	require.True(t, r.Paused())
	require.NoError(t, c.TogglePause())
	require.Eventually(t, func() bool { return !c.Controls().Paused }, time.Second, time.Millisecond)

	require.NoError(t, c.Do(context.Background(), CommandStop))
	require.Equal(t, StateIdle, r.State())
	require.Eventually(t, func() bool {
		return c.Controls() == Controls{Start: true, Step: true}
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.NotEmpty(t, seen)
	mu.Unlock()

	require.Error(t, c.Do(context.Background(), "rewind"))
	c.SetRunner(nil)
	require.Equal(t, Controls{}, c.Controls())
	require.Nil(t, c.Runner())
}

func TestControllerSingleStep(t *testing.T) {
	t.Parallel()

	tk := &countingTask{}
	r := New(tk)
	c := NewController()
	c.SetRunner(r)

	require.NoError(t, c.SingleStep())
	require.Eventually(t, func() bool { return c.Controls().Paused }, time.Second, time.Millisecond)
	require.EqualValues(t, 1, tk.steps.Load())
	require.NoError(t, c.Stop(context.Background()))
}

type recordingSurface struct {
	mu    sync.Mutex
	shown []decision.View
	done  chan error
}

func (s *recordingSurface) MessageChanged(string) {}
func (s *recordingSurface) ProgressChanged(float64) {}
func (s *recordingSurface) Show(v decision.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, v)
}
func (s *recordingSurface) Finished(err error) { s.done <- err }

var _ progress.Listener = (*recordingSurface)(nil)

func TestControllerStopThroughCoordinator(t *testing.T) {
	t.Parallel()

	// The step ignores interruption, so stopping takes as long as the step.
	slow := &slowStopTask{hold: 250 * time.Millisecond}
	r := New(slow)
	surface := &recordingSurface{done: make(chan error, 1)}
	c := NewController(WithStopCoordinator(decision.NewCoordinator(), decision.Config{
		DecisionDelay:  20 * time.Millisecond,
		PopupThreshold: 50 * time.Millisecond,
	}, surface))
	c.SetRunner(r)

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return slow.entered() }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
	require.Equal(t, StateIdle, r.State())
	require.NoError(t, <-surface.done)

	surface.mu.Lock()
	defer surface.mu.Unlock()
	require.Len(t, surface.shown, 1)
	require.Equal(t, "Stopping", surface.shown[0].Title)
}

type slowStopTask struct {
	hold time.Duration
	mu   sync.Mutex
	in   bool
}

func (s *slowStopTask) Started() {}

func (s *slowStopTask) Step(context.Context) error {
	s.mu.Lock()
	s.in = true
	s.mu.Unlock()
	time.Sleep(s.hold)
	return nil
}

func (s *slowStopTask) entered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in
}

func (s *slowStopTask) Done() bool { return false }
func (s *slowStopTask) Finished(bool, error) {}
