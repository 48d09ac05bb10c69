package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskwatch/internal/decision"
	"github.com/JakeFAU/taskwatch/internal/progress"
	"github.com/JakeFAU/taskwatch/internal/task"
	"github.com/JakeFAU/taskwatch/internal/taskview"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSurfaceDrawsAfterShow(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := NewSurface(&out, 0)

	s.MessageChanged("before show")
	require.Empty(t, out.String())

	s.Show(decision.View{
		Title:       "Copy",
		Description: "files",
		State:       progress.State{Message: "a", Progress: 0.25},
	})
	s.ProgressChanged(0.5)
	s.MessageChanged("b")
	s.Finished(nil)

	want := strings.Join([]string{
		"[Copy] files",
		"  [ 25%] a",
		"  [ 50%] a",
		"  [ 50%] b",
		"[Copy] done",
		"",
	}, "\n")
	require.Equal(t, want, out.String())
}

func TestSurfaceCoalescesRedraws(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := NewSurface(&out, time.Hour)
	s.Show(decision.View{Title: "Scan", Description: "disk", State: progress.State{Progress: progress.Indeterminate}})
	s.ProgressChanged(0.1)
	s.ProgressChanged(0.2)
	s.ProgressChanged(0.3)
	s.Finished(errors.New("disk full"))

	want := strings.Join([]string{
		"[Scan] disk",
		"  [ ... ]",
		"  [ 30%]",
		"[Scan] failed: disk full",
		"",
	}, "\n")
	require.Equal(t, want, out.String())
}

func TestSurfaceSilentWhenNotShown(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := NewSurface(&out, 0)
	s.ProgressChanged(0.5)
	s.Finished(nil)
	s.Show(decision.View{Title: "late"})
	require.Empty(t, out.String())
}

func TestSurfaceReportsCancellation(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := NewSurface(&out, 0)
	s.Show(decision.View{Title: "Job", Description: "x", State: progress.State{Progress: progress.Indeterminate}, Cancel: func() {}})
	s.Finished(context.Canceled)

	require.Contains(t, out.String(), "[Job] x (cancelable)")
	require.Contains(t, out.String(), "[Job] canceled")
}

func TestSurfaceWithCoordinator(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	coord := decision.NewCoordinator()
	u := task.NewRunnable(func(ctx context.Context) error {
		h := progress.FromContext(ctx)
		for i := 1; i <= 4; i++ {
			h.SetMessage(fmt.Sprintf("part %d", i))
			time.Sleep(40 * time.Millisecond)
		}
		return nil
	}, task.WithDescription("slow copy"))

	outcome, err := coord.RunWithSurface(context.Background(), u, decision.Config{
		Title:          "Copying",
		DecisionDelay:  20 * time.Millisecond,
		PopupThreshold: 60 * time.Millisecond,
	}, NewSurface(out, 0))
	require.NoError(t, err)
	require.Equal(t, decision.OutcomeShow, outcome)

	require.Eventually(t, func() bool {
		return strings.HasSuffix(out.String(), "[Copying] done\n")
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, strings.HasPrefix(out.String(), "[Copying] slow copy\n"))
}

func TestFormatState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state progress.State
		want  string
	}{
		{progress.State{Progress: progress.Indeterminate}, "[ ... ]"},
		{progress.State{Progress: 0, Message: "start"}, "[  0%] start"},
		{progress.State{Progress: 1}, "[100%]"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, FormatState(tc.state))
	}
}

func TestListPrinterPrintsStatusChanges(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := NewListPrinter(&out)
	v := taskview.View{ID: "1", Description: "copy", Status: taskview.StatusScheduled, Progress: -1}
	p.Print(v)
	v.Status = taskview.StatusProcessing
	p.Print(v)
	v.Message = "half"
	v.Progress = 0.5
	p.Print(v)
	v.Status = taskview.StatusFinished
	p.Print(v)

	want := strings.Join([]string{
		"scheduled : copy",
		"processing: copy",
		"finished  : copy half",
		"",
	}, "\n")
	require.Equal(t, want, out.String())
}
