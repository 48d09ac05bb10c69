// Package console renders decision surfaces and task lists as plain text.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/taskwatch/internal/decision"
	"github.com/JakeFAU/taskwatch/internal/progress"
	"github.com/JakeFAU/taskwatch/internal/task"
	"github.com/JakeFAU/taskwatch/internal/taskview"
)

// DefaultRedrawInterval bounds how often a shown surface redraws.
const DefaultRedrawInterval = 100 * time.Millisecond

// Surface is a decision.Surface that writes to an io.Writer. Nothing is
// written unless the coordinator decides to show the unit. Progress redraws
// are coalesced; the latest state is always drawn before the final line.
type Surface struct {
	out     io.Writer
	limiter *rate.Limiter

	mu     sync.Mutex
	shown  bool
	closed bool
	dirty  bool
	title  string
	state  progress.State
}

// NewSurface creates a surface writing to out. A non-positive interval
// redraws on every change.
func NewSurface(out io.Writer, interval time.Duration) *Surface {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Surface{
		out:     out,
		limiter: rate.NewLimiter(limit, 1),
		state:   progress.State{Progress: progress.Indeterminate},
	}
}

// Show implements decision.Surface.
func (s *Surface) Show(view decision.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.shown = true
	s.title = view.Title
	s.state = view.State
	header := fmt.Sprintf("[%s] %s", view.Title, view.Description)
	if view.Cancel != nil {
		header += " (cancelable)"
	}
	fmt.Fprintln(s.out, header)
	s.limiter.Allow()
	s.drawLocked()
}

// MessageChanged implements progress.Listener.
func (s *Surface) MessageChanged(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Message = message
	s.changedLocked()
}

// ProgressChanged implements progress.Listener.
func (s *Surface) ProgressChanged(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Progress = p
	s.changedLocked()
}

// Finished implements decision.Surface.
func (s *Surface) Finished(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.shown {
		return
	}
	if s.dirty {
		s.drawLocked()
	}
	switch {
	case err == nil:
		fmt.Fprintf(s.out, "[%s] done\n", s.title)
	case task.IsCanceled(err):
		fmt.Fprintf(s.out, "[%s] canceled\n", s.title)
	default:
		fmt.Fprintf(s.out, "[%s] failed: %v\n", s.title, err)
	}
}

func (s *Surface) changedLocked() {
	if !s.shown || s.closed {
		return
	}
	s.dirty = true
	if s.limiter.Allow() {
		s.drawLocked()
	}
}

func (s *Surface) drawLocked() {
	s.dirty = false
	fmt.Fprintln(s.out, "  "+FormatState(s.state))
}

// FormatState renders a progress state on one line.
func FormatState(st progress.State) string {
	var b strings.Builder
	if st.IsIndeterminate() {
		b.WriteString("[ ... ]")
	} else {
		fmt.Fprintf(&b, "[%3.0f%%]", st.Progress*100)
	}
	if st.Message != "" {
		b.WriteString(" ")
		b.WriteString(st.Message)
	}
	return b.String()
}

// ListPrinter writes a line for every status change of a task view model.
// Progress-only updates are not printed.
type ListPrinter struct {
	out io.Writer

	mu   sync.Mutex
	last map[string]taskview.Status
}

// NewListPrinter creates a printer writing to out.
func NewListPrinter(out io.Writer) *ListPrinter {
	return &ListPrinter{out: out, last: make(map[string]taskview.Status)}
}

// Attach subscribes the printer to m.
func (p *ListPrinter) Attach(m *taskview.Model) (detach func()) {
	return m.OnChange(p.Print)
}

// Print writes v when its status differs from the last one printed.
func (p *ListPrinter) Print(v taskview.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last[v.ID] == v.Status {
		return
	}
	switch v.Status {
	case taskview.StatusFinished, taskview.StatusFailed, taskview.StatusCanceled:
		delete(p.last, v.ID)
	default:
		p.last[v.ID] = v.Status
	}
	fmt.Fprintln(p.out, v.Text())
}
