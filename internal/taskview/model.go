// Package taskview keeps a list model of the units passing through a pool.
// Each unit gets a View that follows its lifecycle and progress; finished
// views stay visible for a retention period before they expire.
package taskview

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/listeners"
	"github.com/JakeFAU/taskwatch/internal/progress"
	"github.com/JakeFAU/taskwatch/internal/task"
)

// DefaultRetention is how long finished views stay in the model.
const DefaultRetention = 30 * time.Second

var (
	// ErrNotFound is returned for ids the model does not track.
	ErrNotFound = errors.New("unit not found")
	// ErrFinished is returned when cancelling a unit that already completed.
	ErrFinished = errors.New("unit already finished")
)

// Status is the display status of a view.
type Status string

// View statuses.
const (
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// View is a point-in-time rendering of one unit.
type View struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Message     string     `json:"message,omitempty"`
	Progress    float64    `json:"progress"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Text renders the view as a single list line.
func (v View) Text() string {
	line := fmt.Sprintf("%-10s: %s", v.Status, v.Description)
	if v.Message != "" {
		line += " " + v.Message
	}
	if v.Progress >= 0 && v.Status == StatusProcessing {
		line += fmt.Sprintf(" (%.0f%%)", v.Progress*100)
	}
	if v.Error != "" {
		line += ", error: " + v.Error
	}
	return line
}

// Option customizes a Model.
type Option func(*Model)

// WithRetention sets how long finished views are kept.
func WithRetention(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithRemoveSucceeded drops successfully finished units right away instead
// of retaining them.
func WithRemoveSucceeded(remove bool) Option {
	return func(m *Model) {
		m.removeSucceeded = remove
	}
}

// WithLogger sets the logger used to report change-hook panics.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

type entry struct {
	seq    uint64
	unit   *task.Unit
	view   View
	unsubs func()
}

type retained struct {
	seq  uint64
	view View
}

// Model is a pool observer holding one view per unit. It is safe for
// concurrent use.
type Model struct {
	logger          *zap.Logger
	retention       time.Duration
	removeSucceeded bool

	mu     sync.Mutex
	seq    uint64
	active map[uuid.UUID]*entry

	finished *gocache.Cache
	hooks    listeners.Set[func(View)]
}

// New creates an empty model.
func New(opts ...Option) *Model {
	m := &Model{
		logger:    zap.NewNop(),
		retention: DefaultRetention,
		active:    make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.finished = gocache.New(m.retention, 2*m.retention)
	return m
}

// OnChange registers fn to receive every updated view. fn runs on the
// goroutine that caused the change and must not call back into the model.
func (m *Model) OnChange(fn func(View)) (remove func()) {
	return m.hooks.Add(fn)
}

// Scheduled implements pool.Observer.
func (m *Model) Scheduled(u *task.Unit) {
	state := u.Progress().State()
	e := &entry{
		unit: u,
		view: View{
			ID:          u.ID().String(),
			Description: u.Description(),
			Status:      StatusScheduled,
			Message:     state.Message,
			Progress:    state.Progress,
			CreatedAt:   u.CreatedAt(),
		},
	}
	e.unsubs = u.Progress().OnChange(func(s progress.State) {
		m.update(u.ID(), func(v *View) {
			v.Message = s.Message
			v.Progress = s.Progress
		})
	})

	m.mu.Lock()
	m.seq++
	e.seq = m.seq
	m.active[u.ID()] = e
	view := e.view
	m.mu.Unlock()
	m.changed(view)
}

// BeforeRun implements pool.Observer.
func (m *Model) BeforeRun(u *task.Unit) {
	m.update(u.ID(), func(v *View) {
		v.Status = StatusProcessing
		started := time.Now()
		if s, _ := u.Times(); !s.IsZero() {
			started = s
		}
		v.StartedAt = &started
	})
}

// AfterRun implements pool.Observer.
func (m *Model) AfterRun(u *task.Unit, err error) {
	m.mu.Lock()
	e, ok := m.active[u.ID()]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, u.ID())
	view := e.view
	m.mu.Unlock()

	e.unsubs()
	state := u.Progress().State()
	view.Message = state.Message
	view.Progress = state.Progress
	_, finishedAt := u.Times()
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	view.FinishedAt = &finishedAt
	switch {
	case err == nil:
		view.Status = StatusFinished
	case task.IsCanceled(err):
		view.Status = StatusCanceled
	default:
		view.Status = StatusFailed
		view.Error = err.Error()
	}

	if !(err == nil && m.removeSucceeded) {
		m.finished.SetDefault(view.ID, retained{seq: e.seq, view: view})
	}
	m.changed(view)
}

// Drained implements pool.Observer.
func (m *Model) Drained() {}

// Snapshot returns all views, active and retained, in scheduling order.
func (m *Model) Snapshot() []View {
	type ordered struct {
		seq  uint64
		view View
	}
	m.mu.Lock()
	all := make([]ordered, 0, len(m.active))
	for _, e := range m.active {
		all = append(all, ordered{seq: e.seq, view: e.view})
	}
	m.mu.Unlock()

	for _, item := range m.finished.Items() {
		if r, ok := item.Object.(retained); ok {
			all = append(all, ordered{seq: r.seq, view: r.view})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	views := make([]View, len(all))
	for i, o := range all {
		views[i] = o.view
	}
	return views
}

// Get returns the view for id.
func (m *Model) Get(id string) (View, error) {
	if parsed, err := uuid.Parse(id); err == nil {
		m.mu.Lock()
		e, ok := m.active[parsed]
		var view View
		if ok {
			view = e.view
		}
		m.mu.Unlock()
		if ok {
			return view, nil
		}
	}
	if obj, ok := m.finished.Get(id); ok {
		if r, ok := obj.(retained); ok {
			return r.view, nil
		}
	}
	return View{}, fmt.Errorf("get view %q: %w", id, ErrNotFound)
}

// Cancel cancels the unit with the given id.
func (m *Model) Cancel(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("cancel unit %q: %w", id, ErrNotFound)
	}
	m.mu.Lock()
	e, ok := m.active[parsed]
	m.mu.Unlock()
	if !ok {
		if _, found := m.finished.Get(id); found {
			return fmt.Errorf("cancel unit %q: %w", id, ErrFinished)
		}
		return fmt.Errorf("cancel unit %q: %w", id, ErrNotFound)
	}
	if !e.unit.Cancel() {
		return fmt.Errorf("cancel unit %q: %w", id, ErrFinished)
	}
	return nil
}

// Active reports how many units are scheduled or running.
func (m *Model) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Model) update(id uuid.UUID, fn func(*View)) {
	m.mu.Lock()
	e, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	fn(&e.view)
	view := e.view
	m.mu.Unlock()
	m.changed(view)
}

func (m *Model) changed(v View) {
	for _, fn := range m.hooks.Snapshot() {
		m.safely(func() { fn(v) })
	}
}

func (m *Model) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task view hook panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
