package pool

import (
	"sync"
	"time"

	"github.com/JakeFAU/taskwatch/internal/progress"
	"github.com/JakeFAU/taskwatch/internal/task"
)

// Clock supplies event timestamps.
type Clock interface {
	Now() time.Time
}

// ActiveCounter reports the active count of the pool being observed.
type ActiveCounter interface {
	Active() int64
}

// EventObserver translates pool notifications into progress.Events. While a
// unit runs its progress channel is also forwarded as StageProgress events.
type EventObserver struct {
	emitter progress.Emitter
	clock   Clock
	counter ActiveCounter

	mu       sync.Mutex
	unsubs   map[*task.Unit]func()
	forwards bool
}

// NewEventObserver builds an observer that emits to emitter. counter may be
// nil, in which case events carry a zero active count.
func NewEventObserver(emitter progress.Emitter, clock Clock, counter ActiveCounter) *EventObserver {
	return &EventObserver{
		emitter:  emitter,
		clock:    clock,
		counter:  counter,
		unsubs:   make(map[*task.Unit]func()),
		forwards: true,
	}
}

// WithoutProgress disables forwarding of progress channel updates.
func (e *EventObserver) WithoutProgress() *EventObserver {
	e.forwards = false
	return e
}

// Scheduled implements Observer.
func (e *EventObserver) Scheduled(u *task.Unit) {
	e.emit(e.unitEvent(u, progress.StageScheduled))
}

// BeforeRun implements Observer.
func (e *EventObserver) BeforeRun(u *task.Unit) {
	e.emit(e.unitEvent(u, progress.StageStarted))
	if !e.forwards {
		return
	}
	remove := u.Progress().AddListener(progress.ListenerFuncs{
		OnProgress: func(p float64) {
			evt := e.unitEvent(u, progress.StageProgress)
			evt.Progress = p
			evt.Note = u.Progress().State().Message
			e.emit(evt)
		},
	})
	e.mu.Lock()
	e.unsubs[u] = remove
	e.mu.Unlock()
}

// AfterRun implements Observer.
func (e *EventObserver) AfterRun(u *task.Unit, err error) {
	e.mu.Lock()
	remove, ok := e.unsubs[u]
	delete(e.unsubs, u)
	e.mu.Unlock()
	if ok {
		remove()
	}

	stage := progress.StageSucceeded
	switch {
	case task.IsCanceled(err):
		stage = progress.StageCanceled
	case err != nil:
		stage = progress.StageFailed
	}
	evt := e.unitEvent(u, stage)
	if started, finished := u.Times(); !started.IsZero() && !finished.IsZero() {
		evt.Dur = finished.Sub(started)
	}
	if err != nil {
		evt.Note = err.Error()
	}
	e.emit(evt)
}

// Drained implements Observer.
func (e *EventObserver) Drained() {
	e.emit(progress.Event{TS: e.clock.Now(), Stage: progress.StageDrained, Active: e.active()})
}

func (e *EventObserver) unitEvent(u *task.Unit, stage progress.Stage) progress.Event {
	return progress.Event{
		UnitID:      progress.UUIDToBytes(u.ID()),
		TS:          e.clock.Now(),
		Stage:       stage,
		Description: u.Description(),
		Progress:    progress.Indeterminate,
		Active:      e.active(),
	}
}

func (e *EventObserver) active() int64 {
	if e.counter == nil {
		return 0
	}
	return e.counter.Active()
}

func (e *EventObserver) emit(evt progress.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}
