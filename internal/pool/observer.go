package pool

import "github.com/JakeFAU/taskwatch/internal/task"

// Observer receives lifecycle notifications for every unit a Pool accepts.
// For a given unit the calls arrive in the order Scheduled, BeforeRun,
// AfterRun. Drained follows the AfterRun that brought the active count to
// zero. Implementations should not panic; a panic is recovered and logged
// and the remaining observers are still notified.
type Observer interface {
	Scheduled(u *task.Unit)
	BeforeRun(u *task.Unit)
	AfterRun(u *task.Unit, err error)
	Drained()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnScheduled func(u *task.Unit)
	OnBeforeRun func(u *task.Unit)
	OnAfterRun  func(u *task.Unit, err error)
	OnDrained   func()
}

// Scheduled implements Observer.
func (f ObserverFuncs) Scheduled(u *task.Unit) {
	if f.OnScheduled != nil {
		f.OnScheduled(u)
	}
}

// BeforeRun implements Observer.
func (f ObserverFuncs) BeforeRun(u *task.Unit) {
	if f.OnBeforeRun != nil {
		f.OnBeforeRun(u)
	}
}

// AfterRun implements Observer.
func (f ObserverFuncs) AfterRun(u *task.Unit, err error) {
	if f.OnAfterRun != nil {
		f.OnAfterRun(u, err)
	}
}

// Drained implements Observer.
func (f ObserverFuncs) Drained() {
	if f.OnDrained != nil {
		f.OnDrained()
	}
}
