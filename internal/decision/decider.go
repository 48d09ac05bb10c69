package decision

import (
	"sync"
	"time"
)

type state int

const (
	stateUndecided state = iota
	stateShow
	stateFinished
)

// decider is the exactly-once latch between "show a surface" and "finished
// quietly". Whichever trigger finds it undecided wins; later triggers no-op.
type decider struct {
	mu      sync.Mutex
	state   state
	decided chan struct{}
}

func newDecider() *decider {
	return &decider{decided: make(chan struct{})}
}

func (d *decider) resolve(to state) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateUndecided {
		return false
	}
	d.state = to
	close(d.decided)
	return true
}

func (d *decider) show() bool   { return d.resolve(stateShow) }
func (d *decider) finish() bool { return d.resolve(stateFinished) }

func (d *decider) outcome() Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stateShow:
		return OutcomeShow
	case stateFinished:
		return OutcomeFinished
	default:
		return OutcomeUndecided
	}
}

// predictsSlow extrapolates the total run time linearly from the progress
// reached after elapsed. Progress outside (0, 1] carries no prediction, and
// nothing is predicted before delay has passed.
func predictsSlow(elapsed, delay, threshold time.Duration, progress float64) bool {
	if elapsed < delay || progress <= 0 || progress > 1 {
		return false
	}
	predicted := time.Duration(float64(elapsed) / progress)
	return predicted >= threshold
}
