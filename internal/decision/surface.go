package decision

import (
	"context"

	"github.com/google/uuid"

	"github.com/JakeFAU/taskwatch/internal/progress"
	"github.com/JakeFAU/taskwatch/internal/task"
)

// View describes what a surface should display.
type View struct {
	UnitID      uuid.UUID
	Title       string
	Description string
	State       progress.State
	// Cancel is set only when the run is cancelable.
	Cancel func()
}

// Surface presents a running unit. Progress updates arrive through the
// embedded Listener on the unit's progress executor. Show is called at most
// once, and Finished exactly once, after Show when Show was called.
type Surface interface {
	progress.Listener
	Show(view View)
	Finished(err error)
}

// RunWithSurface runs u through Run and drives s from the outcome: a slow
// unit is shown and later torn down, a quick one is only reported finished.
func (c *Coordinator) RunWithSurface(ctx context.Context, u *task.Unit, cfg Config, s Surface) (Outcome, error) {
	if u == nil || s == nil {
		return c.Run(ctx, u, cfg)
	}
	cfg = cfg.withDefaults()
	remove := u.Progress().AddListener(s)

	outcome, err := c.Run(ctx, u, cfg)
	if err != nil {
		remove()
		return outcome, err
	}
	if outcome == OutcomeShow {
		view := View{
			UnitID:      u.ID(),
			Title:       cfg.Title,
			Description: u.Description(),
			State:       u.Progress().State(),
		}
		if cfg.Cancelable {
			view.Cancel = func() { u.Cancel() }
		}
		s.Show(view)
	}
	u.OnComplete(func(done *task.Unit) {
		remove()
		s.Finished(done.Err())
	})
	return outcome, nil
}
