package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/taskwatch/internal/console"
	"github.com/JakeFAU/taskwatch/internal/pool"
	"github.com/JakeFAU/taskwatch/internal/runner"
	"github.com/JakeFAU/taskwatch/internal/task"
	"github.com/JakeFAU/taskwatch/internal/workload"
)

// newDemoCmd creates the 'demo' command group.
func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run synthetic work through the pool, the decision coordinator or the task runner",
	}
	cmd.AddCommand(newDemoPoolCmd())
	cmd.AddCommand(newDemoDecideCmd())
	cmd.AddCommand(newDemoRunnerCmd())
	return cmd
}

func newDemoPoolCmd() *cobra.Command {
	var (
		units int
		fail  int
		steps int
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Submit units to the worker pool and print each status change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if units <= 0 {
				return fmt.Errorf("--units must be > 0")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			printer := console.NewListPrinter(cmd.OutOrStdout())
			detach := printer.Attach(appInstance.Views())
			defer detach()

			// Registered after the task list, so a unit's line is printed
			// before it is counted.
			var (
				mu                   sync.Mutex
				ok, failed, canceled int
				done                 = make(chan struct{})
			)
			remove := appInstance.Pool().AddObserver(pool.ObserverFuncs{
				OnAfterRun: func(_ *task.Unit, err error) {
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case task.IsCanceled(err):
						canceled++
					default:
						failed++
					}
					if ok+failed+canceled == units {
						close(done)
					}
				},
			})
			defer remove()

			return withServer(cmd.Context(), appInstance, func(ctx context.Context) error {
				for i := 0; i < units; i++ {
					u := appInstance.NewUnit(fmt.Sprintf("unit-%d", i+1), workload.Steps(steps, delay, i < fail))
					if err := appInstance.Pool().Execute(ctx, u); err != nil {
						return fmt.Errorf("submit unit %d: %w", i+1, err)
					}
				}
				select {
				case <-done:
				case <-ctx.Done():
					return fmt.Errorf("wait for units: %w", ctx.Err())
				}
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(cmd.OutOrStdout(), "units: %d finished, %d failed, %d canceled\n", ok, failed, canceled)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&units, "units", 8, "number of units to submit")
	cmd.Flags().IntVar(&fail, "fail", 0, "number of units that fail after their last step")
	cmd.Flags().IntVar(&steps, "steps", 5, "steps per unit")
	cmd.Flags().DurationVar(&delay, "delay", 100*time.Millisecond, "duration of each step")
	return cmd
}

func newDemoDecideCmd() *cobra.Command {
	var (
		duration time.Duration
		title    string
	)
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Run one unit and show progress only if it turns out to be slow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return withServer(cmd.Context(), appInstance, func(ctx context.Context) error {
				const steps = 10
				u := appInstance.NewUnit(fmt.Sprintf("work for %s", duration), workload.Steps(steps, duration/steps, false))
				outcome, err := appInstance.Decide(ctx, u, title)
				if err != nil {
					return err
				}
				appInstance.Logger().Info("decision resolved", zap.Stringer("outcome", outcome))
				if _, err := u.Wait(ctx); err != nil && !u.Canceled() {
					return fmt.Errorf("unit failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s\n", outcome)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "total duration of the unit")
	cmd.Flags().StringVar(&title, "title", "Working", "surface title")
	return cmd
}

func newDemoRunnerCmd() *cobra.Command {
	var (
		steps int
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Attach a counting task to the runner controller and start it",
		Long: `Attaches a step-wise counting task to the runner controller and starts
it. With --serve the task can be paused, stepped and stopped through
/v1/runner while it counts; an interrupt stops it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			counter := workload.NewCounter(steps, delay, nil, appInstance.Logger().Named("counter"))
			r := runner.New(counter, runner.WithLogger(appInstance.Logger().Named("runner")))
			ctl := appInstance.Controller()
			ctl.SetRunner(r)
			defer ctl.SetRunner(nil)

			return withServer(cmd.Context(), appInstance, func(ctx context.Context) error {
				if err := ctl.Do(ctx, runner.CommandStart); err != nil {
					return fmt.Errorf("start runner: %w", err)
				}
				if err := r.Wait(ctx); err != nil {
					stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
					defer cancel()
					if serr := ctl.Do(stopCtx, runner.CommandStop); serr != nil && !errors.Is(serr, runner.ErrCommandDisabled) {
						return fmt.Errorf("stop runner: %w", serr)
					}
				}
				completed, stepErr := counter.Result()
				fmt.Fprintf(cmd.OutOrStdout(), "counted %d of %d (completed=%t)\n", counter.Count(), steps, completed)
				if stepErr != nil {
					return fmt.Errorf("task failed: %w", stepErr)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 20, "numbers to count")
	cmd.Flags().DurationVar(&delay, "delay", 250*time.Millisecond, "duration of each step")
	return cmd
}

// withServer runs fn, serving the HTTP API alongside it when enabled. The
// server stops once fn returns.
func withServer(ctx context.Context, appInstance App, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return appInstance.Serve(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("demo: %w", err)
	}
	return nil
}
