// Package server builds the long-lived taskwatch services and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/taskwatch/internal/api"
	"github.com/JakeFAU/taskwatch/internal/clock/system"
	"github.com/JakeFAU/taskwatch/internal/config"
	"github.com/JakeFAU/taskwatch/internal/console"
	"github.com/JakeFAU/taskwatch/internal/decision"
	"github.com/JakeFAU/taskwatch/internal/dispatcher"
	"github.com/JakeFAU/taskwatch/internal/metrics"
	"github.com/JakeFAU/taskwatch/internal/pool"
	"github.com/JakeFAU/taskwatch/internal/progress"
	progresssinks "github.com/JakeFAU/taskwatch/internal/progress/sinks"
	"github.com/JakeFAU/taskwatch/internal/runner"
	"github.com/JakeFAU/taskwatch/internal/task"
	"github.com/JakeFAU/taskwatch/internal/taskview"
	"github.com/JakeFAU/taskwatch/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// ErrPoolTerminated is reported by the readiness check once the pool has
// shut down.
var ErrPoolTerminated = errors.New("worker pool terminated")

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	out    io.Writer

	telemetry *telemetry.Provider
	hub       *progress.Hub
	ui        *dispatcher.Serial
	views     *taskview.Model
	pool      *pool.Pool
	coord     *decision.Coordinator
	control   *runner.Controller
	apiServer *api.Server
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	out        io.Writer
}

// WithRegisterer registers the unit collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) {
		o.registerer = reg
	}
}

// WithOutput sets where console surfaces draw. The default is stdout.
func WithOutput(out io.Writer) Option {
	return func(o *buildOptions) {
		o.out = out
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions{registerer: prometheus.DefaultRegisterer, out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{cfg: cfg, logger: logger, out: o.out}
	logger.Info("building application dependencies",
		zap.String("pool_kind", cfg.Pool.Kind),
		zap.Int("pool_size", cfg.Pool.Size),
		zap.Bool("server_enabled", cfg.Server.Enabled),
	)

	var err error
	app.telemetry, err = telemetry.NewProvider(ctx, cfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err = setupProgress(app, o.registerer); err != nil {
		app.abort()
		return nil, err
	}

	app.ui = dispatcher.NewSerial(logger.Named("ui"))
	app.views = taskview.New(
		taskview.WithRetention(cfg.TaskView.Retain),
		taskview.WithRemoveSucceeded(cfg.TaskView.RemoveSucceeded),
		taskview.WithLogger(logger.Named("taskview")),
	)

	if err = setupPool(app); err != nil {
		app.abort()
		return nil, err
	}

	recorder := metrics.NewRecorder()
	app.coord = decision.NewCoordinator(
		decision.WithLogger(logger.Named("decision")),
		decision.WithExecutor(app.pool),
		decision.WithRecorder(recorder),
	)
	app.control = runner.NewController(
		runner.WithControllerLogger(logger.Named("runner")),
		runner.WithStopCoordinator(app.coord, cfg.DecisionRun("Stopping"), app.NewSurface()),
	)

	app.apiServer = api.NewServer(
		app.views,
		api.Config{APIKey: cfg.APIKey(), RequestTimeout: cfg.Server.RequestTimeout},
		logger.Named("api"),
		api.WithRunnerControl(app.control),
		api.WithReadiness(app.ready),
	)

	return app, nil
}

func setupProgress(app *App, reg prometheus.Registerer) error {
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	hubCfg := app.cfg.HubConfig()
	hubCfg.Logger = app.logger.Named("progress_hub")
	app.hub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func setupPool(app *App) error {
	opts := []pool.Option{
		pool.WithLogger(app.logger.Named("pool")),
		pool.WithQueueDepth(app.cfg.Pool.QueueDepth),
		pool.WithMaxActive(app.cfg.Pool.MaxActive),
		pool.WithObserver(app.views),
	}
	if app.telemetry.Enabled() {
		opts = append(opts, pool.WithObserver(telemetry.NewUnitTracer(app.telemetry.Tracer())))
	}
	p, err := pool.New(pool.Kind(app.cfg.Pool.Kind), app.cfg.Pool.Size, opts...)
	if err != nil {
		return fmt.Errorf("pool init failed: %w", err)
	}
	// The event observer reads the active count back from the pool itself.
	p.AddObserver(pool.NewEventObserver(app.hub, system.New(), p))
	app.pool = p
	app.logger.Info("worker pool initialized",
		zap.String("kind", string(p.Kind())),
		zap.Int("size", app.cfg.Pool.Size),
		zap.Int("queue_depth", app.cfg.Pool.QueueDepth),
	)
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Pool returns the instrumented worker pool.
func (a *App) Pool() *pool.Pool { return a.pool }

// Coordinator returns the decision coordinator. Work it runs executes on
// the pool.
func (a *App) Coordinator() *decision.Coordinator { return a.coord }

// Controller returns the runner controller exposed under /v1/runner.
func (a *App) Controller() *runner.Controller { return a.control }

// Views returns the task list model fed by the pool.
func (a *App) Views() *taskview.Model { return a.views }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// NewUnit wraps fn in a unit whose progress listeners are notified on the
// app's serial delivery goroutine.
func (a *App) NewUnit(description string, fn func(ctx context.Context) error) *task.Unit {
	return task.NewRunnable(fn,
		task.WithDescription(description),
		task.WithProgressOptions(
			progress.WithExecutor(a.ui),
			progress.WithChannelLogger(a.logger.Named("progress")),
		),
	)
}

// NewSurface returns a console surface drawing to the app's output.
func (a *App) NewSurface() *console.Surface {
	return console.NewSurface(a.out, a.cfg.Console.RedrawInterval)
}

// Decide runs u on the pool under the decision coordinator and presents it
// on a console surface titled title.
func (a *App) Decide(ctx context.Context, u *task.Unit, title string) (decision.Outcome, error) {
	outcome, err := a.coord.RunWithSurface(ctx, u, a.cfg.DecisionRun(title), a.NewSurface())
	if err != nil {
		return outcome, fmt.Errorf("decide %q: %w", title, err)
	}
	return outcome, nil
}

func (a *App) ready() error {
	if a.pool.Terminated() {
		return ErrPoolTerminated
	}
	return nil
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down.
// It returns immediately when the server is disabled.
func (a *App) Serve(ctx context.Context) error {
	if !a.cfg.Server.Enabled {
		a.logger.Debug("http server disabled")
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application. Accepted units finish before
// their lifecycle events are flushed.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.control != nil && a.control.Runner() != nil {
		if err := a.control.Stop(ctx); err != nil && !errors.Is(err, runner.ErrCommandDisabled) {
			errs = append(errs, fmt.Errorf("stop runner: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Shutdown()
		if err := a.pool.AwaitTermination(ctx); err != nil {
			a.pool.ShutdownNow()
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx, &errs)
	a.closeObservability(ctx, &errs)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context, errs *[]error) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			*errs = append(*errs, err)
		}
	}
	if a.ui != nil {
		if err := a.ui.Close(ctx); err != nil {
			a.logger.Warn("ui dispatcher close failed", zap.Error(err))
			*errs = append(*errs, err)
		}
	}
}

func (a *App) closeObservability(ctx context.Context, errs *[]error) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
			*errs = append(*errs, err)
		}
	}
}

// abort releases whatever Build managed to start before failing.
func (a *App) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.logger.Warn("partial build cleanup failed", zap.Error(err))
	}
}
