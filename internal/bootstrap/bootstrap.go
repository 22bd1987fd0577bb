// Package bootstrap assembles the service from its configuration and runs it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nmxmxh/inhalteselektor/internal/bus"
	"github.com/nmxmxh/inhalteselektor/internal/config"
	"github.com/nmxmxh/inhalteselektor/internal/gateway"
	"github.com/nmxmxh/inhalteselektor/internal/resolver"
	"github.com/nmxmxh/inhalteselektor/internal/server"
	"github.com/nmxmxh/inhalteselektor/internal/sparql"
	"github.com/nmxmxh/inhalteselektor/internal/steplabel"
	"github.com/nmxmxh/inhalteselektor/pkg/health"
	"github.com/nmxmxh/inhalteselektor/pkg/lifecycle"
	"github.com/nmxmxh/inhalteselektor/pkg/metrics"
	"github.com/nmxmxh/inhalteselektor/pkg/redis"
	"github.com/nmxmxh/inhalteselektor/pkg/tracing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServiceName identifies the service on the status signal and in traces.
const ServiceName = "ihs"

const shutdownTimeout = 15 * time.Second

var errBusDown = errors.New("bus transport down")

// App holds the wired components.
type App struct {
	Config   *config.Config
	Bus      *bus.Bus
	Labels   *steplabel.Cache
	Resolver *resolver.Service
	Server   *server.Server
	Health   *health.HealthChecker
	Metrics  *metrics.Metrics

	steps     *gateway.StepChannel
	signal    *health.SignalSender
	lifecycle *lifecycle.Manager
	log       *zap.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	transport bus.Transport
}

// WithTransport replaces the transport selected by the configuration.
func WithTransport(t bus.Transport) Option {
	return func(o *options) { o.transport = t }
}

// New builds every component and connects the bus. On error everything
// already started is shut down again.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (_ *App, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{
		Config:    cfg,
		Health:    health.NewHealthChecker(),
		lifecycle: lifecycle.NewManager(log),
		log:       log,
	}
	defer func() {
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = app.lifecycle.Shutdown(shutdownCtx)
		}
	}()

	tracingCfg := cfg.Tracing
	tracingCfg.ServiceName = ServiceName
	tracingCfg.Environment = cfg.AppEnv
	shutdownTracing, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
	} else {
		app.lifecycle.AddCleanup("tracing", shutdownTracing)
	}

	if cfg.Metrics.Enabled {
		app.Metrics = metrics.New(ServiceName)
	}

	transport := o.transport
	if transport == nil {
		transport, err = bus.NewTransport(cfg.TransportConfig(), log)
		if err != nil {
			return nil, err
		}
	}
	app.Bus = bus.New(transport, log,
		bus.WithDefaultTimeout(cfg.Bus.DefaultTimeout),
		bus.WithConnectTimeout(cfg.Bus.ConnectTimeout))
	app.lifecycle.AddCloser("bus", app.Bus.Close)
	if err := app.Bus.Start(ctx); err != nil {
		return nil, fmt.Errorf("start bus: %w", err)
	}

	gwOpts := []gateway.Option{gateway.WithLogger(log), gateway.WithMetrics(app.Metrics)}
	store := gateway.NewKnowledgeStore(app.Bus, cfg.Backend, gwOpts...)
	users := gateway.NewUserModel(app.Bus, cfg.Backend, gwOpts...)
	app.steps = gateway.NewStepChannel(app.Bus, cfg.Backend, gwOpts...)
	app.lifecycle.AddCloser("step notifications", app.steps.Close)

	builder := sparql.NewBuilder(cfg.SPARQL.OntologyURI)
	labelOpts := []steplabel.Option{
		steplabel.WithLanguage(cfg.StepLabels.Language),
		steplabel.WithRetry(cfg.StepLabels.RetryFor),
		steplabel.WithLogger(log),
		steplabel.WithMetrics(app.Metrics),
	}
	if cfg.StepLabels.Snapshot.Enabled {
		if snap := app.labelSnapshot(ctx); snap != nil {
			labelOpts = append(labelOpts, steplabel.WithSnapshot(snap))
		}
	}
	app.Labels = steplabel.New(store, builder, labelOpts...)
	app.Resolver = resolver.New(store, users, app.steps, app.Labels,
		resolver.WithBuilder(builder),
		resolver.WithLogger(log),
		resolver.WithMetrics(app.Metrics))

	app.Health.Register(health.NewCheck("bus", func(context.Context) error {
		if app.Bus.Health().Status != string(health.StatusUp) {
			return errBusDown
		}
		return nil
	}))
	app.Health.Register(health.NewCheck("stepLabels", func(context.Context) error {
		if !app.Labels.Ready() {
			return errors.New("step labels not loaded")
		}
		return nil
	}))

	if cfg.StatusSignal.Enabled {
		app.signal = health.NewSignalSender(ServiceName, cfg.Backend.Prefix+"status:signal",
			cfg.StatusSignal.Interval, app.Health, app.Bus, log)
	}

	srvOpts := server.Options{
		Addr:     cfg.Addr(),
		BasePath: cfg.Webserver.BasePath,
		Statics:  cfg.Webserver.Statics,
		Health:   app.Health.Handler(),
		Metrics:  app.Metrics,
	}
	app.Server = server.New(srvOpts, app.Resolver, log)
	return app, nil
}

// labelSnapshot connects to Redis for the label snapshot. The snapshot is
// optional, so a failed connection only disables it.
func (a *App) labelSnapshot(ctx context.Context) steplabel.Snapshot {
	client, err := redis.NewClient(ctx, a.Config.Bus.Redis, a.log)
	if err != nil {
		a.log.Warn("Step label snapshot disabled", zap.Error(err))
		return nil
	}
	a.lifecycle.AddCloser("label snapshot", client.Close)
	cache := redis.NewCache(client, ServiceName, "steplabels")
	return steplabel.NewRedisSnapshot(cache, a.Config.StepLabels.Language, a.Config.StepLabels.Snapshot.TTL)
}

// Run serves HTTP on the configured port until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Config.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the service on ln. Background work starts with it; everything
// is shut down in reverse order once ctx is canceled or the server fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	labelsDone := a.Labels.Schedule(gctx, a.Config.StepLabels.Delay)
	g.Go(func() error {
		<-labelsDone
		return nil
	})

	if a.signal != nil {
		if err := a.signal.Start(gctx); err != nil {
			_ = ln.Close()
			return err
		}
		a.lifecycle.AddCleanup("status signal", func(context.Context) error {
			a.signal.Stop()
			return nil
		})
	}

	g.Go(func() error {
		return a.Server.Serve(gctx, ln)
	})
	a.log.Info("Inhalteselektor auf Port " + strconv.Itoa(a.Config.Webserver.Port) + " gestartet")

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := a.lifecycle.Shutdown(shutdownCtx); serr != nil {
		a.log.Warn("Shutdown finished with errors", zap.Error(serr))
	}
	return err
}

// Shutdown releases everything New started. Serve calls it on return.
func (a *App) Shutdown(ctx context.Context) error {
	return a.lifecycle.Shutdown(ctx)
}
