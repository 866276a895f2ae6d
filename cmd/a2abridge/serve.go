package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/a2abridge"
	"github.com/kadirpekel/a2abridge/pkg/activity"
	"github.com/kadirpekel/a2abridge/pkg/auth"
	"github.com/kadirpekel/a2abridge/pkg/bridge"
	"github.com/kadirpekel/a2abridge/pkg/classifier"
	"github.com/kadirpekel/a2abridge/pkg/config"
	"github.com/kadirpekel/a2abridge/pkg/credentials"
	"github.com/kadirpekel/a2abridge/pkg/delegation"
	"github.com/kadirpekel/a2abridge/pkg/descriptor"
	"github.com/kadirpekel/a2abridge/pkg/downstream"
	"github.com/kadirpekel/a2abridge/pkg/httpclient"
	"github.com/kadirpekel/a2abridge/pkg/observability"
	"github.com/kadirpekel/a2abridge/pkg/server"
	"github.com/kadirpekel/a2abridge/pkg/session"
)

// ServeCmd starts the bridge.
type ServeCmd struct {
	Port  int  `help:"Override the configured port."`
	Watch bool `help:"Reload the delegation registry when the config changes." default:"true" negatable:""`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := cli.loadConfig(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = loader.Close() }()

	cleanup, err := initLoggerFromConfig(cli, &cfg.Logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	app, err := buildApp(ctx, cfg, a2abridge.GetVersion().Version, os.Stdout)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.sessions.Start(cfg.Sessions.SweepSchedule); err != nil {
		return err
	}
	defer app.sessions.Stop()

	printStartupInfo(cfg, app)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.server.Start(gctx)
	})
	if c.Watch {
		loader.OnChange(app.reload)
		g.Go(func() error {
			return loader.Watch(gctx)
		})
	}

	err = g.Wait()
	slog.Info("Bridge stopped")
	return err
}

// app holds the wired components of a running bridge.
type app struct {
	cfg       *config.Config
	dbPool    *config.DBPool
	sessions  *session.Manager
	tokens    *credentials.Cache
	backend   *downstream.Client
	registry  *delegation.Registry
	delegator *delegation.Delegator
	recorder  *activity.Recorder
	validator *auth.JWTValidator
	telemetry *observability.Manager
	server    *server.Server

	closers []func() error
}

// buildApp wires every component from cfg. Trace output for the stdout
// exporter goes to traceOut. On error, whatever was already built is
// released.
func buildApp(ctx context.Context, cfg *config.Config, version string, traceOut io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.telemetry, err = observability.NewManager(ctx, cfg.Observability, traceOut)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.telemetry.Shutdown(context.Background()) })
	metrics := a.telemetry.Metrics()

	a.dbPool = config.NewDBPool()
	a.closers = append(a.closers, a.dbPool.Close)

	store, err := session.NewStoreFromConfig(ctx, cfg, a.dbPool)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.sessions = session.NewManager(store,
		session.WithMaxAge(cfg.Sessions.MaxAge),
		session.WithSweepObserver(metrics.ObserveSweep),
	)

	ds := cfg.Downstream
	a.tokens = credentials.NewCache(&credentials.ClientCredentials{
		TokenURL:     ds.TokenURL(),
		ClientID:     ds.ClientID,
		ClientSecret: ds.ClientSecret,
		Upstream:     ds.Name,
		Client:       httpclient.New(httpclient.WithName(ds.Name), httpclient.WithMaxRetries(ds.MaxRetries)),
	},
		credentials.WithTTL(ds.TokenTTL),
		credentials.WithTimeout(ds.Timeout),
		credentials.WithRefreshObserver(metrics.ObserveTokenRefresh),
	)
	a.backend = downstream.New(downstream.Config{
		Name:          ds.Name,
		APIURL:        ds.APIURL,
		AgentID:       ds.AgentID,
		BypassUser:    config.BoolValue(ds.BypassUser, true),
		Timeout:       ds.Timeout,
		StreamTimeout: ds.StreamTimeout,
	}, a.tokens,
		downstream.WithHTTPClient(httpclient.New(httpclient.WithName(ds.Name), httpclient.WithMaxRetries(ds.MaxRetries))),
		downstream.WithCallObserver(metrics.ObserveDownstream),
	)

	cls, closer, err := classifier.FromConfig(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	a.closers = append(a.closers, closer.Close)

	a.recorder = activity.NewRecorderFromConfig(cfg.Audit)
	a.closers = append(a.closers, a.recorder.Close)

	resolver := descriptor.NewResolver(cfg.Descriptors.CacheSize,
		descriptor.WithTTL(cfg.Descriptors.TTL),
		descriptor.WithTimeout(cfg.Descriptors.Timeout),
		descriptor.WithCacheObserver(metrics.ObserveCardLookup),
	)
	a.registry = delegation.NewRegistry(cfg.Delegation)
	a.delegator = delegation.NewDelegator(a.registry, resolver, a.sessions,
		delegation.WithRecorder(a.recorder),
	)

	handler := bridge.NewHandler(a.sessions, a.backend,
		bridge.WithClassifier(cls),
		bridge.WithRecorder(a.recorder),
		bridge.WithAgentID(ds.AgentID),
		bridge.WithKeepAlive(cfg.Server.KeepAlive),
		bridge.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		bridge.WithRPCObserver(metrics.ObserveRPC),
		bridge.WithStreamObserver(metrics.StreamDelta),
	)

	opts := server.Options{
		Config:    cfg,
		Bridge:    handler,
		Delegator: a.delegator,
		Recorder:  a.recorder,
		Metrics:   metrics,
		Version:   version,
	}
	a.validator, err = auth.NewValidatorFromConfig(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if a.validator != nil {
		opts.Validator = a.validator
		a.closers = append(a.closers, func() error { a.validator.Close(); return nil })
	}

	a.server, err = server.New(opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// reload applies a changed configuration. Only the delegation registry is
// hot; everything else needs a restart.
func (a *app) reload(cfg *config.Config) {
	a.registry.Update(cfg.Delegation)
	slog.Info("Delegation registry reloaded", "agents", len(cfg.Delegation.Agents))
}

// Close releases components in reverse construction order.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
}

func printStartupInfo(cfg *config.Config, a *app) {
	slog.Info("Bridge ready",
		"name", cfg.Name,
		"address", cfg.Server.Address(),
		"public_url", cfg.Server.PublicURL,
		"downstream", cfg.Downstream.Name,
		"sessions", cfg.Sessions.Backend,
		"delegates", len(a.registry.Agents()),
		"auth", a.validator != nil,
		"metrics", a.telemetry.Metrics() != nil,
	)
}
