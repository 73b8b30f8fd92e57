package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/dotenv"
	"github.com/voicebridge/voicebridge/pkg/engine/audio"
	"github.com/voicebridge/voicebridge/pkg/engine/callstore"
	"github.com/voicebridge/voicebridge/pkg/engine/config"
	"github.com/voicebridge/voicebridge/pkg/engine/controlplane"
	"github.com/voicebridge/voicebridge/pkg/engine/dial"
	"github.com/voicebridge/voicebridge/pkg/engine/health"
	"github.com/voicebridge/voicebridge/pkg/engine/metrics"
	"github.com/voicebridge/voicebridge/pkg/engine/provider"
	"github.com/voicebridge/voicebridge/pkg/engine/provider/geminilive"
	"github.com/voicebridge/voicebridge/pkg/engine/provider/openairt"
	"github.com/voicebridge/voicebridge/pkg/engine/session"
	"github.com/voicebridge/voicebridge/pkg/engine/tools"
)

type engineDeps struct {
	loadConfig   func() (config.Config, error)
	loadContexts func(path string) (config.Catalog, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultEngineDeps() engineDeps {
	return engineDeps{
		loadConfig:   config.LoadFromEnv,
		loadContexts: config.LoadContexts,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// readySource adapts the supervisor and session registry to the health surface.
type readySource struct {
	sup      *controlplane.Supervisor
	sessions *session.Registry
}

func (r readySource) ControlPlaneConnected() bool { return r.sup.IsConnected() }
func (r readySource) ActiveCalls() int            { return r.sessions.Count() }

func registerAdapters(ctx context.Context, cfg config.Config, reg *provider.Registry, logger *slog.Logger) error {
	registered := 0
	if cfg.OpenAIAPIKey != "" {
		a := openairt.New(openairt.Options{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Logger:  logger,
		})
		if err := reg.Register(a); err != nil {
			return err
		}
		registered++
	}
	if cfg.GeminiAPIKey != "" {
		a, err := geminilive.New(ctx, geminilive.Options{
			APIKey: cfg.GeminiAPIKey,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		if err := reg.Register(a); err != nil {
			return err
		}
		registered++
	}
	if registered == 0 {
		return errors.New("no provider adapters registered")
	}
	logger.Info("provider adapters registered", "providers", reg.Names())
	return nil
}

func runEngine(ctx context.Context, logger *slog.Logger, stderr io.Writer, deps engineDeps) error {
	if deps.loadConfig == nil || deps.loadContexts == nil {
		return errors.New("missing config dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logger == nil {
		logger = buildLogger(cfg, stderr)
	}
	slog.SetDefault(logger)

	catalog, err := deps.loadContexts(cfg.ContextsPath)
	if err != nil {
		return fmt.Errorf("load contexts: %w", err)
	}
	if cfg.DefaultContext != "" {
		catalog.DefaultContext = cfg.DefaultContext
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	providers := provider.NewRegistry()
	if err := registerAdapters(ctx, cfg, providers, logger); err != nil {
		return fmt.Errorf("register providers: %w", err)
	}

	cpClient := controlplane.NewClient(controlplane.Config{
		BaseURL:        cfg.ControlPlaneURL,
		AppName:        cfg.AppName,
		APIKey:         cfg.APIKey,
		CommandTimeout: cfg.CommandTimeout,
	})

	gateway := tools.NewGateway(logger, cfg.ToolSlowAfter)
	gateway.SetObserver(func(tool string, status tools.Status) {
		m.ToolOutcomes.WithLabelValues(tool, string(status)).Inc()
	})
	if err := tools.RegisterBuiltins(gateway, cpClient); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	var store session.CallStore
	if cfg.DatabaseURL != "" {
		cs, err := callstore.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("open call store: %w", err)
		}
		defer cs.Close()
		if err := cs.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate call store: %w", err)
		}
		store = cs
	}

	transport := audio.NewTransport(logger)
	resolver := session.NewResolver(catalog.Contexts, catalog.DefaultContext, catalog.DefaultProvider)

	orch := session.NewOrchestrator(session.Config{
		ProvisionTimeout: cfg.ProvisionTimeout,
		TeardownGrace:    cfg.TeardownGrace,
		BargeInCooldown:  cfg.BargeInCooldown,
		StatsInterval:    cfg.StatsInterval,
		FillerMediaURI:   cfg.FillerMediaURI,
	}, session.Deps{
		Commander: cpClient,
		Transport: transport,
		Providers: providers,
		Tools:     gateway,
		Resolver:  resolver,
		Store:     store,
		Metrics:   m,
		Logger:    logger,
	})

	supervisor := controlplane.NewSupervisor(cpClient.Connect, logger)
	supervisor.SetReconnectHook(func(consecutiveFailures int, backoff time.Duration) {
		m.ReconnectAttempts.Inc()
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	supDone := make(chan error, 1)
	go func() { supDone <- supervisor.Run(runCtx) }()
	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		orch.Run(runCtx, supervisor.Events())
	}()

	dialSvc := dial.New(cpClient, logger, cfg.OriginateTimeoutSec)
	mux := http.NewServeMux()
	mux.Handle("/dial", dialSvc.Handler())
	mux.Handle("/", health.Handler(readySource{sup: supervisor, sessions: orch.Registry()}, promReg))

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting engine",
		"addr", cfg.Addr,
		"control_plane", cfg.ControlPlaneURL,
		"contexts", len(catalog.Contexts),
		"default_context", catalog.DefaultContext)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case err := <-supDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}

	if !orch.Registry().DrainAll(shutdownCtx, cfg.ShutdownGracePeriod) {
		logger.Warn("calls still live at shutdown deadline", "count", orch.Registry().Count())
	}
	cancel()
	<-orchDone

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("engine stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps engineDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicebridged: %v\n", err)
		return 1
	}

	if err := runEngine(ctx, nil, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "voicebridged: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultEngineDeps()))
}
