package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hive-corporation/ioc-connectors/internal/adapter/exporter"
	"github.com/hive-corporation/ioc-connectors/internal/adapter/handler"
	"github.com/hive-corporation/ioc-connectors/internal/adapter/notifier"
	"github.com/hive-corporation/ioc-connectors/internal/adapter/platform"
	"github.com/hive-corporation/ioc-connectors/internal/adapter/provider"
	"github.com/hive-corporation/ioc-connectors/internal/adapter/repository"
	"github.com/hive-corporation/ioc-connectors/internal/config"
	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/pipeline"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
	"github.com/hive-corporation/ioc-connectors/internal/observability"
)

// App holds every long-lived component of a connector process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  ports.StateStore
	runner *pipeline.Runner
}

func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	observability.InitMetrics()

	rc, err := newRunContext(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	source, err := newSource(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	mode, err := pipeline.ParsePublishMode(cfg.Connector.PublishMode)
	if err != nil {
		store.Close()
		return nil, err
	}

	publisher := newPublisher(cfg, newPlatform(cfg, logger), logger)

	var notify ports.Notifier
	if cfg.Slack.Enabled {
		notify = notifier.NewSlackNotifier(cfg.SlackToken(), cfg.Slack.Channel, cfg.Slack.MentionTeam, cfg.Slack.APIURL)
		logger.Info("slack notifier enabled", zap.String("channel", cfg.Slack.Channel))
	}

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		Connector:   cfg.Connector.Name,
		Interval:    cfg.Connector.Interval,
		FatalPause:  cfg.Connector.FatalPause,
		ExitOnFatal: cfg.Connector.ExitOnFatal,
		Once:        cfg.Connector.Once,
		PublishMode: mode,
		DeleteStale: cfg.Connector.DeleteStale,
	}, source, store, domain.NewBuilder(rc), publisher, notify, logger)

	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		runner: runner,
	}, nil
}

// Run serves the status endpoints (when enabled) and drives the runner until
// ctx is cancelled or a once/fatal exit.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Status.Enabled {
		if err := a.startStatus(ctx); err != nil {
			return err
		}
	}

	err := a.runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("connector stopped", zap.Error(err))
		return err
	}
	return nil
}

func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close state store", zap.Error(err))
	}
	a.logger.Sync()
}

// startStatus listens on both status addresses before returning so a bind
// failure is reported at startup. Both servers stop when ctx is done.
func (a *App) startStatus(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", a.cfg.Status.Listen)
	if err != nil {
		return fmt.Errorf("status listen %s: %w", a.cfg.Status.Listen, err)
	}
	grpcLis, err := net.Listen("tcp", a.cfg.Status.GRPCListen)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("grpc listen %s: %w", a.cfg.Status.GRPCListen, err)
	}

	rest := handler.NewRestHandler(a.runner, a.cfg.StatusToken(), a.logger)
	srv := &http.Server{
		Handler:      rest.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	health := handler.NewHealthServer(a.runner, "ioc.connector."+a.cfg.Connector.Name, a.logger)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	go func() {
		a.logger.Info("status API listening", zap.String("addr", httpLis.Addr().String()))
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status API failed", zap.Error(err))
		}
	}()
	go func() {
		a.logger.Info("gRPC health listening", zap.String("addr", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil {
			a.logger.Error("gRPC health failed", zap.Error(err))
		}
	}()
	go health.Watch(ctx, 5*time.Second)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("status API forced to shutdown", zap.Error(err))
		}
		grpcServer.GracefulStop()
	}()
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Connector: cfg.Connector.Name,
		Version:   version,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// newRunContext resolves identity, markings and tags once for the process.
func newRunContext(cfg *config.Config) (domain.RunContext, error) {
	mode, err := domain.ParseEntityMode(cfg.Connector.EntityMode)
	if err != nil {
		return domain.RunContext{}, err
	}

	rc := domain.RunContext{
		Connector:        cfg.Connector.Name,
		Identity:         domain.NewIdentity(cfg.Identity.Name, cfg.Identity.Class, cfg.Identity.Description),
		Mode:             mode,
		IndicatorLabels:  cfg.Connector.IndicatorLabels,
		ReportLabels:     cfg.Connector.ReportLabels,
		ReportNamePrefix: cfg.CSV.ReportNamePrefix,
	}
	for _, m := range cfg.Markings {
		rc.Markings = append(rc.Markings, domain.NewMarking(m.Type, m.Definition))
	}
	for _, t := range cfg.Tags {
		rc.Tags = append(rc.Tags, domain.NewTag(t.Type, t.Value, t.Color))
	}
	return rc, nil
}

func openStore(ctx context.Context, cfg *config.Config) (ports.StateStore, error) {
	switch cfg.State.Backend {
	case config.BackendBolt:
		return repository.NewBoltStateStore(cfg.State.Path)
	case config.BackendRedis:
		return repository.OpenRedisStateStore(ctx, cfg.State.RedisURL, cfg.State.RedisPrefix)
	case config.BackendPostgres:
		return repository.OpenPostgresStateStore(ctx, cfg.PostgresDSN())
	case config.BackendMemory:
		return repository.NewMemoryStateStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

func newResilientClient(cfg *config.Config, name string, logger *zap.Logger) *platform.ResilientClient {
	return platform.NewResilientClient(cfg.Platform.Timeout, platform.ResilientClientConfig{
		EnableCircuitBreaker: cfg.Platform.CircuitBreaker,
		MaxFailures:          cfg.Platform.MaxFailures,
		CircuitTimeout:       cfg.Platform.CircuitTimeout,
		MaxRetries:           cfg.Platform.MaxRetries,
		InitialInterval:      cfg.Platform.InitialInterval,
		MaxInterval:          cfg.Platform.MaxInterval,
		Name:                 name,
		Logger:               logger,
	})
}

func newPlatform(cfg *config.Config, logger *zap.Logger) ports.Platform {
	if cfg.Platform.DryRun {
		logger.Warn("dry run: publishing to an in-process platform")
		return platform.NewMemoryPlatform()
	}
	client := newResilientClient(cfg, "platform-api", logger)
	return platform.NewHTTPPlatform(client, cfg.Platform.URL, cfg.PlatformToken(), logger)
}

func newPublisher(cfg *config.Config, p ports.Platform, logger *zap.Logger) *pipeline.Publisher {
	var sinks []ports.GraphSink
	if cfg.Export.CEFPath != "" {
		cef := exporter.NewCEFExporter("", "", version, cfg.Export.CEFSeverity)
		sinks = append(sinks, exporter.NewCEFFileSink(cef, cfg.Export.CEFPath))
	}
	stix := exporter.NewSTIXExporter()
	if cfg.Export.STIXDir != "" {
		sinks = append(sinks, exporter.NewSTIXFileSink(stix, cfg.Export.STIXDir))
	}

	return pipeline.NewPublisher(p, stix, pipeline.PublisherConfig{
		Update:   cfg.Connector.Update,
		ReportID: cfg.Connector.ReportID,
	}, logger, sinks...)
}

func newSource(cfg *config.Config, logger *zap.Logger) (ports.Source, error) {
	switch cfg.Connector.Type {
	case config.TypeCSVDir:
		return provider.NewCSVDirProvider(cfg.Connector.Name, cfg.CSV.DataDir, cfg.CSV.SampleName, cfg.CSV.DefaultDescription, logger), nil
	case config.TypeIPList:
		var kind domain.IOCKind
		if cfg.List.Kind != "" {
			k, err := domain.ParseKind(cfg.List.Kind)
			if err != nil {
				return nil, fmt.Errorf("list.kind: %w", err)
			}
			kind = k
		}
		client := newResilientClient(cfg, "list-feed", logger)
		return provider.NewSimpleListProvider(client, provider.SimpleListConfig{
			Name:              cfg.Connector.Name,
			URL:               cfg.List.URL,
			Kind:              kind,
			Description:       cfg.List.Description,
			ReportDescription: cfg.List.ReportDescription,
			ArchiveDir:        cfg.List.ArchiveDir,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown connector type %q", cfg.Connector.Type)
	}
}
