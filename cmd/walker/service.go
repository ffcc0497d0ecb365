package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/batchwalk/internal/app/job"
	"github.com/ahrav/batchwalk/internal/checkpoint"
	"github.com/ahrav/batchwalk/internal/config"
	queuekafka "github.com/ahrav/batchwalk/internal/infra/queue/kafka"
	queuememory "github.com/ahrav/batchwalk/internal/infra/queue/memory"
	"github.com/ahrav/batchwalk/internal/infra/storage"
	ckptmemory "github.com/ahrav/batchwalk/internal/infra/storage/checkpoint/memory"
	ckptpostgres "github.com/ahrav/batchwalk/internal/infra/storage/checkpoint/postgres"
	settingsmemory "github.com/ahrav/batchwalk/internal/infra/storage/settings/memory"
	settingspebble "github.com/ahrav/batchwalk/internal/infra/storage/settings/pebble"
	settingspostgres "github.com/ahrav/batchwalk/internal/infra/storage/settings/postgres"
	"github.com/ahrav/batchwalk/internal/providers/fs"
	"github.com/ahrav/batchwalk/internal/providers/github"
	"github.com/ahrav/batchwalk/internal/providers/sink"
	"github.com/ahrav/batchwalk/internal/queue"
	"github.com/ahrav/batchwalk/internal/settings"
	"github.com/ahrav/batchwalk/pkg/batch"
	"github.com/ahrav/batchwalk/pkg/common"
	"github.com/ahrav/batchwalk/pkg/common/logger"
	"github.com/ahrav/batchwalk/pkg/common/otel"
	"github.com/ahrav/batchwalk/pkg/metrics"
)

const defaultMigrationsURL = "file://db/migrations"

// service holds everything one walker process needs, plus the teardown for
// it in reverse order of construction.
type service struct {
	runner  *job.Runner
	tracer  trace.Tracer
	ready   func(context.Context) error
	roots   []batch.Item
	closers []func(context.Context) error
}

func (s *service) addCloser(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Close releases resources in reverse order and reports every failure.
func (s *service) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newService(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) (_ *service, err error) {
	svc := new(service)
	defer func() {
		if err != nil {
			_ = svc.Close(context.WithoutCancel(ctx))
		}
	}()

	// -------------------------------------------------------------------------
	// Start Tracing Support

	var tracer trace.Tracer = noop.NewTracerProvider().Tracer(cfg.Service.Name)
	execMetrics := metrics.Multi{metrics.New("batchwalk", prometheus.DefaultRegisterer)}

	if cfg.Telemetry.Endpoint != "" {
		log.Info(ctx, "startup", "status", "initializing tracing support")

		tp, mp, teardown, terr := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Service.Name,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			Probability:      1,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"k8s.pod.name":     os.Getenv("POD_NAME"),
				"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
				"k8s.container.id": hostname,
			},
			InsecureExporter: true,
		})
		if terr != nil {
			return nil, fmt.Errorf("starting tracing: %w", terr)
		}
		svc.addCloser(func(ctx context.Context) error { teardown(ctx); return nil })
		tracer = tp.Tracer(cfg.Service.Name)

		otelMetrics, merr := batch.NewMetrics(mp)
		if merr != nil {
			return nil, fmt.Errorf("creating executor metrics: %w", merr)
		}
		execMetrics = append(execMetrics, otelMetrics)
	}

	svc.tracer = tracer

	// -------------------------------------------------------------------------
	// Source

	var (
		decoder  checkpoint.ItemDecoder
		provider func(sink.Sink) (batch.Provider, error)
	)
	switch cfg.Source.Type {
	case config.SourceTypeFS:
		src := cfg.Source.FS
		decoder = fs.ItemDecoder()
		svc.roots = []batch.Item{fs.Root()}
		provider = func(out sink.Sink) (batch.Provider, error) {
			return fs.NewProvider(os.DirFS(src.Root), src.Config, out, log)
		}
	case config.SourceTypeGitHub:
		src := cfg.Source.GitHub
		decoder = github.ItemDecoder()
		svc.roots = github.Roots(src.Orgs...)
		provider = func(out sink.Sink) (batch.Provider, error) {
			var rl *common.RateLimiter
			if src.RequestsPerSecond > 0 {
				rl = common.NewRateLimiter(src.RequestsPerSecond, 5)
			}
			return github.NewProvider(src.Config, rl, out, log, tracer)
		}
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}

	var codec checkpoint.Codec = checkpoint.JSONCodec{Items: decoder}
	if cfg.Job.Codec == "proto" {
		codec = checkpoint.ProtoCodec{Items: decoder}
	}

	// -------------------------------------------------------------------------
	// Storage

	checkpoints, store, err := openStorage(ctx, log, cfg.Storage, codec, tracer, svc)
	if err != nil {
		return nil, err
	}

	// -------------------------------------------------------------------------
	// Start Debug Service

	if cfg.Debug.Addr != "" {
		debugCtx, cancel := context.WithCancel(ctx)
		svc.addCloser(func(context.Context) error { cancel(); return nil })
		go func() {
			log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Debug.Addr)
			if err := metrics.StartServer(debugCtx, cfg.Debug.Addr, prometheus.DefaultGatherer, metrics.Health{
				Build: build,
				Ready: svc.ready,
			}); err != nil {
				log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Debug.Addr, "msg", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Queue

	q, err := openQueue(ctx, log, cfg, hostname, tracer, svc)
	if err != nil {
		return nil, err
	}

	var out sink.Sink = sink.NewLogSink(log)
	if cfg.Sink.Type == config.SinkQueue {
		out = sink.NewQueueSink(q, cfg.Sink.Attributes)
	}

	p, err := provider(out)
	if err != nil {
		return nil, fmt.Errorf("creating provider: %w", err)
	}

	svc.runner, err = job.NewRunner(cfg.Job.RunnerConfig(), p, checkpoints, store,
		job.WithQueue(q),
		job.WithCodec(codec),
		job.WithLogger(log),
		job.WithTracer(tracer),
		job.WithMetrics(execMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("creating job runner: %w", err)
	}
	return svc, nil
}

func openStorage(
	ctx context.Context,
	log *logger.Logger,
	cfg config.StorageConfig,
	codec checkpoint.Codec,
	tracer trace.Tracer,
	svc *service,
) (checkpoint.Repository, settings.Store, error) {
	var pool *pgxpool.Pool
	if cfg.Postgres != nil {
		log.Info(ctx, "startup", "status", "connecting to postgres")

		var err error
		pool, err = storage.NewPool(ctx, storage.PoolConfig{
			DSN:      cfg.Postgres.DSN,
			MinConns: cfg.Postgres.MinConns,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating db pool: %w", err)
		}
		svc.addCloser(func(context.Context) error { pool.Close(); return nil })
		svc.ready = pool.Ping

		migrations := cfg.Postgres.MigrationsURL
		if migrations == "" {
			migrations = defaultMigrationsURL
		}
		if err := storage.RunMigrations(ctx, pool, migrations); err != nil {
			return nil, nil, err
		}
	}

	var checkpoints checkpoint.Repository = ckptmemory.NewCheckpointStore()
	if pool != nil {
		checkpoints = ckptpostgres.NewCheckpointStore(pool, codec, tracer)
	}

	switch cfg.Type {
	case config.BackendMemory:
		return checkpoints, settingsmemory.NewSettingsStore(), nil
	case config.BackendPostgres:
		return checkpoints, settingspostgres.NewSettingsStore(pool, tracer), nil
	case config.BackendPebble:
		store, err := settingspebble.NewSettingsStore(cfg.PebblePath, tracer)
		if err != nil {
			return nil, nil, err
		}
		svc.addCloser(func(context.Context) error { return store.Close() })
		return checkpoints, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func openQueue(
	ctx context.Context,
	log *logger.Logger,
	cfg *config.Config,
	hostname string,
	tracer trace.Tracer,
	svc *service,
) (queue.Queue, error) {
	switch cfg.Queue.Type {
	case config.BackendMemory:
		return queuememory.New(), nil
	case config.BackendKafka:
		log.Info(ctx, "startup", "status", "initializing kafka queue")

		kc := cfg.Queue.Kafka
		clientID := kc.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
		}
		q, err := queuekafka.ConnectWithRetry(ctx, &queuekafka.Config{
			Brokers:  kc.Brokers,
			Topic:    kc.Topic,
			GroupID:  kc.GroupID,
			ClientID: clientID,
			ReadWait: kc.ReadWait,
		}, log, tracer)
		if err != nil {
			return nil, err
		}
		svc.addCloser(func(context.Context) error { return q.Close() })
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue type %q", cfg.Queue.Type)
	}
}
