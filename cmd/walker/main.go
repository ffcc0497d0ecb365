package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/batchwalk/internal/app/job"
	"github.com/ahrav/batchwalk/internal/config"
	"github.com/ahrav/batchwalk/internal/config/fileloader"
	"github.com/ahrav/batchwalk/internal/config/viperloader"
	"github.com/ahrav/batchwalk/internal/queue"
	"github.com/ahrav/batchwalk/pkg/batch"
	"github.com/ahrav/batchwalk/pkg/common/logger"
	"github.com/ahrav/batchwalk/pkg/common/otel"
)

var build = "develop"

const serviceType = "walker"

// Commands:
//
//	run             start a job and keep polling its continuations until done
//	start           run the first invocation of a new job
//	poll            run one invocation for the next pending continuation
//	resume <job-id> run one invocation of an existing job from its checkpoint
func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := pflag.StringP("config", "c", os.Getenv("BATCHWALK_CONFIG"), "path to the config file")
	strict := pflag.Bool("strict", false, "load the config file without environment overrides and reject unknown keys")
	pflag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx := context.Background()

	var loader config.Loader = viperloader.New(*configPath)
	if *strict {
		loader = fileloader.NewFileLoader(*configPath)
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
		"build":     build,
	}

	lg := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Service.LogLevel), svcName, traceIDFn, logEvents, metadata)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, lg, cfg, hostname, pflag.Args()); err != nil {
		lg.Error(ctx, "startup", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string, args []string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	command := "run"
	if len(args) > 0 {
		command = args[0]
	}

	svc, err := newService(ctx, log, cfg, hostname)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error(ctx, "shutdown", "status", "failed to release resources", "err", err)
		}
	}()

	runner := svc.runner

	ctx, span := otel.AddSpan(ctx, svc.tracer, "walker.invocation",
		attribute.String("command", command),
		attribute.String("job_name", cfg.Job.Name))
	defer span.End()

	// -------------------------------------------------------------------------
	// Run

	log.Info(ctx, "startup", "status", "running job", "command", command, "job_name", cfg.Job.Name)

	var outcome job.Outcome
	switch command {
	case "start":
		outcome, err = runner.Start(ctx, svc.roots...)

	case "poll":
		outcome, err = runner.Poll(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			log.Info(ctx, "No continuation pending")
			return nil
		}

	case "resume":
		if len(args) < 2 {
			return errors.New("resume requires a job id")
		}
		jobID, perr := uuid.Parse(args[1])
		if perr != nil {
			return fmt.Errorf("invalid job id %q: %w", args[1], perr)
		}
		outcome, err = runner.Resume(ctx, jobID)

	case "run":
		outcome, err = runToCompletion(ctx, log, runner, svc.roots)

	default:
		return fmt.Errorf("unknown command %q", command)
	}

	switch {
	case errors.Is(err, job.ErrJobInProgress):
		log.Warn(ctx, "Job already running elsewhere, nothing to do", "job_name", cfg.Job.Name)
		return nil
	case errors.Is(err, job.ErrCheckpointMissing):
		log.Warn(ctx, "Continuation referred to a finished job", "error", err)
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "invocation failed")
		return err
	}

	log.Info(ctx, "shutdown", "status", "invocation complete",
		"job_id", outcome.JobID,
		"done", outcome.Done,
		"continuation_id", outcome.ContinuationID,
		"traversed", outcome.Result.TraversedCount,
		"processed", outcome.Result.ProcessedCount,
		"errors", len(outcome.Result.Errors),
		"duration_ms", outcome.Result.DurationMs())
	return nil
}

// runToCompletion starts a job and then keeps picking up its continuations.
// It stops early when the queue is empty, which happens when another worker
// consumed the continuation.
func runToCompletion(ctx context.Context, log *logger.Logger, runner *job.Runner, roots []batch.Item) (job.Outcome, error) {
	outcome, err := runner.Start(ctx, roots...)
	for err == nil && !outcome.Done {
		if ctx.Err() != nil {
			return outcome, nil
		}
		log.Info(ctx, "Invocation yielded, continuing",
			"job_id", outcome.JobID,
			"processed", outcome.Result.ProcessedCount)

		var next job.Outcome
		next, err = runner.Poll(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			return outcome, nil
		}
		if err == nil {
			outcome = next
		}
	}
	return outcome, err
}
