// Package main is the entry point for the weft engine CLI.
// It wires all dependencies together, advances one execution and suspends it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/weft/internal/config"
	"github.com/pitabwire/weft/internal/definition"
	"github.com/pitabwire/weft/internal/expression"
	"github.com/pitabwire/weft/internal/observability"
	"github.com/pitabwire/weft/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	processID := flag.String("process", "", "process id to start")
	input := flag.String("input", "", "JSON object used as start event data")
	resumeID := flag.String("resume", "", "id of a suspended execution to resume")
	completeID := flag.String("complete", "", "id of a READY manual task to complete after resuming")
	taskData := flag.String("data", "", "JSON object merged into the completed task")
	check := flag.Bool("check", false, "run readiness checks and exit")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "weft", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := tracingShutdown(context.Background()); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
	}()

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 4: Load definitions, validate, build registry.
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Error(definition.AsError(verrs)))
		return 1
	}
	registry, err := definition.NewRegistry(defs)
	if err != nil {
		logger.Error("registry build failed", zap.Error(err))
		return 1
	}
	metrics.SetDefinitionsLoaded(float64(len(registry.Processes())))

	// Step 5: Initialize the snapshot store.
	store, closeStore, err := buildSnapshotStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("snapshot store initialization failed", zap.Error(err))
		return 1
	}
	if closeStore != nil {
		defer closeStore()
		if b := cfg.Store.Breaker; b.FailureThreshold > 0 {
			store = workflow.NewGuardedSnapshotStore(store,
				workflow.NewCircuitBreaker(b.FailureThreshold, b.SuccessThreshold, b.OpenTimeout))
		}
	}

	// Step 6: Readiness.
	readiness := observability.CheckReadiness(ctx, observability.ReadinessChecks{
		DefinitionsLoaded: registry.Loaded,
		SnapshotStore:     store,
	})
	if *check {
		return printJSON(readiness, boolExit(readiness.Ready()))
	}
	if !readiness.Ready() {
		logger.Error("engine not ready", zap.Any("checks", readiness.Checks))
		return 1
	}

	// Step 7: Build the engine.
	evaluator := expression.NewCELEvaluator()
	engine := workflow.NewEngine(registry, store,
		workflow.WithEvaluator(evaluator),
		workflow.WithDecider(expression.NewDecisionService(registry, evaluator)),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithMaxTraceDepth(cfg.Engine.MaxTraceDepth),
		workflow.WithStepLimit(cfg.Engine.StepLimit),
		workflow.WithSerializer(&workflow.Serializer{Gzip: cfg.Store.Gzip}),
	)

	logger.Info("engine ready",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defs)),
		zap.String("store", cfg.Store.Driver),
	)

	// Step 8: Start or resume, then advance and suspend.
	wf, err := advance(ctx, engine, *processID, *input, *resumeID, *completeID, *taskData)
	if err != nil {
		logger.Error("execution failed", zap.Error(err))
		if wf == nil {
			return 1
		}
	}
	if err := engine.Suspend(ctx, wf); err != nil {
		logger.Error("suspend failed", zap.Error(err))
		return 1
	}

	return printJSON(summarize(wf), 0)
}

func advance(ctx context.Context, engine *workflow.Engine, processID, input, resumeID, completeID, taskData string) (*workflow.Workflow, error) {
	switch {
	case processID != "" && resumeID != "":
		return nil, errors.New("-process and -resume are mutually exclusive")
	case processID != "":
		data, err := parseObject(input)
		if err != nil {
			return nil, fmt.Errorf("-input: %w", err)
		}
		return engine.Start(ctx, processID, data)
	case resumeID != "":
		id, err := uuid.Parse(resumeID)
		if err != nil {
			return nil, fmt.Errorf("-resume: %w", err)
		}
		wf, err := engine.Resume(ctx, id)
		if err != nil {
			return nil, err
		}
		if completeID == "" {
			return wf, engine.Step(ctx, wf)
		}
		taskID, err := uuid.Parse(completeID)
		if err != nil {
			return wf, fmt.Errorf("-complete: %w", err)
		}
		data, err := parseObject(taskData)
		if err != nil {
			return wf, fmt.Errorf("-data: %w", err)
		}
		return wf, engine.CompleteTask(ctx, wf, taskID, data)
	default:
		return nil, errors.New("one of -process or -resume is required")
	}
}

// buildSnapshotStore creates the snapshot store based on config.
func buildSnapshotStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.SnapshotStore, func(), error) {
	switch cfg.Driver {
	case config.StoreDriverMemory, "":
		logger.Info("using in-memory snapshot store")
		return workflow.NewMemorySnapshotStore(), nil, nil
	case config.StoreDriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("snapshot store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot store: connect: %w", err)
		}

		store := workflow.NewPgSnapshotStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("snapshot store: schema: %w", err)
		}
		return store, pool.Close, nil
	case config.StoreDriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("snapshot store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
			DB:    cfg.DB,
		})
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}
		return workflow.NewRedisSnapshotStore(client, cfg.KeyPrefix, cfg.TTL), closeClient, nil
	default:
		return nil, nil, fmt.Errorf("unsupported snapshot store driver: %q", cfg.Driver)
	}
}

type taskSummary struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Path []string `json:"path,omitempty"`
}

type executionSummary struct {
	ID          string        `json:"id"`
	ProcessID   string        `json:"process_id"`
	Status      string        `json:"status"`
	ManualTasks []taskSummary `json:"manual_tasks"`
}

func summarize(wf *workflow.Workflow) executionSummary {
	out := executionSummary{
		ID:          wf.ID().String(),
		ProcessID:   wf.Spec().ID,
		Status:      workflow.Status(wf),
		ManualTasks: []taskSummary{},
	}
	for _, t := range wf.ManualTasks() {
		path, _ := t.Trace()
		out.ManualTasks = append(out.ManualTasks, taskSummary{
			ID:   t.ID().String(),
			Name: t.Spec().DisplayName(),
			Path: path,
		})
	}
	return out
}

func parseObject(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func printJSON(v any, code int) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "output error: %v\n", err)
		return 1
	}
	return code
}

func boolExit(ok bool) int {
	if ok {
		return 0
	}
	return 1
}
