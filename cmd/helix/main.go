package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atelierhq/helix/internal/app"
	"github.com/atelierhq/helix/internal/data/repos/pipeline"
	"github.com/atelierhq/helix/internal/db"
	"github.com/atelierhq/helix/internal/evolution"
	"github.com/atelierhq/helix/internal/executor"
	helixhttp "github.com/atelierhq/helix/internal/http"
	"github.com/atelierhq/helix/internal/janitor"
	"github.com/atelierhq/helix/internal/orchestrator"
	"github.com/atelierhq/helix/internal/pkg/logger"
	"github.com/atelierhq/helix/internal/platform/envutil"
	"github.com/atelierhq/helix/internal/prompt"
	"github.com/atelierhq/helix/internal/realtime"
	"github.com/atelierhq/helix/internal/schema"
	"github.com/atelierhq/helix/internal/service"
	"github.com/atelierhq/helix/internal/worker"
	"github.com/atelierhq/helix/internal/workflow"
)

func main() {
	log, err := logger.New(envutil.String("LOG_MODE", "dev"))
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Fatal error", "error", err)
	}
}

func run(log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := app.LoadConfig()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return err
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return err
	}

	wf, err := workflow.Load(cfg.WorkflowPath)
	if err != nil {
		return err
	}
	registry, err := schema.LoadDir(cfg.SchemaDir, log)
	if err != nil {
		return err
	}
	if err := wf.ValidateSchemas(registry); err != nil {
		return err
	}

	jobs := pipeline.NewJobRepo(pg.DB(), log)
	tasks := pipeline.NewTaskRepo(pg.DB(), log)
	artifacts := pipeline.NewArtifactRepo(pg.DB(), log)
	promptRows := pipeline.NewPromptRepo(pg.DB(), log)
	events := pipeline.NewEventRepo(pg.DB(), log)

	prompts := prompt.NewStore(promptRows, log)
	if err := prompts.SeedBaselines(ctx, cfg.PromptDir); err != nil {
		return err
	}

	var notifier realtime.Notifier = realtime.Nop{}
	if addr := envutil.String("REDIS_ADDR", ""); addr != "" {
		redisNotifier, err := realtime.NewRedisNotifier(ctx, addr, envutil.String("REDIS_EVENT_CHANNEL", ""), log)
		if err != nil {
			return err
		}
		defer redisNotifier.Close()
		notifier = redisNotifier
	}

	exec := executor.NewHTTPBridge(cfg.AgentRunnerURL, log)

	evo := evolution.NewCoordinator(wf, tasks, events, prompts, cfg.EvolutionAttemptsPerJob, log)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Jobs:      jobs,
		Tasks:     tasks,
		Workflow:  wf,
		Evolution: evo,
		Notifier:  notifier,
	}, log)

	jan := janitor.New(cfg, janitor.Deps{
		Tasks:     tasks,
		Artifacts: artifacts,
		Prompts:   promptRows,
		Events:    events,
	}, log)

	svc := service.NewPipelineService(wf, jobs, tasks, artifacts, events, log)
	server := helixhttp.NewServer(svc, log)
	httpSrv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	deps := worker.Deps{
		Jobs:      jobs,
		Tasks:     tasks,
		Artifacts: artifacts,
		Prompts:   prompts,
		Registry:  registry,
		Workflow:  wf,
		Executor:  exec,
		Notifier:  notifier,
	}
	for _, agentSpec := range wf.Agents {
		for i := 0; i < cfg.WorkerConcurrency; i++ {
			w, err := worker.New(agentSpec.ID, cfg, deps, log)
			if err != nil {
				return err
			}
			group.Go(func() error { return w.Run(groupCtx) })
		}
	}

	group.Go(func() error { return orch.Run(groupCtx) })
	group.Go(func() error { return jan.Run(groupCtx) })

	group.Go(func() error {
		log.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	log.Info("helix started", "agents", len(wf.Agents), "concurrency", cfg.WorkerConcurrency)
	return group.Wait()
}
