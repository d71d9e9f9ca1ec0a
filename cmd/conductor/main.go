package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/api"
	"github.com/nidhogg/conductor/internal/config"
	"github.com/nidhogg/conductor/internal/coordinator"
	"github.com/nidhogg/conductor/internal/lineage"
	"github.com/nidhogg/conductor/internal/notify"
	pgstore "github.com/nidhogg/conductor/internal/store"
	"github.com/nidhogg/conductor/internal/supervisor"
	"github.com/nidhogg/conductor/internal/tool"
	"github.com/nidhogg/conductor/internal/trigger"
	"github.com/nidhogg/conductor/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting conductor...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/conductor.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize supervisor and register workers
	supCfg := supervisor.DefaultConfig()
	supCfg.ProbeInterval = config.Duration(cfg.Supervisor.ProbeIntervalMs, supCfg.ProbeInterval)
	supCfg.RestartBase = config.Duration(cfg.Supervisor.RestartBaseMs, supCfg.RestartBase)
	supCfg.RestartMax = config.Duration(cfg.Supervisor.RestartMaxMs, supCfg.RestartMax)
	supCfg.BreakerRecovery = config.Duration(cfg.Supervisor.BreakerRecoveryMs, supCfg.BreakerRecovery)
	if cfg.Supervisor.DegradedThreshold > 0 {
		supCfg.DegradedThreshold = cfg.Supervisor.DegradedThreshold
	}
	if cfg.Supervisor.DownThreshold > 0 {
		supCfg.DownThreshold = cfg.Supervisor.DownThreshold
	}
	if cfg.Supervisor.MaxRestarts > 0 {
		supCfg.MaxRestarts = cfg.Supervisor.MaxRestarts
	}
	if cfg.Supervisor.BreakerThreshold > 0 {
		supCfg.BreakerThreshold = cfg.Supervisor.BreakerThreshold
	}

	launcher := supervisor.NewExecLauncher(logger)
	sup := supervisor.New(supCfg, cfg.Features, launcher, logger)
	for _, wc := range cfg.Workers {
		d := &supervisor.Descriptor{
			Name:     wc.Name,
			Enabled:  wc.Enabled,
			Command:  wc.Command,
			Args:     wc.Args,
			Env:      wc.Env,
			Endpoint: wc.Endpoint,
			Scopes:   wc.Scopes,
			Probe: supervisor.ProbeSpec{
				Type:    supervisor.ProbeType(wc.Probe.Type),
				Target:  wc.Probe.Target,
				Timeout: config.Duration(wc.Probe.TimeoutMs, 5*time.Second),
			},
			Limits: supervisor.Limits{
				RPS:     wc.Limits.RPS,
				Burst:   wc.Limits.Burst,
				Timeout: config.Duration(wc.Limits.TimeoutMs, 30*time.Second),
			},
		}
		if err := sup.Register(d); err != nil {
			logger.Fatal("worker registration failed", zap.String("worker", wc.Name), zap.Error(err))
		}
	}

	// Initialize coordinator
	coord := coordinator.New(config.Duration(cfg.Coordinator.SweepIntervalMs, time.Minute), logger)

	// Initialize PostgreSQL store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			coord.SetPersister(ps)
		}
	}

	// Initialize execution lineage graph
	var graph *lineage.Graph
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := lineage.NewGraph(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(gErr))
		} else {
			graph = g
		}
	}

	// Initialize notifier
	notifier := notify.NewNotifier(logger)
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		notifier.AddSink(notify.NewSlackSink(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		sink, dErr := notify.NewDiscordSink(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel, logger)
		if dErr != nil {
			logger.Warn("Discord sink unavailable", zap.Error(dErr))
		} else {
			notifier.AddSink(sink)
		}
	}

	// Build the tool registry
	registry := tool.NewRegistry(logger)
	if err := tool.RegisterBuiltins(registry); err != nil {
		logger.Fatal("register builtin tools", zap.Error(err))
	}
	if err := registry.Register(tool.NewAgentTaskTool(coord, logger), ""); err != nil {
		logger.Fatal("register agent.task tool", zap.Error(err))
	}
	invoker := tool.NewHTTPInvoker(logger)
	for _, d := range workerTools(sup, invoker, logger) {
		if err := registry.Register(d, "worker"); err != nil {
			logger.Fatal("register worker tool", zap.Error(err))
		}
	}

	// Initialize workflow engine
	engine := workflow.NewEngine(registry, logger)
	engine.SetFeatures(cfg.Features)
	engine.SetRecorder(&recorder{pg: pgStore, graph: graph, notifier: notifier, logger: logger})

	// Initialize trigger source
	triggers, tErr := trigger.NewSource(cfg.Database.Redis.URL, engine, logger)
	if tErr != nil {
		logger.Warn("Redis unavailable, running without event triggers", zap.Error(tErr))
		triggers, _ = trigger.NewSource("", engine, logger)
	}
	engine.SetTriggers(triggers)

	// Load workflow definitions from disk
	wfDir := cfg.WorkflowsDir
	if wfDir == "" {
		wfDir = "workflows"
	}
	if n, err := workflow.LoadDir(engine, wfDir, logger); err != nil {
		logger.Fatal("workflow load failed", zap.Error(err))
	} else {
		logger.Info("Workflows loaded", zap.Int("count", n))
	}

	// Background loops
	runCtx, cancel := context.WithCancel(context.Background())
	go sup.Run(runCtx)
	go coord.Run(runCtx)
	go triggers.Run(runCtx)
	go forwardEvents(runCtx, sup, notifier, logger)

	// Build HTTP handler
	handler := api.NewHandler(engine, sup, coord, triggers, logger)
	if graph != nil {
		handler.SetLineage(graph)
	}

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("conductor listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down conductor...")
	engine.Drain()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

// workerTools exposes each supervised worker scope as an engine tool.
func workerTools(sup *supervisor.Supervisor, invoker tool.WorkerInvoker, logger *zap.Logger) []tool.Tool {
	scopes := make(map[string]bool)
	for _, st := range sup.Statuses() {
		for _, scope := range st.Scopes {
			scopes[scope] = true
		}
	}

	var tools []tool.Tool
	for scope := range scopes {
		tools = append(tools, tool.NewWorkerTool(scope, sup, invoker, logger))
	}
	return tools
}

// recorder fans terminal execution results to postgres, the lineage graph,
// and operator notifications. Every leg is optional and best-effort.
type recorder struct {
	pg       *pgstore.Store
	graph    *lineage.Graph
	notifier *notify.Notifier
	logger   *zap.Logger
}

func (r *recorder) SaveExecution(ctx context.Context, res *workflow.Result) error {
	if r.pg != nil {
		if err := r.pg.SaveExecution(ctx, res); err != nil {
			r.logger.Warn("postgres execution save failed", zap.Error(err))
		}
	}
	if r.graph != nil {
		if err := r.graph.RecordExecution(ctx, res); err != nil {
			r.logger.Warn("lineage record failed", zap.Error(err))
		}
	}
	if r.notifier != nil && res.Status == workflow.ExecFailed {
		r.notifier.WorkflowFailed(ctx, res.Workflow, res.ExecutionID, res.Errors)
	}
	return nil
}

// forwardEvents turns supervisor state changes into operator notifications.
func forwardEvents(ctx context.Context, sup *supervisor.Supervisor, notifier *notify.Notifier, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sup.Events():
			switch {
			case ev.Kind == supervisor.EventCircuitOpen:
				notifier.CircuitOpen(ctx, ev.Worker)
			case ev.To == supervisor.StateDown:
				notifier.WorkerDown(ctx, ev.Worker, ev.Reason)
			default:
				logger.Debug("worker state change",
					zap.String("worker", ev.Worker),
					zap.String("from", string(ev.From)),
					zap.String("to", string(ev.To)))
			}
		}
	}
}
