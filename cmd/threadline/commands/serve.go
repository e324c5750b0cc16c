package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadline/threadline/agent"
	appcfg "github.com/threadline/threadline/config"
	"github.com/threadline/threadline/db"
	"github.com/threadline/threadline/dispatch"
	"github.com/threadline/threadline/errors"
	"github.com/threadline/threadline/job"
	"github.com/threadline/threadline/llm"
	"github.com/threadline/threadline/logger"
	"github.com/threadline/threadline/orchestrator"
	"github.com/threadline/threadline/processor"
	"github.com/threadline/threadline/ratelimit"
	"github.com/threadline/threadline/rescuer"
	"github.com/threadline/threadline/scheduler"
	"github.com/threadline/threadline/server"
)

// ServeCmd starts the API server and the background job engine
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the Threadline API server and job engine",
	Long: `Launch the HTTP/WebSocket API together with the three background
loops: the scheduler (spawns recurring job instances), the processor
(claims and executes pending jobs), and the rescuer (repairs stuck jobs).`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Server port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := appcfg.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	dbPath := cfg.GetDatabasePath()
	if serveDBPath != "" {
		dbPath = serveDBPath
	}
	port := cfg.GetServerPort()
	if servePort > 0 {
		port = servePort
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()
	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	jobs := job.NewStore(database)
	messages := job.NewMessageStore(database)
	limiter := ratelimit.NewLimiter(database, cfg.RateLimit.ProWallets)

	client := llm.NewHTTPClient(llm.Config{
		APIKey:            cfg.OpenRouter.APIKey,
		Model:             cfg.OpenRouter.Model,
		Temperature:       cfg.OpenRouter.Temperature,
		MaxTokens:         cfg.OpenRouter.MaxTokens,
		RequestsPerMinute: cfg.OpenRouter.RequestsPerMinute,
		Logger:            logger.Logger,
	})
	if !client.IsConfigured() {
		logger.Warnw("OpenRouter API key not configured, agent chat calls will fail",
			"hint", "set THREADLINE_OPENROUTER_API_KEY")
	}

	registry := agent.DefaultCatalog(client)
	orch := orchestrator.New(registry, client, orchestrator.Config{}, logger.Logger)

	sched := scheduler.New(jobs, scheduler.Config{
		Interval:  time.Duration(cfg.Engine.SchedulerIntervalSeconds) * time.Second,
		BatchSize: cfg.Engine.SchedulerBatchSize,
	}, logger.Logger)
	var caller dispatch.Caller = dispatch.NewLocalCaller(orch)
	if cfg.Engine.DispatchBaseURL != "" {
		caller = dispatch.NewHTTPCaller(cfg.Engine.DispatchBaseURL, 0, logger.Logger)
	}
	proc := processor.New(jobs, messages, caller, processor.Config{
		Interval:  time.Duration(cfg.Engine.ProcessorIntervalSeconds) * time.Second,
		BatchSize: cfg.Engine.ProcessorBatchSize,
	}, logger.Logger)
	resc := rescuer.New(jobs, messages, rescuer.Config{
		Interval:       time.Duration(cfg.Engine.RescuerIntervalSeconds) * time.Second,
		RunningTimeout: time.Duration(cfg.Engine.RunningTimeoutMinutes) * time.Minute,
		PendingTimeout: time.Duration(cfg.Engine.PendingTimeoutMinutes) * time.Minute,
	}, logger.Logger)

	sched.Start()
	proc.Start()
	resc.Start()
	defer func() {
		resc.Stop()
		proc.Stop()
		sched.Stop()
	}()

	srv := server.New(jobs, messages, limiter, orch, sched, proc, resc, cfg, logger.Logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case sig := <-sigCh:
		logger.Infow("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server shutdown failed")
	}
	return nil
}
