// Package infosentry is the public API for embedding the infoSentry push
// decision runtime.
//
// Consumers import this package to run the server with their own delivery
// channel without forking it:
//
//	app, err := infosentry.New(
//	    infosentry.WithVersion(version),
//	    infosentry.WithLogger(logger),
//	    infosentry.WithSender(mySMTPSender{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
// Public types (Push, PushItem) are standalone structs; the conversion helpers
// live in this file because it is the only one that sees both sides.
package infosentry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/dida1024/infoSentry/api"
	"github.com/dida1024/infoSentry/internal/budget"
	"github.com/dida1024/infoSentry/internal/coalesce"
	"github.com/dida1024/infoSentry/internal/config"
	"github.com/dida1024/infoSentry/internal/delivery"
	"github.com/dida1024/infoSentry/internal/judge"
	"github.com/dida1024/infoSentry/internal/mcp"
	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/orchestrator"
	"github.com/dida1024/infoSentry/internal/ratelimit"
	"github.com/dida1024/infoSentry/internal/replay"
	"github.com/dida1024/infoSentry/internal/scheduler"
	"github.com/dida1024/infoSentry/internal/server"
	"github.com/dida1024/infoSentry/internal/storage"
	"github.com/dida1024/infoSentry/internal/telemetry"
	"github.com/dida1024/infoSentry/internal/tools"
	"github.com/dida1024/infoSentry/migrations"
)

// Shutdown phase budgets.
const (
	shutdownHTTPTimeout     = 10 * time.Second
	shutdownPoolTimeout     = 20 * time.Second
	shutdownWindowTimeout   = 10 * time.Second
	shutdownDeliveryTimeout = 10 * time.Second
)

// queueFactor sizes the candidate queue relative to the worker count.
const queueFactor = 64

// App is the infoSentry server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	policy       *config.PolicyStore
	ledger       *budget.Ledger
	window       *coalesce.Window
	orch         *orchestrator.Orchestrator
	replay       *replay.Engine
	pool         *orchestrator.Pool
	sched        *scheduler.Scheduler
	dispatcher   *delivery.Dispatcher
	goalLimiter  ratelimit.Limiter
	httpLimiter  ratelimit.Limiter
	srv          *server.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the runtime. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
// One-shot callers (replay, budget administration, manual ticks) use the
// App's methods directly and then Close it.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		Version:        version,
		SampleRatio:    cfg.OTELSampleRatio,
		MetricInterval: cfg.OTELMetricInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so an error here is a real failure.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	policy := config.NewPolicyStore(cfg.Policy)
	ledger := budget.NewLedger(db, func() model.BudgetLimits { return policy.Current().Budget }, logger)

	reasoner, err := judge.NewReasoner(context.Background(), judge.ProviderConfig{
		Provider:        cfg.JudgeProvider,
		Model:           cfg.JudgeModel,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		GeminiAPIKey:    cfg.GeminiAPIKey,
		OllamaURL:       cfg.OllamaURL,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("reasoner: %w", err))
	}
	j, err := judge.New(cfg.JudgeTimeout, logger)
	if err != nil {
		return fail(fmt.Errorf("judge: %w", err))
	}

	window := coalesce.New(nil, cfg.CoalesceSweepInterval, logger)
	pipeline := orchestrator.NewPipeline(j, logger)
	orch := orchestrator.New(db, tools.NewToolbox(db, ledger, reasoner, window), pipeline, policy,
		orchestrator.Options{RunTimeout: cfg.RunTimeout}, logger)
	window.SetFlusher(orch)
	window.SetRecovery(coalesce.Recovery{
		Source: db,
		Every:  time.Minute,
		Limits: func() coalesce.Limits {
			pol := policy.Current()
			return coalesce.Limits{Window: pol.CoalesceWindow, MaxItems: pol.CoalesceMaxItems}
		},
		Grace: 2*cfg.RunTimeout + cfg.CoalesceSweepInterval,
	})
	replayer := replay.New(db, pipeline, policy, logger)

	pool := orchestrator.NewPool(orch, cfg.Workers, cfg.Workers*queueFactor, logger)

	sched, err := scheduler.New(db, orch, cfg.ScheduleCron, logger)
	if err != nil {
		return fail(err)
	}

	var goalLimiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.GoalDeliveriesPerHour > 0 {
		goalLimiter = ratelimit.PerHour(cfg.GoalDeliveriesPerHour)
	}

	var sender delivery.Sender = delivery.LogSender{Logger: logger}
	if o.sender != nil {
		sender = &senderAdapter{s: o.sender}
	}
	var notifier delivery.Notifier
	if db.HasNotifyConn() {
		notifier = db
	} else {
		logger.Info("delivery: LISTEN disabled (no NOTIFY_URL), polling only")
	}
	dispatcher := delivery.New(db, sender, goalLimiter, notifier, delivery.Options{
		PollInterval: cfg.DeliveryPollInterval,
		BatchSize:    cfg.DeliveryBatchSize,
		Enabled:      func() bool { return policy.Current().DeliveryEnabled },
	}, logger)

	var httpLimiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		httpLimiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		httpLimiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	mcpSrv := mcp.New(db, replayer, ledger, logger, version)
	srv := server.New(server.ServerConfig{
		Runs:                db,
		Pool:                pool,
		Replayer:            replayer,
		Budget:              ledger,
		Flags:               policy,
		Window:              window,
		Limiter:             httpLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         middlewares,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		policy:       policy,
		ledger:       ledger,
		window:       window,
		orch:         orch,
		replay:       replayer,
		pool:         pool,
		sched:        sched,
		dispatcher:   dispatcher,
		goalLimiter:  goalLimiter,
		httpLimiter:  httpLimiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown has
// been called; callers should not call Shutdown or Close separately.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("infosentry starting", "version", a.version, "port", a.cfg.Port)

	// A previous process may have died mid-run.
	if n, err := a.db.AbandonStaleRuns(ctx, time.Now().UTC().Add(-2*a.cfg.RunTimeout)); err != nil {
		a.logger.Warn("abandon stale runs failed", "error", err)
	} else if n > 0 {
		a.logger.Info("abandoned stale runs", "count", n)
	}

	if a.cfg.PolicyFile != "" {
		// Env overrides apply at startup only; a reload overlays the file
		// onto the defaults.
		watcher := config.NewPolicyWatcher(a.cfg.PolicyFile, model.DefaultPolicy(), a.policy, a.logger)
		if err := watcher.Start(ctx); err != nil {
			a.logger.Warn("policy watcher disabled", "error", err)
		}
	}

	a.window.Start(ctx)
	a.pool.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}
	a.dispatcher.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains the runtime in dependency order, each phase with its own
// timeout: (1) stop accepting HTTP requests, (2) stop the scheduler,
// (3) finish queued candidates, (4) flush open coalescing entries,
// (5) send what is due in the outbox. It then closes the database and the
// OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("infosentry shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.sched.Stop()

	var drainErr error
	poolCtx, poolCancel := context.WithTimeout(ctx, shutdownPoolTimeout)
	if err := a.pool.Drain(poolCtx); err != nil {
		a.logger.Error("worker pool drain incomplete, queued candidates were dropped",
			"error", err, "remaining", a.pool.Len())
		drainErr = fmt.Errorf("pool drain: %w", err)
	}
	poolCancel()

	windowCtx, windowCancel := context.WithTimeout(ctx, shutdownWindowTimeout)
	a.window.Drain(windowCtx)
	windowCancel()

	deliveryCtx, deliveryCancel := context.WithTimeout(ctx, shutdownDeliveryTimeout)
	a.dispatcher.Drain(deliveryCtx)
	deliveryCancel()

	a.Close()
	a.logger.Info("infosentry stopped")
	return drainErr
}

// Close releases the limiters, the database and the OTEL provider without
// draining anything. Use it after one-shot calls on an App that never Ran.
func (a *App) Close() {
	_ = a.httpLimiter.Close()
	_ = a.goalLimiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())
}

// ── One-shot operations ────────────────────────────────────────────────────

// Replay re-executes a recorded run under policySource ("snapshot" or
// "current") and returns the action diff. It has no side effects.
func (a *App) Replay(ctx context.Context, runID uuid.UUID, policySource string) (model.ReplayResult, error) {
	return a.replay.Replay(ctx, runID, policySource)
}

// Budget returns today's budget usage, allow checks and limits.
func (a *App) Budget(ctx context.Context) (model.BudgetResponse, error) {
	return a.ledger.Report(ctx)
}

// SetBudgetEnabled toggles a call class ("enrichment" or "judgment") for the
// rest of the day.
func (a *App) SetBudgetEnabled(ctx context.Context, class string, enabled bool) error {
	c, err := model.ParseCallClass(class)
	if err != nil {
		return err
	}
	if enabled {
		return a.ledger.Enable(ctx, c)
	}
	return a.ledger.Disable(ctx, c)
}

// RunBatchWindow runs the batch window tick at windowTime (HH:MM, UTC) for
// one goal now.
func (a *App) RunBatchWindow(ctx context.Context, goalID, windowTime string) (model.Run, error) {
	return a.orch.RunBatchWindow(ctx, goalID, windowTime)
}

// RunDigest runs the daily digest tick for one goal now.
func (a *App) RunDigest(ctx context.Context, goalID string) (model.Run, error) {
	return a.orch.RunDigest(ctx, goalID)
}

// ── Adapters ───────────────────────────────────────────────────────────────

// senderAdapter wraps an infosentry.Sender to satisfy delivery.Sender.
// It converts internal model types to public types at the boundary.
type senderAdapter struct {
	s Sender
}

func (a *senderAdapter) Send(ctx context.Context, d model.Delivery, decisions []model.Decision) error {
	return a.s.Send(ctx, toPublicPush(d, decisions))
}

// toPublicPush converts an outbox row and its pending decisions to a Push.
func toPublicPush(d model.Delivery, decisions []model.Decision) Push {
	p := Push{
		DeliveryID: d.ID,
		GoalID:     d.GoalID,
		Channel:    d.Channel,
		Attempt:    d.Attempts + 1,
		Items:      make([]PushItem, 0, len(decisions)),
	}
	for _, dec := range decisions {
		item := PushItem{
			DecisionID: dec.ID,
			ItemID:     dec.ItemID,
			Tier:       Tier(dec.Tier),
			Reason:     dec.Reason.Summary,
			DecidedAt:  dec.DecidedAt,
		}
		if st := dec.Reason.ScoreTrace; st != nil {
			score := st.MatchScore
			item.MatchScore = &score
		}
		for _, ev := range dec.Reason.Evidence {
			item.Evidence = append(item.Evidence, Evidence{Type: ev.Type, Value: ev.Value, Field: ev.Ref.Field})
		}
		p.Items = append(p.Items, item)
	}
	return p
}
