package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"poolwatch/internal/alerting"
	"poolwatch/internal/config"
	"poolwatch/internal/configstore"
	"poolwatch/internal/hub"
	"poolwatch/internal/monitor"
	"poolwatch/internal/observability"
	"poolwatch/internal/oracle"
	"poolwatch/internal/scheduler"
	"poolwatch/internal/server"
	"poolwatch/internal/solana"
	"poolwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output meant for the operator.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

func (a *App) newOracle() *oracle.Whirlpool {
	rpc := solana.NewHTTPClient(a.Config.Solana.RPCURL, solana.WithTimeout(a.Config.Solana.RequestTimeout))
	return oracle.NewWhirlpool(rpc, a.Logger)
}

func (a *App) newDispatcher(metrics *observability.Metrics) *alerting.Dispatcher {
	tg := a.Config.Alerting.Telegram
	channel := alerting.NewTelegramChannel(tg.BotToken, tg.ChatID, tg.APIBase, tg.Timeout, a.Logger)
	return alerting.NewDispatcher(channel, alerting.Options{
		Credential:         tg.BotToken,
		PlaceholderMarkers: tg.PlaceholderMarkers,
	}, metrics, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openConfigStore connects to Redis. Missing or unreachable Redis yields the
// disabled store so the monitor stays unconfigured instead of failing.
func (a *App) openConfigStore(ctx context.Context) (configstore.Store, *configstore.Redis, func()) {
	if a.Config.Redis.Addr == "" {
		a.Logger.Warn().Msg("redis.addr not configured; remote configuration disabled")
		return configstore.NewDisabled(a.Logger), nil, func() {}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rs, err := configstore.NewRedis(dialCtx, a.Config.Redis, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable; remote configuration disabled")
		return configstore.NewDisabled(a.Logger), nil, func() {}
	}
	return rs, rs, func() { _ = rs.Close() }
}

func (a *App) hubOptions() hub.Options {
	return hub.Options{
		SendBuffer:     a.Config.Hub.SendBuffer,
		WriteTimeout:   a.Config.Hub.WriteTimeout,
		PingInterval:   a.Config.Hub.PingInterval,
		AllowedOrigins: a.Config.Hub.AllowedOrigins,
	}
}

// Run executes the long-running monitor, config observer and hub server.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.RequireMonitor(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics(a.Config.App.Name)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; postgres audit trail disabled")
	} else {
		defer closeStore()
		if _, err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	cfgStore, redisStore, closeRedis := a.openConfigStore(ctx)
	defer closeRedis()

	dispatcher := a.newDispatcher(metrics)
	deps := monitor.Deps{
		Oracle:     a.newOracle(),
		Dispatcher: dispatcher,
		Metrics:    metrics,
	}
	var alerts server.AlertReader
	if redisStore != nil {
		dispatcher.AddRecorder("redis", redisStore)
		alerts = redisStore.RecentAlerts
	}
	if store != nil {
		dispatcher.AddRecorder("postgres", store)
		deps.Locker = store
		alerts = store.ListRecentAlerts
	}

	h := hub.New(a.hubOptions(), metrics, a.Logger)
	deps.Broadcaster = h

	mon := monitor.New(monitor.Options{
		InitialTarget: a.Config.Monitor.PoolAddress,
		QuoteMints:    a.Config.Monitor.QuoteMints,
		NotifyOnArm:   a.Config.Monitor.NotifyOnArm,
		LockKey:       a.Config.Monitor.AdvisoryLockKey,
	}, deps, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Monitor.CheckInterval(),
		AlignToStart:   a.Config.Monitor.AlignToInterval,
		RunImmediately: true,
	}, a.Logger)

	srv := server.New(server.Deps{
		Hub:      h,
		Oracle:   deps.Oracle,
		Orienter: monitor.NewOrienter(a.Config.Monitor.QuoteMints),
		Snapshot: mon.Snapshot,
		Alerts:   alerts,
		Metrics:  metrics,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := cfgStore.Observe(gctx, mon.ApplyUpdate); err != nil {
			a.Logger.Error().Err(err).Msg("configuration observer stopped; keeping last known configuration")
		}
		return nil
	})
	g.Go(func() error {
		return mon.Run(gctx, sched)
	})
	if a.Config.Hub.ListenAddr != "" {
		g.Go(func() error {
			return srv.ListenAndServe(gctx, a.Config.Hub.ListenAddr)
		})
	}

	a.Logger.Info().
		Str("pool", a.Config.Monitor.PoolAddress).
		Dur("interval", a.Config.Monitor.CheckInterval()).
		Bool("demo_mode", dispatcher.DemoMode()).
		Msg("starting pool monitor")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("pool monitor stopped")
	return nil
}

// ExportOptions hold parameters for exporting the alert audit trail.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show-alerts command.
type ShowOptions struct {
	Limit  int
	Source string
}

// SeedOptions configure the seed-config command. Nil fields are left as is.
type SeedOptions struct {
	PoolID     *string
	LowerBound *string
	UpperBound *string
}
