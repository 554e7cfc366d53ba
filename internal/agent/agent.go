// Package agent assembles the sync core from configuration: storage, the
// grant authority, the lifecycle engine, the bridge host and the lifecycle
// coordinator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"famlink/config"
	"famlink/internal/api"
	"famlink/internal/auth"
	"famlink/internal/authority"
	"famlink/internal/authority/memory"
	"famlink/internal/authority/postgres"
	"famlink/internal/authority/redisfeed"
	"famlink/internal/bridge"
	"famlink/internal/clock"
	"famlink/internal/engine"
	"famlink/internal/enforcement"
	"famlink/internal/host"
	"famlink/internal/lifecycle"
	"famlink/internal/logging"
	"famlink/internal/notify"
	"famlink/internal/realtime"
	"famlink/internal/scheduler"
	"famlink/internal/storage/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Options override parts of the assembly. Zero values build everything
// from Config.
type Options struct {
	Config         *config.Config
	Native         enforcement.NativeModule // defaults to a Simulator
	Authority      authority.Authority
	SessionStore   auth.Store
	Device         host.Device
	TelegramSender notify.Sender
	Clock          clock.Clock
	Logger         *slog.Logger
	Version        string
}

// Agent is a running sync core
type Agent struct {
	Config      *config.Config
	Logger      *slog.Logger
	Engine      *engine.Engine
	Endpoint    *bridge.Endpoint
	Host        *host.Host
	Sync        *realtime.SyncSession
	Coordinator *lifecycle.Coordinator
	Auth        *auth.Manager
	Authority   authority.Authority
	Notifier    *notify.Telegram // nil when alerts are off

	version string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []func() error
	once    sync.Once
}

// New builds an Agent. Nothing runs until Start.
func New(ctx context.Context, opts Options) (a *Agent, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.LoggerConfig{
			Format: cfg.Log.Format,
			Level:  logging.ParseLevel(cfg.Log.Level),
		})
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	a = &Agent{Config: cfg, Logger: logger, version: opts.Version}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	// Enforcement
	native := opts.Native
	if native == nil {
		logger.Warn("No native enforcement module, using the simulator")
		native = enforcement.NewSimulator()
	}
	platform, err := enforcement.ParsePlatform(cfg.Platform)
	if err != nil {
		return nil, err
	}
	eb, err := enforcement.New(platform, native, logger)
	if err != nil {
		return nil, err
	}
	bridgeWithLogs := logging.NewEnforcementLogger(eb, logger)

	// Grant records
	logger.Info("Opening grant record database", "path", cfg.Database.Path)
	db, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.Engine = engine.New(bridgeWithLogs, db, clk, logger)

	// Authority
	a.Authority = opts.Authority
	if a.Authority == nil {
		if a.Authority, err = a.openAuthority(ctx, clk); err != nil {
			return nil, err
		}
	}
	a.Sync = realtime.NewSyncSession(a.Authority, a.Engine, clk, logger)

	// Account session
	store := opts.SessionStore
	if store == nil {
		ks, err := auth.OpenKeyring(auth.KeyringConfig{
			Backend:      cfg.Keyring.Backend,
			FileDir:      cfg.Keyring.FileDir,
			FilePassword: cfg.Keyring.FilePassword,
		})
		if err != nil {
			return nil, err
		}
		store = ks
	}
	a.Auth = auth.NewManager(store, clk, logger)

	// Lifecycle
	interval, retention := cfg.ExpiryInterval(), cfg.Retention()
	a.Coordinator = lifecycle.NewCoordinator(a.Sync, func() lifecycle.Worker {
		return scheduler.NewScheduler(a.Engine, db, interval, retention, clk, logger)
	}, logger)

	// Bridge host
	a.Endpoint = bridge.NewEndpoint(bridge.Config{
		Name:          "host",
		Timeout:       cfg.BridgeTimeout(),
		PushQueueSize: cfg.Bridge.PushQueueSize,
	}, clk, logger)
	a.closers = append(a.closers, func() error {
		a.Endpoint.Close()
		a.Endpoint.Wait()
		return nil
	})

	a.Host, err = host.New(host.Deps{
		Endpoint: a.Endpoint,
		Enforcer: a.Engine,
		Resyncer: a.Sync,
		Device:   opts.Device,
		Auth:     a.Auth,
		Accounts: a.Coordinator,
		Platform: string(platform),
		Version:  opts.Version,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Host.Register(); err != nil {
		return nil, err
	}
	a.Engine.Subscribe(a.Host)

	// Alerts
	if cfg.Telegram.BotToken != "" || opts.TelegramSender != nil {
		if a.Notifier, err = a.openNotifier(opts.TelegramSender); err != nil {
			return nil, err
		}
		a.Engine.Subscribe(a.Notifier)
	}

	return a, nil
}

func (a *Agent) openAuthority(ctx context.Context, clk clock.Clock) (authority.Authority, error) {
	cfg := a.Config.Authority
	switch cfg.Kind {
	case config.AuthorityPostgres:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := postgres.CheckChangeFeed(ctx, pool); err != nil {
			if errors.Is(err, postgres.ErrNotInstalled) {
				a.Logger.Warn("Change feed trigger missing, run setup-feed", "error", err)
			} else {
				return nil, err
			}
		}
		a.Logger.Info("Using PostgreSQL grant authority")
		return postgres.New(pool, clk, a.Logger), nil

	case config.AuthorityRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.Logger.Info("Using Redis grant authority", "addr", cfg.RedisAddr)
		return redisfeed.New(client, clk, a.Logger), nil

	default:
		a.Logger.Info("Using in-memory grant authority")
		return memory.New(), nil
	}
}

func (a *Agent) openNotifier(sender notify.Sender) (*notify.Telegram, error) {
	cfg := a.Config.Telegram
	if sender == nil {
		bot, err := notify.NewTelegramBot(cfg.BotToken)
		if err != nil {
			return nil, err
		}
		sender = bot
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", cfg.Timezone, err)
		}
	}
	return notify.NewTelegram(sender, notify.Config{ChatIDs: cfg.ChatIDs, Location: loc}, a.Logger)
}

// Start restores the persisted account and starts background work. Sync
// itself begins once the app reports it is in the foreground.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	if a.Notifier != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Notifier.Run(runCtx)
		}()
	}

	s, err := a.Auth.Restore()
	switch {
	case err == nil:
		if err := a.Coordinator.SetAccount(ctx, s); err != nil {
			a.Logger.Warn("Restored account could not start sync", "error", err)
		}
	case errors.Is(err, auth.ErrNoSession):
		a.Logger.Info("No stored account session")
	default:
		a.Logger.Warn("Ignoring stored account session", "error", err)
	}
	return nil
}

// Router returns the local HTTP API
func (a *Agent) Router() *gin.Engine {
	return api.NewRouter(api.RouterConfig{
		Engine:      a.Engine,
		Coordinator: a.Coordinator,
		Endpoint:    a.Endpoint,
		APIKey:      a.Config.Server.APIKey,
		Version:     a.version,
		Logger:      a.Logger,
	})
}

// Close stops sync and releases every resource. Safe to call twice.
func (a *Agent) Close() error {
	var err error
	a.once.Do(func() {
		if a.Coordinator != nil {
			a.Coordinator.Shutdown()
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		err = a.closeAll()
	})
	return err
}

func (a *Agent) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
