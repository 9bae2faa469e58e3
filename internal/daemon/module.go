package daemon

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/friends"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.chatsync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			bus.New,
			status.NewMachine,
			metrics.New,
			provideLock,
			provideStore,
			provideAuth,
			provideRestClient,
			provideSocket,
			provideAdapter,
			provideTyping,
			presence.NewTracker,
			provideReceipts,
			provideSender,
			friends.NewDirectory,
			provideEngine,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// settings is the loaded config plus secrets from the environment.
type settings struct {
	cfg   *config.Config
	creds config.Credentials
}

func provideConfig(p Params) (settings, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return settings{}, err
	}
	creds := config.ApplyEnv(cfg, session.EnvPath(p.SessionName))
	return settings{cfg: cfg, creds: creds}, nil
}

func provideLogger(p Params, s settings) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, s.cfg.Log.Level)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(logger *zap.Logger) (*store.DB, error) {
	db, err := store.OpenSession()
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized", zap.String("name", db.Name()))
	return db, nil
}

func provideAuth(s settings, logger *zap.Logger) *auth.Session {
	return auth.NewSession(s.cfg.Server.BaseURL, s.cfg.Server.RequestTimeout.Duration, logger.Named("auth"))
}

func provideRestClient(s settings, sess *auth.Session) *restapi.Client {
	return restapi.NewClient(s.cfg.Server.BaseURL, sess, restapi.WithTimeout(s.cfg.Server.RequestTimeout.Duration))
}

func provideSocket(s settings, sess *auth.Session, logger *zap.Logger) *realtime.Client {
	rt := s.cfg.Realtime
	return realtime.New(realtime.Config{
		URL:                  s.cfg.Server.BaseURL,
		Path:                 s.cfg.Server.SocketPath,
		AutoReconnect:        rt.AutoReconnect,
		MaxReconnectAttempts: rt.MaxReconnectAttempts,
		ReconnectBaseDelay:   rt.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:    rt.ReconnectMaxDelay.Duration,
		HandshakeTimeout:     s.cfg.Server.RequestTimeout.Duration,
		EmitRate:             rt.EmitRate,
		EmitBurst:            rt.EmitBurst,
	}, transport.SocketTokens(sess), logger.Named("realtime"))
}

func provideAdapter(s settings, socket *realtime.Client, rest *restapi.Client, sess *auth.Session, m *metrics.Metrics, logger *zap.Logger) *transport.Adapter {
	return transport.New(transport.Config{FetchAttempts: s.cfg.History.FetchAttempts}, socket, rest, sess, m, logger.Named("transport"))
}

func provideTyping(s settings, adapter *transport.Adapter, b *bus.Bus, logger *zap.Logger) *typing.Coordinator {
	t := s.cfg.Typing
	return typing.NewCoordinator(typing.Config{
		IdleTimeout:   t.IdleTimeout.Duration,
		RemoteTTL:     t.RemoteTTL.Duration,
		SweepInterval: t.SweepInterval.Duration,
	}, adapter, b, logger.Named("typing"))
}

func provideReceipts(db *store.DB, adapter *transport.Adapter, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *receipts.Engine {
	return receipts.NewEngine(db, adapter, b, m, logger.Named("receipts"))
}

func provideSender(db *store.DB, adapter *transport.Adapter, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, adapter, b, logger.Named("outbox"))
}

type engineParams struct {
	fx.In

	DB       *store.DB
	Bus      *bus.Bus
	Adapter  *transport.Adapter
	Auth     *auth.Session
	Friends  *friends.Directory
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Receipts *receipts.Engine
	Outbox   *outbox.Sender
	Machine  *status.Machine
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func provideEngine(p engineParams) *intsync.Engine {
	return intsync.NewEngine(intsync.Deps{
		DB:        p.DB,
		Bus:       p.Bus,
		Transport: p.Adapter,
		Auth:      p.Auth,
		Friends:   p.Friends,
		Presence:  p.Presence,
		Typing:    p.Typing,
		Receipts:  p.Receipts,
		Outbox:    p.Outbox,
		Machine:   p.Machine,
		Metrics:   p.Metrics,
		Logger:    p.Logger.Named("sync"),
	})
}

func provideService(p Params, engine *intsync.Engine, dir *friends.Directory, adapter *transport.Adapter, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, engine, dir, adapter, b, logger.Named("api"))
}

type lifecycleParams struct {
	fx.In

	Settings settings
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Engine   *intsync.Engine
	Adapter  *transport.Adapter
	Typing   *typing.Coordinator
	Machine  *status.Machine
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	var metricsSrv *http.Server
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			p.Engine.Start(context.Background())
			p.Typing.Start(context.Background())
			p.Adapter.RegisterHandler(p.Engine)

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := p.Settings.cfg.Metrics.ListenAddr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", p.Metrics.Handler())
				metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					logger.Info("metrics server starting", zap.String("addr", addr))
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			go autoLogin(p.Engine, p.Settings.creds, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := p.Adapter.Close(); err != nil {
				logger.Warn("error closing socket", zap.Error(err))
			}
			p.Typing.Stop()
			p.Engine.Stop()
			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			p.Server.Stop(ctx)
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// autoLogin signs in from the environment when credentials are present.
// Without them the daemon waits in AUTH_REQUIRED for a Login call.
func autoLogin(engine *intsync.Engine, creds config.Credentials, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err error
	switch {
	case strings.TrimSpace(creds.Token) != "":
		logger.Info("logging in with token from environment")
		err = engine.LoginToken(ctx, strings.TrimSpace(creds.Token))
	case creds.HasLogin():
		logger.Info("logging in with credentials from environment", zap.String("email", creds.Email))
		err = engine.Login(ctx, creds.Email, creds.Password)
	default:
		if err := engine.Connect(ctx); err != nil {
			logger.Info("no credentials found, auth required")
		}
		return
	}
	if err != nil {
		logger.Warn("auto-login failed", zap.Error(err))
	}
}
