package daemon

import (
	"context"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/api"
	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/call"
	"github.com/matheus3301/erpchat/internal/config"
	"github.com/matheus3301/erpchat/internal/lock"
	"github.com/matheus3301/erpchat/internal/logging"
	"github.com/matheus3301/erpchat/internal/odoo"
	"github.com/matheus3301/erpchat/internal/outbox"
	"github.com/matheus3301/erpchat/internal/profile"
	"github.com/matheus3301/erpchat/internal/rtc"
	"github.com/matheus3301/erpchat/internal/signaling"
	"github.com/matheus3301/erpchat/internal/status"
	"github.com/matheus3301/erpchat/internal/store"
	"github.com/matheus3301/erpchat/internal/stream"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string          // optional override for testing; empty = use default
	Config      *config.Profile // optional override; nil = load from the profile dir
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideStream,
			provideController,
			provideAdapter,
			provideIDNode,
			provideMedia,
			providePeers,
			provideCallMachine,
			provideSession,
			provideChatService,
			provideCallService,
			provideStatusService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Profile, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadProfile(profile.ConfigPath(p.ProfileName), profile.EnvPath(p.ProfileName))
}

func provideLogger(p Params, cfg *config.Profile) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(profile.LockPath(p.ProfileName), p.ProfileName)
	if err != nil {
		return nil, err
	}
	if prev, ok := l.Stale(); ok {
		logger.Warn("reclaimed stale store lock",
			zap.Int("pid", prev.PID), zap.String("profile", prev.Profile), zap.Time("since", prev.Since))
	}
	logger.Info("store lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Profile, logger *zap.Logger) *odoo.Client {
	return odoo.New(odoo.Options{
		URL:      cfg.Backend.URL,
		Database: cfg.Backend.Database,
		Login:    cfg.Backend.Login,
		APIKey:   cfg.Backend.APIKey,
		UID:      cfg.Backend.UID,
		Timeout:  cfg.Backend.Timeout,
		Logger:   logger.Named("odoo"),
	})
}

func provideStream(cfg *config.Profile, client *odoo.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *stream.Stream {
	var t stream.Transport
	switch cfg.Stream.Mode {
	case "websocket":
		t = stream.NewSocket(client, db, logger.Named("socket"))
	default:
		t = stream.NewPoller(client, db, cfg.Stream.PollInterval, cfg.Stream.PageSize, logger.Named("poller"))
	}
	return stream.New(t, b, logger.Named("stream"), stream.Options{
		ReconnectBase: cfg.Stream.ReconnectBase,
		ReconnectMax:  cfg.Stream.ReconnectMax,
	})
}

func provideController(cfg *config.Profile, db *store.DB, client *odoo.Client, st *stream.Stream, sess *Session, b *bus.Bus, logger *zap.Logger) *outbox.Controller {
	return outbox.NewController(db, client, b, logger.Named("outbox"), outbox.Options{
		AuthorID:      cfg.Backend.PartnerID,
		DrainInterval: cfg.Sync.DrainInterval,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		Online:        st.Online,
		OnAuthError:   sess.AuthFailed,
	})
}

// selfID identifies the local user in outbound envelopes.
func selfID(cfg *config.Profile) string {
	switch {
	case cfg.Backend.PartnerID != 0:
		return strconv.FormatInt(cfg.Backend.PartnerID, 10)
	case cfg.Backend.UID != 0:
		return "uid:" + strconv.FormatInt(cfg.Backend.UID, 10)
	}
	return cfg.Backend.Login
}

func provideAdapter(cfg *config.Profile, client *odoo.Client, logger *zap.Logger) *signaling.Adapter {
	return signaling.NewAdapter(selfID(cfg), client, logger.Named("signaling"), signaling.Options{})
}

func provideIDNode() (*snowflake.Node, error) {
	return call.NewIDNode(int64(os.Getpid() % 16))
}

func provideMedia(logger *zap.Logger) call.MediaSource {
	return rtc.NewSource(logger.Named("media"))
}

func providePeers(cfg *config.Profile, logger *zap.Logger) (call.PeerFactory, error) {
	f, err := rtc.NewFactory(cfg.Call.STUNURLs, logger.Named("rtc"))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func provideCallMachine(media call.MediaSource, peers call.PeerFactory, adapter *signaling.Adapter, b *bus.Bus, logger *zap.Logger, ids *snowflake.Node) *call.Machine {
	m := call.NewMachine(media, peers, adapter, b, logger.Named("call"), ids)
	adapter.SetHandler(m)
	return m
}

func provideSession(cfg *config.Profile, m *status.Machine, st *stream.Stream, client *odoo.Client, b *bus.Bus, logger *zap.Logger) *Session {
	return NewSession(m, st, client, b, logger.Named("session"), cfg.Call.ReadyTimeout)
}

func provideChatService(p Params, db *store.DB, b *bus.Bus, c *outbox.Controller, st *stream.Stream, adapter *signaling.Adapter, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(db, b, c, st, adapter.IsSignaling, p.ProfileName, logger.Named("api"))
}

func provideCallService(m *call.Machine) *api.CallService {
	return api.NewCallService(m)
}

func provideStatusService(p Params, m *status.Machine, st *stream.Stream, db *store.DB) *api.StatusService {
	return api.NewStatusService(p.ProfileName, m, st, db)
}

// consume is the single inbound chain: call signaling first, then the message log.
func consume(ctx context.Context, adapter *signaling.Adapter, c *outbox.Controller, logger *zap.Logger) func(store.Message) {
	return func(m store.Message) {
		if adapter.Inspect(ctx, m) {
			return
		}
		if _, err := c.Ingest(m); err != nil {
			logger.Error("failed to ingest message", zap.Int64("server_id", m.ServerID), zap.Int64("channel_id", m.ChannelID), zap.Error(err))
		}
	}
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	st *stream.Stream,
	controller *outbox.Controller,
	adapter *signaling.Adapter,
	calls *call.Machine,
	sess *Session,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			st.OnMessage(consume(ctx, adapter, controller, logger))
			sess.OnReady = func(ctx context.Context) {
				if _, err := controller.LoadChannels(ctx); err != nil {
					logger.Warn("initial channel load failed", zap.Error(err))
				}
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			controller.Start(ctx)
			st.Start(ctx)
			sess.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			sess.Stop()
			_ = calls.EndCall(stopCtx)
			controller.Stop()
			st.Stop()
			cancel()
			srv.Stop(stopCtx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
