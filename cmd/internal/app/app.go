// Package app wires the APPOCAR chat server runtime: config, logging, stores,
// the notification dispatcher, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/appocareu/appocar-web/cmd/internal/auth/session"
	"github.com/appocareu/appocar-web/cmd/internal/chat"
	chatapi "github.com/appocareu/appocar-web/cmd/internal/chat/api"
	"github.com/appocareu/appocar-web/cmd/internal/conversation"
	"github.com/appocareu/appocar-web/cmd/internal/notify"
	"github.com/appocareu/appocar-web/cmd/internal/realtime"
)

// App is the server runtime: it owns HTTP server wiring, the background
// workers and every pooled resource.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	redis     *redis.Client

	convStore  conversation.Store
	dispatcher *notify.Dispatcher
	kafka      *notify.KafkaPublisher
	relay      *realtime.RedisBroadcaster

	ws  *realtime.WSGateway
	api *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a = &App{cfg: cfg, log: log}

	// Release whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			a.closeResources()
			a = nil
		}
	}()

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	resolver, err := session.NewResolver(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("auth: set APPOCAR_PASETO_V4_PUBLIC_KEY_HEX or APPOCAR_AUTH_TRUST_EMAIL_HEADER: %w", err)
	}
	if sessCfg.TrustEmailHeader {
		log.Warn("auth.trust_email_header", "header", session.EmailHeader)
	}

	sinks, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaNotificationTopic)
		if err != nil {
			return nil, err
		}
		a.kafka = kp
		sinks = append(sinks, kp)
		log.Info("notify.kafka.enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaNotificationTopic)
	}

	a.dispatcher = notify.NewDispatcher(log, notify.DispatcherConfig{
		QueueSize: cfg.NotifyQueueSize,
		Workers:   cfg.NotifyWorkers,
	}, sinks...)

	svc, err := chat.NewService(a.convStore, a.dispatcher, log)
	if err != nil {
		return nil, err
	}

	registry := realtime.NewRegistry(log)
	var broadcaster realtime.Broadcaster = registry
	if cfg.RedisURL != "" {
		rdb, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redis = rdb

		relay, err := realtime.NewRedisBroadcaster(log, rdb, registry, cfg.RedisChannelPrefix)
		if err != nil {
			return nil, err
		}
		a.relay = relay
		broadcaster = relay
		log.Info("broadcast.redis.enabled", "prefix", cfg.RedisChannelPrefix)
	}

	a.ws, err = realtime.NewWSGateway(log, realtime.GatewayConfigFromEnv(), resolver, svc, registry, broadcaster)
	if err != nil {
		return nil, err
	}
	a.api, err = chatapi.NewHandler(log, resolver, svc, chatapi.WithWriteLimit(cfg.APIWriteLimit, cfg.APIWriteWindow))
	if err != nil {
		return nil, err
	}

	return a, nil
}

// openStores decides between Postgres-backed persistence and in-memory dev stores.
// It returns the notification sink backed by the chosen store.
func (a *App) openStores(ctx context.Context) ([]notify.Sink, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.convStore = conversation.NewInMemoryStore()
		return []notify.Sink{notify.NewInMemoryStore()}, nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	a.dbPool = pool
	a.dbEnabled = true

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	convStore, err := conversation.NewPostgresStore(pool, conversation.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	a.convStore = convStore

	notifStore, err := notify.NewPostgresStore(pool, notify.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return []notify.Sink{notifStore}, nil
}

// Run starts the HTTP server and the background workers and blocks until
// context cancellation or a fatal error.
func (a *App) Run(ctx context.Context) error {
	defer a.closeResources()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"redis_enabled", a.redis != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error { return a.dispatcher.Run(gctx) })

	if a.relay != nil {
		g.Go(func() error {
			if err := a.relay.Run(gctx); err != nil {
				a.log.Error("broadcast.redis.fail", "err", err)
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, httpDeps{
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		redis:     a.redis,
		ws:        a.ws,
		api:       a.api,
	})
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

func (a *App) closeResources() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Error("notify.kafka.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.convStore != nil {
		_ = a.convStore.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
