package app

import (
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	chatapi "github.com/appocareu/appocar-web/cmd/internal/chat/api"
	"github.com/appocareu/appocar-web/cmd/internal/realtime"
)

type httpDeps struct {
	dbPool    *pgxpool.Pool
	dbEnabled bool
	redis     *redis.Client

	ws  *realtime.WSGateway
	api *chatapi.Handler
}

func registerHTTP(mux *http.ServeMux, log Logger, cfg Config, deps httpDeps) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !deps.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if deps.dbEnabled && deps.dbPool != nil {
			if err := PingDB(r.Context(), deps.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if deps.redis != nil {
			if err := PingRedis(r.Context(), deps.redis, 2*time.Second); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				log.Info("readyz.redis.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	// CORS applies to the JSON API only; /ws enforces its own origin policy.
	if deps.api != nil {
		apiMux := http.NewServeMux()
		deps.api.Register(apiMux)
		mux.Handle("/api/", WithCORS(apiMux, cfg, log))
	}

	if deps.ws != nil {
		mux.HandleFunc("/ws", deps.ws.HandleWS)
	}
}
