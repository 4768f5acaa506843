package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/coordinator"
	"exploratory-testing-support/internal/infrastructure/config"
	obs "exploratory-testing-support/internal/infrastructure/observability"
)

type Deps struct {
	Cfg     config.Config
	Logger  *zerolog.Logger
	Metrics *obs.Metrics
	Coord   *coordinator.Coordinator
	Monitor *MonitorHub
	// Ready reports whether the store is usable; nil means always ready.
	Ready func() error
}

func NewRouterWithDeps(d *Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = obs.Nop()
	}
	if d.Monitor == nil {
		d.Monitor = NewMonitorHub()
	}
	return withCORS(d.Cfg, buildBaseMux(d))
}

func buildBaseMux(d *Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(); err != nil {
				writeError(w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), nil)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if d.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(obs.Build())
	})

	mux.HandleFunc("POST /api/commands", d.handleCommand)
	mux.HandleFunc("GET /api/session/status", d.handleStatus)
	mux.HandleFunc("GET /api/session/stats", d.handleStats)
	mux.HandleFunc("GET /api/session/report", d.handleReport)
	mux.HandleFunc("DELETE /api/session", d.handleClear)

	mux.HandleFunc("/api/monitor/ws", d.Monitor.HandleWS)
	mux.HandleFunc("GET /api/monitor/stream", d.handleStream)
	return mux
}

func withCORS(cfg config.Config, h http.Handler) http.Handler {
	origin := cfg.CORSAllowOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Sec-WebSocket-Protocol")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
