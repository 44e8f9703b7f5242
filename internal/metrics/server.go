package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/andresmejia3/oculus/internal/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SessionAdmin exposes live sessions on the admin endpoints.
type SessionAdmin interface {
	Sessions() []types.SessionInfo
	Cancel(id string) bool
}

// NewHandler serves /metrics and /healthz, plus /sessions and /sessions/cancel when admin is set.
func NewHandler(admin SessionAdmin, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if admin == nil {
		return mux
	}

	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(admin.Sessions()); err != nil {
			logger.Warn("encode sessions", zap.Error(err))
		}
	})
	mux.HandleFunc("POST /sessions/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if !admin.Cancel(id) {
			http.Error(w, "no such session", http.StatusNotFound)
			return
		}
		logger.Info("session cancelled from admin endpoint", zap.String("session_id", id))
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

// StartMetricsServer listens on port in the background. Callers stop it with Shutdown.
func StartMetricsServer(ctx context.Context, port int, admin SessionAdmin, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: NewHandler(admin, logger),
	}

	go func() {
		logger.Info("metrics server starting", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return srv
}
