package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hive-corporation/ioc-connectors/internal/core/pipeline"
)

// StatusSource is satisfied by *pipeline.Runner.
type StatusSource interface {
	Status() pipeline.Status
}

type RestHandler struct {
	source    StatusSource
	authToken string
	logger    *zap.Logger
}

func NewRestHandler(source StatusSource, authToken string, logger *zap.Logger) *RestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RestHandler{
		source:    source,
		authToken: authToken,
		logger:    logger,
	}
}

// Router wires the status endpoints and middleware.
func (h *RestHandler) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/v1/health", h.Health).Methods("GET")
	router.HandleFunc("/api/v1/status", h.Status).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(h.loggingMiddleware)
	router.Use(h.authMiddleware)
	return router
}

// Health check endpoint. Reports unhealthy while the last cycle ended fatally.
func (h *RestHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.source.Status()

	code := http.StatusOK
	state := "healthy"
	if status.LastKind == pipeline.KindFatal.String() {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}

	response := map[string]interface{}{
		"status":    state,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"connector": status.Connector,
	}
	writeJSON(w, code, response)
}

// Status returns the runner's last published status.
func (h *RestHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Status())
}

func (h *RestHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (h *RestHandler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health check
		if r.URL.Path == "/api/v1/health" || h.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(token), []byte("Bearer "+h.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
