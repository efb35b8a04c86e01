// Package httpapi implements the HTTP surface of the engine: transaction
// submission, as-of entity reads, history, and the transaction log view.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ankur-anand/chronostore/dbkernel"
	"github.com/ankur-anand/chronostore/internal/logcodec"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

const (
	// maxRequestBodySize is the maximum size of a request body (1MB).
	maxRequestBodySize = 1 << 20

	defaultTxLogPageSize = 100
	maxTxLogPageSize     = 1000

	submitTimeout = 30 * time.Second
)

// Service implements the HTTP API handlers.
type Service struct {
	engine         *dbkernel.Engine
	limiter        *rate.Limiter
	healthResponse []byte
}

// NewService creates a new HTTP API service. A nil limiter disables rate
// limiting.
func NewService(engine *dbkernel.Engine, limiter *rate.Limiter) *Service {
	healthJSON, _ := json.Marshal(map[string]string{
		"status":    "ok",
		"namespace": engine.Namespace(),
	})
	return &Service{
		engine:         engine,
		limiter:        limiter,
		healthResponse: healthJSON,
	}
}

// RegisterRoutes registers all HTTP API routes with the given router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/v1").Subrouter()
	api.Use(s.limitMiddleware, metricsMiddleware)

	api.HandleFunc("/tx", s.handleSubmitTx).Methods(http.MethodPost)
	api.HandleFunc("/tx-log", s.handleTxLog).Methods(http.MethodGet)
	api.HandleFunc("/attribute/{attr}", s.handleAttrRange).Methods(http.MethodGet)
	// entity ids may contain slashes (":person/picasso"), so the id pattern
	// is greedy; the history route is registered first to win the match.
	api.HandleFunc("/entity/{id:.+}/history", s.handleEntityHistory).Methods(http.MethodGet)
	api.HandleFunc("/entity/{id:.+}", s.handleGetEntity).Methods(http.MethodGet)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *Service) limitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.healthResponse)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[chronostore.httpapi] response encode failed", "error", err)
	}
}

// parseEntityID canonicalizes a path id: a 40-char hex string is the digest
// itself, an even-length hex string of any other width is rejected as
// malformed, anything else is hashed like a keyword.
func parseEntityID(raw string) (logcodec.ID, error) {
	return logcodec.NewID(raw)
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be RFC3339")
	}
	return t, nil
}
