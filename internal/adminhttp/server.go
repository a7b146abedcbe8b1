// Package adminhttp serves the read-only operator API: health, Prometheus
// metrics and account views.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tokligence/relay-authz/internal/event"
	"github.com/tokligence/relay-authz/internal/health"
	"github.com/tokligence/relay-authz/internal/ledger"
	"github.com/tokligence/relay-authz/internal/metrics"
)

// Config wires the server. Health and Metrics may be nil; their routes then
// report what little they can.
type Config struct {
	Ledger  *ledger.Service
	Health  *health.Checker
	Metrics *metrics.Collector
	Cost    ledger.Cost
	Logger  *zap.Logger
}

// Server serves the operator HTTP surface: health, metrics and read-only account views.
type Server struct {
	ledger  *ledger.Service
	health  *health.Checker
	metrics *metrics.Collector
	cost    ledger.Cost
	logger  *zap.Logger
}

// NewServer builds a Server. A nil Logger is replaced with a no-op one.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		ledger:  cfg.Ledger,
		health:  cfg.Health,
		metrics: cfg.Metrics,
		cost:    cfg.Cost,
		logger:  logger,
	}
}

// Router returns the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HandleHealth)
	r.Get("/metrics", s.HandleMetrics)
	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/accounts", s.handleListAccounts)
		api.Get("/accounts/{pubkey}", s.handleGetAccount)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// HandleHealth answers 503 only when the ledger is unreachable.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status":    health.StatusHealthy,
			"timestamp": time.Now().UTC(),
		})
		return
	}
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

// HandleMetrics writes the Prometheus text exposition, or 404 when metrics are off.
func (s *Server) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

type accountView struct {
	Pubkey   string   `json:"pubkey"`
	Balance  int64    `json:"balance"`
	Admitted bool     `json:"admitted"`
	Payments []string `json:"payments,omitempty"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.ledger.SnapshotAll(r.Context())
	if err != nil {
		s.logger.Error("list accounts failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Pubkey < accounts[j].Pubkey })
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{Pubkey: a.Pubkey, Balance: a.Balance, Admitted: a.IsAdmitted(s.cost)})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"accounts": views, "count": len(views)})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	pubkey, err := event.NormalizePrincipal(chi.URLParam(r, "pubkey"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := s.ledger.GetAccount(r.Context(), pubkey)
	if err != nil {
		s.logger.Error("get account failed", zap.String("pubkey", pubkey), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if account == nil {
		s.respondError(w, http.StatusNotFound, "account not found")
		return
	}
	payments, err := s.ledger.Payments(r.Context(), pubkey)
	if err != nil {
		s.logger.Error("list payments failed", zap.String("pubkey", pubkey), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, accountView{
		Pubkey:   account.Pubkey,
		Balance:  account.Balance,
		Admitted: account.IsAdmitted(s.cost),
		Payments: payments,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    http.StatusText(status),
			"message": message,
		},
	})
}
