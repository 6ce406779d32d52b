package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/scheduler"
)

// Syncer is the scheduler surface the force-sync endpoint needs.
type Syncer interface {
	ForceSync(ctx context.Context, tenantID int64, kind domain.SyncKind) scheduler.Outcome
}

// HealthSource reports collaborator health for /healthz.
type HealthSource interface {
	Ping(ctx context.Context) error
}

// Server is the engine's small admin surface: force-sync trigger, health and
// metrics. Observers of data changes watch the store's change feed instead;
// nothing here streams state back to callers.
type Server struct {
	server       *http.Server
	syncer       Syncer
	db           HealthSource
	breakerState func() string
}

// NewServer builds the admin HTTP server.
func NewServer(addr string, syncer Syncer, db HealthSource, breakerState func() string, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		syncer:       syncer,
		db:           db,
		breakerState: breakerState,
	}

	router := mux.NewRouter()
	router.HandleFunc("/tenants/{id:[0-9]+}/sync", s.handleForceSync).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("admin HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

type forceSyncResponse struct {
	TenantID int64  `json:"tenant_id"`
	Kind     string `json:"kind"`
	Outcome  string `json:"outcome"`
}

// handleForceSync is the UI layer's "refresh now" trigger. The scheduler
// applies the same spacing guard as scheduled ticks, so a skipped outcome is
// still a 200: the caller only needs success/failure.
func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid tenant id", http.StatusBadRequest)
		return
	}

	kind := domain.SyncKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = domain.SyncBalance
	}
	if kind != domain.SyncBalance && kind != domain.SyncHistory {
		http.Error(w, "kind must be balance or history", http.StatusBadRequest)
		return
	}

	outcome := s.syncer.ForceSync(r.Context(), tenantID, kind)
	status := http.StatusOK
	if outcome == scheduler.OutcomeError {
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(forceSyncResponse{
		TenantID: tenantID,
		Kind:     string(kind),
		Outcome:  string(outcome),
	})
}

type healthResponse struct {
	Status   string    `json:"status"`
	Database string    `json:"database"`
	Breaker  string    `json:"breaker"`
	Time     time.Time `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Time: time.Now().UTC()}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
	} else {
		resp.Database = "ok"
	}
	if s.breakerState != nil {
		resp.Breaker = s.breakerState()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
