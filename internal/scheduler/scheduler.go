package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsebet/ledgersync/internal/config"
	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/metrics"
	"github.com/pulsebet/ledgersync/internal/persistence"
	"github.com/pulsebet/ledgersync/internal/reconcile"
)

// Clock abstracts wall-clock reads so guard logic is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the system clock.
func RealClock() Clock { return realClock{} }

// Outcome classifies one tick attempt.
type Outcome string

const (
	OutcomeRan            Outcome = "ran"
	OutcomeError          Outcome = "error"
	OutcomeSkippedRunning Outcome = "skipped_running"
	OutcomeSkippedSpacing Outcome = "skipped_spacing"
	OutcomeSkippedIdle    Outcome = "skipped_idle"
)

// loopState is the only mutable shared state per (tenant, loop-kind) pair:
// the single-flight flag and the last start time for the spacing guard.
type loopState struct {
	mu        sync.Mutex
	running   bool
	lastStart time.Time
}

// tryAcquire claims the single-flight slot if free and spaced far enough
// from the previous start.
func (s *loopState) tryAcquire(now time.Time, minSpacing time.Duration) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return OutcomeSkippedRunning
	}
	if !s.lastStart.IsZero() && now.Sub(s.lastStart) < minSpacing {
		return OutcomeSkippedSpacing
	}
	s.running = true
	s.lastStart = now
	return OutcomeRan
}

func (s *loopState) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// BalanceSyncer runs one balance reconciliation for a tenant.
type BalanceSyncer interface {
	Reconcile(ctx context.Context, tenant *domain.Tenant) error
}

// HistorySyncer runs one history reconciliation for a tenant.
type HistorySyncer interface {
	Reconcile(ctx context.Context, tenant *domain.Tenant) (reconcile.Result, error)
}

// Scheduler owns the two periodic reconciliation loops per tenant. Ticks for
// the same (tenant, kind) pair never overlap; ticks for different pairs run
// concurrently. A failed tick is logged and the next natural tick is the
// retry; nothing escalates past the loop.
type Scheduler struct {
	cfg      config.SyncConfig
	clock    Clock
	balances BalanceSyncer
	history  HistorySyncer
	repos    *persistence.Repository
	metrics  *metrics.Metrics

	mu     sync.Mutex
	states map[string]*loopState
	wg     sync.WaitGroup
}

// New wires a scheduler.
func New(cfg config.SyncConfig, clock Clock, balances BalanceSyncer, history HistorySyncer, repos *persistence.Repository, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		clock:    clock,
		balances: balances,
		history:  history,
		repos:    repos,
		metrics:  m,
		states:   make(map[string]*loopState),
	}
}

func (s *Scheduler) state(tenantID int64, kind domain.SyncKind) *loopState {
	key := fmt.Sprintf("%d/%s", tenantID, kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &loopState{}
		s.states[key] = st
	}
	return st
}

// Start launches both loops for each tenant and blocks until ctx is done and
// in-flight ticks have drained. The history loop starts a fixed stagger
// after the balance loop so the two never tick simultaneously against the
// external service.
func (s *Scheduler) Start(ctx context.Context, tenantIDs []int64) {
	for _, id := range tenantIDs {
		s.wg.Add(2)
		go s.runLoop(ctx, id, domain.SyncBalance, s.cfg.BalanceInterval, 0)
		go s.runLoop(ctx, id, domain.SyncHistory, s.cfg.HistoryInterval, s.cfg.Stagger)
	}
	<-ctx.Done()
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, tenantID int64, kind domain.SyncKind, interval, offset time.Duration) {
	defer s.wg.Done()

	if offset > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(offset):
		}
	}

	log.Info().Int64("tenant", tenantID).Str("kind", string(kind)).
		Dur("interval", interval).Msg("sync loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("tenant", tenantID).Str("kind", string(kind)).Msg("sync loop stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx, tenantID, kind)
		}
	}
}

// RunOnce attempts a single tick, applying the single-flight and
// minimum-spacing guards. Manual force-sync triggers go through the same
// path, so a user-driven refresh cannot double the external call rate.
func (s *Scheduler) RunOnce(ctx context.Context, tenantID int64, kind domain.SyncKind) Outcome {
	st := s.state(tenantID, kind)

	outcome := st.tryAcquire(s.clock.Now(), s.cfg.MinSpacing)
	if outcome != OutcomeRan {
		s.metrics.Ticks.WithLabelValues(string(kind), string(outcome)).Inc()
		log.Debug().Int64("tenant", tenantID).Str("kind", string(kind)).
			Str("outcome", string(outcome)).Msg("tick skipped")
		return outcome
	}
	defer st.release()

	// An idle system performs zero external history calls.
	if kind == domain.SyncHistory {
		active, err := s.repos.Users.CountOnline(ctx)
		if err == nil && active == 0 {
			s.metrics.Ticks.WithLabelValues(string(kind), string(OutcomeSkippedIdle)).Inc()
			return OutcomeSkippedIdle
		}
	}

	runID := uuid.NewString()
	start := s.clock.Now()
	err := s.tick(ctx, tenantID, kind, runID)
	elapsed := s.clock.Now().Sub(start)
	s.metrics.TickDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())

	if err != nil {
		s.metrics.Ticks.WithLabelValues(string(kind), string(OutcomeError)).Inc()
		log.Warn().Err(err).Int64("tenant", tenantID).Str("kind", string(kind)).
			Str("run_id", runID).Dur("elapsed", elapsed).Msg("sync tick failed")
		return OutcomeError
	}

	s.metrics.Ticks.WithLabelValues(string(kind), string(OutcomeRan)).Inc()
	return OutcomeRan
}

func (s *Scheduler) tick(ctx context.Context, tenantID int64, kind domain.SyncKind, runID string) error {
	tenant, err := s.repos.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		return fmt.Errorf("tenant %d not found", tenantID)
	}

	switch kind {
	case domain.SyncBalance:
		return s.balances.Reconcile(ctx, tenant)
	case domain.SyncHistory:
		result, err := s.history.Reconcile(ctx, tenant)
		if err != nil {
			return err
		}
		if result.Inserted > 0 || len(result.Errors) > 0 {
			log.Info().Int64("tenant", tenantID).Str("run_id", runID).
				Int("inserted", result.Inserted).Int("skipped", result.Skipped).
				Int("errors", len(result.Errors)).Msg("history tick finished")
		}
		return nil
	default:
		return fmt.Errorf("unknown sync kind %q", kind)
	}
}

// ForceSync is the UI-facing "refresh now" trigger. It reports whether the
// tick ran; a skip due to the guards is success from the caller's view.
func (s *Scheduler) ForceSync(ctx context.Context, tenantID int64, kind domain.SyncKind) Outcome {
	log.Info().Int64("tenant", tenantID).Str("kind", string(kind)).Msg("force sync requested")
	return s.RunOnce(ctx, tenantID, kind)
}
