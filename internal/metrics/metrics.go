package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	Ticks           *prometheus.CounterVec
	TickDuration    *prometheus.HistogramVec
	RecordsInserted prometheus.Counter
	RecordsSkipped  prometheus.Counter
	BalanceChanges  prometheus.Counter
	SessionsExpired prometheus.Counter
	OnlineUsers     prometheus.Gauge
}

// New registers the engine's metrics on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgersync_ticks_total",
				Help: "Sync ticks by loop kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgersync_tick_duration_seconds",
				Help:    "Duration of completed sync ticks",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		RecordsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgersync_records_inserted_total",
			Help: "Ledger records ingested into the local mirror",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgersync_records_skipped_total",
			Help: "Ledger records skipped (duplicates and unresolvable)",
		}),
		BalanceChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgersync_balance_changes_total",
			Help: "Balance writes that moved by more than epsilon",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgersync_sessions_expired_total",
			Help: "Sessions forced offline by the poll-count threshold",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgersync_online_users",
			Help: "Users with an active session at the last balance tick",
		}),
	}

	reg.MustRegister(
		m.Ticks, m.TickDuration,
		m.RecordsInserted, m.RecordsSkipped,
		m.BalanceChanges, m.SessionsExpired,
		m.OnlineUsers,
	)
	return m
}

// NewUnregistered returns metrics on a private registry, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
