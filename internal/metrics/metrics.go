package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cryptocrash"

// Metrics holds the process collectors. A nil *Metrics is valid and records
// nothing, so packages can take one without caring whether metrics are on.
type Metrics struct {
	betsPlaced        *prometheus.CounterVec
	betsRejected      *prometheus.CounterVec
	cashouts          *prometheus.CounterVec
	cashoutsRejected  *prometheus.CounterVec
	roundsOpened      prometheus.Counter
	roundsCrashed     prometheus.Counter
	crashPoints       prometheus.Histogram
	connections       prometheus.Gauge
	rooms             prometheus.Gauge
	degradedQuotes    *prometheus.CounterVec
	persistFailures   *prometheus.CounterVec
	droppedBroadcasts prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		betsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bets_placed_total",
			Help:      "Bets accepted, by currency.",
		}, []string{"currency"}),
		betsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bets_rejected_total",
			Help:      "Bets rejected, by error code.",
		}, []string{"code"}),
		cashouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cashouts_total",
			Help:      "Successful cash-outs, by currency.",
		}, []string{"currency"}),
		cashoutsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cashouts_rejected_total",
			Help:      "Cash-outs rejected, by error code.",
		}, []string{"code"}),
		roundsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_opened_total",
			Help:      "Rounds opened.",
		}),
		roundsCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_crashed_total",
			Help:      "Rounds that reached their crash point.",
		}),
		crashPoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crash_point",
			Help:      "Distribution of crash multipliers.",
			Buckets:   []float64{1, 1.5, 2, 3, 5, 10, 25, 100, 1000},
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		degradedQuotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_quotes_total",
			Help:      "Wagers priced from stale or fallback rates, by source.",
		}, []string{"source"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Writes that failed after the in-memory state was committed.",
		}, []string{"entity"}),
		droppedBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_dropped_total",
			Help:      "Broadcasts dropped because the hub queue was full.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.betsPlaced,
			m.betsRejected,
			m.cashouts,
			m.cashoutsRejected,
			m.roundsOpened,
			m.roundsCrashed,
			m.crashPoints,
			m.connections,
			m.rooms,
			m.degradedQuotes,
			m.persistFailures,
			m.droppedBroadcasts,
		)
	}
	return m
}

func (m *Metrics) BetPlaced(currency string) {
	if m == nil {
		return
	}
	m.betsPlaced.WithLabelValues(currency).Inc()
}

func (m *Metrics) BetRejected(code string) {
	if m == nil {
		return
	}
	m.betsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) CashedOut(currency string) {
	if m == nil {
		return
	}
	m.cashouts.WithLabelValues(currency).Inc()
}

func (m *Metrics) CashoutRejected(code string) {
	if m == nil {
		return
	}
	m.cashoutsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) RoundOpened() {
	if m == nil {
		return
	}
	m.roundsOpened.Inc()
}

func (m *Metrics) RoundCrashed(crashPoint float64) {
	if m == nil {
		return
	}
	m.roundsCrashed.Inc()
	m.crashPoints.Observe(crashPoint)
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) DegradedQuote(source string) {
	if m == nil {
		return
	}
	m.degradedQuotes.WithLabelValues(source).Inc()
}

func (m *Metrics) PersistenceFailure(entity string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(entity).Inc()
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.droppedBroadcasts.Inc()
}
