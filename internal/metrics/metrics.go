package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lzyats/core-feed-go/internal/breaker"
)

var (
	BatchesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_batches_served_total",
		Help: "Total feed pages served.",
	})
	PrimaryItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_primary_items_total",
		Help: "Total items served from tiered sources.",
	})
	PaddingItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_padding_items_total",
		Help: "Total items served from padding sources.",
	})
	SourceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_source_failures_total",
		Help: "Total source fetch failures (page served without them).",
	}, []string{"source"})
	Revalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_revalidations_total",
		Help: "Background source cache refreshes by outcome.",
	}, []string{"source", "result"})
	TrackingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_tracking_failures_total",
		Help: "Total failed selection-count writes.",
	})

	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_breaker_state",
		Help: "Source circuit state (0 closed, 1 open, 2 half open).",
	}, []string{"source"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_breaker_transitions_total",
		Help: "Source circuit transitions by target state.",
	}, []string{"source", "to"})

	PrefetchItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_prefetch_items_total",
		Help: "Prefetch per-item outcomes.",
	}, []string{"source", "result"})
	PrefetchContended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_prefetch_contended_total",
		Help: "Prefetch passes dropped because one was already running.",
	}, []string{"source"})

	ProgressConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feed_progress_conns",
		Help: "Current progress websocket connections.",
	})
	ProgressBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_progress_backpressure_total",
		Help: "Progress frames dropped because a client queue was full.",
	})
)

func Register() {
	prometheus.MustRegister(
		BatchesServed, PrimaryItems, PaddingItems,
		SourceFailures, Revalidations, TrackingFailures,
		BreakerState, BreakerTransitions,
		PrefetchItems, PrefetchContended,
		ProgressConns, ProgressBackpressure,
	)
}

// Observer forwards engine and prefetch events to the counters above.
type Observer struct{}

func (Observer) SourceFailed(source string, err error) {
	SourceFailures.WithLabelValues(source).Inc()
}

func (Observer) BatchServed(primary, padding int) {
	BatchesServed.Inc()
	PrimaryItems.Add(float64(primary))
	PaddingItems.Add(float64(padding))
}

func (Observer) TrackingFailed(err error) { TrackingFailures.Inc() }

func (Observer) Revalidated(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Revalidations.WithLabelValues(source, result).Inc()
}

// BreakerChanged matches breaker.Options.OnChange.
func (Observer) BreakerChanged(source string, from, to breaker.State) {
	BreakerState.WithLabelValues(source).Set(float64(to))
	BreakerTransitions.WithLabelValues(source, to.String()).Inc()
}

func (Observer) ItemDone(source, result string) {
	PrefetchItems.WithLabelValues(source, result).Inc()
}

func (Observer) Contended(source string) {
	PrefetchContended.WithLabelValues(source).Inc()
}
