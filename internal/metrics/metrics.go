// Package metrics exposes engine counters and gauges to Prometheus. Every
// Record method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "perpengine"

// Metrics holds the engine collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	positionsOpened *prometheus.CounterVec
	positionsClosed *prometheus.CounterVec
	liquidations    prometheus.Counter
	venueFallbacks  *prometheus.CounterVec
	venueLatency    *prometheus.HistogramVec
	persistFailures *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	fundingSkipped  prometheus.Counter
	priceUpdates    *prometheus.CounterVec
	sweepDuration   *prometheus.HistogramVec

	openInterest  prometheus.Gauge
	poolCapital   prometheus.Gauge
	openPositions prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		positionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened by venue",
		}, []string{"venue"}),

		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed by reason",
		}, []string{"reason"}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Positions force-closed by the liquidation monitor",
		}),

		venueFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_fallbacks_total",
			Help:      "External venue calls that degraded to a simulated fill",
		}, []string{"venue", "op"}),

		venueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "venue_call_seconds",
			Help:      "Latency of external venue calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"venue", "op"}),

		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed persistence attempts by target",
		}, []string{"target"}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Engine events dropped because the publish queue was full",
		}),

		fundingSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_skipped_total",
			Help:      "Positions skipped during settlement for lack of a funding rate",
		}),

		priceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_updates_total",
			Help:      "Price book updates by source",
		}, []string{"source"}),

		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of periodic sweeps",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"sweep"}),

		openInterest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest",
			Help:      "Sum of notional size over open positions",
		}),

		poolCapital: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_capital",
			Help:      "Liquidity pool capital",
		}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of open positions",
		}),
	}

	registry.MustRegister(
		m.positionsOpened,
		m.positionsClosed,
		m.liquidations,
		m.venueFallbacks,
		m.venueLatency,
		m.persistFailures,
		m.eventsDropped,
		m.fundingSkipped,
		m.priceUpdates,
		m.sweepDuration,
		m.openInterest,
		m.poolCapital,
		m.openPositions,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordOpen(venue string) {
	if m == nil {
		return
	}
	m.positionsOpened.WithLabelValues(venue).Inc()
}

func (m *Metrics) RecordClose(reason string) {
	if m == nil {
		return
	}
	m.positionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
	m.positionsClosed.WithLabelValues("liquidation").Inc()
}

func (m *Metrics) RecordFallback(venue, op string) {
	if m == nil {
		return
	}
	m.venueFallbacks.WithLabelValues(venue, op).Inc()
}

func (m *Metrics) ObserveVenueCall(venue, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.venueLatency.WithLabelValues(venue, op).Observe(d.Seconds())
}

func (m *Metrics) RecordPersistFailure(target string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(target).Inc()
}

func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) RecordFundingSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fundingSkipped.Add(float64(n))
}

func (m *Metrics) RecordPriceUpdates(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.priceUpdates.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) ObserveSweep(sweep string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// SetLedger updates the pool gauges.
func (m *Metrics) SetLedger(openInterest, capital decimal.Decimal, positions int) {
	if m == nil {
		return
	}
	m.openInterest.Set(openInterest.InexactFloat64())
	m.poolCapital.Set(capital.InexactFloat64())
	m.openPositions.Set(float64(positions))
}
