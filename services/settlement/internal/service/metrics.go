package service

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Settlements       *prometheus.CounterVec
	SettlementLatency *prometheus.HistogramVec
	SettledNotional   *prometheus.CounterVec
	TxRetries         *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_total",
				Help: "Total settlement attempts by side and result code.",
			},
			[]string{"side", "result"},
		),
		SettlementLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_latency_seconds",
				Help:    "Settlement latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"side"},
		),
		SettledNotional: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settled_notional_total",
				Help: "Sum of price times volume over committed settlements.",
			},
			[]string{"side"},
		),
		TxRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_tx_retries_total",
				Help: "Settlement transactions re-run after a database abort.",
			},
			[]string{"reason"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_events_published_total",
				Help: "Settlement events handed to the publisher by status.",
			},
			[]string{"status"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asset_cache_lookups_total",
				Help: "Asset cache lookups by result.",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.Settlements,
		m.SettlementLatency,
		m.SettledNotional,
		m.TxRetries,
		m.EventsPublished,
		m.CacheLookups,
	)
	return m
}

func (m *Metrics) observeSettlement(side string, err error, start time.Time) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(side, strings.ToLower(Code(err))).Inc()
	m.SettlementLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
}

func (m *Metrics) addNotional(side string, amount float64) {
	if m == nil {
		return
	}
	m.SettledNotional.WithLabelValues(side).Add(amount)
}

func (m *Metrics) IncTxRetry(reason string) {
	if m == nil {
		return
	}
	m.TxRetries.WithLabelValues(reason).Inc()
}

func (m *Metrics) incEvent(status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(status).Inc()
}

func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
