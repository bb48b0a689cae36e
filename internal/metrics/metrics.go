package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	treasuryOnce     sync.Once
	treasuryRegistry *TreasuryMetrics

	feeHookOnce     sync.Once
	feeHookRegistry *FeeHookMetrics
)

// TreasuryMetrics records order lifecycle activity.
type TreasuryMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	burned     prometheus.Counter
	rewards    prometheus.Counter
}

// Treasury returns the lazily-initialised treasury collectors.
func Treasury() *TreasuryMetrics {
	treasuryOnce.Do(func() {
		treasuryRegistry = &TreasuryMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "klear",
				Subsystem: "treasury",
				Name:      "operations_total",
				Help:      "Treasury operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "klear",
				Subsystem: "treasury",
				Name:      "operation_duration_seconds",
				Help:      "Latency of treasury operations including venue calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			burned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "klear",
				Subsystem: "treasury",
				Name:      "buyback_burns_total",
				Help:      "Count of buybacks that burned a non-zero amount.",
			}),
			rewards: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "klear",
				Subsystem: "treasury",
				Name:      "caller_rewards_total",
				Help:      "Count of caller rewards paid.",
			}),
		}
		prometheus.MustRegister(
			treasuryRegistry.operations,
			treasuryRegistry.latency,
			treasuryRegistry.burned,
			treasuryRegistry.rewards,
		)
	})
	return treasuryRegistry
}

// Observe records one operation. outcome should be "success" or a stable
// failure reason such as "insufficient_profit".
func (m *TreasuryMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *TreasuryMetrics) RecordBurn() {
	if m == nil {
		return
	}
	m.burned.Inc()
}

func (m *TreasuryMetrics) RecordReward() {
	if m == nil {
		return
	}
	m.rewards.Inc()
}

// FeeHookMetrics records swap fee extraction.
type FeeHookMetrics struct {
	swaps       *prometheus.CounterVec
	conversions prometheus.Counter
}

// FeeHook returns the lazily-initialised fee hook collectors.
func FeeHook() *FeeHookMetrics {
	feeHookOnce.Do(func() {
		feeHookRegistry = &FeeHookMetrics{
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "klear",
				Subsystem: "fee_hook",
				Name:      "swaps_total",
				Help:      "Swaps seen by the fee hook segmented by result.",
			}, []string{"result"}),
			conversions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "klear",
				Subsystem: "fee_hook",
				Name:      "conversions_total",
				Help:      "Fees converted into the settlement currency before forwarding.",
			}),
		}
		prometheus.MustRegister(feeHookRegistry.swaps, feeHookRegistry.conversions)
	})
	return feeHookRegistry
}

// RecordSwap counts a swap as "withheld", "zero_fee", "self" or "failed".
func (m *FeeHookMetrics) RecordSwap(result string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(result).Inc()
}

func (m *FeeHookMetrics) RecordConversion() {
	if m == nil {
		return
	}
	m.conversions.Inc()
}
