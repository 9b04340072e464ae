package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_active_calls",
		Help: "Calls currently in the active or ending state",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_sessions_total",
		Help: "Call sessions by outcome",
	}, []string{"outcome"})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_turns_total",
		Help: "Conversation turns by result",
	}, []string{"result"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_turn_duration_seconds",
		Help:    "Time from user prompt to end of reply",
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 20},
	})

	droppedPrompts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_dropped_prompts_total",
		Help: "Prompts dropped because the turn queue was full",
	})

	providerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_provider_errors_total",
		Help: "Completion provider failures surfaced to callers",
	})

	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tool_calls_total",
		Help: "Tool executions by tool and result",
	}, []string{"tool", "result"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_tool_duration_seconds",
		Help:    "Tool execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	billedMinutes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_billed_minutes_total",
		Help: "Whole minutes debited at session end",
	})

	debitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_debit_failures_total",
		Help: "Session settlements whose debit was refused or failed",
	})
)

// ObserveTool records a tool execution. It has the shape of tools.Observer.
func ObserveTool(name string, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	toolCalls.WithLabelValues(name, result).Inc()
	toolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
