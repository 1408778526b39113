// Package metrics exposes Prometheus collectors for turns, inference calls,
// retries and token usage.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/multiworker/internal/task"
)

const namespace = "multiworker"

// Call stages.
const (
	StageWorker    = "worker"
	StageSynthesis = "synthesis"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	turns        prometheus.Counter
	calls        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	retryDelay   *prometheus.HistogramVec
	callDuration *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
}

// MustNewMetrics creates the collectors and registers them with reg.
// Registration errors panic, the same as promauto; pass a fresh registry in tests.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		turns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Retry-wrapped inference calls by stage and final outcome.",
		}, []string{"stage", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts by stage, first attempts excluded.",
		}, []string{"stage"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Computed backoff delay before each retry.",
			Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120},
		}, []string{"stage"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Wall time of a retry-wrapped call, backoff sleeps included.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"stage"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by successful calls.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.turns, m.calls, m.retries, m.retryDelay, m.callDuration, m.tokens)
	return m
}

// IncTurns counts one finished turn.
func (m *Metrics) IncTurns() {
	if m == nil {
		return
	}
	m.turns.Inc()
}

// ObserveCall records the final outcome and duration of one retry-wrapped call.
func (m *Metrics) ObserveCall(stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	m.calls.WithLabelValues(stage, outcome).Inc()
	m.callDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRetry records one retry and the delay before it.
func (m *Metrics) ObserveRetry(stage string, delay time.Duration) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
	m.retryDelay.WithLabelValues(stage).Observe(delay.Seconds())
}

// AddTokens adds the usage of one successful call.
func (m *Metrics) AddTokens(u task.Usage) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(u.InputTokens))
	m.tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	m.tokens.WithLabelValues("total").Add(float64(u.TotalTokens))
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("WARNING: metrics server shutdown: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
