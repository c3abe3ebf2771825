// Package observe carries the telemetry of switchboard: OpenTelemetry
// instruments for calls, turns and providers, spans for calls and turns,
// trace-aware slog loggers and the HTTP middleware that starts request spans.
//
// Tests build [Metrics] with [NewMetrics] on their own meter provider;
// everything else shares [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/switchboard"

// Call outcomes recorded by [Metrics.RecordCallEnd].
const (
	OutcomeHangup  = "hangup"   // caller stopped the stream or disconnected
	OutcomeEndCall = "end_call" // the agent ended the call
	OutcomeFailed  = "failed"   // fatal provider or transport error
	OutcomeDrained = "drained"  // stopped by process shutdown
)

// Turn outcomes recorded by [Metrics.RecordTurn].
const (
	TurnCompleted   = "completed"
	TurnInterrupted = "interrupted"
	TurnFailed      = "failed"
	TurnEmpty       = "empty"
)

// Metrics groups the instruments of the process. Attribute keys are listed
// next to each counter.
type Metrics struct {
	// Stage latencies.
	STTDuration       metric.Float64Histogram
	LLMDuration       metric.Float64Histogram
	TTSDuration       metric.Float64Histogram
	FirstAudioLatency metric.Float64Histogram

	CallsTotal         metric.Int64Counter // outcome
	TurnsTotal         metric.Int64Counter // outcome
	BargeIns           metric.Int64Counter
	Transitions        metric.Int64Counter // from, to
	ProviderRequests   metric.Int64Counter // provider, kind, status
	ProviderErrors     metric.Int64Counter // provider, stage
	BreakerTransitions metric.Int64Counter // breaker, from, to

	ActiveCalls metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram // method, path
}

// latencyBuckets are histogram boundaries in seconds sized for a phone turn.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and collects the first
// failures so [NewMetrics] can report them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram("switchboard."+name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter("switchboard."+name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter("switchboard."+name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on mp. Tests pass a provider with a
// manual reader; production uses [DefaultMetrics].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		STTDuration:       b.seconds("stt.duration", "End of utterance to final transcript.", latencyBuckets...),
		LLMDuration:       b.seconds("llm.duration", "Time to a complete assistant message.", latencyBuckets...),
		TTSDuration:       b.seconds("tts.duration", "Synthesis until the last frame is queued.", latencyBuckets...),
		FirstAudioLatency: b.seconds("first_audio.latency", "End of utterance to the first agent audio frame.", latencyBuckets...),

		CallsTotal:         b.counter("calls.total", "Finished calls by outcome."),
		TurnsTotal:         b.counter("turns.total", "Turns by outcome."),
		BargeIns:           b.counter("bargein.total", "Caller interruptions of agent speech."),
		Transitions:        b.counter("pipeline.transitions", "Turn controller transitions by from and to state."),
		ProviderRequests:   b.counter("provider.requests", "Provider calls by provider, kind and status."),
		BreakerTransitions: b.counter("breaker.transitions", "Circuit breaker state changes by breaker, from and to."),
		ProviderErrors:     b.counter("provider.errors", "Provider errors by provider and stage."),

		ActiveCalls: b.gauge("calls.active", "Live call sessions."),

		HTTPRequestDuration: b.seconds("http.request.duration", "HTTP request latency by method and path."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] built on the global meter
// provider. Install the provider with [Setup] before the first call.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordProviderRequest counts one provider call. kind is the stage and
// status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error for a pipeline stage
// ("stt", "llm" or "tts").
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}

// RecordCallStart increments the active call gauge.
func (m *Metrics) RecordCallStart(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnd decrements the active call gauge and counts the outcome.
func (m *Metrics) RecordCallEnd(ctx context.Context, outcome string) {
	m.ActiveCalls.Add(ctx, -1)
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTurn counts a turn by outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.TurnsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBargeIn counts a barge-in.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordTransition counts a turn controller state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
