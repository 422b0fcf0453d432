// Package observe holds the server's telemetry: OpenTelemetry metric
// instruments and tracing helpers, the Prometheus bridge behind /metrics, and
// the HTTP middleware that ties a request's span, access log and latency
// sample together.
//
// Production code records through [DefaultMetrics], which binds to the global
// meter provider installed by [InitProvider]. Tests build an isolated set with
// [NewMetrics] and an SDK manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/parley"

// Values of the "outcome" attribute on [Metrics.Turns].
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
	OutcomeTimedOut    = "timed_out"
)

// Metrics is the set of instruments the server records into.
type Metrics struct {
	// Stage latencies, in seconds.
	STTDuration      metric.Float64Histogram // speech onset to final transcript
	LLMDuration      metric.Float64Histogram // whole completion stream
	TTSDuration      metric.Float64Histogram // server time of one synthesis request
	TimeToFirstToken metric.Float64Histogram // stream start to first non-empty delta
	TimeToFirstAudio metric.Float64Histogram // turn start to first chunk played

	Turns              metric.Int64Counter   // by outcome
	BargeIns           metric.Int64Counter
	SynthesisFailures  metric.Int64Counter   // by provider, reason
	ProviderRequests   metric.Int64Counter   // by provider, kind, status
	ProviderErrors     metric.Int64Counter   // by provider, kind
	ProviderCost       metric.Float64Counter // USD, by provider, kind
	BreakerTransitions metric.Int64Counter   // by name, to

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware], by method, route and
	// status.
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets are histogram boundaries in seconds, from a fast first token
// to a slow full completion.
var stageBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// builder creates instruments on one meter and keeps every creation error.
type builder struct {
	meter metric.Meter
	errs  []error
}

func (b *builder) check(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

func (b *builder) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	)
	b.check(name, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.check(name, err)
	return c
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{meter: mp.Meter(meterName)}

	m := &Metrics{
		STTDuration:      b.latency("parley.stt.duration", "Speech onset to final transcript."),
		LLMDuration:      b.latency("parley.llm.duration", "Duration of the completion stream."),
		TTSDuration:      b.latency("parley.tts.duration", "Server latency of one synthesis request."),
		TimeToFirstToken: b.latency("parley.llm.time_to_first_token", "Completion stream start to first non-empty delta."),
		TimeToFirstAudio: b.latency("parley.turn.time_to_first_audio", "Turn start to first audio chunk starting playback."),

		Turns:              b.counter("parley.turns", "Finished turns by outcome."),
		BargeIns:           b.counter("parley.barge_ins", "User interruptions of assistant playback."),
		SynthesisFailures:  b.counter("parley.synthesis.failures", "Chunks whose audio was dropped, by provider and reason."),
		ProviderRequests:   b.counter("parley.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:     b.counter("parley.provider.errors", "Provider errors by provider and kind."),
		BreakerTransitions: b.counter("parley.circuit_breaker.transitions", "Circuit breaker state changes by breaker and target state."),
	}

	var err error
	m.ProviderCost, err = b.meter.Float64Counter("parley.provider.cost",
		metric.WithDescription("Estimated provider spend by provider and kind."),
		metric.WithUnit("USD"))
	b.check("parley.provider.cost", err)

	m.ActiveSessions, err = b.meter.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Live voice sessions."))
	b.check("parley.active_sessions", err)

	// HTTP latency keeps the SDK's default buckets; probes and sockets span a
	// wider range than pipeline stages.
	m.HTTPRequestDuration, err = b.meter.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"))
	b.check("parley.http.request.duration", err)

	if len(b.errs) > 0 {
		return nil, fmt.Errorf("observe: create instruments: %w", errors.Join(b.errs...))
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments, created on first use
// from [otel.GetMeterProvider]. Call it after [InitProvider]; instruments
// created earlier bind to the no-op provider. It panics if creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue { return attribute.String(key, value) }

func providerAttrs(provider, kind string, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	}, extra...)...)
}

// RecordProviderRequest counts one provider call. status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, providerAttrs(provider, kind, attribute.String("status", status)))
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, providerAttrs(provider, kind))
}

// RecordProviderCost adds usd to the spend counter. Non-positive amounts are
// ignored.
func (m *Metrics) RecordProviderCost(ctx context.Context, provider, kind string, usd float64) {
	if usd > 0 {
		m.ProviderCost.Add(ctx, usd, providerAttrs(provider, kind))
	}
}

func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordBargeIn(ctx context.Context) { m.BargeIns.Add(ctx, 1) }

func (m *Metrics) RecordSynthesisFailure(ctx context.Context, provider, reason string) {
	m.SynthesisFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("to", to),
	))
}

// ObserveDuration records d in seconds on h. Non-positive durations are
// skipped: a stage that never ran has no latency.
func ObserveDuration(ctx context.Context, h metric.Float64Histogram, d time.Duration, attrs ...attribute.KeyValue) {
	if d > 0 {
		h.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}
