package observability

import (
	"context"
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"autopilot/internal/domain/agent"
)

// AgentMetrics records agent executions through an OpenTelemetry meter whose
// readings are exported to a Prometheus registry.
type AgentMetrics struct {
	provider   *sdkmetric.MeterProvider
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewAgentMetrics registers the agent instruments with reg.
func NewAgentMetrics(reg promclient.Registerer) (*AgentMetrics, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(instrumentationName)

	executions, err := meter.Int64Counter(
		"autopilot.agent.executions",
		metric.WithDescription("Agent processes run, by result"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		"autopilot.agent.duration",
		metric.WithDescription("Agent process wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &AgentMetrics{provider: provider, executions: executions, duration: duration}, nil
}

// RecordExecution counts one finished agent process.
func (m *AgentMetrics) RecordExecution(ctx context.Context, exec agent.Execution) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case exec.TimedOut:
		result = "timeout"
	case !exec.Succeeded():
		result = "failed"
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, exec.Duration.Seconds(), attrs)
}

// Shutdown stops the meter provider.
func (m *AgentMetrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
