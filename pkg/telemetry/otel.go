package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// OTelConfig configures the optional OTLP metric export. Disabled by default;
// the slog reporter is the primary surface and keeps working either way.
type OTelConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
	ExportInterval time.Duration
}

// DefaultOTelConfig returns the disabled baseline.
func DefaultOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:        false,
		ServiceName:    "worldcore",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		ExportInterval: 30 * time.Second,
	}
}

// OTelBridge exports a Metrics aggregate through an OTLP periodic reader.
type OTelBridge struct {
	provider *sdkmetric.MeterProvider
}

// NewOTelBridge wires the aggregate's counters and latency stats into
// observable instruments and starts the periodic exporter. Returns (nil, nil)
// when cfg.Enabled is false.
func NewOTelBridge(ctx context.Context, cfg OTelConfig, m *Metrics) (*OTelBridge, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)

	if err := registerInstruments(provider, m); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return &OTelBridge{provider: provider}, nil
}

// Shutdown flushes and stops the exporter.
func (b *OTelBridge) Shutdown(ctx context.Context) error {
	if b == nil || b.provider == nil {
		return nil
	}
	return b.provider.Shutdown(ctx)
}

func registerInstruments(provider *sdkmetric.MeterProvider, m *Metrics) error {
	meter := provider.Meter("worldcore/telemetry")

	counters := []struct {
		name string
		load func(*CounterSnapshot) int64
	}{
		{"worldcore.transactions", func(s *CounterSnapshot) int64 { return s.Transactions }},
		{"worldcore.duplicate_events", func(s *CounterSnapshot) int64 { return s.DuplicateEvents }},
		{"worldcore.lock_retries", func(s *CounterSnapshot) int64 { return s.LockRetries }},
		{"worldcore.lock_timeouts", func(s *CounterSnapshot) int64 { return s.LockTimeouts }},
		{"worldcore.slow_transactions", func(s *CounterSnapshot) int64 { return s.SlowTransactions }},
		{"worldcore.turns_applied", func(s *CounterSnapshot) int64 { return s.TurnsApplied }},
		{"worldcore.handoffs_executed", func(s *CounterSnapshot) int64 { return s.HandoffsExecuted }},
		{"worldcore.handoffs_rejected", func(s *CounterSnapshot) int64 { return s.HandoffsRejected }},
		{"worldcore.handoffs_stale", func(s *CounterSnapshot) int64 { return s.HandoffsStale }},
		{"worldcore.handoffs_duplicate", func(s *CounterSnapshot) int64 { return s.HandoffsDupe }},
		{"worldcore.handoffs_failed", func(s *CounterSnapshot) int64 { return s.HandoffsFailed }},
		{"worldcore.intents_scheduled", func(s *CounterSnapshot) int64 { return s.IntentsScheduled }},
		{"worldcore.crier_broadcasts", func(s *CounterSnapshot) int64 { return s.CrierBroadcasts }},
	}

	observables := make([]metric.Observable, 0, len(counters)+2)
	instruments := make([]metric.Int64ObservableCounter, 0, len(counters))
	for _, c := range counters {
		inst, err := meter.Int64ObservableCounter(c.name)
		if err != nil {
			return fmt.Errorf("create counter %s: %w", c.name, err)
		}
		instruments = append(instruments, inst)
		observables = append(observables, inst)
	}

	txP99, err := meter.Float64ObservableGauge("worldcore.tx_p99_ms")
	if err != nil {
		return fmt.Errorf("create gauge: %w", err)
	}
	txAvg, err := meter.Float64ObservableGauge("worldcore.tx_avg_ms")
	if err != nil {
		return fmt.Errorf("create gauge: %w", err)
	}
	observables = append(observables, txP99, txAvg)

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := m.Counters.snapshot()
		for i, c := range counters {
			o.ObserveInt64(instruments[i], c.load(&snap))
		}
		stats := m.TxStats()
		o.ObserveFloat64(txP99, stats.P99Ms)
		o.ObserveFloat64(txAvg, stats.AvgMs)
		return nil
	}, observables...)
	if err != nil {
		return fmt.Errorf("register metric callback: %w", err)
	}
	return nil
}
