package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/metric"
)

// registerHostMetrics exposes host CPU and memory usage as observable gauges.
// Values are sampled on collection, so an idle relay costs nothing.
func (t *Telemetry) registerHostMetrics(meter metric.Meter) error {
	cpuUsage, err := meter.Float64ObservableGauge(
		"host.cpu.usage",
		metric.WithDescription("Host CPU utilization percentage"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cpu gauge: %w", err)
	}

	memUsage, err := meter.Float64ObservableGauge(
		"host.memory.usage",
		metric.WithDescription("Host memory utilization percentage"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create memory gauge: %w", err)
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if percents, cpuErr := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); cpuErr == nil && len(percents) > 0 {
				observer.ObserveFloat64(cpuUsage, percents[0])
			}
			if vm, memErr := mem.VirtualMemoryWithContext(ctx); memErr == nil {
				observer.ObserveFloat64(memUsage, vm.UsedPercent)
			}
			return nil
		},
		cpuUsage, memUsage,
	)
	if err != nil {
		return fmt.Errorf("failed to register host metrics callback: %w", err)
	}
	return nil
}
