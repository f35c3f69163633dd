package metrics

import (
	"github.com/kibbled/firmware/internal/dispense"
	"github.com/kibbled/firmware/internal/safety"
	"github.com/kibbled/firmware/internal/scale"
	"github.com/kibbled/firmware/internal/tank"
)

// Constructors registered by pkg/metrics/prometheus during its package
// initialization. The indirection avoids an import cycle while keeping
// the call sites clean: components take the interface, never the
// implementation.
var (
	newScanMetrics     func() tank.ScanMetrics
	newScaleMetrics    func() scale.Metrics
	newDispenseMetrics func() dispense.Metrics
	newSafetyMetrics   func() safety.Metrics
)

// RegisterConstructors is called by pkg/metrics/prometheus in init().
func RegisterConstructors(
	scan func() tank.ScanMetrics,
	scl func() scale.Metrics,
	disp func() dispense.Metrics,
	saf func() safety.Metrics,
) {
	newScanMetrics = scan
	newScaleMetrics = scl
	newDispenseMetrics = disp
	newSafetyMetrics = saf
}

// NewScanMetrics returns Prometheus-backed scan metrics, or nil when
// metrics are disabled (InitRegistry not called). Components treat nil
// as a no-op sink.
func NewScanMetrics() tank.ScanMetrics {
	if !IsEnabled() || newScanMetrics == nil {
		return nil
	}
	return newScanMetrics()
}

// NewScaleMetrics returns Prometheus-backed sampler metrics, or nil when
// metrics are disabled.
func NewScaleMetrics() scale.Metrics {
	if !IsEnabled() || newScaleMetrics == nil {
		return nil
	}
	return newScaleMetrics()
}

// NewDispenseMetrics returns Prometheus-backed feed metrics, or nil when
// metrics are disabled.
func NewDispenseMetrics() dispense.Metrics {
	if !IsEnabled() || newDispenseMetrics == nil {
		return nil
	}
	return newDispenseMetrics()
}

// NewSafetyMetrics returns Prometheus-backed safety metrics, or nil when
// metrics are disabled.
func NewSafetyMetrics() safety.Metrics {
	if !IsEnabled() || newSafetyMetrics == nil {
		return nil
	}
	return newSafetyMetrics()
}
