// Package prometheus provides the Prometheus-backed implementations of
// the firmware's component metrics interfaces. Importing it (blank import
// from the CLI) registers the constructors with pkg/metrics.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kibbled/firmware/internal/dispense"
	"github.com/kibbled/firmware/internal/safety"
	"github.com/kibbled/firmware/internal/scale"
	"github.com/kibbled/firmware/internal/tank"
	"github.com/kibbled/firmware/pkg/metrics"
)

func init() {
	metrics.RegisterConstructors(
		newScanMetrics,
		newScaleMetrics,
		newDispenseMetrics,
		newSafetyMetrics,
	)
}

type scanMetrics struct {
	scans        *prometheus.CounterVec
	scanDuration prometheus.Histogram
	decodes      *prometheus.CounterVec
	corrected    prometheus.Histogram
}

func newScanMetrics() tank.ScanMetrics {
	reg := metrics.GetRegistry()
	return &scanMetrics{
		scans: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kibbled_tank_scans_total",
				Help: "Total bus scans by whether a delta was detected",
			},
			[]string{"changed"},
		),
		scanDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kibbled_tank_scan_duration_milliseconds",
				Help:    "Duration of one bus scan pass in milliseconds",
				Buckets: []float64{1, 5, 10, 50, 100, 333, 600, 1000},
			},
		),
		decodes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kibbled_eeprom_decodes_total",
				Help: "Total tank record decodes by outcome",
			},
			[]string{"outcome"}, // "ok", "invalid"
		),
		corrected: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kibbled_eeprom_corrected_bytes",
				Help:    "Bytes corrected by the Reed-Solomon decoder per record",
				Buckets: []float64{0, 1, 2, 4, 8, 16},
			},
		),
	}
}

func (m *scanMetrics) ObserveScan(duration time.Duration, changed bool) {
	m.scans.WithLabelValues(strconv.FormatBool(changed)).Inc()
	m.scanDuration.Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *scanMetrics) ObserveDecode(corrected int, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "invalid"
	}
	m.decodes.WithLabelValues(outcome).Inc()
	m.corrected.Observe(float64(corrected))
}

type scaleMetrics struct {
	windows *prometheus.CounterVec
	samples prometheus.Histogram
}

func newScaleMetrics() scale.Metrics {
	reg := metrics.GetRegistry()
	return &scaleMetrics{
		windows: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kibbled_scale_windows_total",
				Help: "Total averaging windows by whether the chip responded",
			},
			[]string{"responding"},
		),
		samples: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kibbled_scale_window_samples",
				Help:    "Successful samples per averaging window",
				Buckets: []float64{0, 5, 10, 15, 19},
			},
		),
	}
}

func (m *scaleMetrics) ObserveWindow(samples int, responding bool) {
	m.windows.WithLabelValues(strconv.FormatBool(responding)).Inc()
	m.samples.Observe(float64(samples))
}

type dispenseMetrics struct {
	feeds     *prometheus.CounterVec
	dispensed prometheus.Histogram
}

func newDispenseMetrics() dispense.Metrics {
	reg := metrics.GetRegistry()
	return &dispenseMetrics{
		feeds: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kibbled_feeds_total",
				Help: "Total feeds by outcome",
			},
			[]string{"outcome"}, // "success", "error"
		),
		dispensed: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kibbled_feed_dispensed_grams",
				Help:    "Mass dispensed per feed in grams",
				Buckets: []float64{5, 10, 25, 50, 100, 200, 400},
			},
		),
	}
}

func (m *dispenseMetrics) ObserveFeed(success bool, dispensedG float64) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.feeds.WithLabelValues(outcome).Inc()
	m.dispensed.Observe(dispensedG)
}

type safetyMetrics struct {
	trips *prometheus.CounterVec
}

func newSafetyMetrics() safety.Metrics {
	reg := metrics.GetRegistry()
	return &safetyMetrics{
		trips: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kibbled_safety_trips_total",
				Help: "Total safety trips by event",
			},
			[]string{"event"}, // "motor_stall", "bowl_overfill"
		),
	}
}

func (m *safetyMetrics) RecordTrip(event string) {
	m.trips.WithLabelValues(event).Inc()
}
