// Package config loads and validates the firmware configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (KIBBLED_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config captures the static configuration of the firmware core: the
// persisted device knobs plus logging and metrics. Everything else
// (tanks, recipes) is dynamic state owned by the registry and the recipe
// store.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Scale holds the load-cell calibration pair and the fixed sample
	// counts for blocking averages.
	Scale ScaleConfig `mapstructure:"scale" yaml:"scale"`

	// Hopper holds the calibrated gate pulses.
	Hopper HopperConfig `mapstructure:"hopper" yaml:"hopper"`

	// Dispense holds the stall-detection tunables; these are safe to
	// hot-reload.
	Dispense DispenseConfig `mapstructure:"dispense" yaml:"dispense"`

	// Bridge configures the transport to the 1-Wire bridge
	// microcontroller.
	Bridge BridgeConfig `mapstructure:"bridge" yaml:"bridge"`

	// PWM names the I2C bus and power-gate pin of the servo board.
	PWM PWMConfig `mapstructure:"pwm" yaml:"pwm"`

	// Recipes holds the three redundant recipe file paths.
	Recipes RecipesConfig `mapstructure:"recipes" yaml:"recipes"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// HostMAC is this host's 48-bit identifier, stamped into every tank
	// record it writes ("aa:bb:cc:dd:ee:ff").
	HostMAC string `mapstructure:"host_mac" yaml:"host_mac"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is text or json.
	Format string `mapstructure:"format" yaml:"format"`
	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// ScaleConfig holds load-cell calibration and sampling knobs.
type ScaleConfig struct {
	// Factor converts raw counts to grams (counts per gram).
	Factor float64 `mapstructure:"factor" yaml:"factor"`
	// ZeroOffset is the raw reading of an empty bowl.
	ZeroOffset int64 `mapstructure:"zero_offset" yaml:"zero_offset"`
	// CalibrationSamples and TareSamples are the fixed blocking-average
	// counts.
	CalibrationSamples int `mapstructure:"calibration_samples" yaml:"calibration_samples"`
	TareSamples        int `mapstructure:"tare_samples" yaml:"tare_samples"`
	// ClockPin and DataPin name the two GPIO pins driving the load-cell
	// amplifier.
	ClockPin string `mapstructure:"clock_pin" yaml:"clock_pin"`
	DataPin  string `mapstructure:"data_pin" yaml:"data_pin"`
}

// HopperConfig holds the calibrated hopper gate pulses in microseconds.
type HopperConfig struct {
	OpenUs   int `mapstructure:"open_us" yaml:"open_us"`
	ClosedUs int `mapstructure:"closed_us" yaml:"closed_us"`
}

// DispenseConfig holds the dispensing stall tunables.
type DispenseConfig struct {
	// WeightChangeThresholdG is the minimum weight delta that counts as
	// progress.
	WeightChangeThresholdG float64 `mapstructure:"weight_change_threshold_g" yaml:"weight_change_threshold_g"`
	// NoChangeTimeout stops an auger whose weight has not moved.
	NoChangeTimeout time.Duration `mapstructure:"no_change_timeout" yaml:"no_change_timeout"`
}

// BridgeConfig configures the bus-bridge transport.
type BridgeConfig struct {
	// Address is "sim" for the in-memory simulator or a host:port to a
	// serial-over-TCP bridge (e.g. ser2net in raw mode).
	Address string `mapstructure:"address" yaml:"address"`
	// WakeRetries bounds the wake handshake.
	WakeRetries int `mapstructure:"wake_retries" yaml:"wake_retries"`
}

// PWMConfig names the servo board's hardware attachment.
type PWMConfig struct {
	// I2CBus is the periph.io bus name ("" selects the first available).
	I2CBus string `mapstructure:"i2c_bus" yaml:"i2c_bus"`
	// PowerGatePin is the GPIO name of the active-low servo power gate.
	PowerGatePin string `mapstructure:"power_gate_pin" yaml:"power_gate_pin"`
}

// RecipesConfig holds the triple-redundant recipe file paths.
type RecipesConfig struct {
	Primary string `mapstructure:"primary" yaml:"primary"`
	Backup1 string `mapstructure:"backup1" yaml:"backup1"`
	Backup2 string `mapstructure:"backup2" yaml:"backup2"`
}

// MetricsConfig contains Prometheus metrics server configuration.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// Validate checks cross-field invariants after defaults were applied.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("config: invalid log format %q", c.Logging.Format)
	}
	if c.Hopper.OpenUs < 500 || c.Hopper.OpenUs > 2500 {
		return fmt.Errorf("config: hopper open pulse %dus outside [500,2500]", c.Hopper.OpenUs)
	}
	if c.Hopper.ClosedUs < 500 || c.Hopper.ClosedUs > 2500 {
		return fmt.Errorf("config: hopper closed pulse %dus outside [500,2500]", c.Hopper.ClosedUs)
	}
	if c.Hopper.OpenUs == c.Hopper.ClosedUs {
		return fmt.Errorf("config: hopper open and closed pulses must differ")
	}
	if c.Dispense.WeightChangeThresholdG <= 0 {
		return fmt.Errorf("config: weight change threshold must be positive")
	}
	if c.Dispense.NoChangeTimeout <= 0 {
		return fmt.Errorf("config: no-change timeout must be positive")
	}
	if c.Bridge.WakeRetries < 1 {
		return fmt.Errorf("config: wake retries must be >= 1")
	}
	if _, err := c.ParseHostMAC(); err != nil {
		return err
	}
	return nil
}

// ParseHostMAC parses HostMAC into its 6-byte wire form.
func (c *Config) ParseHostMAC() ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(c.HostMAC, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("config: host_mac %q is not aa:bb:cc:dd:ee:ff", c.HostMAC)
	}
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil {
			return mac, fmt.Errorf("config: host_mac octet %q: %w", p, err)
		}
		mac[i] = b
	}
	return mac, nil
}
