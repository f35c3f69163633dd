package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills unspecified fields with defaults. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyScaleDefaults(&cfg.Scale)
	applyHopperDefaults(&cfg.Hopper)
	applyDispenseDefaults(&cfg.Dispense)
	applyBridgeDefaults(&cfg.Bridge)
	applyPWMDefaults(&cfg.PWM)
	applyRecipesDefaults(&cfg.Recipes)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.HostMAC == "" {
		cfg.HostMAC = "02:00:00:00:00:01"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyScaleDefaults(cfg *ScaleConfig) {
	if cfg.Factor == 0 {
		cfg.Factor = 1
	}
	if cfg.CalibrationSamples == 0 {
		cfg.CalibrationSamples = 10
	}
	if cfg.TareSamples == 0 {
		cfg.TareSamples = 20
	}
	if cfg.ClockPin == "" {
		cfg.ClockPin = "GPIO5"
	}
	if cfg.DataPin == "" {
		cfg.DataPin = "GPIO6"
	}
}

func applyHopperDefaults(cfg *HopperConfig) {
	if cfg.OpenUs == 0 {
		cfg.OpenUs = 1900
	}
	if cfg.ClosedUs == 0 {
		cfg.ClosedUs = 1100
	}
}

func applyDispenseDefaults(cfg *DispenseConfig) {
	if cfg.WeightChangeThresholdG == 0 {
		cfg.WeightChangeThresholdG = 3.0
	}
	if cfg.NoChangeTimeout == 0 {
		cfg.NoChangeTimeout = 10 * time.Second
	}
}

func applyBridgeDefaults(cfg *BridgeConfig) {
	if cfg.Address == "" {
		cfg.Address = "sim"
	}
	if cfg.WakeRetries == 0 {
		cfg.WakeRetries = 5
	}
}

func applyPWMDefaults(cfg *PWMConfig) {
	if cfg.PowerGatePin == "" {
		cfg.PowerGatePin = "GPIO17"
	}
}

func applyRecipesDefaults(cfg *RecipesConfig) {
	if cfg.Primary == "" {
		cfg.Primary = "/var/lib/kibbled/recipes.json"
	}
	if cfg.Backup1 == "" {
		cfg.Backup1 = "/var/lib/kibbled/recipes.bak1.json"
	}
	if cfg.Backup2 == "" {
		cfg.Backup2 = "/var/lib/kibbled/recipes.bak2.json"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":9465"
	}
}
