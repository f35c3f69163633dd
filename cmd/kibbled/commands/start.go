package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"

	"github.com/kibbled/firmware/internal/bridge"
	"github.com/kibbled/firmware/internal/dispense"
	"github.com/kibbled/firmware/internal/feed"
	"github.com/kibbled/firmware/internal/hub"
	"github.com/kibbled/firmware/internal/logger"
	"github.com/kibbled/firmware/internal/pwmdrv"
	"github.com/kibbled/firmware/internal/recipe"
	"github.com/kibbled/firmware/internal/safety"
	"github.com/kibbled/firmware/internal/scale"
	"github.com/kibbled/firmware/internal/supervisor"
	"github.com/kibbled/firmware/internal/tank"
	"github.com/kibbled/firmware/pkg/config"
	"github.com/kibbled/firmware/pkg/metrics"

	// Register the Prometheus metric constructors.
	_ "github.com/kibbled/firmware/pkg/metrics/prometheus"
)

var startSim bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dispenser firmware",
	Long: `Start boots the firmware core: it wakes the bus bridge, scans for
tanks, and runs the cooperating tasks (dispatcher, scanner, safety,
scale sampler) until interrupted.

With --sim the bridge, PWM board, and load cell are replaced by
in-memory simulators; no hardware is touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func init() {
	startCmd.Flags().BoolVar(&startSim, "sim", false, "simulate all hardware")
}

func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go func() {
			logger.Info("metrics listening", "address", cfg.Metrics.ListenAddress)
			if err := http.ListenAndServe(cfg.Metrics.ListenAddress, metrics.Handler()); err != nil {
				logger.Error("metrics server stopped", logger.Err(err))
			}
		}()
	}

	port, pwmHost, chip, err := openHardware(cfg)
	if err != nil {
		return err
	}

	mac, err := cfg.ParseHostMAC()
	if err != nil {
		return err
	}

	deviceHub := hub.New()

	client := bridge.NewClient(port)
	if err := client.Wake(ctx, cfg.Bridge.WakeRetries); err != nil {
		return fmt.Errorf("bridge wake: %w", err)
	}

	driver, err := pwmdrv.NewDriver(pwmHost, nil)
	if err != nil {
		return fmt.Errorf("pwm driver: %w", err)
	}

	registry := tank.NewRegistry(client, driver, deviceHub, mac)
	registry.SetMetrics(metrics.NewScanMetrics())
	if err := driver.EnterBusPowerMode(); err != nil {
		return fmt.Errorf("bus-power mode: %w", err)
	}
	if err := registry.Refresh(ctx, 0x3F, false); err != nil {
		logger.Warn("initial tank scan failed", logger.Err(err))
	}

	sampler := scale.NewSampler(chip, deviceHub, persistedCalibration{}, cfg.Scale.Factor, cfg.Scale.ZeroOffset)
	sampler.SetMetrics(metrics.NewScaleMetrics())

	engine := dispense.NewEngine(registry, sampler, deviceHub, dispense.Tuning{
		HopperOpenUs:           cfg.Hopper.OpenUs,
		HopperClosedUs:         cfg.Hopper.ClosedUs,
		WeightChangeThresholdG: cfg.Dispense.WeightChangeThresholdG,
		NoChangeTimeout:        cfg.Dispense.NoChangeTimeout,
	}, func(dispensedG, targetG float64) {
		deviceHub.Events().Publish(hub.TopicFeedingProgress, hub.ProgressEvent{Weight: dispensedG, Target: targetG})
	})
	engine.SetMetrics(metrics.NewDispenseMetrics())

	store := recipe.NewStore(cfg.Recipes.Primary, cfg.Recipes.Backup1, cfg.Recipes.Backup2, nil)
	if err := store.Load(); err != nil {
		return fmt.Errorf("recipe store: %w", err)
	}

	dispatcher := feed.NewDispatcher(deviceHub, engine, registry, store, sampler)

	safetySup := safety.NewSupervisor(deviceHub, registry)
	safetySup.SetMetrics(metrics.NewSafetyMetrics())

	if cfgFile != "" {
		err := config.Watch(ctx, cfgFile, func(fresh *config.Config) {
			engine.SetTuning(dispense.Tuning{
				HopperOpenUs:           fresh.Hopper.OpenUs,
				HopperClosedUs:         fresh.Hopper.ClosedUs,
				WeightChangeThresholdG: fresh.Dispense.WeightChangeThresholdG,
				NoChangeTimeout:        fresh.Dispense.NoChangeTimeout,
			})
		})
		if err != nil {
			logger.Warn("config watch unavailable", logger.Err(err))
		}
	}

	logger.Info("kibbled started", "version", Version, "sim", startSim)
	err = supervisor.Run(ctx, supervisor.Tasks{
		Dispatcher: dispatcher,
		Registry:   registry,
		Safety:     safetySup,
		Sampler:    sampler,
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("kibbled stopped")
	return nil
}

// openHardware attaches the three hardware seams: the bridge transport,
// the PWM board, and the load-cell chip — simulated or real.
func openHardware(cfg *config.Config) (bridge.Port, pwmdrv.Host, scale.Chip, error) {
	if startSim || cfg.Bridge.Address == "sim" {
		sim := bridge.NewSimulator()
		seedSimTank(sim)
		return sim, pwmdrv.NewFakeHost(), scale.NewSimChip(), nil
	}

	conn, err := net.DialTimeout("tcp", cfg.Bridge.Address, 5*time.Second)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bridge transport %s: %w", cfg.Bridge.Address, err)
	}
	port, ok := conn.(bridge.Port)
	if !ok {
		return nil, nil, nil, fmt.Errorf("bridge transport %s does not support deadlines", cfg.Bridge.Address)
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, nil, fmt.Errorf("periph host: %w", err)
	}
	i2cBus, err := i2creg.Open(cfg.PWM.I2CBus)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("i2c bus %q: %w", cfg.PWM.I2CBus, err)
	}
	gate := gpioreg.ByName(cfg.PWM.PowerGatePin)
	if gate == nil {
		return nil, nil, nil, fmt.Errorf("gpio pin %q not found", cfg.PWM.PowerGatePin)
	}
	pwmHost, err := pwmdrv.NewPeriphHost(i2cBus, gate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pwm board: %w", err)
	}

	clk, data := gpioreg.ByName(cfg.Scale.ClockPin), gpioreg.ByName(cfg.Scale.DataPin)
	if clk == nil || data == nil {
		return nil, nil, nil, fmt.Errorf("scale pins %q/%q not found", cfg.Scale.ClockPin, cfg.Scale.DataPin)
	}
	chip, err := scale.NewHX711(clk, data)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load cell: %w", err)
	}
	return port, pwmHost, chip, nil
}

// seedSimTank plugs one valid tank into the simulator so a simulated boot
// has something to show.
func seedSimTank(sim *bridge.Simulator) {
	rec := tank.DefaultRecord()
	rec.CapacityML = 1500
	rec.DensityGPerL = 500
	rec.RemainingGrams = 400
	if err := rec.SetName("Sim Kibble"); err != nil {
		return
	}
	raw, err := tank.EncodeEEPROM(rec)
	if err != nil {
		return
	}
	sim.PlugTank(0, 0x1122334455667788, raw[:])
}

// persistedCalibration is the settings collaborator seam; on-disk
// settings persistence is out of scope, so calibration survives only in
// the configuration file the operator maintains.
type persistedCalibration struct{}

func (persistedCalibration) PersistCalibration(factor float64, zeroOffset int64) error {
	logger.Info("calibration updated, persist it to the config file",
		"scale.factor", factor, "scale.zero_offset", zeroOffset)
	return nil
}
