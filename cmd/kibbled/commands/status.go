package commands

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/kibbled/firmware/internal/bridge"
	"github.com/kibbled/firmware/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the bus bridge and list connected tanks",
	Long: `Status wakes the bridge over the configured transport, polls
presence, and prints one line per bus. It does not touch servos or the
scale, so it is safe to run next to a live firmware instance only when
that instance is stopped — the UART has a single master.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func runStatus() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Bridge.Address == "sim" {
		return fmt.Errorf("status needs a real bridge transport, got %q", cfg.Bridge.Address)
	}

	conn, err := net.DialTimeout("tcp", cfg.Bridge.Address, 5*time.Second)
	if err != nil {
		return fmt.Errorf("bridge transport %s: %w", cfg.Bridge.Address, err)
	}
	defer conn.Close()
	port, ok := conn.(bridge.Port)
	if !ok {
		return fmt.Errorf("bridge transport %s does not support deadlines", cfg.Bridge.Address)
	}

	ctx := context.Background()
	client := bridge.NewClient(port)
	if err := client.Wake(ctx, cfg.Bridge.WakeRetries); err != nil {
		return fmt.Errorf("bridge wake: %w", err)
	}

	pres, err := client.PollPresence(ctx)
	if err != nil {
		return fmt.Errorf("presence poll: %w", err)
	}
	uids, err := client.RollCall(ctx)
	if err != nil {
		return fmt.Errorf("roll call: %w", err)
	}

	fmt.Printf("bridge %s: %d buses\n", cfg.Bridge.Address, pres.BusCount)
	for i := 0; i < bridge.BusCount; i++ {
		switch {
		case uids[i] != 0:
			fmt.Printf("  bus %d: tank %016X\n", i, uids[i])
		case pres.Has(i):
			fmt.Printf("  bus %d: presence without uid (seating?)\n", i)
		default:
			fmt.Printf("  bus %d: empty\n", i)
		}
	}
	return client.Sleep(ctx)
}
