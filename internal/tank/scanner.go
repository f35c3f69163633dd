package tank

import (
	"context"
	"time"

	"github.com/kibbled/firmware/internal/bridge"
	"github.com/kibbled/firmware/internal/logger"
	"github.com/kibbled/firmware/internal/pwmdrv"
)

// Scanner polling cadence: every second, backing off to three
// seconds immediately after a detected change so a half-seated tank can
// finish seating.
const (
	scanInterval          = 1000 * time.Millisecond
	scanIntervalPostDelta = 3000 * time.Millisecond
)

// RunScanner polls per-bus UIDs and reconciles on any delta versus the
// last-known snapshot. It yields whenever the PWM driver is in servo mode
// (the bus has no power then) and stops when ctx is cancelled.
func (r *Registry) RunScanner(ctx context.Context) error {
	interval := scanInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		changed, err := r.ScanOnce(ctx)
		if err != nil {
			logger.Warn("tank scan failed", logger.Err(err))
		}
		interval = scanInterval
		if changed {
			interval = scanIntervalPostDelta
		}
		timer.Reset(interval)
	}
}

// ScanOnce performs one scanner pass: roll-call, diff against the last
// snapshot, and a partial refresh of the changed buses. Returns whether
// anything changed. Skips silently when the driver is in servo mode.
func (r *Registry) ScanOnce(ctx context.Context) (bool, error) {
	if r.pwm.Mode() != pwmdrv.ModeBusPower {
		return false, nil
	}
	started := time.Now()

	found, _, err := r.scan(ctx, allBusesMask)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	var mask uint8
	for i := 0; i < bridge.BusCount; i++ {
		if found[i] != r.lastUID[i] {
			mask |= 1 << uint(i)
		}
	}
	r.lastUID = found
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ObserveScan(time.Since(started), mask != 0)
	}
	if mask == 0 {
		return false, nil
	}

	logger.Info("bus delta detected", logger.KeyBusMask, mask)
	if err := r.Refresh(ctx, mask, true); err != nil {
		return true, err
	}
	return true, nil
}
