// Package supervisor starts and tracks the cooperating tasks of the
// firmware core: feed dispatcher, tank scanner, safety, scale
// sampler, plus the placeholder tasks for out-of-scope collaborators.
// The first fatal task error cancels the shared context and brings the
// whole group down.
package supervisor

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kibbled/firmware/internal/feed"
	"github.com/kibbled/firmware/internal/logger"
	"github.com/kibbled/firmware/internal/safety"
	"github.com/kibbled/firmware/internal/scale"
	"github.com/kibbled/firmware/internal/tank"
)

// Tasks collects the long-running components the supervisor drives.
type Tasks struct {
	Dispatcher *feed.Dispatcher
	Registry   *tank.Registry
	Safety     *safety.Supervisor
	Sampler    *scale.Sampler
}

// Run blocks until ctx is cancelled or a task fails. Context
// cancellation is the normal shutdown path and is not reported as an
// error.
func Run(ctx context.Context, t Tasks) error {
	g, ctx := errgroup.WithContext(ctx)

	start := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			logger.Info("task started", logger.Task(name))
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("task failed", logger.Task(name), logger.Err(err))
				return err
			}
			logger.Info("task stopped", logger.Task(name))
			return nil
		})
	}

	start("dispatcher", t.Dispatcher.Run)
	start("scanner", t.Registry.RunScanner)
	start("safety", t.Safety.Run)
	start("sampler", t.Sampler.Run)

	// Out-of-scope collaborators (battery/OTA, timekeeping, display) are
	// placeholder tasks: they hold their slot in the task model but carry
	// no behavior.
	start("battery", placeholder(60*time.Second))
	start("timekeeping", placeholder(5*time.Minute))
	start("display", placeholder(30*time.Second))
	start("mainloop", placeholder(time.Second))

	return g.Wait()
}

func placeholder(interval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
