package bridge

import (
	"context"
	"log/slog"
	"time"
)

// Watchdog sweeps the registry and drains sessions that exceed the maximum
// call duration or the inactivity window. Draining is the only action it
// takes; the owning orchestrator performs the actual teardown.
type Watchdog struct {
	registry    *Registry
	maxDuration time.Duration
	inactivity  time.Duration
	interval    time.Duration
	logger      *slog.Logger
}

// NewWatchdog creates a watchdog over the given registry. interval controls
// how often the sweep runs.
func NewWatchdog(registry *Registry, maxDuration, inactivity, interval time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		registry:    registry,
		maxDuration: maxDuration,
		inactivity:  inactivity,
		interval:    interval,
		logger:      logger.With("subsystem", "watchdog"),
	}
}

// Run sweeps until the context is cancelled. Blocks; callers launch it in
// its own goroutine.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started",
		"max_duration", w.maxDuration.String(),
		"inactivity_timeout", w.inactivity.String(),
		"sweep_interval", w.interval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	now := time.Now()
	for _, sess := range w.registry.Sessions() {
		state := sess.State()
		if state == StateClosed || state == StateDraining {
			continue
		}

		if age := now.Sub(sess.CreatedAt); age > w.maxDuration {
			w.logger.Warn("session exceeded maximum call duration, draining",
				"call_id", sess.CallID,
				"age", age.Round(time.Second).String(),
			)
			sess.Drain()
			continue
		}

		if state == StateActive {
			if idle := now.Sub(sess.LastActivity()); idle > w.inactivity {
				w.logger.Warn("session inactive, draining",
					"call_id", sess.CallID,
					"idle", idle.Round(time.Second).String(),
				)
				sess.Drain()
			}
		}
	}
}
