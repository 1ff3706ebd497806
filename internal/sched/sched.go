package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calnudge/internal/log"
)

// Driver runs a tick function on a fixed cron cadence with at most one
// execution in flight: when a tick is still running as the next firing
// comes due, the new firing is skipped, not queued.
type Driver struct {
	cron *cron.Cron

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a Driver that invokes tick on the given cron spec (five-field,
// e.g. "* * * * *" for every minute) in the given location.
func New(spec string, loc *time.Location, tick func(ctx context.Context)) (*Driver, error) {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
	)
	if _, err := c.AddFunc(spec, func() { tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", spec, err)
	}
	return &Driver{cron: c}, nil
}

// Start begins the periodic ticks. Calling Start on a running or stopped
// driver is a no-op.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	appLog.Info("reminder poll started")
	d.cron.Start()
}

// Stop halts future ticks and waits for an in-flight tick to finish.
// Stop is idempotent and safe to call on a never-started driver.
func (d *Driver) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	ctx := d.cron.Stop()
	<-ctx.Done()
	appLog.Info("reminder poll stopped")
}

// cronLogger adapts the application logger to the cron.Logger interface.
// Routine scheduling chatter goes to debug; skip notices are worth a warn.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	if msg == "skip" {
		appLog.Warn("tick still running; skipping this firing")
		return
	}
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
