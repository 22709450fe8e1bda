// Package scan owns the scan lifecycle: one timed scan at a time, ended by
// the adapter's stop event or by a watchdog if that event never comes.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blemanager/internal/ble"
	"github.com/chaz8081/blemanager/internal/tracing"
)

// State is the scan lifecycle state.
type State int

const (
	Idle State = iota
	Scanning
)

func (s State) String() string {
	if s == Scanning {
		return "scanning"
	}
	return "idle"
}

// Options configures scan requests.
type Options struct {
	ServiceUUIDs    []string
	Duration        time.Duration
	AllowDuplicates bool
	WatchdogGrace   time.Duration // wait past Duration before forcing Idle
}

// DefaultOptions returns the settings the app ships with: 3 second scans over
// all services, duplicates reported.
func DefaultOptions() Options {
	return Options{
		Duration:        3 * time.Second,
		AllowDuplicates: true,
		WatchdogGrace:   2 * time.Second,
	}
}

// Controller serializes scan requests against one adapter.
type Controller struct {
	adapter ble.Adapter
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped per request so stale watchdogs are ignored
	watchdog *time.Timer
	onChange func(State)
}

// NewController creates an idle controller.
func NewController(adapter ble.Adapter, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Duration <= 0 {
		opts.Duration = DefaultOptions().Duration
	}
	if opts.WatchdogGrace < 0 {
		opts.WatchdogGrace = 0
	}
	return &Controller{
		adapter: adapter,
		opts:    opts,
		logger:  logger,
	}
}

// OnChange registers fn to run after every state transition.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start requests a timed scan. It returns false without contacting the
// adapter when a scan is already running. If the adapter rejects the request
// the controller stays Idle and the error wraps ble.ErrScanRejected.
func (c *Controller) Start(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.state == Scanning {
		c.mu.Unlock()
		c.logger.Debug("[SCAN] already scanning, ignoring request")
		return false, nil
	}
	c.gen++
	gen := c.gen
	fn := c.setLocked(Scanning)
	c.mu.Unlock()
	notify(fn, Scanning)

	ctx, span := tracing.StartSpan(ctx, "scan.start", "")
	err := c.adapter.Scan(ctx, c.opts.ServiceUUIDs, c.opts.Duration, c.opts.AllowDuplicates)
	if err != nil {
		err = fmt.Errorf("scan: %w: %w", ble.ErrScanRejected, err)
		tracing.End(span, err)
		c.mu.Lock()
		var revert func(State)
		if c.gen == gen && c.state == Scanning {
			revert = c.setLocked(Idle)
		}
		c.mu.Unlock()
		notify(revert, Idle)
		c.logger.Warn("[SCAN] request rejected", "error", err)
		return false, err
	}
	tracing.End(span, nil)

	c.mu.Lock()
	// A stop event may already have ended a very short scan.
	if c.gen == gen && c.state == Scanning {
		c.armLocked(gen)
	}
	c.mu.Unlock()

	c.logger.Info("[SCAN] scanning", "duration", c.opts.Duration, "services", len(c.opts.ServiceUUIDs))
	return true, nil
}

// Acknowledge confirms that the adapter started scanning. It is a no-op when
// already Scanning and moves an Idle controller to Scanning otherwise.
func (c *Controller) Acknowledge() {
	c.mu.Lock()
	if c.state == Scanning {
		c.mu.Unlock()
		return
	}
	c.gen++
	fn := c.setLocked(Scanning)
	c.armLocked(c.gen)
	c.mu.Unlock()
	notify(fn, Scanning)
}

// HandleStopped applies the adapter's scan-stopped event.
func (c *Controller) HandleStopped() {
	c.mu.Lock()
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	fn := c.setLocked(Idle)
	c.mu.Unlock()
	notify(fn, Idle)
	c.logger.Info("[SCAN] scan stopped")
}

// Stop asks the adapter to end a running scan early. The transition to Idle
// follows the resulting stop event.
func (c *Controller) Stop(ctx context.Context) error {
	if c.State() != Scanning {
		return nil
	}
	if err := c.adapter.StopScan(ctx); err != nil {
		return fmt.Errorf("scan: stop: %w", err)
	}
	return nil
}

// Close disarms the watchdog.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Controller) armLocked(gen uint64) {
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = time.AfterFunc(c.opts.Duration+c.opts.WatchdogGrace, func() {
		c.expire(gen)
	})
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Scanning {
		c.mu.Unlock()
		return
	}
	c.watchdog = nil
	fn := c.setLocked(Idle)
	c.mu.Unlock()
	notify(fn, Idle)
	c.logger.Warn("[SCAN] no stop event from adapter, timing scan out")
}

func (c *Controller) setLocked(s State) func(State) {
	c.state = s
	return c.onChange
}

func notify(fn func(State), s State) {
	if fn != nil {
		fn(s)
	}
}
