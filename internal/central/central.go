// Package central is the presentation-facing entry point. It wires the
// adapter's events into the peripheral registry and scan controller, exposes
// the user actions, and fans state changes out to observers.
package central

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/blemanager/internal/ble"
	"github.com/chaz8081/blemanager/internal/connection"
	"github.com/chaz8081/blemanager/internal/dispatch"
	"github.com/chaz8081/blemanager/internal/peripheral"
	"github.com/chaz8081/blemanager/internal/scan"
)

// Options configures a Central.
type Options struct {
	Adapter    ble.StartOptions
	Scan       scan.Options
	Connection connection.Options
}

// Central owns the registry and the components that mutate it.
type Central struct {
	adapter    ble.Adapter
	registry   *peripheral.Registry
	scanner    *scan.Controller
	coord      *connection.Coordinator
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     *slog.Logger

	obsMu   sync.RWMutex
	nextID  atomic.Uint64
	changes map[uint64]func()
	values  map[uint64]func(ble.CharacteristicValue)
	errs    map[uint64]func(error)

	startMu sync.Mutex
	started bool

	closeOnce sync.Once
}

// New builds a Central around adapter and takes ownership of it: Close closes
// the adapter too.
func New(adapter ble.Adapter, opts Options, logger *slog.Logger) *Central {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Central{
		adapter:  adapter,
		registry: peripheral.NewRegistry(),
		opts:     opts,
		logger:   logger,
		changes:  make(map[uint64]func()),
		values:   make(map[uint64]func(ble.CharacteristicValue)),
		errs:     make(map[uint64]func(error)),
	}
	c.scanner = scan.NewController(adapter, opts.Scan, logger)
	c.coord = connection.New(adapter, c.registry, opts.Connection, logger)

	c.registry.OnChange(c.notifyChange)
	c.scanner.OnChange(func(scan.State) { c.notifyChange() })
	c.coord.OnEnrichmentError(c.notifyError)

	c.dispatcher = dispatch.New(adapter.Events(), dispatch.Handlers{
		Discovered:   c.registry.UpsertDiscovered,
		ScanStopped:  c.scanner.HandleStopped,
		Disconnected: c.handleDisconnected,
		ValueUpdated: c.handleValue,
	}, logger)
	return c
}

// Start initializes the adapter, begins routing its events and loads the
// peripherals that are already connected. Calls after a successful Start
// are no-ops; a failed Start may be retried.
func (c *Central) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}
	if err := c.adapter.Start(ctx, c.opts.Adapter); err != nil {
		return fmt.Errorf("central: start adapter: %w", err)
	}
	c.started = true
	c.dispatcher.Start()
	c.logger.Info("[CENTRAL] adapter started")

	if _, err := c.RefreshConnectedPeripherals(ctx); err != nil {
		c.logger.Warn("[CENTRAL] initial connected peripherals lookup failed", "error", err)
		c.notifyError(err)
	}
	return nil
}

// Snapshot returns the known peripherals in discovery order.
func (c *Central) Snapshot() []peripheral.Record {
	return c.registry.Snapshot()
}

// ScanState returns the current scan lifecycle state.
func (c *Central) ScanState() scan.State {
	return c.scanner.State()
}

// RequestScan starts a timed scan. It returns false when a scan is already
// running. Rejections wrap ble.ErrScanRejected.
func (c *Central) RequestScan(ctx context.Context) (bool, error) {
	return c.scanner.Start(ctx)
}

// ToggleConnection connects or disconnects a known peripheral.
func (c *Central) ToggleConnection(ctx context.Context, id string) (connection.Action, error) {
	return c.coord.Toggle(ctx, id)
}

// RefreshConnectedPeripherals merges the adapter's list of already connected
// peripherals into the registry and returns how many were reported.
func (c *Central) RefreshConnectedPeripherals(ctx context.Context) (int, error) {
	ps, err := c.adapter.ConnectedPeripherals(ctx, c.opts.Scan.ServiceUUIDs)
	if err != nil {
		return 0, fmt.Errorf("central: connected peripherals: %w", err)
	}
	if len(ps) == 0 {
		c.logger.Info("[CENTRAL] no connected peripherals")
		return 0, nil
	}
	c.registry.UpsertConnected(ps)
	c.logger.Info("[CENTRAL] connected peripherals loaded", "count", len(ps))
	return len(ps), nil
}

// OnChange registers fn to run after any registry or scan state change.
func (c *Central) OnChange(fn func()) (unsubscribe func()) {
	id := c.nextID.Add(1)
	c.obsMu.Lock()
	c.changes[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.changes, id)
		c.obsMu.Unlock()
	}
}

// OnCharacteristicValue registers fn for characteristic notifications.
func (c *Central) OnCharacteristicValue(fn func(ble.CharacteristicValue)) (unsubscribe func()) {
	id := c.nextID.Add(1)
	c.obsMu.Lock()
	c.values[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.values, id)
		c.obsMu.Unlock()
	}
}

// OnError registers fn for failures that have no caller to return to, such
// as post-connect enrichment.
func (c *Central) OnError(fn func(error)) (unsubscribe func()) {
	id := c.nextID.Add(1)
	c.obsMu.Lock()
	c.errs[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.errs, id)
		c.obsMu.Unlock()
	}
}

// Close stops event routing, cancels enrichment and closes the adapter.
func (c *Central) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.dispatcher.Stop()
		c.coord.Close()
		c.scanner.Close()
		if cerr := c.adapter.Close(); cerr != nil {
			err = fmt.Errorf("central: close adapter: %w", cerr)
		}
		c.logger.Info("[CENTRAL] closed")
	})
	return err
}

func (c *Central) handleDisconnected(id string) {
	c.coord.DisconnectConfirmed(id)
	if !c.registry.MarkDisconnected(id) {
		c.logger.Debug("[CENTRAL] disconnect for unknown or idle peripheral ignored", "id", id)
		return
	}
	c.logger.Info("[CENTRAL] disconnected", "id", id)
}

func (c *Central) handleValue(v ble.CharacteristicValue) {
	c.logger.Info("[CENTRAL] characteristic updated",
		"id", v.PeripheralID,
		"characteristic", v.Characteristic,
		"bytes", len(v.Value),
	)
	c.obsMu.RLock()
	fns := make([]func(ble.CharacteristicValue), 0, len(c.values))
	for _, fn := range c.values {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()
	for _, fn := range fns {
		safeCall(c.logger, "characteristic", func() { fn(v) })
	}
}

func (c *Central) notifyChange() {
	c.obsMu.RLock()
	fns := make([]func(), 0, len(c.changes))
	for _, fn := range c.changes {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()
	for _, fn := range fns {
		safeCall(c.logger, "change", fn)
	}
}

func (c *Central) notifyError(err error) {
	c.obsMu.RLock()
	fns := make([]func(error), 0, len(c.errs))
	for _, fn := range c.errs {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()
	for _, fn := range fns {
		safeCall(c.logger, "error", func() { fn(err) })
	}
}

func safeCall(logger *slog.Logger, kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[CENTRAL] observer panicked", "observer", kind, "panic", r)
		}
	}()
	fn()
}
