// Package connection drives per-peripheral connect and disconnect requests
// and the best-effort enrichment (services, then RSSI) that follows a
// successful connect.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blemanager/internal/ble"
	"github.com/chaz8081/blemanager/internal/peripheral"
	"github.com/chaz8081/blemanager/internal/tracing"
)

// Action is what Toggle asked the adapter to do.
type Action int

const (
	ActionNone Action = iota
	ActionConnect
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionDisconnect:
		return "disconnect"
	default:
		return "none"
	}
}

// Options configures the coordinator.
type Options struct {
	// SettleDelay is the pause between a confirmed connect and the services
	// lookup, giving the link time to stabilize. Zero skips the pause.
	SettleDelay time.Duration
	// Timeout bounds each adapter request.
	Timeout time.Duration
}

// DefaultOptions returns the shipped settings.
func DefaultOptions() Options {
	return Options{
		SettleDelay: 900 * time.Millisecond,
		Timeout:     10 * time.Second,
	}
}

// Coordinator applies connect/disconnect requests to the registry. At most
// one request per peripheral is outstanding at a time. A disconnect stays
// outstanding until the adapter reports it (see DisconnectConfirmed) or the
// request timeout passes.
type Coordinator struct {
	adapter  ble.Adapter
	registry *peripheral.Registry
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	pending  map[string]*time.Timer // unconfirmed disconnects; nil until armed
	onError  func(error)
	closed   bool

	ctx    context.Context // parent of enrichment work, cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator.
func New(adapter ble.Adapter, registry *peripheral.Registry, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		adapter:  adapter,
		registry: registry,
		opts:     opts,
		logger:   logger,
		inflight: make(map[string]struct{}),
		pending:  make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnEnrichmentError registers fn to receive post-connect failures. Each error
// wraps ble.ErrEnrichmentFailed.
func (c *Coordinator) OnEnrichmentError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Toggle disconnects id if it is connected and connects it otherwise.
func (c *Coordinator) Toggle(ctx context.Context, id string) (Action, error) {
	release, err := c.acquire(id)
	if err != nil {
		return ActionNone, err
	}
	defer release()

	rec, ok := c.registry.Get(id)
	if !ok {
		return ActionNone, fmt.Errorf("connection: toggle %s: %w", id, ble.ErrUnknownPeripheral)
	}
	if rec.Connected {
		return ActionDisconnect, c.disconnect(ctx, id)
	}
	return ActionConnect, c.connect(ctx, id)
}

// Connect connects a known peripheral.
func (c *Coordinator) Connect(ctx context.Context, id string) error {
	release, err := c.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	if _, ok := c.registry.Get(id); !ok {
		return fmt.Errorf("connection: connect %s: %w", id, ble.ErrUnknownPeripheral)
	}
	return c.connect(ctx, id)
}

// Disconnect requests teardown of a known peripheral's link. The registry
// changes only when the adapter reports the disconnection.
func (c *Coordinator) Disconnect(ctx context.Context, id string) error {
	release, err := c.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	if _, ok := c.registry.Get(id); !ok {
		return fmt.Errorf("connection: disconnect %s: %w", id, ble.ErrUnknownPeripheral)
	}
	return c.disconnect(ctx, id)
}

// DisconnectConfirmed clears the outstanding disconnect for id once the
// adapter reports the link gone. It is a no-op when none is outstanding.
func (c *Coordinator) DisconnectConfirmed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.pending[id]; ok {
		if t != nil {
			t.Stop()
		}
		delete(c.pending, id)
	}
}

// Wait blocks until running enrichment sequences finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels pending enrichment and waits for it to unwind. Connects
// that complete after Close skip enrichment.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for id, t := range c.pending {
		if t != nil {
			t.Stop()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) acquire(id string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return nil, fmt.Errorf("connection: %s: %w", id, ble.ErrOperationInProgress)
	}
	if _, busy := c.pending[id]; busy {
		return nil, fmt.Errorf("connection: %s: disconnect not yet confirmed: %w", id, ble.ErrOperationInProgress)
	}
	c.inflight[id] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}, nil
}

func (c *Coordinator) connect(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "connection.connect", id)

	c.logger.Info("[CONNECT] connecting", "id", id)
	if err := c.adapter.Connect(ctx, id); err != nil {
		err = fmt.Errorf("connection: connect %s: %w: %w", id, ble.ErrConnectFailed, err)
		tracing.End(span, err)
		c.logger.Warn("[CONNECT] connect failed", "id", id, "error", err)
		return err
	}
	tracing.End(span, nil)

	c.registry.MarkConnected(id)
	c.logger.Info("[CONNECT] connected", "id", id)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("[CONNECT] closed, skipping enrichment", "id", id)
		return nil
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go c.enrich(id)
	return nil
}

func (c *Coordinator) disconnect(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "connection.disconnect", id)

	// Marked before the call: the adapter may report the disconnection
	// before Disconnect returns.
	c.mu.Lock()
	c.pending[id] = nil
	c.mu.Unlock()

	c.logger.Info("[CONNECT] disconnecting", "id", id)
	if err := c.adapter.Disconnect(ctx, id); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		err = fmt.Errorf("connection: disconnect %s: %w: %w", id, ble.ErrDisconnectFailed, err)
		tracing.End(span, err)
		c.logger.Warn("[CONNECT] disconnect failed", "id", id, "error", err)
		return err
	}
	tracing.End(span, nil)
	c.armPending(id)
	return nil
}

// armPending starts the expiry for an unconfirmed disconnect. A confirmation
// that already arrived leaves nothing to arm.
func (c *Coordinator) armPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok || c.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(c.opts.Timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pending[id] != t {
			return
		}
		delete(c.pending, id)
		c.logger.Warn("[CONNECT] disconnect not confirmed, releasing", "id", id, "after", c.opts.Timeout)
	})
	c.pending[id] = t
}

// enrich runs once per confirmed connect. Failures are reported but never
// roll back the connected flag.
func (c *Coordinator) enrich(id string) {
	defer c.wg.Done()

	ctx, span := tracing.StartSpan(c.ctx, "connection.enrich", id)
	err := c.runEnrichment(ctx, id)
	tracing.End(span, err)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		c.logger.Debug("[CONNECT] enrichment cancelled", "id", id)
		return
	}

	c.logger.Warn("[CONNECT] enrichment failed", "id", id, "error", err)
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Coordinator) runEnrichment(ctx context.Context, id string) error {
	if c.opts.SettleDelay > 0 {
		t := time.NewTimer(c.opts.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	services, err := c.adapter.RetrieveServices(reqCtx, id)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connection: retrieve services %s: %w: %w", id, ble.ErrEnrichmentFailed, err)
	}
	c.logger.Debug("[CONNECT] services retrieved", "id", id, "services", len(services.ServiceUUIDs))

	reqCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
	rssi, err := c.adapter.ReadRSSI(reqCtx, id)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connection: read rssi %s: %w: %w", id, ble.ErrEnrichmentFailed, err)
	}

	c.registry.SetRSSI(id, rssi)
	c.logger.Info("[CONNECT] rssi read", "id", id, "rssi", rssi)
	return nil
}
