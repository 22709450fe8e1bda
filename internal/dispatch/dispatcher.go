// Package dispatch routes adapter events to the component that owns each
// kind of state change.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/blemanager/internal/ble"
)

// Handlers holds one route per event kind. Nil routes drop their events.
type Handlers struct {
	Discovered   func(ble.Peripheral)
	ScanStopped  func()
	Disconnected func(id string)
	ValueUpdated func(ble.CharacteristicValue)
}

// Dispatcher consumes an adapter's event stream on a single goroutine.
type Dispatcher struct {
	events <-chan ble.Event
	logger *slog.Logger

	mu       sync.Mutex
	handlers Handlers
	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a dispatcher reading from events.
func New(events <-chan ble.Event, h Handlers, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		events:   events,
		logger:   logger,
		handlers: h,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the routing loop. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	go d.loop()
}

// Stop removes every route and waits for the loop to exit. No handler runs
// after Stop returns.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.mu.Lock()
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.done
		}
		d.mu.Lock()
		d.handlers = Handlers{}
		d.mu.Unlock()
	})
}

// Done is closed when the loop exits, either through Stop or because the
// event stream was closed.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		// Checked first so a busy stream cannot starve Stop.
		select {
		case <-d.stop:
			return
		default:
		}

		select {
		case <-d.stop:
			return
		case ev, ok := <-d.events:
			if !ok {
				d.logger.Info("[DISPATCH] event stream closed")
				return
			}
			d.route(ev)
		}
	}
}

func (d *Dispatcher) route(ev ble.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("[DISPATCH] handler panicked", "event", ev.Kind.String(), "panic", r)
		}
	}()

	d.mu.Lock()
	h := d.handlers
	d.mu.Unlock()

	switch ev.Kind {
	case ble.EventPeripheralDiscovered:
		if h.Discovered != nil {
			h.Discovered(ev.Peripheral)
		}
	case ble.EventScanStopped:
		if h.ScanStopped != nil {
			h.ScanStopped()
		}
	case ble.EventPeripheralDisconnected:
		if h.Disconnected != nil {
			h.Disconnected(ev.PeripheralID)
		}
	case ble.EventCharacteristicValueUpdated:
		if h.ValueUpdated != nil {
			h.ValueUpdated(ev.Value)
		}
	default:
		d.logger.Warn("[DISPATCH] unknown event dropped", "kind", int(ev.Kind))
	}
}
