// Package bletest provides a scripted in-memory ble.Adapter for tests.
package bletest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/blemanager/internal/ble"
)

// ScanRequest records the arguments of one Scan call.
type ScanRequest struct {
	ServiceUUIDs    []string
	Duration        time.Duration
	AllowDuplicates bool
}

// Adapter is a fake ble.Adapter. Results are scripted through its exported
// fields, which must be set before the adapter is handed to the code under
// test. Events are injected with Emit.
type Adapter struct {
	StartErr      error
	ScanErr       error
	ConnectErr    map[string]error
	DisconnectErr map[string]error
	ServicesErr   map[string]error
	RSSI          map[string]int
	RSSIErr       map[string]error
	Connected     []ble.Peripheral

	// EmitOnDisconnect makes a successful Disconnect emit the matching
	// EventPeripheralDisconnected, as real stacks do.
	EmitOnDisconnect bool

	mu           sync.Mutex
	started      []ble.StartOptions
	scans        []ScanRequest
	stopScans    int
	connects     []string
	disconnects  []string
	serviceReads []string
	rssiReads    []string
	gate         chan struct{}
	entered      chan string

	events    chan ble.Event
	closeOnce sync.Once
}

// New creates a fake adapter with an event buffer large enough for tests.
func New() *Adapter {
	return &Adapter{
		ConnectErr:       make(map[string]error),
		DisconnectErr:    make(map[string]error),
		ServicesErr:      make(map[string]error),
		RSSI:             make(map[string]int),
		RSSIErr:          make(map[string]error),
		EmitOnDisconnect: true,
		events:           make(chan ble.Event, 256),
	}
}

var _ ble.Adapter = (*Adapter)(nil)

// HoldConnect makes subsequent Connect and Disconnect calls block until the
// returned release function is called. Each blocked call announces its
// peripheral ID on Entered.
func (a *Adapter) HoldConnect() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.gate = gate
	a.entered = make(chan string, 16)
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.gate = nil
			a.mu.Unlock()
			close(gate)
		})
	}
}

// Entered returns the channel on which held calls announce themselves.
func (a *Adapter) Entered() <-chan string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entered
}

// Emit injects an event into the stream.
func (a *Adapter) Emit(ev ble.Event) {
	a.events <- ev
}

func (a *Adapter) Start(_ context.Context, opts ble.StartOptions) error {
	a.mu.Lock()
	a.started = append(a.started, opts)
	a.mu.Unlock()
	return a.StartErr
}

func (a *Adapter) Scan(_ context.Context, serviceUUIDs []string, duration time.Duration, allowDuplicates bool) error {
	a.mu.Lock()
	a.scans = append(a.scans, ScanRequest{
		ServiceUUIDs:    serviceUUIDs,
		Duration:        duration,
		AllowDuplicates: allowDuplicates,
	})
	a.mu.Unlock()
	return a.ScanErr
}

func (a *Adapter) StopScan(_ context.Context) error {
	a.mu.Lock()
	a.stopScans++
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Connect(ctx context.Context, id string) error {
	a.mu.Lock()
	a.connects = append(a.connects, id)
	a.mu.Unlock()
	if err := a.wait(ctx, id); err != nil {
		return err
	}
	if err := a.ConnectErr[id]; err != nil {
		return err
	}
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context, id string) error {
	a.mu.Lock()
	a.disconnects = append(a.disconnects, id)
	a.mu.Unlock()
	if err := a.wait(ctx, id); err != nil {
		return err
	}
	if err := a.DisconnectErr[id]; err != nil {
		return err
	}
	if a.EmitOnDisconnect {
		a.Emit(ble.Disconnected(id))
	}
	return nil
}

func (a *Adapter) ConnectedPeripherals(_ context.Context, _ []string) ([]ble.Peripheral, error) {
	out := make([]ble.Peripheral, len(a.Connected))
	copy(out, a.Connected)
	return out, nil
}

func (a *Adapter) RetrieveServices(_ context.Context, id string) (ble.Services, error) {
	a.mu.Lock()
	a.serviceReads = append(a.serviceReads, id)
	a.mu.Unlock()
	if err := a.ServicesErr[id]; err != nil {
		return ble.Services{}, err
	}
	return ble.Services{PeripheralID: id, ServiceUUIDs: []string{"180f"}}, nil
}

func (a *Adapter) ReadRSSI(_ context.Context, id string) (int, error) {
	a.mu.Lock()
	a.rssiReads = append(a.rssiReads, id)
	a.mu.Unlock()
	if err := a.RSSIErr[id]; err != nil {
		return 0, err
	}
	v, ok := a.RSSI[id]
	if !ok {
		return 0, fmt.Errorf("bletest: no rssi scripted for %s", id)
	}
	return v, nil
}

func (a *Adapter) Events() <-chan ble.Event {
	return a.events
}

// Close closes the event stream. Emit must not be called afterwards.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.events) })
	return nil
}

// Scans returns the recorded Scan calls.
func (a *Adapter) Scans() []ScanRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ScanRequest(nil), a.scans...)
}

// StopScans returns the number of StopScan calls.
func (a *Adapter) StopScans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopScans
}

// Starts returns the recorded Start calls.
func (a *Adapter) Starts() []ble.StartOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ble.StartOptions(nil), a.started...)
}

// Connects returns the IDs passed to Connect, in call order.
func (a *Adapter) Connects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.connects...)
}

// Disconnects returns the IDs passed to Disconnect, in call order.
func (a *Adapter) Disconnects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.disconnects...)
}

// ServiceReads returns the IDs passed to RetrieveServices, in call order.
func (a *Adapter) ServiceReads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.serviceReads...)
}

// RSSIReads returns the IDs passed to ReadRSSI, in call order.
func (a *Adapter) RSSIReads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.rssiReads...)
}

func (a *Adapter) wait(ctx context.Context, id string) error {
	a.mu.Lock()
	gate, entered := a.gate, a.entered
	a.mu.Unlock()
	if gate == nil {
		return nil
	}
	entered <- id
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
