package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// scanAcceptWindow is how long Scan waits for the driver to fail before it
// treats the request as accepted. tinygo's Scan blocks for the whole scan, so
// an immediate rejection (radio off, busy) can only be told apart this way.
const scanAcceptWindow = 200 * time.Millisecond

const eventBuffer = 128

// TinyGoAdapter implements Adapter on top of tinygo-org/bluetooth, which
// drives CoreBluetooth on macOS and BlueZ on Linux.
//
// Peripheral IDs are the string form of bluetooth.Address: a MAC address on
// Linux, a CoreBluetooth UUID on macOS.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	scanning atomic.Bool
	scanWG   sync.WaitGroup

	// mu protects the maps below.
	mu          sync.Mutex
	connections map[string]bluetooth.Device
	names       map[string]string
	rssi        map[string]int
	services    map[string][]string

	// sendMu guards events against close while a send is in flight.
	sendMu    sync.RWMutex
	events    chan Event
	done      chan struct{}
	closed    bool
	closeOnce sync.Once
}

// NewTinyGoAdapter creates an adapter bound to the system default radio.
func NewTinyGoAdapter(logger *slog.Logger) *TinyGoAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		logger:      logger,
		connections: make(map[string]bluetooth.Device),
		names:       make(map[string]string),
		rssi:        make(map[string]int),
		services:    make(map[string][]string),
		events:      make(chan Event, eventBuffer),
		done:        make(chan struct{}),
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) Start(_ context.Context, opts StartOptions) error {
	if err := checkPowered(); err != nil {
		return err
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w: %w", ErrAdapterUnavailable, err)
	}
	if opts.ShowAlert {
		// No native prompt exists on the tinygo backends.
		a.logger.Debug("[BLE] show_alert has no effect on this platform")
	}

	// tinygo fires this with connected=false when a link drops, whether the
	// peripheral went away or we asked for it.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		if a.forget(id) {
			a.emit(Disconnected(id))
		}
	})

	a.logger.Info("[BLE] adapter enabled")
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUIDs []string, duration time.Duration, allowDuplicates bool) error {
	filters, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return err
	}
	if err := checkPowered(); err != nil {
		return err
	}
	if !a.scanning.CompareAndSwap(false, true) {
		return errors.New("ble: scan: already scanning")
	}

	errCh := make(chan error, 1)
	a.scanWG.Add(1)
	go func() {
		defer a.scanWG.Done()
		seen := make(map[string]bool)
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matchesAny(result, filters) {
				return
			}
			p := peripheralFromScan(result)
			if !allowDuplicates {
				if seen[p.ID] {
					return
				}
				seen[p.ID] = true
			}
			a.remember(p)
			a.emit(Discovered(p))
		})
		a.scanning.Store(false)
		errCh <- err
		a.emit(ScanStopped())
	}()

	stop := time.AfterFunc(duration, func() {
		if err := a.adapter.StopScan(); err != nil {
			a.logger.Debug("[BLE] stop scan after timeout", "error", err)
		}
	})

	select {
	case err := <-errCh:
		stop.Stop()
		if err != nil {
			return fmt.Errorf("ble: scan: %w", err)
		}
		return nil
	case <-time.After(scanAcceptWindow):
		return nil
	case <-ctx.Done():
		stop.Stop()
		_ = a.adapter.StopScan()
		return fmt.Errorf("ble: scan: %w", ctx.Err())
	}
}

func (a *TinyGoAdapter) StopScan(_ context.Context) error {
	if !a.scanning.Load() {
		return nil
	}
	if err := a.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) error {
	var addr bluetooth.Address
	addr.Set(id)
	key := addr.String()

	// tinygo's Connect blocks with its own timeout and cannot be cancelled.
	device, err := awaitConnect(ctx,
		func() (bluetooth.Device, error) {
			return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		},
		func(d bluetooth.Device) {
			a.logger.Warn("[BLE] connect completed after caller gave up, dropping link", "id", id)
			if err := d.Disconnect(); err != nil {
				a.logger.Warn("[BLE] drop abandoned link", "id", id, "error", err)
			}
		},
	)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", id, err)
	}

	a.mu.Lock()
	a.connections[key] = device
	a.mu.Unlock()
	return nil
}

// awaitConnect runs dial on its own goroutine and waits for it or ctx. When
// ctx wins, a connection that dial establishes later is passed to drop so
// the radio does not keep a link nobody tracks.
func awaitConnect[T any](ctx context.Context, dial func() (T, error), drop func(T)) (T, error) {
	type result struct {
		conn T
		err  error
	}
	var (
		mu        sync.Mutex
		abandoned bool
	)
	ch := make(chan result, 1)
	go func() {
		conn, err := dial()
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if err == nil {
				drop(conn)
			}
			return
		}
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		// dial may have finished between ctx firing and the flag being set.
		select {
		case r := <-ch:
			if r.err == nil {
				drop(r.conn)
			}
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}

func (a *TinyGoAdapter) Disconnect(_ context.Context, id string) error {
	a.mu.Lock()
	device, ok := a.connections[id]
	a.mu.Unlock()
	if !ok {
		// Connected by another process; only the OS stack can drop it.
		if err := systemDisconnect(id); err != nil {
			return err
		}
		a.emit(Disconnected(id))
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	// The connect handler may already have reported this link.
	if a.forget(id) {
		a.emit(Disconnected(id))
	}
	return nil
}

// ConnectedPeripherals merges the links this adapter opened with those the
// OS reports as connected (Linux only).
func (a *TinyGoAdapter) ConnectedPeripherals(_ context.Context, serviceUUIDs []string) ([]Peripheral, error) {
	system, err := systemConnected(serviceUUIDs)
	if err != nil {
		a.logger.Warn("[BLE] system connected peripherals unavailable", "error", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]bool)
	var out []Peripheral
	for id := range a.connections {
		if len(serviceUUIDs) > 0 && !containsAny(a.services[id], serviceUUIDs) {
			continue
		}
		seen[id] = true
		out = append(out, Peripheral{
			ID:            id,
			Name:          a.names[id],
			Advertisement: Advertisement{RSSI: a.rssi[id]},
		})
	}
	for _, p := range system {
		if seen[p.ID] {
			continue
		}
		if p.Name == "" {
			p.Name = a.names[p.ID]
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *TinyGoAdapter) RetrieveServices(_ context.Context, id string) (Services, error) {
	a.mu.Lock()
	device, ok := a.connections[id]
	a.mu.Unlock()
	if !ok {
		return Services{}, fmt.Errorf("ble: retrieve services %s: %w", id, ErrUnknownPeripheral)
	}

	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return Services{}, fmt.Errorf("ble: discover services: %w", err)
	}

	result := Services{
		PeripheralID:    id,
		Characteristics: make(map[string][]string, len(svcs)),
	}
	for _, svc := range svcs {
		svcUUID := svc.UUID().String()
		result.ServiceUUIDs = append(result.ServiceUUIDs, svcUUID)
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			a.logger.Debug("[BLE] discover characteristics", "service", svcUUID, "error", err)
			continue
		}
		for _, c := range chars {
			result.Characteristics[svcUUID] = append(result.Characteristics[svcUUID], c.UUID().String())
		}
	}

	a.mu.Lock()
	a.services[id] = result.ServiceUUIDs
	a.mu.Unlock()
	return result, nil
}

// ReadRSSI reports the most recent advertised RSSI for a connected
// peripheral. tinygo exposes no link-level RSSI read, so the value comes from
// the last scan that saw the device.
func (a *TinyGoAdapter) ReadRSSI(_ context.Context, id string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.connections[id]; !ok {
		return 0, fmt.Errorf("ble: read rssi %s: %w", id, ErrUnknownPeripheral)
	}
	rssi, ok := a.rssi[id]
	if !ok {
		return 0, fmt.Errorf("ble: read rssi %s: no signal sample", id)
	}
	return rssi, nil
}

func (a *TinyGoAdapter) Events() <-chan Event {
	return a.events
}

// Close stops any scan, drops all links and closes the event stream.
func (a *TinyGoAdapter) Close() error {
	a.closeOnce.Do(a.shutdown)
	return nil
}

func (a *TinyGoAdapter) shutdown() {
	if a.scanning.Load() {
		_ = a.adapter.StopScan()
	}

	a.mu.Lock()
	devices := make([]bluetooth.Device, 0, len(a.connections))
	for _, d := range a.connections {
		devices = append(devices, d)
	}
	a.connections = make(map[string]bluetooth.Device)
	a.mu.Unlock()
	for _, d := range devices {
		_ = d.Disconnect()
	}

	// Unblock senders, wait for the scan goroutine, then close the stream.
	close(a.done)
	a.scanWG.Wait()
	a.sendMu.Lock()
	a.closed = true
	close(a.events)
	a.sendMu.Unlock()
}

func (a *TinyGoAdapter) emit(ev Event) {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

// remember caches name and advertised RSSI for later lookups.
func (a *TinyGoAdapter) remember(p Peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p.Name != "" {
		a.names[p.ID] = p.Name
	}
	a.rssi[p.ID] = p.Advertisement.RSSI
}

// forget drops a tracked link and reports whether it was tracked.
func (a *TinyGoAdapter) forget(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.connections[id]; !ok {
		return false
	}
	delete(a.connections, id)
	return true
}

func peripheralFromScan(result bluetooth.ScanResult) Peripheral {
	p := Peripheral{
		ID:   result.Address.String(),
		Name: result.LocalName(),
		Advertisement: Advertisement{
			RSSI: int(result.RSSI),
		},
	}
	if md := result.ManufacturerData(); len(md) > 0 {
		p.Advertisement.ManufacturerData = make(map[uint16][]byte, len(md))
		for _, el := range md {
			p.Advertisement.ManufacturerData[el.CompanyID] = append([]byte(nil), el.Data...)
		}
	}
	return p
}

func parseUUIDs(ss []string) ([]bluetooth.UUID, error) {
	uuids := make([]bluetooth.UUID, 0, len(ss))
	for _, s := range ss {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID %q: %w", s, err)
		}
		uuids = append(uuids, u)
	}
	return uuids, nil
}

func matchesAny(result bluetooth.ScanResult, filters []bluetooth.UUID) bool {
	if len(filters) == 0 {
		return true
	}
	for _, u := range filters {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if sameUUID(h, w) {
				return true
			}
		}
	}
	return false
}

const bluetoothBaseUUID = "-0000-1000-8000-00805f9b34fb"

// sameUUID compares UUIDs case-insensitively, expanding 16- and 32-bit
// short forms onto the Bluetooth base UUID.
func sameUUID(a, b string) bool {
	return expandUUID(a) == expandUUID(b)
}

func expandUUID(u string) string {
	u = strings.ToLower(u)
	switch len(u) {
	case 4:
		return "0000" + u + bluetoothBaseUUID
	case 8:
		return u + bluetoothBaseUUID
	}
	return u
}
