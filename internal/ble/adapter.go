// Package ble defines the port between the peripheral core and a BLE radio
// stack: the Adapter interface, the typed events an adapter emits, and the
// error categories shared by everything above it.
package ble

import (
	"context"
	"time"
)

// StartOptions configures one-time adapter initialization.
type StartOptions struct {
	// ShowAlert lets the platform show its native "enable Bluetooth" prompt.
	ShowAlert bool
}

// Advertisement holds adapter-supplied discovery metadata. The core passes it
// through to the presentation layer without interpreting it.
type Advertisement struct {
	RSSI             int               // signal strength of the advertising packet
	ManufacturerData map[uint16][]byte // keyed by company ID
}

// Peripheral is a BLE device as reported by the adapter.
type Peripheral struct {
	ID            string // hardware address or platform UUID
	Name          string // empty when the device advertises none
	Advertisement Advertisement
}

// Services is the result of a service lookup on a connected peripheral.
type Services struct {
	PeripheralID    string
	ServiceUUIDs    []string
	Characteristics map[string][]string // service UUID -> characteristic UUIDs
}

// Adapter abstracts the BLE radio so the core can run against real hardware
// or a scripted fake. Methods that talk to the radio block until the request
// is accepted or rejected; their outcomes that arrive later (discoveries,
// scan end, link loss) are delivered on Events.
type Adapter interface {
	// Start initializes the adapter. Call once before anything else.
	Start(ctx context.Context, opts StartOptions) error
	// Scan starts a timed scan. It returns once the request is accepted and
	// emits EventScanStopped when the scan ends.
	Scan(ctx context.Context, serviceUUIDs []string, duration time.Duration, allowDuplicates bool) error
	// StopScan ends a running scan early.
	StopScan(ctx context.Context) error
	// Connect establishes a link and returns once the adapter confirms it.
	Connect(ctx context.Context, id string) error
	// Disconnect requests link teardown. Completion is signalled by
	// EventPeripheralDisconnected.
	Disconnect(ctx context.Context, id string) error
	// ConnectedPeripherals lists peripherals the adapter currently holds a
	// link to, optionally filtered by advertised service.
	ConnectedPeripherals(ctx context.Context, serviceUUIDs []string) ([]Peripheral, error)
	// RetrieveServices discovers the GATT services of a connected peripheral.
	RetrieveServices(ctx context.Context, id string) (Services, error)
	// ReadRSSI reads the signal strength of a connected peripheral.
	ReadRSSI(ctx context.Context, id string) (int, error)
	// Events returns the adapter's event stream. There is a single stream per
	// adapter; it is closed by Close.
	Events() <-chan Event
	// Close releases the radio and closes the event stream.
	Close() error
}
