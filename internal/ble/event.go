package ble

import "fmt"

// EventKind identifies an asynchronous adapter notification.
type EventKind int

const (
	// EventPeripheralDiscovered carries a Peripheral seen during a scan.
	EventPeripheralDiscovered EventKind = iota + 1
	// EventScanStopped signals the end of a scan, by timeout or explicit stop.
	EventScanStopped
	// EventPeripheralDisconnected carries the ID of a peripheral whose link dropped.
	EventPeripheralDisconnected
	// EventCharacteristicValueUpdated carries a notification payload.
	EventCharacteristicValueUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventPeripheralDiscovered:
		return "peripheral_discovered"
	case EventScanStopped:
		return "scan_stopped"
	case EventPeripheralDisconnected:
		return "peripheral_disconnected"
	case EventCharacteristicValueUpdated:
		return "characteristic_value_updated"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// CharacteristicValue is a value notified by a connected peripheral.
type CharacteristicValue struct {
	PeripheralID   string
	Characteristic string // characteristic UUID
	Value          []byte
}

// Event is a single adapter notification. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind

	Peripheral   Peripheral          // EventPeripheralDiscovered
	PeripheralID string              // EventPeripheralDisconnected
	Value        CharacteristicValue // EventCharacteristicValueUpdated
}

// Discovered builds an EventPeripheralDiscovered.
func Discovered(p Peripheral) Event {
	return Event{Kind: EventPeripheralDiscovered, Peripheral: p}
}

// ScanStopped builds an EventScanStopped.
func ScanStopped() Event {
	return Event{Kind: EventScanStopped}
}

// Disconnected builds an EventPeripheralDisconnected.
func Disconnected(id string) Event {
	return Event{Kind: EventPeripheralDisconnected, PeripheralID: id}
}

// ValueUpdated builds an EventCharacteristicValueUpdated.
func ValueUpdated(id, characteristic string, value []byte) Event {
	return Event{
		Kind: EventCharacteristicValueUpdated,
		Value: CharacteristicValue{
			PeripheralID:   id,
			Characteristic: characteristic,
			Value:          value,
		},
	}
}
