//go:build !linux

package ble

import "fmt"

// checkPowered is a no-op where the platform reports a disabled radio
// through the driver itself.
func checkPowered() error { return nil }

// systemConnected has no source outside Linux: tinygo's CoreBluetooth and
// WinRT backends do not expose links opened by other processes.
func systemConnected([]string) ([]Peripheral, error) { return nil, nil }

func systemDisconnect(id string) error {
	return fmt.Errorf("ble: disconnect %s: %w", id, ErrUnknownPeripheral)
}
