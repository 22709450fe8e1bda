//go:build linux

package ble

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus              = "org.bluez"
	bluezAdapterPath      = "/org/bluez/hci0"
	bluezAdapter1         = "org.bluez.Adapter1"
	bluezDevice1          = "org.bluez.Device1"
	dbusPropertiesGet     = "org.freedesktop.DBus.Properties.Get"
	dbusGetManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects:
// object path -> interface -> property -> value.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// checkPowered asks BlueZ whether the default controller is powered. tinygo
// enables the adapter without powering it, so a radio switched off in the
// desktop would otherwise surface as an opaque scan or connect error.
func checkPowered() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect to system bus: %w: %w", ErrAdapterUnavailable, err)
	}

	var v dbus.Variant
	obj := conn.Object(bluezBus, bluezAdapterPath)
	if err := obj.Call(dbusPropertiesGet, 0, bluezAdapter1, "Powered").Store(&v); err != nil {
		return fmt.Errorf("ble: read %s Powered: %w: %w", bluezAdapterPath, ErrAdapterUnavailable, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return fmt.Errorf("ble: %s Powered is %T, not bool", bluezAdapterPath, v.Value())
	}
	if !powered {
		return fmt.Errorf("ble: %s is powered off: %w", bluezAdapterPath, ErrAdapterUnavailable)
	}
	return nil
}

// systemConnected lists the devices BlueZ reports as connected on the
// default controller, including links opened by other processes.
func systemConnected(serviceUUIDs []string) ([]Peripheral, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := conn.Object(bluezBus, "/").Call(dbusGetManagedObjects, 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("ble: list bluez objects: %w", err)
	}
	return connectedDevices(managedObjects(objs), serviceUUIDs), nil
}

// systemDisconnect asks BlueZ to drop the link to id.
func systemDisconnect(id string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect to system bus: %w", err)
	}
	obj := conn.Object(bluezBus, deviceObjectPath(id))
	if err := obj.Call(bluezDevice1+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("ble: bluez disconnect %s: %w", id, err)
	}
	return nil
}

func connectedDevices(objs managedObjects, serviceUUIDs []string) []Peripheral {
	var out []Peripheral
	for path, ifaces := range objs {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), bluezAdapterPath+"/dev_") {
			continue
		}
		if connected, _ := props["Connected"].Value().(bool); !connected {
			continue
		}
		if len(serviceUUIDs) > 0 {
			uuids, _ := props["UUIDs"].Value().([]string)
			if !containsAny(uuids, serviceUUIDs) {
				continue
			}
		}

		id, _ := props["Address"].Value().(string)
		if id == "" {
			id = macFromPath(path)
		}
		name, _ := props["Name"].Value().(string)
		p := Peripheral{ID: id, Name: name}
		if rssi, ok := props["RSSI"].Value().(int16); ok {
			p.Advertisement.RSSI = int(rssi)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// deviceObjectPath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(addr string) dbus.ObjectPath {
	return dbus.ObjectPath(bluezAdapterPath + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

func macFromPath(path dbus.ObjectPath) string {
	s := strings.TrimPrefix(string(path), bluezAdapterPath+"/dev_")
	return strings.ReplaceAll(s, "_", ":")
}
