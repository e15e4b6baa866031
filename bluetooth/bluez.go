package bluetooth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/postman721/Blue-Pulse/utils"
)

// managedObjects is the shape BlueZ's ObjectManager returns: object path to
// interface name to property bag.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Directory reads and mutates the live BlueZ object graph over the system
// bus. Every enumeration is a full re-read; BlueZ is always the source of
// truth, never a local cache.
type Directory struct {
	conn *dbus.Conn
}

func NewDirectory(conn *dbus.Conn) *Directory {
	return &Directory{conn: conn}
}

func (d *Directory) getManagedObjects() (managedObjects, error) {
	var objects managedObjects
	obj := d.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(OBJECT_MANAGER_INTERFACE+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}
	return objects, nil
}

// FindAdapterPath returns the first object exposing the adapter interface.
func (d *Directory) FindAdapterPath() (dbus.ObjectPath, error) {
	objects, err := d.getManagedObjects()
	if err != nil {
		return "", err
	}
	for path, ifaces := range objects {
		if _, ok := ifaces[BLUEZ_ADAPTER_INTERFACE]; ok {
			return path, nil
		}
	}
	return "", errors.New("no Bluetooth adapter found")
}

// FindDevicePath resolves a device address to its object path.
func (d *Directory) FindDevicePath(address string) (dbus.ObjectPath, bool, error) {
	objects, err := d.getManagedObjects()
	if err != nil {
		return "", false, err
	}
	for path, ifaces := range objects {
		props, ok := ifaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		if strings.EqualFold(variantString(props, "Address"), address) {
			return path, true, nil
		}
	}
	return "", false, nil
}

// ListDevices enumerates every device currently known to BlueZ.
func (d *Directory) ListDevices() ([]utils.BluetoothDeviceInfo, error) {
	objects, err := d.getManagedObjects()
	if err != nil {
		return nil, err
	}
	var devices []utils.BluetoothDeviceInfo
	for _, ifaces := range objects {
		props, ok := ifaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		address := variantString(props, "Address")
		if address == "" {
			continue
		}
		name := variantString(props, "Name")
		if name == "" {
			name = variantString(props, "Alias")
		}
		if name == "" {
			name = address
		}
		devices = append(devices, utils.BluetoothDeviceInfo{
			Address:   address,
			Name:      name,
			Paired:    variantBool(props, "Paired"),
			Trusted:   variantBool(props, "Trusted"),
			Connected: variantBool(props, "Connected"),
		})
	}
	return devices, nil
}

// ListPaired returns address to display name for all paired devices.
func (d *Directory) ListPaired() (map[string]string, error) {
	devices, err := d.ListDevices()
	if err != nil {
		return nil, err
	}
	paired := make(map[string]string)
	for _, dev := range devices {
		if dev.Paired {
			paired[dev.Address] = dev.Name
		}
	}
	return paired, nil
}

// DeviceConnected reads the live Connected property of a device.
func (d *Directory) DeviceConnected(path dbus.ObjectPath) (bool, error) {
	obj := d.conn.Object(BLUEZ_BUS_NAME, path)
	var v dbus.Variant
	if err := obj.Call(PROPERTIES_INTERFACE+".Get", 0, BLUEZ_DEVICE_INTERFACE, "Connected").Store(&v); err != nil {
		return false, fmt.Errorf("get Connected: %w", err)
	}
	connected, _ := v.Value().(bool)
	return connected, nil
}

// SetTrusted marks a device as trusted so automatic reconnection is not
// blocked by a trust prompt.
func (d *Directory) SetTrusted(path dbus.ObjectPath, trusted bool) error {
	obj := d.conn.Object(BLUEZ_BUS_NAME, path)
	call := obj.Call(PROPERTIES_INTERFACE+".Set", 0, BLUEZ_DEVICE_INTERFACE, "Trusted", dbus.MakeVariant(trusted))
	if call.Err != nil {
		return fmt.Errorf("set Trusted: %w", call.Err)
	}
	return nil
}

func (d *Directory) Pair(path dbus.ObjectPath) error {
	obj := d.conn.Object(BLUEZ_BUS_NAME, path)
	return obj.Call(BLUEZ_DEVICE_INTERFACE+".Pair", 0).Err
}

func (d *Directory) Connect(path dbus.ObjectPath) error {
	obj := d.conn.Object(BLUEZ_BUS_NAME, path)
	return obj.Call(BLUEZ_DEVICE_INTERFACE+".Connect", 0).Err
}

// RemoveDevice unpairs a device. Removal goes through the adapter, not the
// device object itself.
func (d *Directory) RemoveDevice(adapter, device dbus.ObjectPath) error {
	obj := d.conn.Object(BLUEZ_BUS_NAME, adapter)
	return obj.Call(BLUEZ_ADAPTER_INTERFACE+".RemoveDevice", 0, device).Err
}

func (d *Directory) StartDiscovery(adapter dbus.ObjectPath) error {
	obj := d.conn.Object(BLUEZ_BUS_NAME, adapter)
	return obj.Call(BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Err
}

func (d *Directory) StopDiscovery(adapter dbus.ObjectPath) error {
	obj := d.conn.Object(BLUEZ_BUS_NAME, adapter)
	return obj.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Err
}

// SubscribePropertyChanges registers for PropertiesChanged signals under
// the BlueZ object tree and returns the delivery channel.
func (d *Directory) SubscribePropertyChanges() (chan *dbus.Signal, error) {
	rule := "type='signal',interface='" + PROPERTIES_INTERFACE + "',member='PropertiesChanged',path_namespace='" + BLUEZ_OBJECT_PATH + "'"
	if call := d.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return nil, fmt.Errorf("AddMatch: %w", call.Err)
	}
	ch := make(chan *dbus.Signal, 32)
	d.conn.Signal(ch)
	return ch, nil
}

// IsAlreadyExists reports whether err is BlueZ refusing an operation
// because the device is already paired.
func IsAlreadyExists(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == ERROR_ALREADY_EXISTS
	}
	return false
}

func variantString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func variantBool(props map[string]dbus.Variant, key string) bool {
	if v, ok := props[key]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}
