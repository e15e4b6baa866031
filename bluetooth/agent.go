package bluetooth

import (
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"
)

// Agent answers BlueZ pairing requests without user interaction so that
// headless pairing can complete. Every request is accepted and PIN
// requests get the fixed headset code.
type Agent struct{}

func (a *Agent) Release() *dbus.Error {
	log.Println("Pairing agent released")
	return nil
}

func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	log.Printf("Authorizing service %s for %s", uuid, device)
	return nil
}

func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	log.Printf("PIN code requested for %s", device)
	return AGENT_PIN_CODE, nil
}

func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	log.Printf("Passkey %06d for %s", passkey, device)
	return nil
}

func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	log.Printf("PIN code %s for %s", pincode, device)
	return nil
}

func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	log.Printf("Confirming passkey %06d for %s", passkey, device)
	return nil
}

func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	log.Printf("Authorizing connection from %s", device)
	return nil
}

func (a *Agent) Cancel() *dbus.Error {
	log.Println("Pairing request cancelled")
	return nil
}

// RegisterAgent exports the agent on conn and makes it the default pairing
// responder. An agent already registered at the path counts as success.
func RegisterAgent(conn *dbus.Conn) error {
	if err := conn.Export(&Agent{}, BLUEZ_AGENT_PATH, BLUEZ_AGENT_INTERFACE); err != nil {
		return fmt.Errorf("export agent: %w", err)
	}
	manager := conn.Object(BLUEZ_BUS_NAME, BLUEZ_OBJECT_PATH)
	call := manager.Call(BLUEZ_AGENT_MANAGER+".RegisterAgent", 0, dbus.ObjectPath(BLUEZ_AGENT_PATH), AGENT_CAPABILITY)
	if call.Err != nil && !IsAlreadyExists(call.Err) {
		return fmt.Errorf("RegisterAgent: %w", call.Err)
	}
	if call := manager.Call(BLUEZ_AGENT_MANAGER+".RequestDefaultAgent", 0, dbus.ObjectPath(BLUEZ_AGENT_PATH)); call.Err != nil {
		log.Printf("RequestDefaultAgent: %v", call.Err)
	}
	log.Println("Pairing agent registered")
	return nil
}

// UnregisterAgent removes the exported agent on shutdown.
func UnregisterAgent(conn *dbus.Conn) {
	manager := conn.Object(BLUEZ_BUS_NAME, BLUEZ_OBJECT_PATH)
	if call := manager.Call(BLUEZ_AGENT_MANAGER+".UnregisterAgent", 0, dbus.ObjectPath(BLUEZ_AGENT_PATH)); call.Err != nil {
		log.Printf("UnregisterAgent: %v", call.Err)
	}
}
