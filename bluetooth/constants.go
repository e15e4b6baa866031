package bluetooth

const (
	BLUEZ_BUS_NAME          = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE  = "org.bluez.Device1"
	BLUEZ_AGENT_INTERFACE   = "org.bluez.Agent1"
	BLUEZ_AGENT_MANAGER     = "org.bluez.AgentManager1"
	BLUEZ_OBJECT_PATH       = "/org/bluez"
	BLUEZ_AGENT_PATH        = "/blue/pulse/agent"

	OBJECT_MANAGER_INTERFACE = "org.freedesktop.DBus.ObjectManager"
	PROPERTIES_INTERFACE     = "org.freedesktop.DBus.Properties"

	ERROR_ALREADY_EXISTS = "org.bluez.Error.AlreadyExists"
)

// Agent registration
const (
	AGENT_CAPABILITY = "NoInputNoOutput"
	AGENT_PIN_CODE   = "0000"
)
