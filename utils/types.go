package utils

// Bluetooth
type BluetoothDeviceInfo struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Paired    bool   `json:"paired"`
	Trusted   bool   `json:"trusted"`
	Connected bool   `json:"connected"`
}

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type DeviceFoundPayload struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type ScanFinishedPayload struct {
	Devices map[string]string `json:"devices"`
	Error   string            `json:"error,omitempty"`
}

type PairResultPayload struct {
	Address string `json:"address"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ProfilePendingPayload struct {
	Address string `json:"address"`
	Card    string `json:"card"`
	Profile string `json:"profile"`
}

type DefaultSetPayload struct {
	Address string `json:"address"`
	Sink    string `json:"sink,omitempty"`
	Source  string `json:"source,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
