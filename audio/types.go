package audio

// Device is one sink or source as reported by pactl.
type Device struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Volume      int    `json:"volume"`
	Muted       bool   `json:"muted"`
}

// Card groups the switchable profiles of one audio adapter. The "off"
// profile key is the powered-down state.
type Card struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Profiles      map[string]string `json:"profiles"`
	ActiveProfile string            `json:"active_profile"`
}

// Snapshot is one consistent read of the sound server state. It is
// superseded wholesale by the next read.
type Snapshot struct {
	DefaultSink   string   `json:"default_sink"`
	DefaultSource string   `json:"default_source"`
	Sinks         []Device `json:"sinks"`
	Sources       []Device `json:"sources"`
}
