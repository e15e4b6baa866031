package utils

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
)

type prefsData struct {
	LastBluetooth string `json:"last_bluetooth"`
}

// Prefs persists the handful of values that must survive a restart.
// IO faults are logged and swallowed; preferences are never worth
// crashing over.
type Prefs struct {
	mu   sync.Mutex
	path string
	data prefsData
}

// DefaultPrefsPath resolves the preference file location under
// XDG_CONFIG_HOME, falling back to ~/.config.
func DefaultPrefsPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "blue-pulse", "prefs.json")
}

// NewPrefs loads the preference file at path, starting empty when the
// file does not exist yet.
func NewPrefs(path string) *Prefs {
	p := &Prefs{path: path}
	p.load()
	return p
}

func (p *Prefs) load() {
	if p.path == "" {
		return
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Read preferences: %v", err)
		}
		return
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		log.Printf("Parse preferences: %v", err)
	}
}

func (p *Prefs) save() {
	if p.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		log.Printf("Create preferences directory: %v", err)
		return
	}
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		log.Printf("Encode preferences: %v", err)
		return
	}
	if err := os.WriteFile(p.path, raw, 0o644); err != nil {
		log.Printf("Write preferences: %v", err)
	}
}

// LastDevice returns the address of the last Bluetooth device that was
// promoted to the default audio route.
func (p *Prefs) LastDevice() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.LastBluetooth
}

func (p *Prefs) SetLastDevice(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data.LastBluetooth == address {
		return
	}
	p.data.LastBluetooth = address
	p.save()
}
