package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postman721/Blue-Pulse/bluetooth"
)

// Config holds the daemon settings, loadable from a YAML file.
type Config struct {
	Listen                string `yaml:"listen"`
	PactlBinary           string `yaml:"pactl_binary"`
	PrefsPath             string `yaml:"prefs_path"`
	PingHost              string `yaml:"ping_host"`
	ScanDwellSeconds      int    `yaml:"scan_dwell_seconds"`
	ProfileTimeoutSeconds int    `yaml:"profile_timeout_seconds"`
}

func DefaultConfig() Config {
	return Config{
		Listen:                ":8080",
		PactlBinary:           "pactl",
		PingHost:              "1.1.1.1",
		ScanDwellSeconds:      10,
		ProfileTimeoutSeconds: 6,
	}
}

// LoadConfigFile reads path into a copy of the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := dec.Decode(new(struct{})); !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config %s: unexpected trailing document", path)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	if c.PactlBinary == "" {
		return errors.New("pactl_binary must not be empty")
	}
	if c.ScanDwellSeconds <= 0 {
		return errors.New("scan_dwell_seconds must be positive")
	}
	if c.ProfileTimeoutSeconds <= 0 {
		return errors.New("profile_timeout_seconds must be positive")
	}
	return nil
}

// Timings maps the config durations onto the orchestrator defaults.
func (c Config) Timings() bluetooth.Timings {
	t := bluetooth.DefaultTimings()
	t.ScanDwell = time.Duration(c.ScanDwellSeconds) * time.Second
	t.ProfileTotal = time.Duration(c.ProfileTimeoutSeconds) * time.Second
	return t
}
