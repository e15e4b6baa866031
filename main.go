package main

import (
	"flag"
	"log"
	"time"

	"github.com/godbus/dbus/v5"
	probing "github.com/prometheus-community/pro-bing"

	"github.com/postman721/Blue-Pulse/audio"
	"github.com/postman721/Blue-Pulse/bluetooth"
	"github.com/postman721/Blue-Pulse/server"
	"github.com/postman721/Blue-Pulse/utils"
)

const (
	networkCheckInterval = 5 * time.Second
	networkFailThreshold = 3
)

// networkChecker pings host and broadcasts online/offline transitions.
// A single lost ping is not enough to flip the state.
func networkChecker(host string, wsHub *utils.WebSocketHub) {
	failCount := 0
	online := false

	for {
		pinger, err := probing.NewPinger(host)
		if err != nil {
			log.Printf("Failed to create pinger: %v", err)
			time.Sleep(networkCheckInterval)
			continue
		}
		pinger.Count = 1
		pinger.Timeout = time.Second
		pinger.SetPrivileged(true)

		err = pinger.Run()
		if err == nil && pinger.Statistics().PacketsRecv > 0 {
			failCount = 0
			if !online {
				online = true
				wsHub.Broadcast(utils.WebSocketEvent{
					Type:    "network_status",
					Payload: map[string]string{"status": "online"},
				})
			}
		} else {
			failCount++
			if failCount >= networkFailThreshold && online {
				online = false
				wsHub.Broadcast(utils.WebSocketEvent{
					Type:    "network_status",
					Payload: map[string]string{"status": "offline"},
				})
			}
		}

		time.Sleep(networkCheckInterval)
	}
}

// connectSystemBus retries because BlueZ may still be starting when we are
// launched at boot.
func connectSystemBus() *dbus.Conn {
	for i := 0; i < 10; i++ {
		conn, err := dbus.ConnectSystemBus()
		if err == nil {
			return conn
		}
		log.Printf("Failed to connect to system bus (attempt %d/10): %v", i+1, err)
		time.Sleep(3 * time.Second)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", "", "listen address, overrides config")
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	wsHub := utils.NewWebSocketHub()

	prefsPath := cfg.PrefsPath
	if prefsPath == "" {
		prefsPath = utils.DefaultPrefsPath()
	}
	prefs := utils.NewPrefs(prefsPath)

	audioClient := audio.NewClient(cfg.PactlBinary)

	var orchestrator *bluetooth.Orchestrator
	conn := connectSystemBus()
	if conn == nil {
		log.Println("System bus unavailable, continuing without Bluetooth")
	} else {
		defer conn.Close()

		if err := bluetooth.RegisterAgent(conn); err != nil {
			log.Printf("Failed to register pairing agent: %v", err)
		} else {
			defer bluetooth.UnregisterAgent(conn)
		}

		dir := bluetooth.NewDirectory(conn)
		orchestrator = bluetooth.NewOrchestrator(dir, audioClient, wsHub, prefs, cfg.Timings())
		if err := orchestrator.Start(); err != nil {
			log.Printf("Failed to start Bluetooth orchestrator: %v", err)
			orchestrator = nil
		} else {
			defer orchestrator.Stop()
		}
	}

	go networkChecker(cfg.PingHost, wsHub)

	srv := server.NewServer(cfg.Listen, audioClient, orchestrator, wsHub)
	srv.Start()
}
