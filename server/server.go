package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postman721/Blue-Pulse/audio"
	"github.com/postman721/Blue-Pulse/bluetooth"
	"github.com/postman721/Blue-Pulse/utils"
)

// Server holds the dependencies for the HTTP control surface.
type Server struct {
	listen       string
	audio        *audio.Client
	orchestrator *bluetooth.Orchestrator
	wsHub        *utils.WebSocketHub
	router       *http.ServeMux
}

// NewServer creates a new Server instance. The orchestrator may be nil
// when the system bus is unreachable; Bluetooth endpoints then report 503.
func NewServer(listen string, audioClient *audio.Client, orchestrator *bluetooth.Orchestrator, wsHub *utils.WebSocketHub) *Server {
	s := &Server{
		listen:       listen,
		audio:        audioClient,
		orchestrator: orchestrator,
		wsHub:        wsHub,
		router:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/audio", corsMiddleware(s.handleAudioSnapshot))
	s.router.HandleFunc("/audio/default-sink", corsMiddleware(s.handleSetDefaultSink))
	s.router.HandleFunc("/audio/default-source", corsMiddleware(s.handleSetDefaultSource))
	s.router.HandleFunc("/audio/volume", corsMiddleware(s.handleSetVolume))
	s.router.HandleFunc("/audio/mute", corsMiddleware(s.handleMute))
	s.router.HandleFunc("/audio/cards", corsMiddleware(s.handleCards))
	s.router.HandleFunc("/audio/cards/profile", corsMiddleware(s.handleCardProfile))
	s.router.HandleFunc("/audio/cards/power", corsMiddleware(s.handleCardPower))

	s.router.HandleFunc("/bluetooth/devices", corsMiddleware(s.handleGetDevices))
	s.router.HandleFunc("/bluetooth/scan", corsMiddleware(s.handleScan))
	s.router.HandleFunc("/bluetooth/pair/", corsMiddleware(s.handlePairDevice))
	s.router.HandleFunc("/bluetooth/unpair/", corsMiddleware(s.handleUnpairDevice))
	s.router.HandleFunc("/bluetooth/connect/", corsMiddleware(s.handleConnectDevice))
	s.router.HandleFunc("/bluetooth/network", corsMiddleware(s.handleBluetoothNetworkStatus))
}

// Start runs the HTTP server until SIGINT or SIGTERM.
func (s *Server) Start() {
	server := &http.Server{
		Addr:    s.listen,
		Handler: s.router,
	}

	go func() {
		log.Printf("Starting server on %s", s.listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server gracefully stopped")
}
