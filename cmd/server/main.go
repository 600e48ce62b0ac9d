package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/peerchat-io/peerchat/pkg/history"
	"github.com/peerchat-io/peerchat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.peerchat/server.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	httpPort := flag.Int("http-port", 0, "HTTP port for /ws and /metrics (overrides config)")
	historyPath := flag.String("history", "", "Path to history database (overrides config)")
	noHistory := flag.Bool("no-history", false, "Disable the broadcast history store")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("PeerChat Server %s\n", Version)
		os.Exit(0)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToConfig()

	if *port != 0 {
		config.TCPPort = *port
	}
	if *httpPort != 0 {
		config.HTTPPort = *httpPort
	}
	if *historyPath != "" {
		config.HistoryPath = *historyPath
	}

	if *debug {
		server.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	var hist *history.Store
	if !*noHistory {
		path, err := server.ExpandPath(config.HistoryPath)
		if err != nil {
			log.Fatalf("Failed to resolve history path: %v", err)
		}
		hist, err = history.Open(path)
		if err != nil {
			log.Fatalf("Failed to open history store: %v", err)
		}
		log.Printf("History: %s", path)
	}

	srv := server.NewServer(config, hist)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("PeerChat server %s started successfully", Version)
	log.Printf("Port: %d", config.TCPPort)
	if config.HTTPPort > 0 {
		log.Printf("WebSocket: ws://localhost:%d/ws", config.HTTPPort)
		log.Printf("Metrics: http://localhost:%d/metrics", config.HTTPPort)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
