package main

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/engine/manager"
	"PcapReduce/internal/metrics"
	"PcapReduce/pkg/pcap"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config (built-in defaults when empty).")
	includeNonIP := flag.Bool("include-non-ip", false, "Emit records for frames without an IPv4 layer.")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <pcap file | ->\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// 1. Get pcap file path from command-line arguments
	source := "-"
	if flag.NArg() > 1 {
		flag.Usage()
		os.Exit(1)
	}
	if flag.NArg() == 1 {
		source = flag.Arg(0)
	}

	// 2. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *includeNonIP {
		cfg.Normalizer.IncludeNonIP = true
	}
	log.Println("Configuration loaded successfully.")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		server := m.StartServer(cfg.Metrics.Addr, cfg.Metrics.Endpoint)
		defer metrics.Shutdown(server)
	}

	// 3. Initialize modules
	managerImpl, err := manager.NewManager(ctx, cfg, source, m)
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}

	pcapReader, err := pcap.Open(source)
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer pcapReader.Close()
	log.Printf("Reading packets from '%s'...", source)

	// 4. Start the processing pipeline
	managerImpl.Start()

	// 5. Read packets and feed them to the manager
	if err := pcapReader.ReadFrames(ctx, managerImpl.InputChannel()); err != nil {
		log.Printf("Reading interrupted: %v", err)
	}
	log.Printf("Finished reading %d frames.", pcapReader.Frames())

	// 6. Graceful shutdown
	if _, err := managerImpl.Stop(); err != nil {
		log.Errorf("Analysis failed: %v", err)
		os.Exit(1)
	}
	log.Println("Shutdown complete.")
}
