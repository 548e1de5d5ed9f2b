// Command ns-probe normalizes a capture and publishes keyed records to the
// NATS partition subjects consumed by ns-engine.
package main

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/engine/manager"
	"PcapReduce/internal/probe"
	"PcapReduce/pkg/pcap"
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

const snapshotLen int32 = 1600

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML config.")
	iface := flag.String("iface", "", "Capture live from this interface instead of reading a file.")
	file := flag.String("file", "-", "Capture file to read, or - for stdin.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// The probe only publishes; results are produced by ns-engine.
	cfg.Aggregator.Tasks = []string{probe.TaskName}
	cfg.Writers = nil

	var reader *pcap.Reader
	source := *file
	if *iface != "" {
		source = *iface
		reader, err = pcap.NewLiveReader(*iface, snapshotLen)
	} else {
		reader, err = pcap.Open(*file)
	}
	if err != nil {
		log.Fatalf("Failed to open capture source %s: %v", source, err)
	}
	defer reader.Close()

	// Reading stops on a signal; publishing still completes so the engines
	// receive their end-of-stream markers.
	readCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	managerImpl, err := manager.NewManager(context.Background(), cfg, source, nil)
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}
	managerImpl.Start()
	log.Printf("Publishing records from %s to %s.*", source, cfg.NATS.Subject)

	if err := reader.ReadFrames(readCtx, managerImpl.InputChannel()); err != nil {
		log.Printf("Capture stopped: %v", err)
	}
	if _, err := managerImpl.Stop(); err != nil {
		log.Errorf("Publishing failed: %v", err)
		os.Exit(1)
	}
	log.Println("Shutdown complete.")
}
