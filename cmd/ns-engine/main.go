// Command ns-engine consumes a set of NATS partitions, finalizes them once
// every probe has ended its stream and writes the result.
package main

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/engine/manager"
	"PcapReduce/internal/factory"
	"PcapReduce/internal/metrics"
	"PcapReduce/internal/probe"
	_ "PcapReduce/internal/snapshot" // Registers result writers
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// parsePartitions turns "all", "" or a list like "0,2-3" into the sorted,
// de-duplicated partitions to own.
func parsePartitions(s string, total int) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		all := make([]int, total)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	owned := make(map[int]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := parsePartition(lo, total)
		if err != nil {
			return nil, fmt.Errorf("invalid partition %q: %w", part, err)
		}
		last := first
		if isRange {
			if last, err = parsePartition(hi, total); err != nil {
				return nil, fmt.Errorf("invalid partition %q: %w", part, err)
			}
			if last < first {
				return nil, fmt.Errorf("invalid partition range %q", part)
			}
		}
		for p := first; p <= last; p++ {
			owned[p] = struct{}{}
		}
	}
	out := make([]int, 0, len(owned))
	for p := range owned {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

func parsePartition(s string, total int) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if p < 0 || p >= total {
		return 0, fmt.Errorf("out of range, have %d partitions", total)
	}
	return p, nil
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML config.")
	partitionList := flag.String("partitions", "", "Partitions to own: 'all' or a list like '0,2-3'.")
	flag.Parse()

	log.Println("Starting ns-engine...")

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	partitions, err := parsePartitions(*partitionList, cfg.NATS.Partitions)
	if err != nil {
		log.Fatalf("Bad -partitions: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		server := m.StartServer(cfg.Metrics.Addr, cfg.Metrics.Endpoint)
		defer metrics.Shutdown(server)
	}

	// 2. Subscribe the consumer to its partitions
	consumer := probe.NewConsumer(ctx, cfg, partitions)
	if m != nil {
		m.AddStats("consumer", func() any {
			valid, invalid := consumer.Counts()
			return map[string]uint64{"valid": valid, "invalid": invalid}
		})
	}
	sub, err := probe.NewSubscriber(cfg.NATS, partitions, consumer)
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	// 3. Wait for every producer to end its streams, or for a shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-consumer.Done():
		sub.Close()
	case <-sigChan:
		log.Println("Shutdown signal received, abandoning partial results.")
		sub.Close()
		cancel()
		os.Exit(1)
	}

	// 4. Finalize and write
	writers, err := factory.CreateWriters(cfg)
	if err != nil {
		log.Fatalf("Failed to create writers: %v", err)
	}
	source := fmt.Sprintf("nats:%s partitions %v", cfg.NATS.Subject, partitions)
	if _, err := manager.Collect(ctx, source, consumer.Tasks(), writers, m, consumer.Err()); err != nil {
		log.Errorf("Finalization failed: %v", err)
		os.Exit(1)
	}
	log.Println("Shutdown complete.")
}
