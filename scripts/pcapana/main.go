package main

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/engine/protocol"
	"PcapReduce/pkg/pcap"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/gopacket"
	log "github.com/sirupsen/logrus"
)

// pcapana prints the first normalized records of a capture, one per line,
// which is handy when checking what the analyzer will see.
func main() {
	limit := flag.Int("n", 5, "Number of records to print (0 for all).")
	includeNonIP := flag.Bool("include-non-ip", false, "Print frames without an IPv4 layer too.")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Println("Usage: go run ./scripts/pcapana [-n 5] <path_to_pcap_file | ->")
		os.Exit(1)
	}

	reader, err := pcap.Open(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan gopacket.Packet, 64)
	go func() {
		defer close(frames)
		if err := reader.ReadFrames(ctx, frames); err != nil && ctx.Err() == nil {
			log.Printf("Reading stopped: %v", err)
		}
	}()

	normalizer := protocol.NewNormalizer(config.NormalizerConfig{IncludeNonIP: *includeNonIP})
	printed := 0
	for packet := range frames {
		rec, err := normalizer.Normalize(packet)
		if err != nil {
			fmt.Println("Parse error:", err)
			continue
		}
		if rec == nil {
			continue
		}
		printed++
		fmt.Println(rec.String())
		if *limit > 0 && printed >= *limit {
			cancel()
			break
		}
	}
	for range frames {
	}
	normalizer.LogFinal()
}
