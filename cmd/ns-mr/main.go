// Command ns-mr runs a single streaming stage over stdin and stdout, for use
// as a Hadoop-streaming mapper or reducer.
package main

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/metrics"
	"PcapReduce/internal/stream"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// fatal drains stdin so the upstream pipe is not broken, then exits non-zero.
func fatal(format string, args ...any) {
	log.WithField("drained_bytes", stream.Drain(os.Stdin)).Errorf(format, args...)
	os.Exit(1)
}

func main() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	stage := flags.String("stage", "", "Stage to run: "+strings.Join(stream.Names(), ", "))
	configPath := flags.String("config", "", "Path to the YAML config (built-in defaults when empty).")
	includeNonIP := flags.Bool("include-non-ip", false, "preprocess-map: emit records for frames without an IPv4 layer.")
	combine := flags.Bool("combine", false, "traffic-map: pre-aggregate tuples per host before emitting.")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			stream.Drain(os.Stdin)
			os.Exit(0)
		}
		fatal("Bad arguments: %v", err)
	}

	if *stage == "" {
		fmt.Fprintln(os.Stderr, "Error: -stage is required.")
		flags.Usage()
		fatal("No stage given")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fatal("Failed to load config: %v", err)
	}
	if *includeNonIP {
		cfg.Normalizer.IncludeNonIP = true
	}

	opts := stream.Options{Config: cfg, Combine: *combine}
	if err := run(*stage, opts); err != nil {
		log.Errorf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the stage; Run drains stdin itself on failure.
func run(stage string, opts stream.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.New()
		server := opts.Metrics.StartServer(cfg.Metrics.Addr, cfg.Metrics.Endpoint)
		defer metrics.Shutdown(server)
	}

	_, err := stream.Run(ctx, stage, opts, os.Stdin, os.Stdout)
	return err
}
