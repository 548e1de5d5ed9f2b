package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// NormalizerConfig controls how raw frames become packet records.
type NormalizerConfig struct {
	IncludeNonIP   bool   `yaml:"include_non_ip"`
	ReportInterval uint64 `yaml:"report_interval"`
}

// AggregatorConfig sizes the in-process keyed grouper and its worker pool.
type AggregatorConfig struct {
	Tasks               []string `yaml:"tasks"`
	NumWorkers          int `yaml:"num_workers"`
	NumPartitions       int `yaml:"num_partitions"`
	SizeOfPacketChannel int `yaml:"size_of_packet_channel"`
}

// ClickHouseConfig holds connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TSVConfig holds settings for the TSV writer. A RootPath of "-" writes the
// rows to stdout instead of a run directory.
type TSVConfig struct {
	RootPath string `yaml:"root_path"`
}

// WriterDef defines a single result writer.
type WriterDef struct {
	Type       string           `yaml:"type"`
	Enabled    bool             `yaml:"enabled"`
	TSV        TSVConfig        `yaml:"tsv"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// NATSConfig configures the distributed keyed grouper.
type NATSConfig struct {
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject"`
	Partitions int    `yaml:"partitions"`
	// Producers is the number of ns-probe instances whose end-of-stream
	// markers an engine partition waits for before finalizing.
	Producers int `yaml:"producers"`
}

// MetricsConfig configures the Prometheus / stats HTTP endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Endpoint string `yaml:"endpoint"`
}

// APIConfig configures the results API served by ns-api.
type APIConfig struct {
	ListenAddr     string           `yaml:"listen_addr"`
	GRPCListenAddr string           `yaml:"grpc_listen_addr"`
	ClickHouse     ClickHouseConfig `yaml:"clickhouse"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Writers    []WriterDef      `yaml:"writers"`
	NATS       NATSConfig       `yaml:"nats"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	API        APIConfig        `yaml:"api"`
}

// Default returns the configuration used when no file is given: non-IP
// frames suppressed and results written as TSV to stdout.
func Default() *Config {
	cfg := &Config{
		Writers: []WriterDef{{Type: "tsv", Enabled: true, TSV: TSVConfig{RootPath: "-"}}},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
// An empty path yields Default().
func LoadConfig(filePath string) (*Config, error) {
	if filePath == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that cannot be repaired by defaults.
func (c *Config) Validate() error {
	for i, w := range c.Writers {
		switch w.Type {
		case "tsv", "clickhouse":
		default:
			return fmt.Errorf("writers[%d]: unknown writer type '%s'", i, w.Type)
		}
	}
	if c.NATS.Partitions > 65536 {
		return fmt.Errorf("nats.partitions must be at most 65536, got %d", c.NATS.Partitions)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Normalizer.ReportInterval == 0 {
		c.Normalizer.ReportInterval = 100000
	}
	if len(c.Aggregator.Tasks) == 0 {
		c.Aggregator.Tasks = []string{"traffic", "conversation"}
	}
	if c.Aggregator.NumWorkers <= 0 {
		c.Aggregator.NumWorkers = runtime.NumCPU()
	}
	if c.Aggregator.NumPartitions <= 0 {
		c.Aggregator.NumPartitions = 64
	}
	if c.Aggregator.SizeOfPacketChannel <= 0 {
		c.Aggregator.SizeOfPacketChannel = 10000
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "pcapreduce.records"
	}
	if c.NATS.Partitions <= 0 {
		c.NATS.Partitions = 4
	}
	if c.NATS.Producers <= 0 {
		c.NATS.Producers = 1
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":7117"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.GRPCListenAddr == "" {
		c.API.GRPCListenAddr = ":50051"
	}
}
