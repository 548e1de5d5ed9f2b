package snapshot

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/factory"
	"PcapReduce/internal/model"
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	log "github.com/sirupsen/logrus"
)

// Table names shared with the query package.
const (
	TrafficTable      = "host_traffic"
	ConversationTable = "conversation_metrics"
)

const createTrafficTable = `
CREATE TABLE IF NOT EXISTS host_traffic (
    RunID         String,
    CreatedAt     DateTime,
    Source        String,
    IP            String,
    SentBytes     UInt64,
    ReceivedBytes UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(CreatedAt)
ORDER BY (RunID, IP);
`

const createConversationTable = `
CREATE TABLE IF NOT EXISTS conversation_metrics (
    RunID       String,
    CreatedAt   DateTime,
    Source      String,
    FlowKey     String,
    RTTMillis   Nullable(Float64),
    DurationSec Float64,
    VolumeBytes UInt64,
    PacketCount UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(CreatedAt)
ORDER BY (RunID, FlowKey);
`

func init() {
	factory.RegisterWriter("clickhouse", func(def config.WriterDef) (model.Writer, error) {
		return NewClickHouseWriter(def.ClickHouse)
	})
}

// ClickHouseWriter inserts results into the host_traffic and
// conversation_metrics tables.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter connects and ensures both tables exist.
func NewClickHouseWriter(cfg config.ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := Connect(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	for _, stmt := range []string{createTrafficTable, createConversationTable} {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	log.Println("Successfully connected to ClickHouse and ensured tables exist.")

	return &ClickHouseWriter{conn: conn}, nil
}

// Connect opens and pings a ClickHouse connection.
func Connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (w *ClickHouseWriter) Name() string {
	return "clickhouse"
}

// Write inserts both views of result, one batch per table.
func (w *ClickHouseWriter) Write(result *model.Result) error {
	ctx := context.Background()

	if len(result.Traffic) > 0 {
		batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+TrafficTable)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, h := range result.Traffic {
			if err := batch.Append(result.RunID, result.CreatedAt, result.Source, h.IP, h.SentBytes, h.ReceivedBytes); err != nil {
				return fmt.Errorf("failed to append host to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	if len(result.Conversations) > 0 {
		batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+ConversationTable)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, c := range result.Conversations {
			if err := batch.Append(result.RunID, result.CreatedAt, result.Source, c.Key, c.RTTMillis, c.DurationSec, c.VolumeBytes, c.PacketCount); err != nil {
				return fmt.Errorf("failed to append conversation to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	log.Printf("Wrote %d hosts and %d conversations to ClickHouse for run %s", len(result.Traffic), len(result.Conversations), result.RunID)
	return nil
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
