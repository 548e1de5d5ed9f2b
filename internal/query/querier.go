// Package query reads analysis results back out of ClickHouse.
package query

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/model"
	"PcapReduce/internal/snapshot"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// DefaultLimit caps result sets when the caller gives no limit.
const DefaultLimit = 20

const maxLimit = 10000

// RunSummary describes one stored analysis run.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	Hosts     uint64    `json:"hosts"`
}

// Querier defines the interface for querying stored results. An empty runID
// selects the most recent run.
type Querier interface {
	Runs(ctx context.Context, limit int) ([]RunSummary, error)
	TopHosts(ctx context.Context, runID string, limit int) ([]model.HostTraffic, error)
	SlowestHandshakes(ctx context.Context, runID string, limit int) ([]model.ConversationMetrics, error)
	Conversation(ctx context.Context, runID, key string) (*model.ConversationMetrics, error)
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := snapshot.Connect(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// runFilter restricts a query on table to runID, or to the latest run.
func runFilter(table, runID string) (string, []any) {
	if runID != "" {
		return "RunID = ?", []any{runID}
	}
	return fmt.Sprintf("RunID = (SELECT argMax(RunID, CreatedAt) FROM %s)", table), nil
}

func runsQuery(limit int) (string, []any) {
	return fmt.Sprintf(`
		SELECT RunID, any(Source), max(CreatedAt), count(*)
		FROM %s
		GROUP BY RunID
		ORDER BY max(CreatedAt) DESC
		LIMIT ?`, snapshot.TrafficTable), []any{clampLimit(limit)}
}

func topHostsQuery(runID string, limit int) (string, []any) {
	where, args := runFilter(snapshot.TrafficTable, runID)
	var b strings.Builder
	fmt.Fprintf(&b, `
		SELECT IP, SentBytes, ReceivedBytes
		FROM %s
		WHERE %s
		ORDER BY SentBytes + ReceivedBytes DESC, IP ASC
		LIMIT ?`, snapshot.TrafficTable, where)
	return b.String(), append(args, clampLimit(limit))
}

func slowestHandshakesQuery(runID string, limit int) (string, []any) {
	where, args := runFilter(snapshot.ConversationTable, runID)
	var b strings.Builder
	fmt.Fprintf(&b, `
		SELECT FlowKey, RTTMillis, DurationSec, VolumeBytes, PacketCount
		FROM %s
		WHERE %s AND RTTMillis IS NOT NULL
		ORDER BY RTTMillis DESC, FlowKey ASC
		LIMIT ?`, snapshot.ConversationTable, where)
	return b.String(), append(args, clampLimit(limit))
}

func conversationQuery(runID, key string) (string, []any) {
	where, args := runFilter(snapshot.ConversationTable, runID)
	return fmt.Sprintf(`
		SELECT FlowKey, RTTMillis, DurationSec, VolumeBytes, PacketCount
		FROM %s
		WHERE %s AND FlowKey = ?
		LIMIT 1`, snapshot.ConversationTable, where), append(args, key)
}

// Runs lists the most recent runs.
func (q *clickhouseQuerier) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	query, args := runsQuery(limit)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Source, &r.CreatedAt, &r.Hosts); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TopHosts returns the hosts with the most total traffic.
func (q *clickhouseQuerier) TopHosts(ctx context.Context, runID string, limit int) ([]model.HostTraffic, error) {
	query, args := topHostsQuery(runID, limit)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var hosts []model.HostTraffic
	for rows.Next() {
		var h model.HostTraffic
		if err := rows.Scan(&h.IP, &h.SentBytes, &h.ReceivedBytes); err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// SlowestHandshakes returns the conversations with the largest measured RTT.
func (q *clickhouseQuerier) SlowestHandshakes(ctx context.Context, runID string, limit int) ([]model.ConversationMetrics, error) {
	query, args := slowestHandshakesQuery(runID, limit)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.ConversationMetrics
	for rows.Next() {
		var c model.ConversationMetrics
		if err := rows.Scan(&c.Key, &c.RTTMillis, &c.DurationSec, &c.VolumeBytes, &c.PacketCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Conversation looks up one conversation by key. It returns nil when the key
// is unknown.
func (q *clickhouseQuerier) Conversation(ctx context.Context, runID, key string) (*model.ConversationMetrics, error) {
	query, args := conversationQuery(runID, key)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var c model.ConversationMetrics
	if err := rows.Scan(&c.Key, &c.RTTMillis, &c.DurationSec, &c.VolumeBytes, &c.PacketCount); err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	return &c, nil
}
