// Package probe carries keyed records over NATS: a Publisher on each capture
// node and a Consumer on each engine node that owns a set of partitions.
package probe

import (
	"PcapReduce/internal/codec"
	"PcapReduce/internal/config"
	"PcapReduce/internal/engine/flowkey"
	"PcapReduce/internal/engine/grouper"
	"PcapReduce/internal/engine/impl/traffic"
	"PcapReduce/internal/factory"
	"PcapReduce/internal/model"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// TaskName registers the publisher as a task so the manager can feed it.
const TaskName = "nats"

// Views published on NATS.
const (
	ViewTraffic      = "traffic"
	ViewConversation = "conversation"
)

func init() {
	factory.RegisterTask(TaskName, func(ctx context.Context, cfg *config.Config) (model.Task, error) {
		return NewPublisher(cfg.NATS, uuid.NewString())
	})
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
}

// Subject names the partition subject of a view.
func Subject(base, view string, partition int) string {
	return fmt.Sprintf("%s.%s.%d", base, view, partition)
}

// Publisher routes records to partition subjects. Conversation records are
// published as they arrive; traffic is pre-combined locally and published
// on Finish, followed by an end-of-stream marker on every partition.
type Publisher struct {
	nc         *nats.Conn
	conn       Conn
	subject    string
	partitions int
	producer   string

	mu       sync.Mutex
	combiner *traffic.Combiner

	published atomic.Uint64
}

// NewPublisher connects to NATS.
func NewPublisher(cfg config.NATSConfig, producer string) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("pcapreduce-probe-"+producer))
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s as producer %s", cfg.URL, producer)
	p := newPublisher(nc, cfg, producer)
	p.nc = nc
	return p, nil
}

func newPublisher(conn Conn, cfg config.NATSConfig, producer string) *Publisher {
	return &Publisher{
		conn:       conn,
		subject:    cfg.Subject,
		partitions: cfg.Partitions,
		producer:   producer,
		combiner:   traffic.NewCombiner(),
	}
}

func (p *Publisher) Name() string {
	return TaskName
}

// ProcessRecord publishes the record's conversation view and folds its
// traffic view into the local combiner.
func (p *Publisher) ProcessRecord(ctx context.Context, rec *model.PacketRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.combiner.AddRecord(rec)
	p.mu.Unlock()

	key, ok := flowkey.FromRecord(rec)
	if !ok {
		return nil
	}
	return p.publish(ViewConversation, key, &codec.Message{Kind: codec.KindRecord, Key: key, Record: rec})
}

// Finish flushes the combined traffic and ends every partition stream.
func (p *Publisher) Finish(ctx context.Context, _ *model.Result) error {
	p.mu.Lock()
	tuples := p.combiner.Tuples()
	p.combiner.Reset()
	p.mu.Unlock()

	for _, t := range tuples {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.publish(ViewTraffic, t.IP, &codec.Message{Kind: codec.KindTraffic, Key: t.IP, Tuple: t}); err != nil {
			return err
		}
	}

	eos, err := codec.MarshalMessage(&codec.Message{Kind: codec.KindEndOfStream, Producer: p.producer})
	if err != nil {
		return err
	}
	for _, view := range []string{ViewTraffic, ViewConversation} {
		for i := 0; i < p.partitions; i++ {
			if err := p.conn.Publish(Subject(p.subject, view, i), eos); err != nil {
				return fmt.Errorf("failed to publish end of stream: %w", err)
			}
		}
	}
	if err := p.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	log.Printf("Producer %s published %d messages and closed %d partitions", p.producer, p.published.Load(), 2*p.partitions)
	return nil
}

func (p *Publisher) publish(view, key string, m *codec.Message) error {
	m.Producer = p.producer
	data, err := codec.MarshalMessage(m)
	if err != nil {
		return err
	}
	subject := Subject(p.subject, view, grouper.Partition(key, p.partitions))
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.published.Add(1)
	return nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
