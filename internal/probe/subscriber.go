package probe

import (
	"PcapReduce/internal/codec"
	"PcapReduce/internal/config"
	"PcapReduce/internal/engine/impl/conversation"
	"PcapReduce/internal/engine/impl/traffic"
	"PcapReduce/internal/model"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

type stream struct {
	view      string
	partition int
}

// Consumer feeds the messages of its partitions into local traffic and
// conversation tasks. A partition stream is complete once every producer has
// sent its end-of-stream marker; Done is closed when all streams are.
type Consumer struct {
	ctx          context.Context
	producers    int
	traffic      *traffic.Task
	conversation *conversation.Task

	mu      sync.Mutex
	seen    map[stream]map[string]struct{}
	pending int
	done    chan struct{}
	errs    []error

	valid   atomic.Uint64
	invalid atomic.Uint64
}

// NewConsumer creates the consumer for the given partitions of both views.
func NewConsumer(ctx context.Context, cfg *config.Config, partitions []int) *Consumer {
	agg := cfg.Aggregator
	c := &Consumer{
		ctx:          ctx,
		producers:    cfg.NATS.Producers,
		traffic:      traffic.New(ctx, ViewTraffic, agg.NumPartitions, agg.SizeOfPacketChannel),
		conversation: conversation.New(ctx, ViewConversation, agg.NumPartitions, agg.SizeOfPacketChannel),
		seen:         make(map[stream]map[string]struct{}),
		done:         make(chan struct{}),
	}
	for _, view := range []string{ViewTraffic, ViewConversation} {
		for _, p := range partitions {
			c.seen[stream{view, p}] = make(map[string]struct{})
		}
	}
	c.pending = len(c.seen)
	if c.pending == 0 {
		close(c.done)
	}
	return c
}

// Tasks returns the local tasks so the caller can finalize them.
func (c *Consumer) Tasks() []model.Task {
	return []model.Task{c.traffic, c.conversation}
}

// Done is closed once every owned partition stream has ended.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Counts returns the number of accepted and rejected messages.
func (c *Consumer) Counts() (valid, invalid uint64) {
	return c.valid.Load(), c.invalid.Load()
}

// Err returns the joined failures of the local tasks and the data lost to
// late messages. A non-nil Err means the finalized result is incomplete.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.errs...)
}

func (c *Consumer) recordError(err error) error {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	return err
}

// HandleMessage decodes and applies one message received on the partition
// subject of view. Malformed messages are logged and skipped. Task failures
// and records arriving after their producer ended the stream are returned
// and kept for Err.
func (c *Consumer) HandleMessage(view string, partition int, data []byte) error {
	m, err := codec.UnmarshalMessage(data)
	if err == nil {
		err = checkMessage(view, m)
	}
	if err != nil {
		c.invalid.Add(1)
		log.WithFields(log.Fields{
			"view":      view,
			"partition": partition,
			"valid":     c.valid.Load(),
			"invalid":   c.invalid.Load(),
		}).WithError(err).Warn("Skipping malformed message")
		return nil
	}
	c.valid.Add(1)

	s := stream{view, partition}
	if m.Kind == codec.KindEndOfStream {
		c.endOfStream(s, m.Producer)
		return nil
	}
	if err := c.checkOpen(s, m.Producer); err != nil {
		return c.recordError(err)
	}

	if m.Kind == codec.KindRecord {
		err = c.conversation.AddKeyed(c.ctx, m.Key, m.Record)
	} else {
		err = c.traffic.AddTuple(c.ctx, m.Tuple)
	}
	if err != nil {
		return c.recordError(fmt.Errorf("%s partition %d: %w", view, partition, err))
	}
	return nil
}

func checkMessage(view string, m *codec.Message) error {
	switch {
	case m.Kind == codec.KindEndOfStream,
		view == ViewTraffic && m.Kind == codec.KindTraffic:
		return nil
	case view == ViewConversation && m.Kind == codec.KindRecord:
		if m.Record.Proto != model.ProtocolTCP {
			return fmt.Errorf("%w: %s record on %s subject", codec.ErrMalformed, m.Record.Proto, view)
		}
		return nil
	}
	return fmt.Errorf("%w: %s message on %s subject", codec.ErrMalformed, m.Kind, view)
}

// checkOpen rejects data for a stream this consumer does not own, or from a
// producer that already ended it.
func (c *Consumer) checkOpen(s stream, producer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	producers, ok := c.seen[s]
	if !ok {
		return fmt.Errorf("message for unowned partition %d of %s", s.partition, s.view)
	}
	if _, ended := producers[producer]; ended {
		return fmt.Errorf("message from producer %q after its end of stream on %s partition %d", producer, s.view, s.partition)
	}
	return nil
}

func (c *Consumer) endOfStream(s stream, producer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	producers, ok := c.seen[s]
	if !ok || len(producers) >= c.producers {
		return
	}
	producers[producer] = struct{}{}
	if len(producers) < c.producers {
		return
	}
	log.Printf("Partition %d of %s complete", s.partition, s.view)
	c.pending--
	if c.pending == 0 {
		close(c.done)
	}
}

// Subscriber binds a Consumer to the NATS subjects of its partitions.
type Subscriber struct {
	nc   *nats.Conn
	subs []*nats.Subscription
}

// NewSubscriber connects to NATS and subscribes c to every owned partition.
func NewSubscriber(cfg config.NATSConfig, partitions []int, c *Consumer) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("pcapreduce-engine"))
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)

	s := &Subscriber{nc: nc}
	for _, view := range []string{ViewTraffic, ViewConversation} {
		for _, p := range partitions {
			view, p := view, p
			subject := Subject(cfg.Subject, view, p)
			sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
				if err := c.HandleMessage(view, p, msg.Data); err != nil {
					log.Printf("Error handling message on %s: %v", subject, err)
				}
			})
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
			}
			s.subs = append(s.subs, sub)
		}
	}
	log.Printf("Subscribed to %d partition subjects. Waiting for messages...", len(s.subs))
	return s, nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed.")
	}
}
