package manager

import (
	"PcapReduce/internal/config"
	_ "PcapReduce/internal/engine/impl/conversation" // Registers conversation task
	_ "PcapReduce/internal/engine/impl/traffic"      // Registers traffic task
	"PcapReduce/internal/engine/protocol"
	"PcapReduce/internal/factory"
	"PcapReduce/internal/metrics"
	"PcapReduce/internal/model"
	_ "PcapReduce/internal/snapshot" // Registers tsv and clickhouse writers
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Manager decodes frames on a worker pool and fans the resulting records out
// to every configured task. Stop finalizes the tasks and hands the result to
// the writers.
type Manager struct {
	ctx        context.Context
	source     string
	normalizer *protocol.Normalizer
	tasks      []model.Task
	writers    []model.Writer
	metrics    *metrics.Metrics

	// Worker pool for concurrent packet processing
	packetChannel chan gopacket.Packet
	numWorkers    int
	workerWg      sync.WaitGroup

	errMu sync.Mutex
	errs  []error
}

// NewManager creates the tasks and writers named in cfg. source labels the
// result (usually the capture path). m may be nil.
func NewManager(ctx context.Context, cfg *config.Config, source string, m *metrics.Metrics) (*Manager, error) {
	tasks, err := factory.CreateTasks(ctx, cfg)
	if err != nil {
		return nil, err
	}
	writers, err := factory.CreateWriters(cfg)
	if err != nil {
		return nil, err
	}

	normalizer := protocol.NewNormalizer(cfg.Normalizer)
	if m != nil {
		m.ObserveNormalizer(normalizer.Stats())
	}

	return &Manager{
		ctx:           ctx,
		source:        source,
		normalizer:    normalizer,
		tasks:         tasks,
		writers:       writers,
		metrics:       m,
		packetChannel: make(chan gopacket.Packet, cfg.Aggregator.SizeOfPacketChannel),
		numWorkers:    cfg.Aggregator.NumWorkers,
	}, nil
}

// Start begins the packet processing workers.
func (m *Manager) Start() {
	m.workerWg.Add(m.numWorkers)
	for i := 0; i < m.numWorkers; i++ {
		go m.worker()
	}
	log.Printf("Manager started with %d workers and %d tasks.", m.numWorkers, len(m.tasks))
}

// InputChannel is where the capture reader sends frames. It is closed by Stop.
func (m *Manager) InputChannel() chan<- gopacket.Packet {
	return m.packetChannel
}

// Normalizer returns the shared normalizer.
func (m *Manager) Normalizer() *protocol.Normalizer {
	return m.normalizer
}

// Stop drains the workers, finalizes every task and writes the result.
func (m *Manager) Stop() (*model.Result, error) {
	log.Println("Manager stopping...")
	// 1. Stop accepting new packets.
	close(m.packetChannel)

	// 2. Wait for all workers to finish processing buffered packets.
	log.Println("Waiting for workers to finish...")
	m.workerWg.Wait()
	m.normalizer.LogFinal()

	return Collect(m.ctx, m.source, m.tasks, m.writers, m.metrics, m.err())
}

// Collect finalizes tasks into a fresh result and hands it to every writer,
// closing them afterwards. prior carries errors seen while feeding the tasks;
// if it or any Finish fails no result is written and nil is returned. A
// result whose writes failed is returned along with the joined write errors.
func Collect(ctx context.Context, source string, tasks []model.Task, writers []model.Writer, m *metrics.Metrics, prior error) (*model.Result, error) {
	defer closeWriters(writers)

	result := &model.Result{
		RunID:     uuid.NewString(),
		Source:    source,
		CreatedAt: time.Now(),
	}

	errs := []error{prior}
	for _, task := range tasks {
		if err := task.Finish(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("task '%s': %w", task.Name(), err))
		}
		if c, ok := task.(interface{ Close() }); ok {
			c.Close()
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if m != nil {
		m.Rows.WithLabelValues("traffic").Add(float64(len(result.Traffic)))
		m.Rows.WithLabelValues("conversation").Add(float64(len(result.Conversations)))
	}

	var writeErrs []error
	for _, w := range writers {
		if err := w.Write(result); err != nil {
			log.Printf("Error writing result with writer %s: %v", w.Name(), err)
			writeErrs = append(writeErrs, fmt.Errorf("writer '%s': %w", w.Name(), err))
		}
	}

	log.Printf("Run %s finished: %d hosts, %d conversations.", result.RunID, len(result.Traffic), len(result.Conversations))
	return result, errors.Join(writeErrs...)
}

func closeWriters(writers []model.Writer) {
	for _, w := range writers {
		if err := w.Close(); err != nil {
			log.Printf("Error closing writer %s: %v", w.Name(), err)
		}
	}
}

func (m *Manager) worker() {
	defer m.workerWg.Done()
	for packet := range m.packetChannel {
		rec, err := m.normalizer.Normalize(packet)
		if err != nil {
			s := m.normalizer.Stats().Snapshot()
			log.WithFields(log.Fields{
				"error":   err,
				"emitted": s.FramesEmitted,
				"failed":  s.FramesFailed,
			}).Warn("Skipping malformed frame")
			continue
		}
		if rec == nil {
			continue
		}
		// Fan out the record to all tasks
		for _, task := range m.tasks {
			if err := task.ProcessRecord(m.ctx, rec); err != nil {
				m.recordError(fmt.Errorf("task '%s': %w", task.Name(), err))
			}
		}
	}
}

func (m *Manager) recordError(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	// Cancellation surfaces once per record; keep the first.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		for _, e := range m.errs {
			if errors.Is(e, context.Canceled) || errors.Is(e, context.DeadlineExceeded) {
				return
			}
		}
	}
	m.errs = append(m.errs, err)
}

func (m *Manager) err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return errors.Join(m.errs...)
}
