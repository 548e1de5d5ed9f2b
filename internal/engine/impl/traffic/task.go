package traffic

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/engine/grouper"
	"PcapReduce/internal/factory"
	"PcapReduce/internal/model"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// TaskName is the registry name of the traffic volume task.
const TaskName = "traffic"

func init() {
	factory.RegisterTask(TaskName, func(ctx context.Context, cfg *config.Config) (model.Task, error) {
		return New(ctx, TaskName, cfg.Aggregator.NumPartitions, cfg.Aggregator.SizeOfPacketChannel), nil
	})
}

// Task computes per-host sent and received byte totals. Each IP is a key of
// the underlying grouper; a record contributes to two keys.
type Task struct {
	name    string
	grouper *grouper.Sharded[model.TrafficTuple, model.HostTraffic]

	mu      sync.Mutex
	rows    []model.HostTraffic
	dropped atomic.Uint64
}

// New creates a traffic task whose grouper runs until ctx is cancelled.
func New(ctx context.Context, name string, numPartitions, bufferSize int) *Task {
	t := &Task{name: name}
	t.grouper = grouper.New[model.TrafficTuple, model.HostTraffic](ctx, name, numPartitions, bufferSize,
		func(ip string) model.Aggregator[model.TrafficTuple, model.HostTraffic] { return NewHost(ip) },
		func(row model.HostTraffic) {
			t.mu.Lock()
			t.rows = append(t.rows, row)
			t.mu.Unlock()
		})
	return t
}

// Name returns the name of the task.
func (t *Task) Name() string {
	return t.name
}

// ProcessRecord attributes the record size to its sender and receiver.
// Records missing an address are dropped silently.
func (t *Task) ProcessRecord(ctx context.Context, rec *model.PacketRecord) error {
	tuples, ok := Tuples(rec)
	if !ok {
		t.dropped.Add(1)
		return nil
	}
	for _, tuple := range tuples {
		if err := t.AddTuple(ctx, tuple); err != nil {
			return err
		}
	}
	return nil
}

// AddTuple delivers an intermediate (ip, direction, size) tuple, raw or
// pre-combined, to the host owning it.
func (t *Task) AddTuple(ctx context.Context, tuple model.TrafficTuple) error {
	return t.grouper.Add(ctx, tuple.IP, tuple)
}

// Finish finalizes every host and stores the rows ordered by IP.
func (t *Task) Finish(ctx context.Context, result *model.Result) error {
	err := t.grouper.Close(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	sort.Slice(t.rows, func(i, j int) bool { return t.rows[i].IP < t.rows[j].IP })
	result.Traffic = t.rows
	log.Printf("Task '%s' finalized %d hosts (%d records without addresses dropped)", t.name, len(t.rows), t.dropped.Load())
	return err
}
