package conversation

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/engine/flowkey"
	"PcapReduce/internal/engine/grouper"
	"PcapReduce/internal/factory"
	"PcapReduce/internal/model"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// TaskName is the registry name of the conversation metrics task.
const TaskName = "conversation"

func init() {
	factory.RegisterTask(TaskName, func(ctx context.Context, cfg *config.Config) (model.Task, error) {
		return New(ctx, TaskName, cfg.Aggregator.NumPartitions, cfg.Aggregator.SizeOfPacketChannel), nil
	})
}

// Task computes handshake RTT, duration, volume and packet count per TCP
// conversation.
type Task struct {
	name    string
	grouper *grouper.Sharded[*model.PacketRecord, model.ConversationMetrics]

	mu      sync.Mutex
	rows    []model.ConversationMetrics
	skipped atomic.Uint64
}

// New creates a conversation task whose grouper runs until ctx is cancelled.
func New(ctx context.Context, name string, numPartitions, bufferSize int) *Task {
	t := &Task{name: name}
	t.grouper = grouper.New[*model.PacketRecord, model.ConversationMetrics](ctx, name, numPartitions, bufferSize,
		func(key string) model.Aggregator[*model.PacketRecord, model.ConversationMetrics] { return NewState(key) },
		func(row model.ConversationMetrics) {
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

// ProcessRecord keys TCP records by conversation. Other protocols and TCP
// records without a full four-tuple are skipped.
func (t *Task) ProcessRecord(ctx context.Context, rec *model.PacketRecord) error {
	key, ok := flowkey.FromRecord(rec)
	if !ok {
		t.skipped.Add(1)
		return nil
	}
	return t.grouper.Add(ctx, key, rec)
}

// AddKeyed delivers a record whose conversation key was computed upstream.
func (t *Task) AddKeyed(ctx context.Context, key string, rec *model.PacketRecord) error {
	return t.grouper.Add(ctx, key, rec)
}

// Finish finalizes every conversation and stores the rows ordered by key.
func (t *Task) Finish(ctx context.Context, result *model.Result) error {
	err := t.grouper.Close(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	sort.Slice(t.rows, func(i, j int) bool { return t.rows[i].Key < t.rows[j].Key })
	result.Conversations = t.rows
	log.Printf("Task '%s' finalized %d conversations (%d records not keyable)", t.name, len(t.rows), t.skipped.Load())
	return err
}
