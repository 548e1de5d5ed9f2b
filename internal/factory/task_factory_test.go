package factory

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/model"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTask struct{ name string }

func (t *nopTask) Name() string {
	return t.name
}

func (t *nopTask) ProcessRecord(context.Context, *model.PacketRecord) error {
	return nil
}

func (t *nopTask) Finish(context.Context, *model.Result) error {
	return nil
}

type nopWriter struct{ name string }

func (w *nopWriter) Name() string {
	return w.name
}

func (w *nopWriter) Write(*model.Result) error {
	return nil
}

func (w *nopWriter) Close() error {
	return nil
}

func init() {
	RegisterTask("factory-test-task", func(ctx context.Context, cfg *config.Config) (model.Task, error) {
		return &nopTask{name: "factory-test-task"}, nil
	})
	RegisterWriter("factory-test-writer", func(def config.WriterDef) (model.Writer, error) {
		return &nopWriter{name: def.Type}, nil
	})
	RegisterWriter("factory-test-broken", func(def config.WriterDef) (model.Writer, error) {
		return nil, errors.New("sink unavailable")
	})
}

func TestCreateTasks(t *testing.T) {
	cfg := &config.Config{Aggregator: config.AggregatorConfig{Tasks: []string{"factory-test-task"}}}
	tasks, err := CreateTasks(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "factory-test-task", tasks[0].Name())

	cfg.Aggregator.Tasks = append(cfg.Aggregator.Tasks, "no-such-task")
	_, err = CreateTasks(context.Background(), cfg)
	assert.ErrorContains(t, err, "no-such-task")
}

func TestRegisterTwicePanics(t *testing.T) {
	assert.Panics(t, func() {
		RegisterTask("factory-test-task", nil)
	})
	assert.Panics(t, func() {
		RegisterWriter("factory-test-writer", nil)
	})
}

func TestCreateWriters(t *testing.T) {
	cfg := &config.Config{Writers: []config.WriterDef{
		{Type: "factory-test-writer", Enabled: true},
		{Type: "factory-test-writer", Enabled: false},
		{Type: "factory-test-broken", Enabled: true},
	}}
	writers, err := CreateWriters(cfg)
	require.NoError(t, err)
	require.Len(t, writers, 1)
	assert.Equal(t, "factory-test-writer", writers[0].Name())

	cfg.Writers = append(cfg.Writers, config.WriterDef{Type: "unknown", Enabled: true})
	_, err = CreateWriters(cfg)
	assert.ErrorContains(t, err, "unknown")
}
