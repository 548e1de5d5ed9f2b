package factory

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/model"
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// TaskFactory creates one aggregation task from the config.
type TaskFactory func(ctx context.Context, cfg *config.Config) (model.Task, error)

// WriterFactory creates one result writer from its definition.
type WriterFactory func(def config.WriterDef) (model.Writer, error)

var (
	taskRegistry   = make(map[string]TaskFactory)
	writerRegistry = make(map[string]WriterFactory)
)

// RegisterTask registers a task name with its factory function.
func RegisterTask(name string, factory TaskFactory) {
	if _, exists := taskRegistry[name]; exists {
		panic(fmt.Sprintf("task type '%s' already registered", name))
	}
	taskRegistry[name] = factory
}

// RegisterWriter registers a writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := writerRegistry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	writerRegistry[name] = factory
}

// CreateTasks builds the tasks listed in cfg.Aggregator.Tasks.
func CreateTasks(ctx context.Context, cfg *config.Config) ([]model.Task, error) {
	tasks := make([]model.Task, 0, len(cfg.Aggregator.Tasks))
	for _, name := range cfg.Aggregator.Tasks {
		factory, ok := taskRegistry[name]
		if !ok {
			return nil, fmt.Errorf("unknown task type: '%s'", name)
		}
		task, err := factory(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("error creating task '%s': %w", name, err)
		}
		log.Printf("Created task '%s'", name)
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CreateWriters builds every enabled writer. Writers that fail to initialise
// are logged and skipped so one unavailable sink does not lose the others.
func CreateWriters(cfg *config.Config) ([]model.Writer, error) {
	writers := make([]model.Writer, 0, len(cfg.Writers))
	for _, def := range cfg.Writers {
		if !def.Enabled {
			continue
		}
		factory, ok := writerRegistry[def.Type]
		if !ok {
			return nil, fmt.Errorf("unknown writer type: '%s'", def.Type)
		}
		writer, err := factory(def)
		if err != nil {
			log.Printf("Warning: failed to create writer type '%s': %v, skipping.", def.Type, err)
			continue
		}
		writers = append(writers, writer)
	}
	return writers, nil
}
