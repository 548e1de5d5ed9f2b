package model

import "context"

// Task is one derived view computed from the normalized record stream.
type Task interface {
	Name() string

	// ProcessRecord feeds one normalized record into the task.
	ProcessRecord(ctx context.Context, record *PacketRecord) error

	// Finish ends the input and stores the finalized rows into result.
	Finish(ctx context.Context, result *Result) error
}
