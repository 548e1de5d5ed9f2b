package model

import "time"

// Result is the complete output of one analysis run.
type Result struct {
	RunID         string
	Source        string
	CreatedAt     time.Time
	Traffic       []HostTraffic
	Conversations []ConversationMetrics
}

// Writer persists a finished Result.
type Writer interface {
	Name() string
	Write(result *Result) error
	Close() error
}
