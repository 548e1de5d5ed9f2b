package model

import "context"

// Aggregator owns the state of exactly one key. Add may be called in any
// record order; Finalize is called once after the last Add.
type Aggregator[R any, Out any] interface {
	Add(record R)
	Finalize() (Out, error)
}

// KeyedGrouper routes every record sharing a key to a single Aggregator
// instance and finalizes each instance once its input is exhausted.
// Implementations may be in-process or distributed; no ordering across or
// within keys is guaranteed.
type KeyedGrouper[R any] interface {
	// Add delivers one record for key. It blocks until the record is accepted
	// or ctx is done.
	Add(ctx context.Context, key string, record R) error

	// Close signals that no more records will be added, waits for every
	// aggregator to finalize and returns every integrity error joined, or nil.
	Close(ctx context.Context) error
}
