// Package grouper implements the in-process keyed grouper: every key is
// hashed to one partition, and each partition is owned by a single goroutine
// holding the aggregator instances for its keys.
package grouper

import (
	"PcapReduce/internal/model"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

const defaultPartitionCount = 64

// ErrClosed is returned by Add after Close has been called.
var ErrClosed = errors.New("grouper closed")

// Factory creates the aggregator instance for a newly seen key.
type Factory[R any, Out any] func(key string) model.Aggregator[R, Out]

// Emitter receives finalized rows. Calls are serialized by the grouper.
type Emitter[Out any] func(row Out)

// Partition maps a key to one of n partitions using FNV-1a, the same
// function used to pick NATS partition subjects.
func Partition(key string, n int) int {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(n))
}

type item[R any] struct {
	key    string
	record R
}

// Sharded is a model.KeyedGrouper backed by partition-owning goroutines.
type Sharded[R any, Out any] struct {
	name       string
	partitions []chan item[R]
	factory    Factory[R, Out]
	emit       Emitter[Out]

	emitMu sync.Mutex
	errMu  sync.Mutex
	errs   []error

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// New creates a grouper and starts its partition owners. The owners stop
// early, abandoning their state, when ctx is cancelled.
func New[R any, Out any](ctx context.Context, name string, numPartitions, bufferSize int, factory Factory[R, Out], emit Emitter[Out]) *Sharded[R, Out] {
	if numPartitions <= 0 || numPartitions > 65536 {
		numPartitions = defaultPartitionCount
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	g := &Sharded[R, Out]{
		name:       name,
		partitions: make([]chan item[R], numPartitions),
		factory:    factory,
		emit:       emit,
	}
	g.wg.Add(numPartitions)
	for i := range g.partitions {
		g.partitions[i] = make(chan item[R], bufferSize)
		go g.own(ctx, i)
	}
	return g
}

// Add routes one record to the partition owning key.
func (g *Sharded[R, Out]) Add(ctx context.Context, key string, record R) error {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := g.partitions[Partition(key, len(g.partitions))]
	select {
	case ch <- item[R]{key: key, record: record}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the input, waits for every partition to finalize its keys and
// returns the joined integrity errors. If ctx was cancelled the partially
// collected state is dropped and ctx.Err() is returned.
func (g *Sharded[R, Out]) Close(ctx context.Context) error {
	g.closeMu.Lock()
	if g.closed {
		g.closeMu.Unlock()
		return ErrClosed
	}
	g.closed = true
	for _, ch := range g.partitions {
		close(ch)
	}
	g.closeMu.Unlock()

	g.wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	g.errMu.Lock()
	defer g.errMu.Unlock()
	return errors.Join(g.errs...)
}

// own is the single goroutine allowed to touch the aggregators of partition i.
func (g *Sharded[R, Out]) own(ctx context.Context, i int) {
	defer g.wg.Done()
	arena := make(map[string]model.Aggregator[R, Out])
	ch := g.partitions[i]

	for {
		select {
		case <-ctx.Done():
			// Keep draining so a blocked Add can never wedge Close.
			for range ch {
			}
			log.Printf("Grouper '%s' partition %d cancelled, abandoning %d keys", g.name, i, len(arena))
			return
		case it, ok := <-ch:
			if !ok {
				g.finalize(ctx, i, arena)
				return
			}
			agg, exists := arena[it.key]
			if !exists {
				agg = g.factory(it.key)
				arena[it.key] = agg
			}
			agg.Add(it.record)
		}
	}
}

func (g *Sharded[R, Out]) finalize(ctx context.Context, i int, arena map[string]model.Aggregator[R, Out]) {
	keys := make([]string, 0, len(arena))
	for k := range arena {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if ctx.Err() != nil {
			return
		}
		row, err := arena[k].Finalize()
		if err != nil {
			g.errMu.Lock()
			g.errs = append(g.errs, fmt.Errorf("grouper '%s' partition %d: %w", g.name, i, err))
			g.errMu.Unlock()
			continue
		}
		g.emitMu.Lock()
		g.emit(row)
		g.emitMu.Unlock()
		delete(arena, k)
	}
}
