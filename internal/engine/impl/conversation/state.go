package conversation

import (
	"PcapReduce/internal/model"
	"errors"
	"fmt"
)

// ErrEmptyConversation signals that a key reached finalization without a
// single observation. A conforming grouper never lets that happen.
var ErrEmptyConversation = errors.New("conversation finalized with no observations")

// State accumulates the observations of one conversation key. Only the
// values needed for the final metrics are kept, so memory is constant per
// flow regardless of how many packets it carries.
type State struct {
	key string

	count  uint64
	volume uint64
	first  float64
	last   float64

	haveSYN     bool
	firstSYN    float64
	haveSYNACK  bool
	firstSYNACK float64

	finalized bool
}

// NewState creates the collecting state for key.
func NewState(key string) *State {
	return &State{key: key}
}

// Key returns the conversation key owned by this state.
func (s *State) Key() string {
	return s.key
}

// Add records one packet of the conversation. Records may arrive in any
// order; the result depends only on the multiset of records.
func (s *State) Add(rec *model.PacketRecord) {
	s.observe(rec.Timestamp, rec.Flags(), uint64(rec.Size))
}

func (s *State) observe(ts float64, flags model.TCPFlags, size uint64) {
	if s.count == 0 || ts < s.first {
		s.first = ts
	}
	if s.count == 0 || ts > s.last {
		s.last = ts
	}
	s.count++
	s.volume += size

	switch {
	case flags.IsSYN():
		if !s.haveSYN || ts < s.firstSYN {
			s.firstSYN = ts
			s.haveSYN = true
		}
	case flags.IsSYNACK():
		if !s.haveSYNACK || ts < s.firstSYNACK {
			s.firstSYNACK = ts
			s.haveSYNACK = true
		}
	}
}

// Merge folds another partial state for the same key into s.
func (s *State) Merge(other *State) {
	if other.count == 0 {
		return
	}
	if s.count == 0 || other.first < s.first {
		s.first = other.first
	}
	if s.count == 0 || other.last > s.last {
		s.last = other.last
	}
	s.count += other.count
	s.volume += other.volume
	if other.haveSYN && (!s.haveSYN || other.firstSYN < s.firstSYN) {
		s.firstSYN, s.haveSYN = other.firstSYN, true
	}
	if other.haveSYNACK && (!s.haveSYNACK || other.firstSYNACK < s.firstSYNACK) {
		s.firstSYNACK, s.haveSYNACK = other.firstSYNACK, true
	}
}

// Finalize derives the conversation metrics. It may only be called once.
func (s *State) Finalize() (model.ConversationMetrics, error) {
	if s.finalized {
		return model.ConversationMetrics{}, fmt.Errorf("conversation %q finalized twice", s.key)
	}
	if s.count == 0 {
		return model.ConversationMetrics{}, fmt.Errorf("%w: key %q", ErrEmptyConversation, s.key)
	}
	s.finalized = true

	return model.ConversationMetrics{
		Key:         s.key,
		RTTMillis:   s.rtt(),
		DurationSec: s.last - s.first,
		VolumeBytes: s.volume,
		PacketCount: s.count,
	}, nil
}

// rtt is the gap between the earliest SYN and the earliest SYN-ACK. A
// SYN-ACK that is not strictly later than the SYN is treated as
// unmeasurable, not clamped.
func (s *State) rtt() *float64 {
	if !s.haveSYN || !s.haveSYNACK || s.firstSYNACK <= s.firstSYN {
		return nil
	}
	rtt := (s.firstSYNACK - s.firstSYN) * 1000
	return &rtt
}
