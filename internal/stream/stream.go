// Package stream implements the line-oriented pipeline stages run under a
// Hadoop-streaming style driver: each stage reads stdin and writes stdout.
package stream

import (
	"PcapReduce/internal/codec"
	"PcapReduce/internal/config"
	"PcapReduce/internal/metrics"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// maxLineSize caps one input line; longer lines are skipped as malformed.
var maxLineSize = 16 * 1024 * 1024

// errSkip marks a well-formed line the stage has nothing to do with.
var errSkip = errors.New("skipped")

// Options configures a stage run.
type Options struct {
	Config *config.Config
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Combine pre-aggregates traffic tuples in traffic-map.
	Combine bool
}

// Counts is the running tally of a stage.
type Counts struct {
	Valid   uint64 `json:"valid"`
	Invalid uint64 `json:"invalid"`
	Skipped uint64 `json:"skipped"`
	Rows    uint64 `json:"rows"`
}

type stageFunc func(s *stage, ctx context.Context, in io.Reader) error

var stages = map[string]stageFunc{
	"preprocess-map":      (*stage).preprocessMap,
	"preprocess-reduce":   (*stage).preprocessReduce,
	"traffic-map":         (*stage).trafficMap,
	"traffic-reduce":      (*stage).trafficReduce,
	"conversation-map":    (*stage).conversationMap,
	"conversation-reduce": (*stage).conversationReduce,
}

// Names lists the available stages.
func Names() []string {
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type stage struct {
	name string
	opts Options
	out  *bufio.Writer

	valid   atomic.Uint64
	invalid atomic.Uint64
	skipped atomic.Uint64
	rows    atomic.Uint64
}

// Run executes the named stage. Malformed input is logged and skipped. Any
// other failure is fatal: the rest of in is drained and the error returned.
func Run(ctx context.Context, name string, opts Options, in io.Reader, out io.Writer) (Counts, error) {
	fn, ok := stages[name]
	if !ok {
		err := fmt.Errorf("unknown stage: '%s'", name)
		log.WithField("drained_bytes", Drain(in)).WithError(err).Error("Stage failed")
		return Counts{}, err
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	s := &stage{name: name, opts: opts, out: bufio.NewWriter(out)}
	if opts.Metrics != nil {
		opts.Metrics.AddStats(name, func() any { return s.counts() })
	}

	err := fn(s, ctx, in)
	if ferr := s.out.Flush(); err == nil && ferr != nil {
		err = fmt.Errorf("failed to write output: %w", ferr)
	}

	c := s.counts()
	fields := log.Fields{"stage": name, "valid": c.Valid, "invalid": c.Invalid, "skipped": c.Skipped, "rows": c.Rows}
	if err != nil {
		fields["drained_bytes"] = Drain(in)
		log.WithFields(fields).WithError(err).Error("Stage failed")
		return c, fmt.Errorf("stage '%s': %w", name, err)
	}
	log.WithFields(fields).Info("Stage complete")
	return c, nil
}

// Drain reads in to the end so an upstream writer is not cut off by a stage
// that stopped early. It returns the number of bytes discarded.
func Drain(in io.Reader) int64 {
	n, err := io.Copy(io.Discard, in)
	if err != nil {
		log.WithError(err).Warn("Failed to drain input")
	}
	return n
}

func (s *stage) counts() Counts {
	return Counts{
		Valid:   s.valid.Load(),
		Invalid: s.invalid.Load(),
		Skipped: s.skipped.Load(),
		Rows:    s.rows.Load(),
	}
}

func (s *stage) count(outcome string, c *atomic.Uint64) {
	c.Add(1)
	if s.opts.Metrics != nil {
		s.opts.Metrics.Records.WithLabelValues(s.name, outcome).Inc()
	}
}

// malformed logs a rejected input together with the running totals.
func (s *stage) malformed(fragment string, err error) {
	s.count("invalid", &s.invalid)
	log.WithFields(log.Fields{
		"stage":    s.name,
		"fragment": fragment,
		"valid":    s.valid.Load(),
		"invalid":  s.invalid.Load(),
	}).WithError(err).Warn("Skipping malformed input")
}

func (s *stage) emit(line string) {
	s.out.WriteString(line)
	s.out.WriteByte('\n')
	s.rows.Add(1)
	if s.opts.Metrics != nil {
		s.opts.Metrics.Rows.WithLabelValues(s.name).Inc()
	}
}

// eachLine feeds every non-blank line to fn. Errors wrapping
// codec.ErrMalformed and errSkip are tallied, as are lines longer than
// maxLineSize; any other error stops the scan.
func (s *stage) eachLine(ctx context.Context, in io.Reader, fn func(line []byte) error) error {
	r := bufio.NewReaderSize(in, 64*1024)
	var line []byte
	oversized := false
	for {
		chunk, rerr := r.ReadSlice('\n')
		if !oversized && len(line)+len(chunk) > maxLineSize {
			oversized = true
		}
		if !oversized {
			line = append(line, chunk...)
		}
		if rerr == bufio.ErrBufferFull {
			continue
		}
		if rerr != nil && rerr != io.EOF {
			return fmt.Errorf("failed to read input: %w", rerr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if oversized {
			s.malformed(codec.Fragment(line), fmt.Errorf("%w: line longer than %d bytes", codec.ErrMalformed, maxLineSize))
		} else if err := s.apply(bytes.TrimSpace(line), fn); err != nil {
			return err
		}
		line, oversized = line[:0], false
		if rerr == io.EOF {
			return nil
		}
	}
}

func (s *stage) apply(line []byte, fn func(line []byte) error) error {
	if len(line) == 0 {
		return nil
	}
	switch err := fn(line); {
	case err == nil:
		s.count("valid", &s.valid)
	case errors.Is(err, errSkip):
		s.count("skipped", &s.skipped)
	case errors.Is(err, codec.ErrMalformed):
		s.malformed(codec.Fragment(line), err)
	default:
		return err
	}
	return nil
}
