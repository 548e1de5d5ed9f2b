package stream

import (
	"PcapReduce/internal/codec"
	"PcapReduce/internal/engine/flowkey"
	"PcapReduce/internal/engine/impl/conversation"
	"PcapReduce/internal/engine/impl/traffic"
	"PcapReduce/internal/engine/protocol"
	"PcapReduce/internal/model"
	"PcapReduce/pkg/pcap"
	"context"
	"fmt"
	"io"

	"github.com/google/gopacket"
)

// preprocessMap decodes a capture into canonical JSON records.
func (s *stage) preprocessMap(ctx context.Context, in io.Reader) error {
	reader, err := pcap.NewStreamReader(in)
	if err != nil {
		return err
	}
	defer reader.Close()

	n := protocol.NewNormalizer(s.opts.Config.Normalizer)
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveNormalizer(n.Stats())
	}

	frames := make(chan gopacket.Packet, s.opts.Config.Aggregator.SizeOfPacketChannel)
	errc := make(chan error, 1)
	go func() {
		errc <- reader.ReadFrames(ctx, frames)
		close(frames)
	}()

	for packet := range frames {
		rec, err := n.Normalize(packet)
		if err != nil {
			s.malformed(fmt.Sprintf("frame %d (%d bytes)", n.Stats().FramesSeen.Load(), len(packet.Data())), err)
			continue
		}
		if rec == nil {
			s.count("skipped", &s.skipped)
			continue
		}
		data, err := codec.EncodeRecord(rec)
		if err != nil {
			s.malformed(rec.String(), err)
			continue
		}
		s.count("valid", &s.valid)
		s.emit(string(data))
	}
	n.LogFinal()
	return <-errc
}

// preprocessReduce passes valid records through unchanged.
func (s *stage) preprocessReduce(ctx context.Context, in io.Reader) error {
	return s.eachLine(ctx, in, func(line []byte) error {
		if _, err := codec.DecodeRecord(line); err != nil {
			return err
		}
		s.emit(string(line))
		return nil
	})
}

// trafficMap splits each record into a sent and a received tuple. With
// Combine set the tuples are folded per host and emitted at the end.
func (s *stage) trafficMap(ctx context.Context, in io.Reader) error {
	var combiner *traffic.Combiner
	if s.opts.Combine {
		combiner = traffic.NewCombiner()
	}

	err := s.eachLine(ctx, in, func(line []byte) error {
		rec, err := codec.DecodeRecord(line)
		if err != nil {
			return err
		}
		tuples, ok := traffic.Tuples(rec)
		if !ok {
			return errSkip
		}
		for _, t := range tuples {
			if combiner != nil {
				combiner.Add(t)
			} else {
				s.emit(codec.FormatTrafficTuple(t))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if combiner != nil {
		for _, t := range combiner.Tuples() {
			s.emit(codec.FormatTrafficTuple(t))
		}
	}
	return nil
}

// trafficReduce merges tuples into one row per host, ordered by IP.
func (s *stage) trafficReduce(ctx context.Context, in io.Reader) error {
	agg := s.opts.Config.Aggregator
	task := traffic.New(ctx, s.name, agg.NumPartitions, agg.SizeOfPacketChannel)

	err := s.eachLine(ctx, in, func(line []byte) error {
		t, err := codec.ParseTrafficTuple(line)
		if err != nil {
			return err
		}
		return task.AddTuple(ctx, t)
	})

	var result model.Result
	if ferr := task.Finish(ctx, &result); err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	for _, h := range result.Traffic {
		s.emit(codec.FormatTrafficRow(h))
	}
	return nil
}

// conversationMap keys every qualifying TCP record by its conversation.
func (s *stage) conversationMap(ctx context.Context, in io.Reader) error {
	return s.eachLine(ctx, in, func(line []byte) error {
		rec, err := codec.DecodeRecord(line)
		if err != nil {
			return err
		}
		key, ok := flowkey.FromRecord(rec)
		if !ok {
			return errSkip
		}
		out, err := codec.FormatConversationTuple(key, rec)
		if err != nil {
			return err
		}
		s.emit(out)
		return nil
	})
}

// conversationReduce finalizes one metrics row per conversation key.
func (s *stage) conversationReduce(ctx context.Context, in io.Reader) error {
	agg := s.opts.Config.Aggregator
	task := conversation.New(ctx, s.name, agg.NumPartitions, agg.SizeOfPacketChannel)

	err := s.eachLine(ctx, in, func(line []byte) error {
		key, rec, err := codec.ParseConversationTuple(line)
		if err != nil {
			return err
		}
		if rec.Proto != model.ProtocolTCP {
			return errSkip
		}
		return task.AddKeyed(ctx, key, rec)
	})

	var result model.Result
	if ferr := task.Finish(ctx, &result); err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	for _, c := range result.Conversations {
		s.emit(codec.FormatConversationRow(c))
	}
	return nil
}
