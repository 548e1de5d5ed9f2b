package codec

import (
	"PcapReduce/internal/model"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind tells what a NATS message carries.
type Kind uint8

const (
	// KindRecord carries a keyed PacketRecord for the conversation view.
	KindRecord Kind = iota + 1
	// KindTraffic carries a pre-combined traffic tuple keyed by IP.
	KindTraffic
	// KindEndOfStream marks that Producer will publish nothing more on this
	// partition.
	KindEndOfStream
)

func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindTraffic:
		return "traffic"
	case KindEndOfStream:
		return "eos"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is the envelope published on partition subjects.
type Message struct {
	Kind     Kind
	Key      string
	Producer string
	Record   *model.PacketRecord
	Tuple    model.TrafficTuple
}

// Envelope field numbers.
const (
	fieldKind      protowire.Number = 1
	fieldKey       protowire.Number = 2
	fieldProducer  protowire.Number = 3
	fieldRecord    protowire.Number = 4
	fieldDirection protowire.Number = 5
	fieldSize      protowire.Number = 6
)

// Record field numbers.
const (
	recTimestamp protowire.Number = 1
	recSrcIP     protowire.Number = 2
	recDstIP     protowire.Number = 3
	recSrcPort   protowire.Number = 4
	recDstPort   protowire.Number = 5
	recProto     protowire.Number = 6
	recSize      protowire.Number = 7
	recTCPFlags  protowire.Number = 8
)

// MarshalMessage encodes m in protobuf wire format.
func MarshalMessage(m *Message) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	if m.Producer != "" {
		b = protowire.AppendTag(b, fieldProducer, protowire.BytesType)
		b = protowire.AppendString(b, m.Producer)
	}

	switch m.Kind {
	case KindRecord:
		if m.Record == nil {
			return nil, fmt.Errorf("record message for key '%s' has no record", m.Key)
		}
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, m.Key)
		b = protowire.AppendTag(b, fieldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRecord(nil, m.Record))
	case KindTraffic:
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, m.Tuple.IP)
		b = protowire.AppendTag(b, fieldDirection, protowire.VarintType)
		b = protowire.AppendVarint(b, directionCode(m.Tuple.Direction))
		b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Tuple.Size)
	case KindEndOfStream:
	default:
		return nil, fmt.Errorf("unknown message kind %d", m.Kind)
	}
	return b, nil
}

func appendRecord(b []byte, r *model.PacketRecord) []byte {
	b = protowire.AppendTag(b, recTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(r.Timestamp))
	if r.SrcIP != nil {
		b = protowire.AppendTag(b, recSrcIP, protowire.BytesType)
		b = protowire.AppendString(b, *r.SrcIP)
	}
	if r.DstIP != nil {
		b = protowire.AppendTag(b, recDstIP, protowire.BytesType)
		b = protowire.AppendString(b, *r.DstIP)
	}
	if r.SrcPort != nil {
		b = protowire.AppendTag(b, recSrcPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*r.SrcPort))
	}
	if r.DstPort != nil {
		b = protowire.AppendTag(b, recDstPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*r.DstPort))
	}
	b = protowire.AppendTag(b, recProto, protowire.BytesType)
	b = protowire.AppendString(b, r.Proto)
	b = protowire.AppendTag(b, recSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Size))
	// Zero flags are still written.
	if r.TCPFlags != nil {
		b = protowire.AppendTag(b, recTCPFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*r.TCPFlags))
	}
	return b
}

// UnmarshalMessage decodes an envelope produced by MarshalMessage. Unknown
// fields are skipped.
func UnmarshalMessage(data []byte) (*Message, error) {
	m := &Message{}
	var haveDirection bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Kind = Kind(v)
			data = data[n:]
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: key: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Key = v
			data = data[n:]
		case num == fieldProducer && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: producer: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Producer = v
			data = data[n:]
		case num == fieldRecord && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: record: %v", ErrMalformed, protowire.ParseError(n))
			}
			rec, err := unmarshalRecord(v)
			if err != nil {
				return nil, err
			}
			m.Record = rec
			data = data[n:]
		case num == fieldDirection && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: direction: %v", ErrMalformed, protowire.ParseError(n))
			}
			dir, err := directionFromCode(v)
			if err != nil {
				return nil, err
			}
			m.Tuple.Direction = dir
			haveDirection = true
			data = data[n:]
		case num == fieldSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: size: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Tuple.Size = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	switch m.Kind {
	case KindRecord:
		if m.Record == nil || m.Key == "" {
			return nil, fmt.Errorf("%w: record message without key or record", ErrMalformed)
		}
	case KindTraffic:
		if m.Key == "" || !haveDirection {
			return nil, fmt.Errorf("%w: traffic message without key or direction", ErrMalformed)
		}
		m.Tuple.IP = m.Key
	case KindEndOfStream:
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrMalformed, m.Kind)
	}
	return m, nil
}

func unmarshalRecord(data []byte) (*model.PacketRecord, error) {
	r := &model.PacketRecord{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: record: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == recTimestamp && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformed, protowire.ParseError(n))
			}
			r.Timestamp = math.Float64frombits(v)
			data = data[n:]
		case (num == recSrcIP || num == recDstIP || num == recProto) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case recSrcIP:
				r.SrcIP = &v
			case recDstIP:
				r.DstIP = &v
			default:
				r.Proto = v
			}
			data = data[n:]
		case (num == recSrcPort || num == recDstPort || num == recSize || num == recTCPFlags) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case recSrcPort, recDstPort:
				if v > math.MaxUint16 {
					return nil, fmt.Errorf("%w: port %d out of range", ErrMalformed, v)
				}
				p := uint16(v)
				if num == recSrcPort {
					r.SrcPort = &p
				} else {
					r.DstPort = &p
				}
			case recSize:
				if v > math.MaxInt32 {
					return nil, fmt.Errorf("%w: size %d out of range", ErrMalformed, v)
				}
				r.Size = int(v)
			default:
				f := model.TCPFlags(v)
				r.TCPFlags = &f
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: record field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r, nil
}

func directionCode(d model.Direction) uint64 {
	if d == model.DirectionReceived {
		return 2
	}
	return 1
}

func directionFromCode(v uint64) (model.Direction, error) {
	switch v {
	case 1:
		return model.DirectionSent, nil
	case 2:
		return model.DirectionReceived, nil
	default:
		return "", fmt.Errorf("%w: unknown direction code %d", ErrMalformed, v)
	}
}
