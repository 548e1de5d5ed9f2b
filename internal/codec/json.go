// Package codec holds the line formats exchanged between pipeline stages and
// the binary envelope used on the NATS transport.
package codec

import (
	"PcapReduce/internal/model"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed wraps every decoding failure of an input line or message.
var ErrMalformed = errors.New("malformed input")

const maxFragment = 120

// Fragment renders an offending input for diagnostics, truncated for
// readability.
func Fragment(line []byte) string {
	if len(line) <= maxFragment {
		return string(line)
	}
	return string(line[:maxFragment]) + "..."
}

// EncodeRecord renders the canonical one-line JSON form of a record. Absent
// optional fields are written as null.
func EncodeRecord(rec *model.PacketRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// wireRecord mirrors model.PacketRecord with every field optional so that
// missing required fields can be told apart from zero values.
type wireRecord struct {
	Timestamp *float64        `json:"timestamp"`
	SrcIP     *string         `json:"src_ip"`
	DstIP     *string         `json:"dst_ip"`
	SrcPort   *uint16         `json:"src_port"`
	DstPort   *uint16         `json:"dst_port"`
	Proto     *string         `json:"proto"`
	Size      *int            `json:"size"`
	TCPFlags  *model.TCPFlags `json:"tcp_flags"`
}

// DecodeRecord parses and validates one canonical JSON line.
func DecodeRecord(line []byte) (*model.PacketRecord, error) {
	line = bytes.TrimSpace(line)
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case w.Timestamp == nil:
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case w.Proto == nil:
		return nil, fmt.Errorf("%w: missing proto", ErrMalformed)
	case w.Size == nil:
		return nil, fmt.Errorf("%w: missing size", ErrMalformed)
	}

	rec := &model.PacketRecord{
		Timestamp: *w.Timestamp,
		SrcIP:     w.SrcIP,
		DstIP:     w.DstIP,
		SrcPort:   w.SrcPort,
		DstPort:   w.DstPort,
		Proto:     *w.Proto,
		Size:      *w.Size,
		TCPFlags:  w.TCPFlags,
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return rec, nil
}
