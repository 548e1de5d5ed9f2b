package codec

import (
	"PcapReduce/internal/model"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// NotAvailable is written in place of an unmeasurable RTT.
const NotAvailable = "N/A"

// FormatTrafficTuple renders "ip\tdirection\tsize".
func FormatTrafficTuple(t model.TrafficTuple) string {
	return t.IP + "\t" + string(t.Direction) + "\t" + strconv.FormatUint(t.Size, 10)
}

// ParseTrafficTuple parses a traffic intermediate tuple.
func ParseTrafficTuple(line []byte) (model.TrafficTuple, error) {
	parts := strings.Split(strings.TrimSpace(string(line)), "\t")
	if len(parts) != 3 {
		return model.TrafficTuple{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformed, len(parts))
	}
	if !model.ValidIPv4(parts[0]) {
		return model.TrafficTuple{}, fmt.Errorf("%w: %v %q", ErrMalformed, model.ErrInvalidIPv4, parts[0])
	}
	dir, err := model.ParseDirection(parts[1])
	if err != nil {
		return model.TrafficTuple{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	size, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return model.TrafficTuple{}, fmt.Errorf("%w: invalid size value %q", ErrMalformed, parts[2])
	}
	return model.TrafficTuple{IP: parts[0], Direction: dir, Size: size}, nil
}

// FormatTrafficRow renders "ip\tsent\treceived".
func FormatTrafficRow(h model.HostTraffic) string {
	return h.IP + "\t" + strconv.FormatUint(h.SentBytes, 10) + "\t" + strconv.FormatUint(h.ReceivedBytes, 10)
}

// FormatConversationTuple renders "key\t<record json>".
func FormatConversationTuple(key string, rec *model.PacketRecord) (string, error) {
	data, err := EncodeRecord(rec)
	if err != nil {
		return "", err
	}
	return key + "\t" + string(data), nil
}

// ParseConversationTuple splits a keyed line at its first tab and decodes the
// record after it.
func ParseConversationTuple(line []byte) (string, *model.PacketRecord, error) {
	line = bytes.TrimSpace(line)
	i := bytes.IndexByte(line, '\t')
	if i <= 0 {
		return "", nil, fmt.Errorf("%w: expected key<TAB>record", ErrMalformed)
	}
	rec, err := DecodeRecord(line[i+1:])
	if err != nil {
		return "", nil, err
	}
	return string(line[:i]), rec, nil
}

// FormatConversationRow renders
// "key\trtt_ms|N/A\tduration_sec\tvolume_bytes\tpacket_count" with the RTT
// at 3 and the duration at 6 decimal places.
func FormatConversationRow(m model.ConversationMetrics) string {
	rtt := NotAvailable
	if m.RTTMillis != nil {
		rtt = strconv.FormatFloat(*m.RTTMillis, 'f', 3, 64)
	}
	return m.Key + "\t" + rtt + "\t" +
		strconv.FormatFloat(m.DurationSec, 'f', 6, 64) + "\t" +
		strconv.FormatUint(m.VolumeBytes, 10) + "\t" +
		strconv.FormatUint(m.PacketCount, 10)
}
