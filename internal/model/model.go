package model

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Protocol names produced by the packet normalizer. Unrecognised IP protocol
// numbers are rendered as "IP_<n>".
const (
	ProtocolTCP   = "TCP"
	ProtocolUDP   = "UDP"
	ProtocolICMP  = "ICMP"
	ProtocolNonIP = "NON_IP"
)

var (
	// ErrInvalidRecord is returned when a PacketRecord breaks its field presence rules.
	ErrInvalidRecord = errors.New("invalid packet record")
	// ErrInvalidIPv4 is returned for address fields that are not dotted-decimal IPv4 literals.
	ErrInvalidIPv4 = errors.New("invalid IPv4 literal")
)

// ProtocolName maps an IP protocol number to its record name.
func ProtocolName(proto uint8) string {
	switch proto {
	case 1:
		return ProtocolICMP
	case 6:
		return ProtocolTCP
	case 17:
		return ProtocolUDP
	default:
		return fmt.Sprintf("IP_%d", proto)
	}
}

// ValidIPv4 reports whether s is four dot-separated decimal octets in 0-255.
func ValidIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return addr.Is4()
}

// PacketRecord is one normalized frame.
// Optional fields are nil when absent: addresses only exist for IP frames,
// ports only for TCP/UDP, flags only for TCP.
type PacketRecord struct {
	Timestamp float64   `json:"timestamp"`
	SrcIP     *string   `json:"src_ip"`
	DstIP     *string   `json:"dst_ip"`
	SrcPort   *uint16   `json:"src_port"`
	DstPort   *uint16   `json:"dst_port"`
	Proto     string    `json:"proto"`
	Size      int       `json:"size"`
	TCPFlags  *TCPFlags `json:"tcp_flags"`
}

// NewNonIPRecord builds the record emitted for frames without an IP layer.
func NewNonIPRecord(timestamp float64, size int) *PacketRecord {
	return &PacketRecord{Timestamp: timestamp, Proto: ProtocolNonIP, Size: size}
}

// NewIPRecord builds a record for an IPv4 frame and checks its invariants.
// ports must be nil unless proto is TCP or UDP; flags must be set iff proto is TCP.
func NewIPRecord(timestamp float64, size int, srcIP, dstIP, proto string, ports *[2]uint16, flags *TCPFlags) (*PacketRecord, error) {
	rec := &PacketRecord{
		Timestamp: timestamp,
		SrcIP:     &srcIP,
		DstIP:     &dstIP,
		Proto:     proto,
		Size:      size,
		TCPFlags:  flags,
	}
	if ports != nil {
		src, dst := ports[0], ports[1]
		rec.SrcPort = &src
		rec.DstPort = &dst
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the field presence invariants and address syntax.
func (r *PacketRecord) Validate() error {
	if r.Proto == "" {
		return fmt.Errorf("%w: missing proto", ErrInvalidRecord)
	}
	if r.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidRecord, r.Size)
	}
	if (r.SrcPort == nil) != (r.DstPort == nil) {
		return fmt.Errorf("%w: ports must be both present or both absent", ErrInvalidRecord)
	}
	if (r.TCPFlags != nil) != (r.Proto == ProtocolTCP) {
		return fmt.Errorf("%w: tcp_flags present iff proto is TCP (proto=%s)", ErrInvalidRecord, r.Proto)
	}
	hasIP := r.SrcIP != nil || r.DstIP != nil
	if r.Proto == ProtocolNonIP && hasIP {
		return fmt.Errorf("%w: NON_IP record carries addresses", ErrInvalidRecord)
	}
	transport := r.Proto == ProtocolTCP || r.Proto == ProtocolUDP
	if r.SrcPort != nil && !(transport && hasIP) {
		return fmt.Errorf("%w: ports present for proto %s", ErrInvalidRecord, r.Proto)
	}
	if r.SrcPort == nil && transport && hasIP {
		return fmt.Errorf("%w: %s record without ports", ErrInvalidRecord, r.Proto)
	}
	for _, ip := range []*string{r.SrcIP, r.DstIP} {
		if ip != nil && !ValidIPv4(*ip) {
			return fmt.Errorf("%w: %q", ErrInvalidIPv4, *ip)
		}
	}
	return nil
}

// HasAddresses reports whether both source and destination addresses are present.
func (r *PacketRecord) HasAddresses() bool {
	return r.SrcIP != nil && r.DstIP != nil
}

// Flags returns the TCP flags, or zero if absent.
func (r *PacketRecord) Flags() TCPFlags {
	if r.TCPFlags == nil {
		return 0
	}
	return *r.TCPFlags
}

// String renders the record in a compact human readable form for diagnostics.
func (r *PacketRecord) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%.6f %s", r.Timestamp, r.Proto)
	if r.HasAddresses() {
		src, dst := *r.SrcIP, *r.DstIP
		if r.SrcPort != nil {
			src = fmt.Sprintf("%s:%d", src, *r.SrcPort)
			dst = fmt.Sprintf("%s:%d", dst, *r.DstPort)
		}
		fmt.Fprintf(&b, " %s -> %s", src, dst)
	}
	if r.TCPFlags != nil {
		fmt.Fprintf(&b, " [%s]", r.TCPFlags.String())
	}
	fmt.Fprintf(&b, " len=%d", r.Size)
	return b.String()
}

// HostTraffic is the finalized traffic volume of one IP address.
type HostTraffic struct {
	IP            string `json:"ip"`
	SentBytes     uint64 `json:"sent_bytes"`
	ReceivedBytes uint64 `json:"received_bytes"`
}

// ConversationMetrics is the finalized view of one bidirectional TCP flow.
// RTTMillis is nil when no usable SYN / SYN-ACK pair was observed.
type ConversationMetrics struct {
	Key         string   `json:"key"`
	RTTMillis   *float64 `json:"rtt_ms"`
	DurationSec float64  `json:"duration_sec"`
	VolumeBytes uint64   `json:"volume_bytes"`
	PacketCount uint64   `json:"packet_count"`
}

// Direction tells which side of a packet an address was on.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionSent, DirectionReceived:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("unknown direction: %s", s)
	}
}

// TrafficTuple is one host's contribution from a single packet (or, after
// pre-combining, from many packets).
type TrafficTuple struct {
	IP        string
	Direction Direction
	Size      uint64
}
