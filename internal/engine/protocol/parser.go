package protocol

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/model"
	"fmt"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
)

// Stats counts what the normalizer has seen. All fields are safe for
// concurrent use.
type Stats struct {
	FramesSeen       atomic.Uint64
	FramesWithIP     atomic.Uint64
	FramesEmitted    atomic.Uint64
	FramesSuppressed atomic.Uint64
	FramesFailed     atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	FramesSeen       uint64 `json:"frames_seen"`
	FramesWithIP     uint64 `json:"frames_with_ip"`
	FramesEmitted    uint64 `json:"frames_emitted"`
	FramesSuppressed uint64 `json:"frames_suppressed"`
	FramesFailed     uint64 `json:"frames_failed"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesSeen:       s.FramesSeen.Load(),
		FramesWithIP:     s.FramesWithIP.Load(),
		FramesEmitted:    s.FramesEmitted.Load(),
		FramesSuppressed: s.FramesSuppressed.Load(),
		FramesFailed:     s.FramesFailed.Load(),
	}
}

// Normalizer decodes frames into PacketRecords. It keeps no per-frame state,
// so one Normalizer may be shared by any number of workers.
type Normalizer struct {
	includeNonIP   bool
	reportInterval uint64
	stats          Stats
}

// NewNormalizer creates a normalizer from its config section.
func NewNormalizer(cfg config.NormalizerConfig) *Normalizer {
	return &Normalizer{
		includeNonIP:   cfg.IncludeNonIP,
		reportInterval: cfg.ReportInterval,
	}
}

// Stats exposes the live counters.
func (n *Normalizer) Stats() *Stats {
	return &n.stats
}

// ParsePacket decodes raw Ethernet bytes and normalizes them. It is a
// convenience for callers that do not hold a gopacket.Packet.
func (n *Normalizer) ParsePacket(data []byte, ci gopacket.CaptureInfo) (*model.PacketRecord, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	md := packet.Metadata()
	md.CaptureInfo = ci
	return n.Normalize(packet)
}

// Normalize converts one frame. A nil record with a nil error means the
// frame was suppressed; an error means the frame was malformed and should be
// skipped without stopping the stream.
func (n *Normalizer) Normalize(packet gopacket.Packet) (*model.PacketRecord, error) {
	seen := n.stats.FramesSeen.Add(1)
	if n.reportInterval > 0 && seen%n.reportInterval == 0 {
		n.logProgress("progress")
	}

	rec, err := n.normalize(packet)
	switch {
	case err != nil:
		n.stats.FramesFailed.Add(1)
	case rec == nil:
		n.stats.FramesSuppressed.Add(1)
	default:
		n.stats.FramesEmitted.Add(1)
	}
	return rec, err
}

func (n *Normalizer) normalize(packet gopacket.Packet) (*model.PacketRecord, error) {
	timestamp, size := frameMeta(packet)

	l := packet.Layer(layers.LayerTypeIPv4)
	if l == nil {
		if errLayer := packet.ErrorLayer(); errLayer != nil {
			return nil, fmt.Errorf("malformed frame: %w", errLayer.Error())
		}
		if !n.includeNonIP {
			return nil, nil
		}
		return model.NewNonIPRecord(timestamp, size), nil
	}
	ipLayer := l.(*layers.IPv4)
	n.stats.FramesWithIP.Add(1)

	srcIP, dstIP := ipLayer.SrcIP.String(), ipLayer.DstIP.String()
	if !model.ValidIPv4(srcIP) || !model.ValidIPv4(dstIP) {
		log.WithFields(log.Fields{
			"src_ip":    srcIP,
			"dst_ip":    dstIP,
			"timestamp": timestamp,
		}).Warn("Suppressing frame with invalid IPv4 address")
		return nil, nil
	}

	proto := model.ProtocolName(uint8(ipLayer.Protocol))

	var ports *[2]uint16
	var flags *model.TCPFlags
	switch proto {
	case model.ProtocolTCP:
		tl := packet.Layer(layers.LayerTypeTCP)
		if tl == nil {
			return nil, fmt.Errorf("truncated TCP header in frame at %.6f from %s", timestamp, srcIP)
		}
		tcp := tl.(*layers.TCP)
		ports = &[2]uint16{uint16(tcp.SrcPort), uint16(tcp.DstPort)}
		f := tcpFlags(tcp)
		flags = &f
	case model.ProtocolUDP:
		ul := packet.Layer(layers.LayerTypeUDP)
		if ul == nil {
			return nil, fmt.Errorf("truncated UDP header in frame at %.6f from %s", timestamp, srcIP)
		}
		udp := ul.(*layers.UDP)
		ports = &[2]uint16{uint16(udp.SrcPort), uint16(udp.DstPort)}
	}

	return model.NewIPRecord(timestamp, size, srcIP, dstIP, proto, ports, flags)
}

// frameMeta returns the capture timestamp in float seconds and the frame
// length, falling back to the captured bytes when the wire length is unknown.
func frameMeta(packet gopacket.Packet) (float64, int) {
	md := packet.Metadata()
	size := md.Length
	if size <= 0 {
		size = len(packet.Data())
	}
	var timestamp float64
	if !md.Timestamp.IsZero() {
		timestamp = float64(md.Timestamp.UnixNano()) / 1e9
	}
	return timestamp, size
}

// tcpFlags tests the six control bits carried in a PacketRecord.
func tcpFlags(t *layers.TCP) model.TCPFlags {
	var f model.TCPFlags
	if t.SYN {
		f |= model.FlagSYN
	}
	if t.ACK {
		f |= model.FlagACK
	}
	if t.FIN {
		f |= model.FlagFIN
	}
	if t.RST {
		f |= model.FlagRST
	}
	if t.PSH {
		f |= model.FlagPSH
	}
	if t.URG {
		f |= model.FlagURG
	}
	return f
}

// LogFinal reports the closing counters for the stream.
func (n *Normalizer) LogFinal() {
	n.logProgress("final")
}

func (n *Normalizer) logProgress(phase string) {
	s := n.stats.Snapshot()
	log.WithFields(log.Fields{
		"phase":          phase,
		"frames_seen":    s.FramesSeen,
		"frames_with_ip": s.FramesWithIP,
		"frames_emitted": s.FramesEmitted,
		"suppressed":     s.FramesSuppressed,
		"failed":         s.FramesFailed,
	}).Info("Normalizer counters")
}
