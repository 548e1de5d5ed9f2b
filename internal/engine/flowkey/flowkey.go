// Package flowkey derives direction-independent conversation identities.
package flowkey

import (
	"PcapReduce/internal/model"
	"strconv"
)

// Resolve returns the conversation key for a TCP four-tuple. Both the
// literal "src:sport-dst:dport" encoding and its endpoint-swapped form are
// built and the byte-wise smaller one wins, so
// Resolve(a, ap, b, bp) == Resolve(b, bp, a, ap).
func Resolve(srcIP string, srcPort uint16, dstIP string, dstPort uint16) string {
	forward := encode(srcIP, srcPort, dstIP, dstPort)
	reverse := encode(dstIP, dstPort, srcIP, srcPort)
	if reverse < forward {
		return reverse
	}
	return forward
}

// FromRecord resolves the key of a record. Only TCP records carrying both
// addresses and both ports take part in conversation keying.
func FromRecord(rec *model.PacketRecord) (string, bool) {
	if rec == nil || rec.Proto != model.ProtocolTCP {
		return "", false
	}
	if !rec.HasAddresses() || rec.SrcPort == nil || rec.DstPort == nil {
		return "", false
	}
	return Resolve(*rec.SrcIP, *rec.SrcPort, *rec.DstIP, *rec.DstPort), true
}

func encode(ipA string, portA uint16, ipB string, portB uint16) string {
	b := make([]byte, 0, len(ipA)+len(ipB)+13)
	b = append(b, ipA...)
	b = append(b, ':')
	b = strconv.AppendUint(b, uint64(portA), 10)
	b = append(b, '-')
	b = append(b, ipB...)
	b = append(b, ':')
	b = strconv.AppendUint(b, uint64(portB), 10)
	return string(b)
}
