package traffic

import (
	"PcapReduce/internal/model"
	"fmt"
	"sort"
)

// Host accumulates the traffic of one IP address.
type Host struct {
	ip        string
	sent      uint64
	received  uint64
	finalized bool
}

// NewHost creates the accumulator for ip on its first observation.
func NewHost(ip string) *Host {
	return &Host{ip: ip}
}

// Add applies one tuple. Tuples for other hosts are a caller bug and ignored.
func (h *Host) Add(t model.TrafficTuple) {
	switch t.Direction {
	case model.DirectionSent:
		h.sent += t.Size
	case model.DirectionReceived:
		h.received += t.Size
	}
}

// Finalize returns the totals for the host.
func (h *Host) Finalize() (model.HostTraffic, error) {
	if h.finalized {
		return model.HostTraffic{}, fmt.Errorf("host %q finalized twice", h.ip)
	}
	h.finalized = true
	return model.HostTraffic{IP: h.ip, SentBytes: h.sent, ReceivedBytes: h.received}, nil
}

// Tuples splits a record into the sender and receiver contributions.
// Records without both addresses have no host to attribute to.
func Tuples(rec *model.PacketRecord) ([2]model.TrafficTuple, bool) {
	if rec == nil || !rec.HasAddresses() {
		return [2]model.TrafficTuple{}, false
	}
	size := uint64(rec.Size)
	return [2]model.TrafficTuple{
		{IP: *rec.SrcIP, Direction: model.DirectionSent, Size: size},
		{IP: *rec.DstIP, Direction: model.DirectionReceived, Size: size},
	}, true
}

// Combiner pre-aggregates tuples locally before they are shipped to the
// final per-host merge. Summation is commutative and associative, so the
// combined tuples yield the same totals as the raw ones.
type Combiner struct {
	hosts map[string]*model.HostTraffic
}

// NewCombiner creates an empty combiner.
func NewCombiner() *Combiner {
	return &Combiner{hosts: make(map[string]*model.HostTraffic)}
}

// AddRecord folds both contributions of a record. It reports false when the
// record has no addresses.
func (c *Combiner) AddRecord(rec *model.PacketRecord) bool {
	tuples, ok := Tuples(rec)
	if !ok {
		return false
	}
	c.Add(tuples[0])
	c.Add(tuples[1])
	return true
}

// Add folds one tuple.
func (c *Combiner) Add(t model.TrafficTuple) {
	h, ok := c.hosts[t.IP]
	if !ok {
		h = &model.HostTraffic{IP: t.IP}
		c.hosts[t.IP] = h
	}
	switch t.Direction {
	case model.DirectionSent:
		h.SentBytes += t.Size
	case model.DirectionReceived:
		h.ReceivedBytes += t.Size
	}
}

// Len is the number of distinct hosts seen.
func (c *Combiner) Len() int {
	return len(c.hosts)
}

// Rows returns the combined totals ordered by IP.
func (c *Combiner) Rows() []model.HostTraffic {
	rows := make([]model.HostTraffic, 0, len(c.hosts))
	for _, h := range c.hosts {
		rows = append(rows, *h)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].IP < rows[j].IP })
	return rows
}

// Tuples returns the combined contributions ordered by IP, one sent and one
// received tuple per host.
func (c *Combiner) Tuples() []model.TrafficTuple {
	out := make([]model.TrafficTuple, 0, 2*len(c.hosts))
	for _, h := range c.Rows() {
		out = append(out,
			model.TrafficTuple{IP: h.IP, Direction: model.DirectionSent, Size: h.SentBytes},
			model.TrafficTuple{IP: h.IP, Direction: model.DirectionReceived, Size: h.ReceivedBytes},
		)
	}
	return out
}

// Reset discards all combined state.
func (c *Combiner) Reset() {
	c.hosts = make(map[string]*model.HostTraffic)
}
