package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

var (
	clientIPs   = []net.IP{{192, 168, 1, 10}, {192, 168, 1, 20}, {192, 168, 1, 30}, {192, 168, 1, 40}}
	serverIPs   = []net.IP{{10, 0, 0, 100}, {10, 0, 0, 101}, {8, 8, 8, 8}, {1, 1, 1, 1}}
	serverPorts = []layers.TCPPort{80, 443, 8080, 22, 3306, 5432}
)

// frame is one packet waiting to be written in timestamp order.
type frame struct {
	at   time.Time
	data []byte
}

type counts struct {
	TCP, UDP, ICMP, Conversations int
}

type generator struct {
	rng    *rand.Rand
	base   time.Time
	frames []frame
	counts counts
}

func (g *generator) serialize(at time.Duration, ls ...gopacket.SerializableLayer) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return fmt.Errorf("failed to serialize layers: %w", err)
	}
	g.frames = append(g.frames, frame{at: g.base.Add(at), data: buf.Bytes()})
	return nil
}

func ethernet() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func ipv4(src, dst net.IP, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{SrcIP: src, DstIP: dst, Version: 4, TTL: 64, Protocol: proto}
}

func (g *generator) tcp(at time.Duration, src, dst net.IP, sport, dport layers.TCPPort, flags string, payload int) error {
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	t := &layers.TCP{SrcPort: sport, DstPort: dport, Seq: g.rng.Uint32(), Window: 14600}
	for _, f := range flags {
		switch f {
		case 'S':
			t.SYN = true
		case 'A':
			t.ACK = true
		case 'F':
			t.FIN = true
		case 'P':
			t.PSH = true
		}
	}
	t.SetNetworkLayerForChecksum(ip)
	g.counts.TCP++
	return g.serialize(at, ethernet(), ip, t, gopacket.Payload(make([]byte, payload)))
}

func jitter(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}

// conversation emits a handshake with a 10-50ms RTT, a burst of data in
// both directions and a FIN.
func (g *generator) conversation(start time.Duration) error {
	client := clientIPs[g.rng.Intn(len(clientIPs))]
	server := serverIPs[g.rng.Intn(len(serverIPs))]
	cport := layers.TCPPort(49152 + g.rng.Intn(16384))
	sport := serverPorts[g.rng.Intn(len(serverPorts))]

	rtt := jitter(g.rng, 10*time.Millisecond, 50*time.Millisecond)
	if err := g.tcp(start, client, server, cport, sport, "S", 0); err != nil {
		return err
	}
	if err := g.tcp(start+rtt, server, client, sport, cport, "SA", 0); err != nil {
		return err
	}
	if err := g.tcp(start+rtt+time.Millisecond, client, server, cport, sport, "A", 0); err != nil {
		return err
	}
	for j := 0; j < 5+g.rng.Intn(11); j++ {
		at := start + 100*time.Millisecond + time.Duration(j)*20*time.Millisecond
		if err := g.tcp(at, client, server, cport, sport, "PA", 100+g.rng.Intn(1401)); err != nil {
			return err
		}
		at += jitter(g.rng, 5*time.Millisecond, 15*time.Millisecond)
		if err := g.tcp(at, server, client, sport, cport, "PA", 100+g.rng.Intn(1401)); err != nil {
			return err
		}
	}
	g.counts.Conversations++
	return g.tcp(start+time.Second, client, server, cport, sport, "FA", 0)
}

func (g *generator) dns(start time.Duration) error {
	client := clientIPs[g.rng.Intn(len(clientIPs))]
	server := serverIPs[g.rng.Intn(len(serverIPs))]
	port := layers.UDPPort(49152 + g.rng.Intn(16384))

	for i, dir := range []struct {
		src, dst     net.IP
		sport, dport layers.UDPPort
		at           time.Duration
		body         string
	}{
		{client, server, port, 53, start, "DNS query data"},
		{server, client, 53, port, start + jitter(g.rng, time.Millisecond, 20*time.Millisecond), "DNS response data"},
	} {
		ip := ipv4(dir.src, dir.dst, layers.IPProtocolUDP)
		udp := &layers.UDP{SrcPort: dir.sport, DstPort: dir.dport}
		udp.SetNetworkLayerForChecksum(ip)
		if err := g.serialize(dir.at, ethernet(), ip, udp, gopacket.Payload(dir.body)); err != nil {
			return fmt.Errorf("udp packet %d: %w", i, err)
		}
		g.counts.UDP++
	}
	return nil
}

func (g *generator) ping(start time.Duration) error {
	client := clientIPs[g.rng.Intn(len(clientIPs))]
	server := serverIPs[g.rng.Intn(len(serverIPs))]

	req := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
	if err := g.serialize(start, ethernet(), ipv4(client, server, layers.IPProtocolICMPv4), req); err != nil {
		return err
	}
	reply := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0)}
	if err := g.serialize(start+jitter(g.rng, time.Millisecond, 50*time.Millisecond), ethernet(), ipv4(server, client, layers.IPProtocolICMPv4), reply); err != nil {
		return err
	}
	g.counts.ICMP += 2
	return nil
}

// generate writes a capture sized by n: n/10 TCP conversations, n/20 DNS
// exchanges and n/50 pings, sorted by timestamp.
func generate(w io.Writer, n int, rng *rand.Rand, base time.Time) (counts, error) {
	g := &generator{rng: rng, base: base}
	for i := 0; i < n/10; i++ {
		if err := g.conversation(time.Duration(i) * 100 * time.Millisecond); err != nil {
			return g.counts, err
		}
	}
	for i := 0; i < n/20; i++ {
		if err := g.dns(time.Duration(i) * 50 * time.Millisecond); err != nil {
			return g.counts, err
		}
	}
	for i := 0; i < n/50; i++ {
		if err := g.ping(time.Duration(i) * 100 * time.Millisecond); err != nil {
			return g.counts, err
		}
	}

	sort.SliceStable(g.frames, func(i, j int) bool { return g.frames[i].at.Before(g.frames[j].at) })

	pcapWriter := pcapgo.NewWriter(w)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return g.counts, fmt.Errorf("failed to write pcap header: %w", err)
	}
	for _, f := range g.frames {
		ci := gopacket.CaptureInfo{Timestamp: f.at, CaptureLength: len(f.data), Length: len(f.data)}
		if err := pcapWriter.WritePacket(ci, f.data); err != nil {
			return g.counts, fmt.Errorf("failed to write packet: %w", err)
		}
	}
	return g.counts, nil
}

func main() {
	outputFile := flag.String("o", "sample.pcap", "Output pcap file path")
	packetCount := flag.Int("n", 1000, "Scale of the capture (roughly the number of handshake-bearing packets)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	log.Printf("Generating capture of scale %d into %s...", *packetCount, *outputFile)
	c, err := generate(f, *packetCount, rand.New(rand.NewSource(*seed)), time.Now())
	if err != nil {
		log.Fatalf("Failed to generate capture: %v", err)
	}
	log.Printf("Wrote %d conversations: %d TCP, %d UDP and %d ICMP packets.", c.Conversations, c.TCP, c.UDP, c.ICMP)
}
