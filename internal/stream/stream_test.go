package stream

import (
	"PcapReduce/internal/codec"
	"PcapReduce/internal/config"
	"PcapReduce/internal/metrics"
	"PcapReduce/internal/model"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Aggregator.NumPartitions = 4
	cfg.Aggregator.SizeOfPacketChannel = 16
	return cfg
}

func run(t *testing.T, name string, input string, combine bool) ([]string, Counts) {
	t.Helper()
	var out bytes.Buffer
	counts, err := Run(context.Background(), name, Options{Config: testConfig(), Combine: combine}, strings.NewReader(input), &out)
	require.NoError(t, err)
	text := strings.TrimRight(out.String(), "\n")
	if text == "" {
		return nil, counts
	}
	return strings.Split(text, "\n"), counts
}

func record(t *testing.T, ts float64, src string, sport uint16, dst string, dport uint16, flags string, size int) string {
	t.Helper()
	f, err := model.ParseTCPFlags(flags)
	require.NoError(t, err)
	rec, err := model.NewIPRecord(ts, size, src, dst, model.ProtocolTCP, &[2]uint16{sport, dport}, &f)
	require.NoError(t, err)
	data, err := codec.EncodeRecord(rec)
	require.NoError(t, err)
	return string(data)
}

func lines(ls ...string) string {
	return strings.Join(ls, "\n") + "\n"
}

func handshake(t *testing.T) []string {
	return []string{
		record(t, 0.000, "10.0.0.1", 40000, "10.0.0.2", 80, "S", 60),
		record(t, 0.020, "10.0.0.2", 80, "10.0.0.1", 40000, "SA", 60),
		record(t, 0.021, "10.0.0.1", 40000, "10.0.0.2", 80, "A", 60),
	}
}

func TestConversation_ScenarioA(t *testing.T) {
	mapped, counts := run(t, "conversation-map", lines(handshake(t)...), false)
	require.Len(t, mapped, 3)
	assert.Equal(t, uint64(3), counts.Valid)
	for _, l := range mapped {
		assert.True(t, strings.HasPrefix(l, "10.0.0.1:40000-10.0.0.2:80\t"), l)
	}

	rows, _ := run(t, "conversation-reduce", lines(mapped...), false)
	assert.Equal(t, []string{"10.0.0.1:40000-10.0.0.2:80\t20.000\t0.021000\t180\t3"}, rows)
}

func TestConversation_ScenarioB(t *testing.T) {
	input := append(handshake(t),
		record(t, 0.030, "10.0.0.1", 40000, "10.0.0.2", 80, "PA", 500),
		record(t, 0.040, "10.0.0.2", 80, "10.0.0.1", 40000, "PA", 600),
	)
	mapped, _ := run(t, "conversation-map", lines(input...), false)

	// Reducers must not depend on input order.
	for i, j := 0, len(mapped)-1; i < j; i, j = i+1, j-1 {
		mapped[i], mapped[j] = mapped[j], mapped[i]
	}
	rows, _ := run(t, "conversation-reduce", lines(mapped...), false)
	assert.Equal(t, []string{"10.0.0.1:40000-10.0.0.2:80\t20.000\t0.040000\t1280\t5"}, rows)
}

func TestConversation_NoHandshake(t *testing.T) {
	mapped, _ := run(t, "conversation-map", lines(
		record(t, 1.0, "10.0.0.3", 5000, "10.0.0.4", 22, "PA", 100),
		record(t, 1.5, "10.0.0.4", 22, "10.0.0.3", 5000, "A", 60),
	), false)
	rows, _ := run(t, "conversation-reduce", lines(mapped...), false)
	assert.Equal(t, []string{"10.0.0.3:5000-10.0.0.4:22\tN/A\t0.500000\t160\t2"}, rows)
}

func TestConversationMap_SkipsNonTCP(t *testing.T) {
	udp := `{"timestamp":1,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","src_port":53,"dst_port":53,"proto":"UDP","size":80,"tcp_flags":null}`
	mapped, counts := run(t, "conversation-map", lines(udp), false)
	assert.Empty(t, mapped)
	assert.Equal(t, Counts{Skipped: 1}, counts)
}

func trafficLines(t *testing.T) string {
	return lines(
		record(t, 1.0, "10.0.0.1", 1234, "10.0.0.2", 80, "PA", 1000),
		record(t, 1.1, "10.0.0.2", 80, "10.0.0.1", 1234, "A", 200),
		`{"timestamp":2,"src_ip":null,"dst_ip":null,"src_port":null,"dst_port":null,"proto":"NON_IP","size":42,"tcp_flags":null}`,
	)
}

func TestTraffic_ScenarioC(t *testing.T) {
	for _, combine := range []bool{false, true} {
		mapped, counts := run(t, "traffic-map", trafficLines(t), combine)
		assert.Equal(t, uint64(2), counts.Valid)
		assert.Equal(t, uint64(1), counts.Skipped)
		assert.Len(t, mapped, 4)

		rows, _ := run(t, "traffic-reduce", lines(mapped...), false)
		assert.Equal(t, []string{"10.0.0.1\t1000\t200", "10.0.0.2\t200\t1000"}, rows, "combine=%v", combine)
	}
}

func TestTrafficReduce_MalformedTuples(t *testing.T) {
	rows, counts := run(t, "traffic-reduce", lines(
		"10.0.0.1\tsent\t10",
		"10.0.0.1\tsideways\t10",
		"not a tuple",
		"10.0.0.1\treceived\t5",
	), false)
	assert.Equal(t, []string{"10.0.0.1\t10\t5"}, rows)
	assert.Equal(t, uint64(2), counts.Valid)
	assert.Equal(t, uint64(2), counts.Invalid)
}

func TestScenarioD_InvalidAddressNeverAggregated(t *testing.T) {
	bad := `{"timestamp":1,"src_ip":"10.0.0.256","dst_ip":"10.0.0.2","src_port":1,"dst_port":2,"proto":"TCP","size":60,"tcp_flags":"S"}`
	input := lines(bad, record(t, 2, "10.0.0.1", 1, "10.0.0.2", 2, "S", 60))

	passed, counts := run(t, "preprocess-reduce", input, false)
	require.Len(t, passed, 1)
	assert.NotContains(t, passed[0], "10.0.0.256")
	assert.Equal(t, Counts{Valid: 1, Invalid: 1, Rows: 1}, counts)

	mapped, _ := run(t, "traffic-map", input, false)
	rows, _ := run(t, "traffic-reduce", lines(mapped...), false)
	for _, r := range rows {
		assert.NotContains(t, r, "10.0.0.256")
	}

	keyed, _ := run(t, "conversation-map", input, false)
	assert.Len(t, keyed, 1)
}

func TestPreprocessMap(t *testing.T) {
	var capture bytes.Buffer
	w := pcapgo.NewWriter(&capture)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	write := func(ts time.Time, ls ...gopacket.SerializableLayer) {
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}, data))
	}
	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, DstMAC: net.HardwareAddr{6, 7, 8, 9, 10, 11}, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	write(time.Unix(1700000000, 0), eth, ip, tcp)

	arp := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, DstMAC: net.HardwareAddr{6, 7, 8, 9, 10, 11}, EthernetType: layers.EthernetTypeARP}
	write(time.Unix(1700000001, 0), arp, &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte{0, 1, 2, 3, 4, 5}, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 2},
	})

	out, counts := run(t, "preprocess-map", capture.String(), false)
	require.Len(t, out, 1)
	assert.Equal(t, Counts{Valid: 1, Skipped: 1, Rows: 1}, counts)

	rec, err := codec.DecodeRecord([]byte(out[0]))
	require.NoError(t, err)
	assert.Equal(t, "S", rec.TCPFlags.String())
	assert.Equal(t, "10.0.0.1", *rec.SrcIP)
	assert.InDelta(t, 1700000000.0, rec.Timestamp, 1e-6)
}

func TestPreprocessMap_Empty(t *testing.T) {
	out, counts := run(t, "preprocess-map", "", false)
	assert.Empty(t, out)
	assert.Equal(t, Counts{}, counts)
}

func TestRun_UnknownStage(t *testing.T) {
	in := strings.NewReader(lines(handshake(t)...))
	_, err := Run(context.Background(), "sort", Options{}, in, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown stage")
	assert.Zero(t, in.Len())
}

func TestEachLine_OversizedLineSkipped(t *testing.T) {
	defer func(old int) { maxLineSize = old }(maxLineSize)
	maxLineSize = 256

	long := `{"timestamp":1,"pad":"` + strings.Repeat("x", 100*1024) + `"}`
	input := lines(append([]string{long}, handshake(t)...)...)
	out, counts := run(t, "preprocess-reduce", input, false)
	assert.Len(t, out, 3)
	assert.Equal(t, uint64(3), counts.Valid)
	assert.Equal(t, uint64(1), counts.Invalid)
}

func TestEachLine_LastLineWithoutNewline(t *testing.T) {
	input := strings.Join(handshake(t), "\n")
	_, counts := run(t, "preprocess-reduce", input, false)
	assert.Equal(t, uint64(3), counts.Valid)
}

func TestConversationReduce_SkipsNonTCP(t *testing.T) {
	udp := "10.0.0.1:53-10.0.0.2:999\t" +
		`{"timestamp":1,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","src_port":53,"dst_port":999,"proto":"UDP","size":80,"tcp_flags":null}`
	rows, counts := run(t, "conversation-reduce", lines(udp), false)
	assert.Empty(t, rows)
	assert.Equal(t, Counts{Skipped: 1}, counts)
}

func TestRun_FatalDrainsInput(t *testing.T) {
	line := record(t, 1, "10.0.0.1", 1, "10.0.0.2", 2, "S", 60) + "\n"
	in := strings.NewReader(strings.Repeat(line, 20000))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, "preprocess-reduce", Options{Config: testConfig()}, in, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, in.Len())
}

func TestRun_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	input := lines(record(t, 1, "10.0.0.1", 1, "10.0.0.2", 2, "S", 60), "not json")
	var out bytes.Buffer
	_, err := Run(context.Background(), "traffic-map", Options{Config: testConfig(), Metrics: m}, strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues("traffic-map", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues("traffic-map", "invalid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Rows.WithLabelValues("traffic-map")))
	assert.Contains(t, m.Stats(), "traffic-map")
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{
		"conversation-map", "conversation-reduce",
		"preprocess-map", "preprocess-reduce",
		"traffic-map", "traffic-reduce",
	}, Names())
}
