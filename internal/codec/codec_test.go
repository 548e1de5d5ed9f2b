package codec

import (
	"PcapReduce/internal/model"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpRecord(t *testing.T, ts float64, src string, sport uint16, dst string, dport uint16, flags string, size int) *model.PacketRecord {
	t.Helper()
	f, err := model.ParseTCPFlags(flags)
	require.NoError(t, err)
	rec, err := model.NewIPRecord(ts, size, src, dst, model.ProtocolTCP, &[2]uint16{sport, dport}, &f)
	require.NoError(t, err)
	return rec
}

func TestEncodeRecord_NullsForAbsentFields(t *testing.T) {
	data, err := EncodeRecord(model.NewNonIPRecord(1.5, 60))
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":1.5,"src_ip":null,"dst_ip":null,"src_port":null,"dst_port":null,"proto":"NON_IP","size":60,"tcp_flags":null}`, string(data))
}

func TestDecodeRecord(t *testing.T) {
	rec := tcpRecord(t, 1700000000.123456, "10.0.0.1", 40000, "10.0.0.2", 443, "SA", 74)
	data, err := EncodeRecord(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tcp_flags":"SA"`)

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestDecodeRecord_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"timestamp":`,
		"missing proto":   `{"timestamp":1,"size":10}`,
		"missing ts":      `{"proto":"UDP","size":10}`,
		"bad ip":          `{"timestamp":1,"src_ip":"10.0.0.300","dst_ip":"10.0.0.2","src_port":1,"dst_port":2,"proto":"UDP","size":10,"tcp_flags":null}`,
		"one port":        `{"timestamp":1,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","src_port":1,"dst_port":null,"proto":"UDP","size":10,"tcp_flags":null}`,
		"flags on udp":    `{"timestamp":1,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","src_port":1,"dst_port":2,"proto":"UDP","size":10,"tcp_flags":"S"}`,
		"unknown flag":    `{"timestamp":1,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","src_port":1,"dst_port":2,"proto":"TCP","size":10,"tcp_flags":"SX"}`,
		"port overflow":   `{"timestamp":1,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","src_port":70000,"dst_port":2,"proto":"UDP","size":10,"tcp_flags":null}`,
		"size not number": `{"timestamp":1,"proto":"ICMP","size":"big"}`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord([]byte(line))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestFragment(t *testing.T) {
	assert.Equal(t, "short", Fragment([]byte("short")))
	long := strings.Repeat("x", 500)
	got := Fragment([]byte(long))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Len(t, got, maxFragment+3)
}

func TestTrafficTuple(t *testing.T) {
	tuple := model.TrafficTuple{IP: "192.168.1.1", Direction: model.DirectionReceived, Size: 1500}
	line := FormatTrafficTuple(tuple)
	assert.Equal(t, "192.168.1.1\treceived\t1500", line)

	got, err := ParseTrafficTuple([]byte(line + "\n"))
	require.NoError(t, err)
	assert.Equal(t, tuple, got)

	for _, bad := range []string{"1.2.3.4\tsent", "1.2.3.4\tlost\t1", "1.2.3\tsent\t1", "1.2.3.4\tsent\t-1"} {
		_, err := ParseTrafficTuple([]byte(bad))
		assert.ErrorIs(t, err, ErrMalformed, bad)
	}
}

func TestConversationTuple(t *testing.T) {
	rec := tcpRecord(t, 1.0, "10.0.0.2", 443, "10.0.0.1", 40000, "A", 60)
	line, err := FormatConversationTuple("10.0.0.1:40000-10.0.0.2:443", rec)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "10.0.0.1:40000-10.0.0.2:443\t{"))

	key, got, err := ParseConversationTuple([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:40000-10.0.0.2:443", key)
	assert.Equal(t, rec, got)

	_, _, err = ParseConversationTuple([]byte("no-tab-here"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFormatRows(t *testing.T) {
	assert.Equal(t, "10.0.0.1\t100\t0", FormatTrafficRow(model.HostTraffic{IP: "10.0.0.1", SentBytes: 100}))

	rtt := 20.0
	m := model.ConversationMetrics{Key: "k", RTTMillis: &rtt, DurationSec: 0.1, VolumeBytes: 180, PacketCount: 3}
	assert.Equal(t, "k\t20.000\t0.100000\t180\t3", FormatConversationRow(m))

	m.RTTMillis = nil
	assert.Equal(t, "k\tN/A\t0.100000\t180\t3", FormatConversationRow(m))
}

func TestWireRoundTrip(t *testing.T) {
	rec := tcpRecord(t, 1700000000.5, "10.0.0.1", 1234, "10.0.0.2", 80, "", 54)
	msgs := []*Message{
		{Kind: KindRecord, Key: "10.0.0.1:1234-10.0.0.2:80", Producer: "probe-1", Record: rec},
		{Kind: KindTraffic, Key: "10.0.0.9", Tuple: model.TrafficTuple{IP: "10.0.0.9", Direction: model.DirectionReceived, Size: 9000}},
		{Kind: KindEndOfStream, Producer: "probe-1"},
	}
	for _, m := range msgs {
		t.Run(m.Kind.String(), func(t *testing.T) {
			data, err := MarshalMessage(m)
			require.NoError(t, err)
			got, err := UnmarshalMessage(data)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}

	// Zero flags survive as present.
	data, err := MarshalMessage(msgs[0])
	require.NoError(t, err)
	got, err := UnmarshalMessage(data)
	require.NoError(t, err)
	require.NotNil(t, got.Record.TCPFlags)
	assert.Equal(t, model.TCPFlags(0), *got.Record.TCPFlags)
}

func TestWireRejects(t *testing.T) {
	_, err := MarshalMessage(&Message{Kind: KindRecord, Key: "k"})
	assert.Error(t, err)

	_, err = UnmarshalMessage([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformed)

	data, err := MarshalMessage(&Message{Kind: KindEndOfStream})
	require.NoError(t, err)
	data[1] = 9
	_, err = UnmarshalMessage(data)
	assert.ErrorIs(t, err, ErrMalformed)
}
