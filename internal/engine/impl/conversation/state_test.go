package conversation

import (
	"PcapReduce/internal/model"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = "10.0.0.1:40000-10.0.0.2:80"

func rec(t *testing.T, ts float64, flags string, size int) *model.PacketRecord {
	t.Helper()
	f, err := model.ParseTCPFlags(flags)
	require.NoError(t, err)
	r, err := model.NewIPRecord(ts, size, "10.0.0.1", "10.0.0.2", model.ProtocolTCP, &[2]uint16{40000, 80}, &f)
	require.NoError(t, err)
	return r
}

func finalize(t *testing.T, records ...*model.PacketRecord) model.ConversationMetrics {
	t.Helper()
	s := NewState(key)
	for _, r := range records {
		s.Add(r)
	}
	m, err := s.Finalize()
	require.NoError(t, err)
	return m
}

func TestState_ScenarioA(t *testing.T) {
	m := finalize(t, rec(t, 0.000, "S", 60), rec(t, 0.020, "SA", 60), rec(t, 0.021, "A", 60))
	require.NotNil(t, m.RTTMillis)
	assert.InDelta(t, 20.0, *m.RTTMillis, 1e-9)
	assert.InDelta(t, 0.021, m.DurationSec, 1e-12)
	assert.Equal(t, uint64(3), m.PacketCount)
	assert.Equal(t, uint64(180), m.VolumeBytes)
	assert.Equal(t, key, m.Key)
}

func TestState_ScenarioB(t *testing.T) {
	m := finalize(t,
		rec(t, 0.000, "S", 60), rec(t, 0.020, "SA", 60), rec(t, 0.021, "A", 60),
		rec(t, 0.030, "PA", 500), rec(t, 0.040, "PA", 600),
	)
	assert.Equal(t, uint64(1280), m.VolumeBytes)
	assert.InDelta(t, 0.040, m.DurationSec, 1e-12)
	assert.Equal(t, uint64(5), m.PacketCount)
	assert.InDelta(t, 20.0, *m.RTTMillis, 1e-9)
}

func TestState_RTTAbsent(t *testing.T) {
	cases := map[string][]*model.PacketRecord{
		"no syn":               {rec(t, 1, "SA", 60), rec(t, 2, "A", 60)},
		"no syn-ack":           {rec(t, 1, "S", 60), rec(t, 1.5, "S", 60)},
		"syn-ack before syn":   {rec(t, 2, "S", 60), rec(t, 1, "SA", 60)},
		"syn-ack same instant": {rec(t, 1, "S", 60), rec(t, 1, "SA", 60)},
		"only data":            {rec(t, 1, "PA", 600)},
	}
	for name, records := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, finalize(t, records...).RTTMillis)
		})
	}
}

func TestState_EarliestWins(t *testing.T) {
	m := finalize(t,
		rec(t, 0.500, "S", 60), // retransmitted SYN
		rec(t, 0.100, "S", 60),
		rec(t, 0.600, "SA", 60),
		rec(t, 0.130, "SA", 60),
	)
	assert.InDelta(t, 30.0, *m.RTTMillis, 1e-9)
}

func TestState_SingleRecord(t *testing.T) {
	m := finalize(t, rec(t, 7, "A", 54))
	assert.Zero(t, m.DurationSec)
	assert.Equal(t, uint64(1), m.PacketCount)
}

func TestState_OrderIndependent(t *testing.T) {
	records := []*model.PacketRecord{
		rec(t, 0.000, "S", 60), rec(t, 0.020, "SA", 60), rec(t, 0.021, "A", 60),
		rec(t, 0.030, "PA", 500), rec(t, 0.040, "PA", 600), rec(t, 1.0, "FA", 60),
	}
	want := finalize(t, records...)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		rng.Shuffle(len(records), func(a, b int) { records[a], records[b] = records[b], records[a] })
		assert.Equal(t, want, finalize(t, records...))
	}
}

func TestState_Merge(t *testing.T) {
	records := []*model.PacketRecord{
		rec(t, 0.000, "S", 60), rec(t, 0.020, "SA", 60), rec(t, 0.021, "A", 60), rec(t, 0.5, "PA", 700),
	}
	want := finalize(t, records...)

	left, right := NewState(key), NewState(key)
	left.Add(records[1])
	left.Add(records[3])
	right.Add(records[0])
	right.Add(records[2])
	left.Merge(right)
	left.Merge(NewState(key))

	got, err := left.Finalize()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestState_Empty(t *testing.T) {
	_, err := NewState(key).Finalize()
	assert.ErrorIs(t, err, ErrEmptyConversation)
}

func TestState_FinalizeTwice(t *testing.T) {
	s := NewState(key)
	s.Add(rec(t, 1, "S", 60))
	_, err := s.Finalize()
	require.NoError(t, err)
	_, err = s.Finalize()
	assert.Error(t, err)
}
