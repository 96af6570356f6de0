package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func TestStatAtomic(t *testing.T) {
	s := NewStatAtomic()
	snap := s.Snapshot()
	require.Zero(t, snap.Count)
	require.Zero(t, snap.Min)

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			s.Update(v)
		}(uint64(i))
	}
	wg.Wait()

	snap = s.Snapshot()
	require.EqualValues(t, 10, snap.Count)
	require.EqualValues(t, 55, snap.Sum)
	require.EqualValues(t, 1, snap.Min)
	require.EqualValues(t, 10, snap.Max)
	require.InDelta(t, 5.5, snap.Average, 1e-9)
	require.InDelta(t, 8.25, snap.Variance, 1e-9)
	require.False(t, snap.Overflow)
}

func TestRTPStats(t *testing.T) {
	s := NewRTPStats("test", logger.GetLogger())
	h := &rtp.Header{SSRC: 1}
	for _, seq := range []uint16{1, 2, 3, 6, 7} {
		h.SequenceNumber = seq
		h.Timestamp = uint32(seq) * 160
		s.Update(h, 160)
	}
	require.EqualValues(t, 5, s.Packets())
	require.EqualValues(t, 0, s.Resets())
	// 3 -> 6 skips two packets.
	require.EqualValues(t, 2, s.Lost())

	h.SSRC = 2
	h.SequenceNumber = 1000
	s.Update(h, 160)
	require.EqualValues(t, 1, s.Resets())
	require.EqualValues(t, 6, s.Packets())
	require.EqualValues(t, 0, s.Lost())
}

func TestMonitorDisabled(t *testing.T) {
	var m *Monitor
	require.True(t, m.CanAccept())
	m.SessionStarted("mono", "l16")
	m.SessionEnded("mono", "l16", "stop", time.Second)
	m.FrameCaptured()
	m.QueueDrop()
	m.TransferResult("bridged", 1, time.Second)
	m.Shutdown()
	m.Stop()

	m = &Monitor{}
	m.RelayCommand("inbound", "hold", "ok")
	require.True(t, m.CanAccept())
	m.Shutdown()
	require.False(t, m.CanAccept())
}
