package stats

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"
)

// DiffNN returns the signed difference between cur and prev, accounting for wrap-around in a set integer size

func Diff32(cur, prev uint32) int32 {
	return int32(cur - prev)
}

func Diff16(cur, prev uint16) int16 {
	return int16(cur - prev)
}

// RTPStats tracks pacing, loss and reordering of one received RTP stream.
// A change of SSRC or a large sequence jump is treated as a stream reset.
type RTPStats struct {
	name string
	log  logger.Logger

	mu            sync.Mutex
	packetSize    *StatAtomic // contains count as well
	deltaMS       *StatAtomic // pacing; milliseconds between consecutive packets
	deltaSeq      *StatAtomic // loss; positive sequence number distance
	deltaTS       *StatAtomic // loss; positive timestamp distance
	seqOutOfOrder *StatAtomic // reordering; negative sequence number distance
	packetCount   uint64      // since last reset
	totalPackets  uint64      // persists across resets
	resetCount    uint64      // persists across resets

	latestReceived  time.Time
	latestSSRC      uint32
	latestSequence  uint16
	latestTimestamp uint32
}

func NewRTPStats(name string, log logger.Logger) *RTPStats {
	s := &RTPStats{name: name, log: log}
	s.reset()
	return s
}

func (s *RTPStats) reset() {
	s.packetSize = NewStatAtomic()
	s.deltaMS = NewStatAtomic()
	s.deltaSeq = NewStatAtomic()
	s.deltaTS = NewStatAtomic()
	s.seqOutOfOrder = NewStatAtomic()
	s.packetCount = 0
	s.latestReceived = time.Time{}
}

func (s *RTPStats) isReset(h *rtp.Header) bool {
	const maxSeqDiff = math.MaxUint16 / 4 // 16384, about 5.5 minutes at 20ms packets
	if s.latestSSRC != h.SSRC {
		return true
	}
	seqDiff := Diff16(h.SequenceNumber, s.latestSequence)
	return seqDiff < -maxSeqDiff || seqDiff > maxSeqDiff
}

// Update records one received packet.
func (s *RTPStats) Update(h *rtp.Header, payloadSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packetCount > 0 && s.isReset(h) {
		s.resetCount++
		s.logStats("stream reset")
		s.reset()
	}
	s.packetCount++
	s.totalPackets++
	s.packetSize.Update(uint64(payloadSize))
	now := time.Now()
	if s.packetCount != 1 {
		s.deltaMS.Update(uint64(now.Sub(s.latestReceived).Milliseconds()))
		if d := Diff16(h.SequenceNumber, s.latestSequence); d >= 0 {
			s.deltaSeq.Update(uint64(d))
		} else {
			s.seqOutOfOrder.Update(uint64(-d))
		}
		if d := Diff32(h.Timestamp, s.latestTimestamp); d >= 0 {
			s.deltaTS.Update(uint64(d))
		}
	}
	s.latestReceived = now
	s.latestSSRC = h.SSRC
	s.latestSequence = h.SequenceNumber
	s.latestTimestamp = h.Timestamp
}

// Packets returns the number of packets received since the stream was created.
func (s *RTPStats) Packets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalPackets
}

// Resets returns the number of detected stream resets.
func (s *RTPStats) Resets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetCount
}

// Lost estimates packets lost since the last reset from sequence gaps.
func (s *RTPStats) Lost() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.deltaSeq.Snapshot()
	if snap.Sum < snap.Count {
		return 0
	}
	return snap.Sum - snap.Count
}

func (s *RTPStats) Log(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logStats(reason)
}

func (s *RTPStats) logStats(reason string) {
	if s.log == nil {
		return
	}
	s.log.Infow("rtp stats",
		"name", s.name,
		"reason", reason,
		"packetSize", s.packetSize.Snapshot(),
		"deltaMS", s.deltaMS.Snapshot(),
		"deltaSeq", s.deltaSeq.Snapshot(),
		"deltaTS", s.deltaTS.Snapshot(),
		"seqOutOfOrder", s.seqOutOfOrder.Snapshot(),
		"packetCount", s.totalPackets,
		"resetCount", s.resetCount,
	)
}
