// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rtp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/media"
	"github.com/voicebridge/voicebridge/pkg/media/dtmf"
	"github.com/voicebridge/voicebridge/pkg/stream"
)

type testTap struct {
	fill int16

	inits  atomic.Int32
	closes atomic.Int32
	frames atomic.Int32

	mu    sync.Mutex
	heard []int16
}

func (t *testTap) OnInit() { t.inits.Add(1) }

func (t *testTap) OnFrame(f *stream.Frame) bool {
	t.frames.Add(1)
	t.mu.Lock()
	if f.Read[0] != 0 {
		t.heard = append(t.heard, f.Read[0])
	}
	t.mu.Unlock()
	for i := range f.Write {
		f.Write[i] = t.fill
	}
	return true
}

func (t *testTap) OnClose() { t.closes.Add(1) }

func (t *testTap) lastHeard() int16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.heard) == 0 {
		return 0
	}
	return t.heard[len(t.heard)-1]
}

func newTestHost(t *testing.T, conf config.RTPConfig) *Host {
	conf.ListenIP = "127.0.0.1"
	h := NewHost(logger.GetLogger(), conf)
	t.Cleanup(h.Close)
	return h
}

func newRemote(t *testing.T) *net.UDPConn {
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readPacket(t *testing.T, c *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := c.ReadFromUDP(buf)
	require.NoError(t, err)
	var p rtp.Packet
	require.NoError(t, p.Unmarshal(buf[:n]))
	return &p
}

func TestLegLinear(t *testing.T) {
	h := newTestHost(t, config.RTPConfig{MediaTimeout: time.Minute})
	remote := newRemote(t)

	l, err := h.Open(LegConfig{ID: "a", CallerID: "1000", Format: media.FormatL16, Rate: 16000, Remote: remote.LocalAddr().String()})
	require.NoError(t, err)
	require.Equal(t, 16000, l.SampleRate())
	require.NoError(t, l.PreAnswer(context.Background()))

	tap := &testTap{fill: 1000}
	require.NoError(t, l.Attach(tap))
	require.EqualValues(t, 1, tap.inits.Load())
	require.True(t, errors.Is(l.Attach(&testTap{}), errors.ErrAlreadyAttached))

	// Outgoing frames carry what the tap wrote, big endian, one frame per packet.
	var prev *rtp.Packet
	for i := 0; i < 5; i++ {
		p := readPacket(t, remote)
		require.EqualValues(t, DefPayloadL16, p.PayloadType)
		require.Len(t, p.Payload, 320*2)
		if p.Payload[0] == 0x03 {
			require.Equal(t, []byte{0x03, 0xE8}, p.Payload[:2])
		}
		if prev != nil {
			require.Equal(t, prev.SequenceNumber+1, p.SequenceNumber)
			require.Equal(t, prev.Timestamp+320, p.Timestamp)
			require.Equal(t, prev.SSRC, p.SSRC)
		}
		prev = p
	}

	// Incoming audio reaches the tap.
	in := NewStream(udpWriter{remote, l.LocalAddr()}, DefPayloadL16, PacketDur(16000))
	frame := make(media.PCM16Sample, 320)
	for i := range frame {
		frame[i] = -500
	}
	require.Eventually(t, func() bool {
		_ = in.WritePayload(appendL16(nil, frame))
		return tap.lastHeard() == -500
	}, 5*time.Second, 20*time.Millisecond)

	// Packets of other payload types are ignored.
	dtmf := NewStream(udpWriter{remote, l.LocalAddr()}, 101, PacketDur(16000))
	require.NoError(t, dtmf.WritePayload([]byte{1, 0, 0, 160}))

	l.Detach()
	require.EqualValues(t, 1, tap.closes.Load())
	require.False(t, l.Attached())

	require.NoError(t, h.Hangup("a"))
	<-l.Done()
	require.True(t, errors.Is(l.PreAnswer(context.Background()), errors.ErrNotPreAnswered))
	require.EqualValues(t, 1, tap.closes.Load())
}

func TestLegCompanded(t *testing.T) {
	h := newTestHost(t, config.RTPConfig{MediaTimeout: time.Minute})
	remote := newRemote(t)

	l, err := h.Open(LegConfig{ID: "a", Format: media.FormatPCMA, Remote: remote.LocalAddr().String()})
	require.NoError(t, err)
	require.Equal(t, 8000, l.SampleRate())

	p := readPacket(t, remote)
	require.EqualValues(t, PayloadPCMA, p.PayloadType)
	require.Len(t, p.Payload, 160)

	_, err = h.Open(LegConfig{ID: "b", Format: media.FormatPCMU, Rate: 16000})
	require.True(t, errors.Is(err, errors.ErrInvalidFormat))
}

func TestLegMediaTimeout(t *testing.T) {
	h := newTestHost(t, config.RTPConfig{
		MediaTimeout:        100 * time.Millisecond,
		MediaTimeoutInitial: 200 * time.Millisecond,
	})
	closed := make(chan string, 1)
	h.OnLegClosed(func(id, reason string) {
		closed <- reason
	})

	l, err := h.Open(LegConfig{ID: "a", Format: media.FormatPCMU})
	require.NoError(t, err)
	tap := &testTap{}
	require.NoError(t, l.Attach(tap))

	select {
	case reason := <-closed:
		require.Equal(t, CloseMediaTimeout, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("media timeout did not fire")
	}
	require.EqualValues(t, 1, tap.closes.Load())

	_, err = h.Leg("a")
	require.True(t, errors.Is(err, errors.ErrLegNotFound))
	require.Empty(t, h.List())

	// Closing again does not notify the tap twice.
	l.Close()
	require.EqualValues(t, 1, tap.closes.Load())
}

func TestLegDTMF(t *testing.T) {
	h := newTestHost(t, config.RTPConfig{MediaTimeout: time.Minute})
	digits := make(chan string, 10)
	h.OnDigit(func(id string, digit byte) {
		digits <- id + ":" + string(digit)
	})
	remote := newRemote(t)

	l, err := h.Open(LegConfig{ID: "a", Format: media.FormatPCMU})
	require.NoError(t, err)
	w := udpWriter{remote, l.LocalAddr()}

	send := func(seq uint16, ts uint32, digit byte, end bool) {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    dtmf.DefPayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           1234,
				Marker:         seq == 1,
			},
			Payload: dtmf.AppendEncoded(nil, dtmf.Event{Digit: digit, Volume: 10, Dur: 160, End: end}),
		}))
	}
	send(1, 8000, '7', false)
	send(2, 8000, '7', true)
	send(3, 8000, '7', true)
	send(4, 9600, '#', true)

	for _, exp := range []string{"a:7", "a:#"} {
		select {
		case got := <-digits:
			require.Equal(t, exp, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("digit %s not reported", exp)
		}
	}
	select {
	case got := <-digits:
		t.Fatalf("unexpected digit %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHost(t *testing.T) {
	h := newTestHost(t, config.RTPConfig{PortStart: 30000, PortEnd: 30100, MediaTimeout: time.Minute})

	a, err := h.Open(LegConfig{ID: "a"})
	require.NoError(t, err)
	port := a.LocalAddr().Port
	require.GreaterOrEqual(t, port, 30000)
	require.LessOrEqual(t, port, 30100)

	_, err = h.Open(LegConfig{ID: "a"})
	require.True(t, errors.Is(err, errors.ErrLegExists))
	_, err = h.Open(LegConfig{})
	require.True(t, errors.Is(err, errors.ErrInvalidCommand))

	_, err = h.Open(LegConfig{ID: "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, h.List())

	l, err := h.Leg("b")
	require.NoError(t, err)
	require.Equal(t, "b", l.ID())

	require.True(t, errors.Is(h.Hangup("c"), errors.ErrLegNotFound))
}

func TestListenUDPPortRange(t *testing.T) {
	ip := net.IPv4(127, 0, 0, 1)
	c, err := ListenUDPPortRange(31000, 31000, ip)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, 31000, c.LocalAddr().(*net.UDPAddr).Port)

	_, err = ListenUDPPortRange(31000, 31000, ip)
	require.ErrorIs(t, err, ErrListen)

	_, err = ListenUDPPortRange(31001, 31000, ip)
	require.ErrorIs(t, err, ErrListen)
}

func TestL16ByteOrder(t *testing.T) {
	pcm := media.PCM16Sample{1000, -2, 0}
	data := appendL16(nil, pcm)
	require.Equal(t, []byte{0x03, 0xE8, 0xFF, 0xFE, 0x00, 0x00}, data)
	require.Equal(t, pcm, appendDecodedL16(nil, data))
}

// udpWriter sends packets from a plain UDP socket, the way a switch would.
type udpWriter struct {
	c  *net.UDPConn
	to *net.UDPAddr
}

func (w udpWriter) WriteRTP(p *rtp.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = w.c.WriteToUDP(data, w.to)
	return err
}
