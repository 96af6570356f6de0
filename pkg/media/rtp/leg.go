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
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/internal/ringbuf"
	"github.com/voicebridge/voicebridge/pkg/media"
	"github.com/voicebridge/voicebridge/pkg/media/codec"
	"github.com/voicebridge/voicebridge/pkg/media/dtmf"
	"github.com/voicebridge/voicebridge/pkg/stats"
	"github.com/voicebridge/voicebridge/pkg/stream"
)

var _ stream.Leg = (*Leg)(nil)

// LegConfig describes the media of one call leg.
type LegConfig struct {
	ID       string       `json:"id"`
	CallerID string       `json:"caller_id,omitempty"`
	Format   media.Format `json:"-"`
	Rate     int          `json:"rate,omitempty"`
	// PayloadType overrides the format's default payload type.
	PayloadType *uint8 `json:"payload_type,omitempty"`
	// DTMFPayloadType is the telephone-event payload type, 101 unless set.
	DTMFPayloadType *uint8 `json:"dtmf_payload_type,omitempty"`
	// Remote is where to send audio before the first packet arrives.
	Remote string `json:"remote,omitempty"`
}

const (
	CloseHangup       = "hangup"
	CloseMediaTimeout = "media-timeout"
	CloseShutdown     = "shutdown"
)

// Leg is one RTP audio stream with its own 20 ms frame clock. Each tick takes one
// frame of received audio (silence when none arrived), lets the attached tap read
// and replace the outgoing frame, and sends that frame as one packet.
type Leg struct {
	log   logger.Logger
	conf  LegConfig
	pt    uint8
	dtmfT uint8
	frame int
	codec codec.Transcoder
	conn  *Conn
	out   *Stream
	stats *stats.RTPStats

	// Received audio waiting for the frame clock.
	rmu  sync.Mutex
	recv *ringbuf.Buffer[int16]
	rbuf media.PCM16Sample
	dtmf dtmf.Detector

	// The tap. Held for the whole of OnFrame, so Detach waits for a running tick.
	cmu sync.Mutex
	cb  stream.Callback

	onClose func(l *Leg, reason string)
	onDigit func(l *Leg, digit byte)
	closed  core.Fuse
	done    chan struct{}
}

func newLeg(log logger.Logger, conf LegConfig, udp UDPConn, rtpConf RTPOptions, onClose func(*Leg, string)) (*Leg, error) {
	if conf.Rate == 0 {
		conf.Rate = media.BaseRate
	}
	cod, err := codec.New(conf.Format, conf.Rate)
	if err != nil {
		return nil, err
	}
	pt := PayloadType(conf.Format)
	if conf.PayloadType != nil {
		pt = *conf.PayloadType
	}
	dtmfT := uint8(dtmf.DefPayloadType)
	if conf.DTMFPayloadType != nil {
		dtmfT = *conf.DTMFPayloadType
	}
	frame := media.SamplesPerFrame(conf.Rate)
	jitter := rtpConf.JitterFrames
	if jitter <= 0 {
		jitter = 1
	}
	l := &Leg{
		log:     log.WithValues("leg", conf.ID),
		conf:    conf,
		pt:      pt,
		dtmfT:   dtmfT,
		frame:   frame,
		codec:   cod,
		recv:    ringbuf.New[int16](frame * jitter),
		rbuf:    make(media.PCM16Sample, 0, frame),
		onClose: onClose,
		done:    make(chan struct{}),
	}
	l.stats = stats.NewRTPStats(conf.ID, l.log)
	l.conn = NewConn(udp, ConnConfig{
		Log:                 l.log,
		Stats:               l.stats,
		MediaTimeout:        rtpConf.MediaTimeout,
		MediaTimeoutInitial: rtpConf.MediaTimeoutInitial,
		TimeoutCallback: func() {
			l.close(CloseMediaTimeout)
		},
	})
	if conf.Remote != "" {
		addr, err := net.ResolveUDPAddr("udp", conf.Remote)
		if err != nil {
			_ = l.conn.Close()
			return nil, fmt.Errorf("%w: remote %q: %v", errors.ErrInvalidCommand, conf.Remote, err)
		}
		l.conn.SetDestAddr(addr)
	}
	l.out = NewStream(l.conn, pt, PacketDur(conf.Rate))
	l.conn.OnRTP(HandlerFunc(l.handleRTP))
	return l, nil
}

func (l *Leg) start() {
	l.conn.Start()
	go l.clock()
}

func (l *Leg) ID() string {
	return l.conf.ID
}

func (l *Leg) CallerID() string {
	return l.conf.CallerID
}

func (l *Leg) SampleRate() int {
	return l.conf.Rate
}

func (l *Leg) Format() media.Format {
	return l.conf.Format
}

func (l *Leg) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr()
}

func (l *Leg) RemoteAddr() *net.UDPAddr {
	return l.conn.DestAddr()
}

// Received is closed when the first packet arrived.
func (l *Leg) Received() <-chan struct{} {
	return l.conn.Received()
}

// Done is closed when the leg ended.
func (l *Leg) Done() <-chan struct{} {
	return l.closed.Watch()
}

// PreAnswer succeeds while the leg is open: an RTP leg only exists once the switch sends early media.
func (l *Leg) PreAnswer(ctx context.Context) error {
	if l.closed.IsBroken() {
		return fmt.Errorf("%w: leg %s ended", errors.ErrNotPreAnswered, l.conf.ID)
	}
	return ctx.Err()
}

func (l *Leg) Attach(cb stream.Callback) error {
	if l.closed.IsBroken() {
		return fmt.Errorf("%w: leg %s", errors.ErrLegNotFound, l.conf.ID)
	}
	l.cmu.Lock()
	defer l.cmu.Unlock()
	if l.cb != nil {
		return fmt.Errorf("%w: leg %s", errors.ErrAlreadyAttached, l.conf.ID)
	}
	l.cb = cb
	cb.OnInit()
	return nil
}

func (l *Leg) Detach() {
	l.cmu.Lock()
	cb := l.cb
	l.cb = nil
	l.cmu.Unlock()
	if cb != nil {
		cb.OnClose()
	}
}

func (l *Leg) Attached() bool {
	l.cmu.Lock()
	defer l.cmu.Unlock()
	return l.cb != nil
}

func (l *Leg) handleRTP(p *rtp.Packet) error {
	switch p.PayloadType {
	case l.pt:
	case l.dtmfT:
		l.rmu.Lock()
		digit, ok := l.dtmf.Feed(p.Timestamp, p.Payload)
		l.rmu.Unlock()
		if ok {
			l.log.Debugw("dtmf received", "digit", string(digit))
			if l.onDigit != nil {
				l.onDigit(l, digit)
			}
		}
		return nil
	default:
		// Comfort noise and other payloads are not audio frames.
		return nil
	}
	l.rmu.Lock()
	defer l.rmu.Unlock()
	if l.conf.Format == media.FormatL16 {
		l.rbuf = appendDecodedL16(l.rbuf[:0], p.Payload)
	} else {
		l.rbuf = l.codec.Decode(l.rbuf[:0], p.Payload)
	}
	if n := l.recv.Overwrite(l.rbuf); n > 0 {
		l.log.Debugw("receive buffer full, dropping audio", "samples", n)
	}
	return nil
}

// readFrame fills dst with received audio, or leaves it silent until a whole frame is buffered.
func (l *Leg) readFrame(dst media.PCM16Sample) {
	l.rmu.Lock()
	defer l.rmu.Unlock()
	if l.recv.Len() < len(dst) {
		dst.Clear()
		return
	}
	_, _ = l.recv.Read(dst)
}

func (l *Leg) clock() {
	defer close(l.done)
	ticker := time.NewTicker(media.DefFrameDur)
	defer ticker.Stop()

	read := make(media.PCM16Sample, l.frame)
	write := make(media.PCM16Sample, l.frame)
	payload := make([]byte, 0, l.frame*l.conf.Format.BytesPerSample())
	var f stream.Frame
	for {
		select {
		case <-l.closed.Watch():
			return
		case <-ticker.C:
		}
		l.readFrame(read)
		write.Clear()
		f = stream.Frame{Read: read, Write: write}

		l.cmu.Lock()
		if l.cb != nil && !l.cb.OnFrame(&f) {
			l.cb = nil
		}
		l.cmu.Unlock()

		if l.conf.Format == media.FormatL16 {
			payload = appendL16(payload[:0], write)
		} else {
			payload = l.codec.Encode(payload[:0], write)
		}
		if err := l.out.WritePayload(payload); err != nil {
			l.log.Debugw("rtp write failed", "error", err)
		}
	}
}

// Close ends the leg. An attached tap sees OnClose.
func (l *Leg) Close() {
	l.close(CloseHangup)
}

func (l *Leg) close(reason string) {
	first := false
	l.closed.Once(func() {
		first = true
	})
	if !first {
		return
	}
	_ = l.conn.Close()
	l.Detach()
	l.stats.Log(reason)
	l.log.Infow("rtp leg closed", "reason", reason, "packets", l.conn.Packets())
	if l.onClose != nil {
		l.onClose(l, reason)
	}
}
