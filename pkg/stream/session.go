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

package stream

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/media"
	"github.com/voicebridge/voicebridge/pkg/media/codec"
	"github.com/voicebridge/voicebridge/pkg/stats"
)

// CloseReason tells why a session ended.
type CloseReason string

const (
	CloseStop       CloseReason = "stop"
	CloseMedia      CloseReason = "media-close"
	CloseDisconnect CloseReason = "disconnect"
	CloseRemote     CloseReason = "remote"
	CloseShutdown   CloseReason = "shutdown"
)

// Session is one call audio bridge: a tap on a leg, a playback buffer and a connection.
type Session struct {
	id      string
	params  Params
	log     logger.Logger
	mon     *stats.Monitor
	leg     Leg
	codec   codec.Transcoder
	started time.Time

	playback *Playback
	streamer *Streamer
	emit     func(Event)
	onClose  func(*Session, CloseReason)

	paused         atomic.Bool
	closeRequested core.Fuse
	cleanup        atomic.Bool
	closed         core.Fuse

	// Reader goroutine state for audio coming from the remote endpoint.
	inFormat media.Format
	inRate   int
	inCodec  codec.Transcoder
	inRes    media.Resampler
	inPCM    media.PCM16Sample
	inLPCM   []byte

	framesCaptured atomic.Uint64
	framesInjected atomic.Uint64
	bytesIn        atomic.Uint64
	occupancy      *stats.StatAtomic

	lastOverrunLog atomic.Int64
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Leg() string         { return s.params.Leg }
func (s *Session) Params() Params      { return s.params }
func (s *Session) Playback() *Playback { return s.playback }

// Active reports whether the session is attached and not closing.
func (s *Session) Active() bool {
	return !s.closeRequested.IsBroken()
}

// Paused reports whether frame forwarding is suspended.
func (s *Session) Paused() bool {
	return s.paused.Load()
}

// Closed is closed after resources are released.
func (s *Session) Closed() <-chan struct{} {
	return s.closed.Watch()
}

// Pause suspends forwarding of captured audio. Injection continues.
func (s *Session) Pause() error {
	if !s.Active() {
		return errors.ErrSessionClosed
	}
	if !s.paused.Swap(true) {
		s.log.Infow("stream paused")
	}
	return nil
}

// Resume restarts forwarding of captured audio.
func (s *Session) Resume() error {
	if !s.Active() {
		return errors.ErrSessionClosed
	}
	if s.paused.Swap(false) {
		s.log.Infow("stream resumed")
	}
	return nil
}

// SendText sends an out of band text message to the remote endpoint.
func (s *Session) SendText(text string) error {
	if !s.Active() {
		return errors.ErrSessionClosed
	}
	return s.streamer.SendText(text)
}

// Close tears the session down. Concurrent and repeated calls are safe and only
// the first one releases resources. It does not block on network I/O, so it may be
// called from the frame clock.
func (s *Session) Close(reason CloseReason, final string) {
	s.closeRequested.Break()
	if !s.cleanup.CompareAndSwap(false, true) {
		return
	}
	if reason != CloseMedia {
		// The host may call OnClose from Detach, which lands back here as a no-op.
		s.leg.Detach()
	}
	if s.streamer != nil {
		s.streamer.Close(final)
	}
	overrun := s.playback.Overrun()
	s.playback.Release()
	if s.onClose != nil {
		s.onClose(s, reason)
	}
	s.closed.Break()

	var sentFrames, sentBytes, dropped uint64
	if s.streamer != nil {
		sentFrames, sentBytes, dropped = s.streamer.Stats()
	}
	occ := s.occupancy.Snapshot()
	s.mon.SessionEnded(s.params.Mode.String(), s.params.Format.String(), string(reason), time.Since(s.started))
	s.log.Infow("stream session closed",
		"reason", reason,
		"duration", time.Since(s.started),
		"framesCaptured", s.framesCaptured.Load(),
		"framesInjected", s.framesInjected.Load(),
		"framesSent", sentFrames,
		"bytesSent", sentBytes,
		"framesDropped", dropped,
		"bytesReceived", s.bytesIn.Load(),
		"playbackOverrun", overrun,
		"playbackAvgMs", occ.Average,
		"playbackMaxMs", occ.Max,
	)
}

func (s *Session) event(typ EventType, msg string, payload []byte, err error) {
	s.mon.SessionEvent(string(typ))
	if s.emit == nil {
		return
	}
	s.emit(Event{
		Type:      typ,
		SessionID: s.id,
		Leg:       s.params.Leg,
		Message:   msg,
		Payload:   payload,
		Err:       err,
	})
}

// streamHandler adapts the session to StreamHandler without exporting the callbacks.
type streamHandler struct{ s *Session }

func (h streamHandler) OnAudio(data []byte)    { h.s.onAudio(data, h.s.inFormat, h.s.inRate) }
func (h streamHandler) OnText(data []byte)     { h.s.onText(data) }
func (h streamHandler) OnDisconnect(err error) { h.s.onDisconnect(err) }

func (s *Session) onAudio(data []byte, f media.Format, rate int) {
	if len(data) == 0 || s.closeRequested.IsBroken() {
		return
	}
	s.bytesIn.Add(uint64(len(data)))
	out := data
	if f != media.FormatL16 || rate != s.params.Rate || len(data)%2 != 0 {
		if s.inCodec == nil || s.inCodec.Format() != f || s.inCodec.SampleRate() != rate {
			c, err := codec.New(f, rate)
			if err != nil {
				s.log.Warnw("cannot decode remote audio", err, "format", f)
				return
			}
			s.inCodec = c
		}
		s.inPCM = s.inCodec.Decode(s.inPCM[:0], data)
		pcm := s.inRes.Resample(nil, s.params.Rate, s.inPCM, rate)
		s.inLPCM = pcm.AppendEncoded(s.inLPCM[:0])
		out = s.inLPCM
	}
	dropped, started := s.playback.Write(out)
	if dropped > 0 {
		s.mon.PlaybackOverrun(dropped)
		now := time.Now().UnixNano()
		if last := s.lastOverrunLog.Load(); now-last > int64(15*time.Second) && s.lastOverrunLog.CompareAndSwap(last, now) {
			s.log.Warnw("playback buffer overrun, dropping oldest audio", nil, "dropped", dropped, "total", s.playback.Overrun())
		}
	}
	s.occupancy.Update(uint64(s.playback.Buffered() / time.Millisecond))
	if started {
		s.event(EventPlay, "", nil, nil)
	}
}

func (s *Session) onText(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		// Not a typed message; pass it through untouched.
		s.event(EventJSON, "", data, nil)
		return
	}
	switch msg.Type {
	case msgRawAudio, msgStreamAudio:
		var d audioData
		if len(msg.Data) != 0 {
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				s.log.Warnw("invalid audio message", err, "type", msg.Type)
				return
			}
		}
		f := d.format(s.inFormat)
		rate := s.inRate
		if d.SampleRate > 0 {
			rate = d.SampleRate
		}
		if f.Companded() {
			rate = media.BaseRate
		}
		if msg.Type == msgRawAudio {
			s.inFormat, s.inRate = f, rate
			s.log.Debugw("remote audio format", "format", f, "sampleRate", rate)
			return
		}
		s.onAudio(d.AudioData, f, rate)
	case msgKillAudio, msgStopAudio, msgClear:
		s.playback.Clear()
		s.log.Debugw("playback cleared by remote")
	case msgConnected:
		s.event(EventConnect, msg.Type, data, nil)
	case msgError:
		s.event(EventError, msg.Type, data, nil)
	case msgDisconnect:
		s.event(EventDisconnect, msg.Type, data, nil)
		s.Close(CloseRemote, "")
	default:
		s.event(EventJSON, msg.Type, data, nil)
	}
}

func (s *Session) onDisconnect(err error) {
	if err != nil {
		s.log.Warnw("remote endpoint disconnected", err)
	} else {
		s.log.Infow("remote endpoint closed the connection")
	}
	s.event(EventDisconnect, "", nil, err)
	s.Close(CloseDisconnect, "")
}
