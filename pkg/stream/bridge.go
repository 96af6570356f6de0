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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/media/codec"
	"github.com/voicebridge/voicebridge/pkg/stats"
)

const SessionPrefix = "SS_"

// Bridge is the command surface of the audio bridge. It keeps at most one session per leg.
type Bridge struct {
	conf config.StreamConfig
	log  logger.Logger
	mon  *stats.Monitor
	host Host

	mu       sync.Mutex
	sessions map[string]*Session
	events   chan Event
}

func NewBridge(conf config.StreamConfig, host Host, mon *stats.Monitor, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.GetLogger()
	}
	if conf.EventQueue <= 0 {
		conf.EventQueue = 64
	}
	if conf.PlaybackBuffer <= 0 {
		conf.PlaybackBuffer = config.DefaultPlaybackLimit
	}
	if conf.Warmup <= 0 {
		conf.Warmup = config.DefaultWarmup
	}
	return &Bridge{
		conf:     conf,
		log:      log,
		mon:      mon,
		host:     host,
		sessions: make(map[string]*Session),
		events:   make(chan Event, conf.EventQueue),
	}
}

// Events delivers session events of all legs in arrival order.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

func (b *Bridge) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		b.log.Warnw("session event queue full, dropping event", nil, "type", ev.Type, "leg", ev.Leg)
	}
}

// Session returns the session attached to a leg, if any.
func (b *Bridge) Session(leg string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[leg]
}

// ActiveSessions returns the number of attached sessions.
func (b *Bridge) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Start attaches a new session to a leg. Parameters are validated and the leg slot
// is reserved before any connection is made, so a failed start leaves nothing behind.
func (b *Bridge) Start(ctx context.Context, p Params) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cod, err := codec.New(p.Format, p.Rate)
	if err != nil {
		return nil, err
	}
	leg, err := b.host.Leg(p.Leg)
	if err != nil {
		return nil, err
	}
	if err = leg.PreAnswer(ctx); err != nil {
		return nil, err
	}

	s := &Session{
		id:        guid.New(SessionPrefix),
		params:    p,
		mon:       b.mon,
		leg:       leg,
		codec:     cod,
		started:   time.Now(),
		playback:  NewPlayback(p.Rate, b.conf.PlaybackBuffer, b.conf.Warmup),
		emit:      b.emit,
		onClose:   b.onSessionClosed,
		inFormat:  p.Format,
		inRate:    p.Rate,
		occupancy: stats.NewStatAtomic(),
	}
	s.log = b.log.WithValues("leg", p.Leg, "sessionID", s.id)

	b.mu.Lock()
	if _, ok := b.sessions[p.Leg]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: leg %s", errors.ErrAlreadyAttached, p.Leg)
	}
	b.sessions[p.Leg] = s
	b.mu.Unlock()

	release := func() {
		b.mu.Lock()
		if b.sessions[p.Leg] == s {
			delete(b.sessions, p.Leg)
		}
		b.mu.Unlock()
	}

	hello := newHello(s.id, leg.CallerID(), &p)
	st, err := DialStreamer(ctx, s.log, p.URL, StreamerConfig{
		QueueFrames:      b.conf.SendQueueFrames,
		ControlQueue:     b.conf.ControlQueue,
		PingInterval:     b.conf.PingInterval,
		WriteTimeout:     b.conf.WriteTimeout,
		HandshakeTimeout: b.conf.HandshakeTimeout,
	}, hello, streamHandler{s})
	if err != nil {
		release()
		s.log.Warnw("cannot open stream", err, "url", p.URL)
		return nil, err
	}
	s.streamer = st

	t := newTap(s, leg.SampleRate())
	if err = leg.Attach(t); err != nil {
		st.Close("")
		release()
		return nil, err
	}

	b.mon.SessionStarted(p.Mode.String(), p.Format.String())
	s.log.Infow("stream session started",
		"url", p.URL,
		"mode", p.Mode,
		"rate", p.Rate,
		"format", p.Format,
	)
	s.event(EventConnect, "", nil, nil)
	return s, nil
}

func (b *Bridge) onSessionClosed(s *Session, _ CloseReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.params.Leg] == s {
		delete(b.sessions, s.params.Leg)
	}
}

func (b *Bridge) attached(leg string) (*Session, error) {
	s := b.Session(leg)
	if s == nil || !s.Active() {
		return nil, fmt.Errorf("%w: leg %s", errors.ErrNotAttached, leg)
	}
	return s, nil
}

// Stop detaches the leg's session, optionally sending a final text first.
// Stopping a leg without a session is not an error.
func (b *Bridge) Stop(leg, final string) error {
	s := b.Session(leg)
	if s == nil {
		return nil
	}
	s.Close(CloseStop, final)
	return nil
}

func (b *Bridge) Pause(leg string) error {
	s, err := b.attached(leg)
	if err != nil {
		return err
	}
	return s.Pause()
}

func (b *Bridge) Resume(leg string) error {
	s, err := b.attached(leg)
	if err != nil {
		return err
	}
	return s.Resume()
}

func (b *Bridge) SendText(leg, text string) error {
	s, err := b.attached(leg)
	if err != nil {
		return err
	}
	return s.SendText(text)
}

// Do runs a parsed command.
func (b *Bridge) Do(ctx context.Context, cmd *Command) error {
	switch cmd.Op {
	case OpStart:
		_, err := b.Start(ctx, cmd.Start)
		return err
	case OpStop:
		return b.Stop(cmd.Leg, cmd.Text)
	case OpPause:
		return b.Pause(cmd.Leg)
	case OpResume:
		return b.Resume(cmd.Leg)
	case OpSendText:
		return b.SendText(cmd.Leg, cmd.Text)
	}
	return fmt.Errorf("%w: %q", errors.ErrInvalidCommand, cmd.Op)
}

// Execute parses and runs one command line, returning a switch style reply.
func (b *Bridge) Execute(ctx context.Context, line string) (string, error) {
	cmd, err := ParseCommand(line)
	if err == nil {
		err = b.Do(ctx, cmd)
	}
	if err != nil {
		b.log.Infow("stream command failed", "command", line, "error", err)
	}
	return Reply(err), err
}

// Close stops all sessions.
func (b *Bridge) Close() {
	b.mu.Lock()
	list := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		list = append(list, s)
	}
	b.mu.Unlock()
	for _, s := range list {
		s.Close(CloseShutdown, "")
	}
}
