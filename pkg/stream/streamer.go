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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/internal/ringbuf"
)

// StreamerConfig controls the connection to a remote endpoint.
type StreamerConfig struct {
	QueueFrames      int
	ControlQueue     int
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// StreamHandler receives what the remote endpoint sends. Methods are called from
// the streamer's reader goroutine, one at a time.
type StreamHandler interface {
	OnAudio(data []byte)
	OnText(data []byte)
	// OnDisconnect is called once when the connection fails or the remote closes it.
	// It is not called after a local Close.
	OnDisconnect(err error)
}

// Streamer owns one websocket connection to a remote endpoint.
//
// SendAudio never blocks: frames go into a bounded queue drained by the writer
// goroutine, and when the queue is full the oldest queued frame is dropped.
type Streamer struct {
	log  logger.Logger
	conf StreamerConfig
	conn *websocket.Conn
	h    StreamHandler

	mu     sync.Mutex
	audio  *ringbuf.Buffer[[]byte]
	final  string
	notify chan struct{}
	ctrl   chan []byte

	closing core.Fuse
	done    core.Fuse

	sentFrames   atomic.Uint64
	sentBytes    atomic.Uint64
	droppedAudio atomic.Uint64
}

// DialStreamer connects to url, writes the hello message and starts the I/O goroutines.
func DialStreamer(ctx context.Context, log logger.Logger, url string, conf StreamerConfig, hello any, h StreamHandler) (*Streamer, error) {
	if conf.QueueFrames <= 0 {
		conf.QueueFrames = 50
	}
	if conf.ControlQueue <= 0 {
		conf.ControlQueue = 16
	}
	if conf.PingInterval <= 0 {
		conf.PingInterval = 20 * time.Second
	}
	if conf.WriteTimeout <= 0 {
		conf.WriteTimeout = 5 * time.Second
	}
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: conf.HandshakeTimeout,
	}
	conn, resp, err := d.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", url, err)
	}
	data, err := json.Marshal(hello)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(conf.WriteTimeout))
	if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("cannot send metadata: %w", err)
	}
	s := &Streamer{
		log:    log,
		conf:   conf,
		conn:   conn,
		h:      h,
		audio:  ringbuf.New[[]byte](conf.QueueFrames),
		notify: make(chan struct{}, 1),
		ctrl:   make(chan []byte, conf.ControlQueue),
	}
	s.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

func (s *Streamer) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(3 * s.conf.PingInterval))
}

// SendAudio queues one encoded frame. It reports whether an older frame was dropped.
func (s *Streamer) SendAudio(frame []byte) (dropped bool) {
	if s.closing.IsBroken() {
		return false
	}
	s.mu.Lock()
	dropped = s.audio.Push(frame)
	s.mu.Unlock()
	if dropped {
		s.droppedAudio.Add(1)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// SendText queues a text message. Unlike audio, control messages are never dropped silently.
func (s *Streamer) SendText(text string) error {
	if s.closing.IsBroken() {
		return errors.ErrSessionClosed
	}
	select {
	case s.ctrl <- []byte(text):
		return nil
	default:
		return errors.ErrQueueFull
	}
}

// Close asks the writer to deliver queued text and the optional final text, then
// close the connection. It does not wait.
func (s *Streamer) Close(final string) {
	s.mu.Lock()
	if !s.closing.IsBroken() {
		s.final = final
	}
	s.mu.Unlock()
	s.closing.Break()
}

// Done is closed when the connection is fully shut down.
func (s *Streamer) Done() <-chan struct{} {
	return s.done.Watch()
}

// Stats returns frames and bytes sent and audio frames dropped from the queue.
func (s *Streamer) Stats() (frames, bytes, dropped uint64) {
	return s.sentFrames.Load(), s.sentBytes.Load(), s.droppedAudio.Load()
}

func (s *Streamer) write(typ int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout))
	return s.conn.WriteMessage(typ, data)
}

func (s *Streamer) flushAudio() error {
	for {
		s.mu.Lock()
		frame, ok := s.audio.TryPop()
		s.mu.Unlock()
		if !ok {
			return nil
		}
		if err := s.write(websocket.BinaryMessage, frame); err != nil {
			return err
		}
		s.sentFrames.Add(1)
		s.sentBytes.Add(uint64(len(frame)))
	}
}

func (s *Streamer) writeLoop() {
	defer s.done.Break()
	defer s.conn.Close()

	ping := time.NewTicker(s.conf.PingInterval)
	defer ping.Stop()

	var err error
	for err == nil {
		select {
		case <-s.closing.Watch():
			s.shutdown()
			return
		case msg := <-s.ctrl:
			err = s.write(websocket.TextMessage, msg)
		case <-s.notify:
			err = s.flushAudio()
		case <-ping.C:
			err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.conf.WriteTimeout))
		}
	}
	s.log.Warnw("websocket write failed", err)
	// Unblock the reader, which reports the disconnect.
	_ = s.conn.Close()
	<-s.closing.Watch()
}

// shutdown runs on the writer goroutine after Close.
func (s *Streamer) shutdown() {
drain:
	for {
		select {
		case msg := <-s.ctrl:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			break drain
		}
	}
	s.mu.Lock()
	final := s.final
	s.mu.Unlock()
	if final != "" {
		if err := s.write(websocket.TextMessage, []byte(final)); err != nil {
			return
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.conf.WriteTimeout))
}

func (s *Streamer) readLoop() {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.IsBroken() {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				}
				s.h.OnDisconnect(err)
			}
			s.closing.Break()
			return
		}
		s.extendReadDeadline()
		switch typ {
		case websocket.BinaryMessage:
			s.h.OnAudio(data)
		case websocket.TextMessage:
			s.h.OnText(data)
		}
	}
}
