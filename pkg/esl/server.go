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

package esl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/errors"
)

// ConnHandler serves one outbound connection. The connection is closed when it returns.
type ConnHandler func(ctx context.Context, c *Conn)

// Server accepts outbound connections opened by the switch, one per call.
type Server struct {
	log     logger.Logger
	ln      net.Listener
	handler ConnHandler
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed core.Fuse
}

func Listen(log logger.Logger, addr string, commandTimeout time.Duration, h ConnHandler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return Serve(log, ln, commandTimeout, h), nil
}

func Serve(log logger.Logger, ln net.Listener, commandTimeout time.Duration, h ConnHandler) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	if commandTimeout <= 0 {
		commandTimeout = 10 * time.Second
	}
	s := &Server{log: log, ln: ln, handler: h, timeout: commandTimeout}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.acceptLoop()
	return s
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.closed.IsBroken() {
				s.log.Errorw("outbound socket accept failed", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(nc net.Conn) {
	c := newConn(s.log, nc, s.timeout)
	defer c.Close()
	if err := c.handshake(); err != nil {
		s.log.Warnw("outbound socket handshake failed", err, "remote", nc.RemoteAddr())
		return
	}
	c.log = c.log.WithValues("leg", c.UUID())
	s.handler(s.ctx, c)
}

// Close stops accepting and closes all connections.
func (s *Server) Close() error {
	s.closed.Break()
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// Conn is one outbound connection, bound to the call leg that opened it.
type Conn struct {
	log     logger.Logger
	conn    net.Conn
	r       *textproto.Reader
	timeout time.Duration
	info    *Event

	onEvent EventHandler
	replies chan *Message
	started atomic.Bool

	closed core.Fuse
}

func newConn(log logger.Logger, nc net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		log:     log,
		conn:    nc,
		r:       textproto.NewReader(bufio.NewReader(nc)),
		timeout: timeout,
		replies: make(chan *Message, 1),
	}
}

// handshake runs connect, myevents and linger before the reader starts.
func (c *Conn) handshake() error {
	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	m, err := c.roundTrip("connect")
	if err != nil {
		return err
	}
	// The connect reply carries the channel data as headers.
	c.info = &Event{Header: decodeHeader(m.Header)}
	if c.UUID() == "" {
		return fmt.Errorf("connect reply without channel uuid")
	}
	if _, err = c.roundTrip("myevents"); err != nil {
		return err
	}
	_, err = c.roundTrip("linger")
	return err
}

func (c *Conn) roundTrip(cmd string) (*Message, error) {
	if _, err := c.conn.Write(command(cmd)); err != nil {
		return nil, err
	}
	for {
		m, err := ReadMessage(c.r)
		if err != nil {
			return nil, err
		}
		if m.Type() == TypeCommandReply {
			return m, m.Err()
		}
	}
}

// Start begins reading events of the leg into h. It must be called once, before
// any command. Events sent by the switch earlier wait in the socket.
func (c *Conn) Start(h EventHandler) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.onEvent = h
	go c.readLoop()
}

func (c *Conn) readLoop() {
	defer c.closed.Break()
	for {
		m, err := ReadMessage(c.r)
		if err != nil {
			return
		}
		switch m.Type() {
		case TypeCommandReply, TypeAPIResponse:
			select {
			case c.replies <- m:
			default:
			}
		case TypeEventPlain:
			ev, err := ParseEvent(m.Body)
			if err != nil {
				c.log.Warnw("cannot parse event", err)
				continue
			}
			if c.onEvent != nil {
				c.onEvent(ev)
			}
		case TypeDisconnectNotice:
			// Lingering: events may still follow until the socket closes.
			c.log.Debugw("outbound socket disconnect notice")
		}
	}
}

// UUID of the leg that opened the connection.
func (c *Conn) UUID() string {
	return c.info.UUID()
}

// Info returns the channel data sent on connect.
func (c *Conn) Info() *Event {
	return c.info
}

func (c *Conn) Done() <-chan struct{} {
	return c.closed.Watch()
}

func (c *Conn) Close() {
	c.closed.Break()
	_ = c.conn.Close()
}

// SendMsg sends a sendmsg command for the connection's leg and waits for the reply.
// It must only be called from one goroutine at a time, after Start.
func (c *Conn) SendMsg(ctx context.Context, headers ...string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if c.closed.IsBroken() {
		return fmt.Errorf("%w: connection closed", errors.ErrChannelUnavailable)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(command("sendmsg", headers...)); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", errors.ErrChannelUnavailable, err)
	}
	select {
	case m := <-c.replies:
		return m.Err()
	case <-c.closed.Watch():
		return fmt.Errorf("%w: connection closed", errors.ErrChannelUnavailable)
	case <-ctx.Done():
		c.Close()
		return fmt.Errorf("%w: %v", errors.ErrChannelUnavailable, ctx.Err())
	}
}

// Execute runs a dialplan application on the leg without waiting for it to finish.
func (c *Conn) Execute(ctx context.Context, app, arg string) error {
	return c.SendMsg(ctx,
		"call-command: execute",
		"execute-app-name: "+app,
		"execute-app-arg: "+arg,
	)
}

// Hangup hangs the leg up with a cause.
func (c *Conn) Hangup(ctx context.Context, cause string) error {
	return c.SendMsg(ctx,
		"call-command: hangup",
		"hangup-cause: "+cause,
	)
}
