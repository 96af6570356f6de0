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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/errors"
)

type ClientConfig struct {
	Address        string
	Password       string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// EventHandler is called from the reader goroutine for every event. It must not block.
type EventHandler func(ev *Event)

// Client is an inbound event socket connection. Commands are serialized: the
// socket answers them in order, so each caller owns the next reply.
type Client struct {
	log  logger.Logger
	conf ClientConfig
	conn net.Conn
	r    *textproto.Reader

	onEvent EventHandler
	replies chan *Message

	cmu sync.Mutex // held for one command and its reply

	closed core.Fuse
	err    atomic.Pointer[error]
}

// Dial connects and authenticates. Events are delivered to onEvent once subscribed.
func Dial(ctx context.Context, log logger.Logger, conf ClientConfig, onEvent EventHandler) (*Client, error) {
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = 5 * time.Second
	}
	if conf.CommandTimeout <= 0 {
		conf.CommandTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	d := net.Dialer{Timeout: conf.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", conf.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrChannelUnavailable, err)
	}
	c := &Client{
		log:     log,
		conf:    conf,
		conn:    conn,
		r:       textproto.NewReader(bufio.NewReader(conn)),
		onEvent: onEvent,
		replies: make(chan *Message, 1),
	}
	if err = c.auth(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) auth() error {
	_ = c.conn.SetDeadline(time.Now().Add(c.conf.DialTimeout))
	defer c.conn.SetDeadline(time.Time{})

	m, err := ReadMessage(c.r)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrChannelUnavailable, err)
	}
	if m.Type() != TypeAuthRequest {
		return fmt.Errorf("%w: unexpected greeting %q", errors.ErrChannelUnavailable, m.Type())
	}
	if _, err = c.conn.Write(command("auth " + c.conf.Password)); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrChannelUnavailable, err)
	}
	if m, err = ReadMessage(c.r); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrChannelUnavailable, err)
	}
	if err = m.Err(); err != nil {
		return fmt.Errorf("%w: authentication failed", errors.ErrChannelUnavailable)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.closed.Break()
	for {
		m, err := ReadMessage(c.r)
		if err != nil {
			if !c.closed.IsBroken() {
				c.log.Warnw("event socket read failed", err)
				c.setErr(err)
			}
			return
		}
		switch m.Type() {
		case TypeCommandReply, TypeAPIResponse:
			select {
			case c.replies <- m:
			default:
				c.log.Warnw("dropping unexpected reply", nil, "reply", m.ReplyText())
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
		case TypeDisconnectNotice, TypeRudeRejection:
			c.log.Infow("event socket disconnected by switch", "type", m.Type())
			c.setErr(fmt.Errorf("disconnected: %s", strings.TrimSpace(string(m.Body))))
			_ = c.conn.Close()
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.err.CompareAndSwap(nil, &err)
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed.Watch()
}

func (c *Client) Connected() bool {
	return !c.closed.IsBroken()
}

func (c *Client) Close() error {
	if c.closed.IsBroken() {
		return nil
	}
	_, _ = c.conn.Write(command("exit"))
	c.closed.Break()
	return c.conn.Close()
}

// Send writes a raw command and waits for its reply. Transport failures wrap
// ErrChannelUnavailable, negative replies wrap ErrCommandRejected.
func (c *Client) Send(ctx context.Context, cmd string, headers ...string) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.conf.CommandTimeout)
	defer cancel()

	c.cmu.Lock()
	defer c.cmu.Unlock()
	if c.closed.IsBroken() {
		return nil, fmt.Errorf("%w: connection closed", errors.ErrChannelUnavailable)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.conf.CommandTimeout))
	if _, err := c.conn.Write(command(cmd, headers...)); err != nil {
		_ = c.conn.Close()
		return nil, fmt.Errorf("%w: %v", errors.ErrChannelUnavailable, err)
	}
	select {
	case m := <-c.replies:
		return m, m.Err()
	case <-c.closed.Watch():
		return nil, fmt.Errorf("%w: connection closed", errors.ErrChannelUnavailable)
	case <-ctx.Done():
		// The reply may still arrive and would be taken by the next command.
		_ = c.conn.Close()
		return nil, fmt.Errorf("%w: %v", errors.ErrChannelUnavailable, ctx.Err())
	}
}

// API runs a blocking api command and returns its output.
func (c *Client) API(ctx context.Context, cmd string) (string, error) {
	m, err := c.Send(ctx, "api "+cmd)
	if m == nil {
		return "", err
	}
	return m.ReplyText(), err
}

// BgAPI runs a background api command under the given job id. The result comes
// later as a BACKGROUND_JOB event carrying the same Job-UUID.
func (c *Client) BgAPI(ctx context.Context, cmd, jobID string) error {
	var headers []string
	if jobID != "" {
		headers = append(headers, "Job-UUID: "+jobID)
	}
	_, err := c.Send(ctx, "bgapi "+cmd, headers...)
	return err
}

// Subscribe enables plain events of the given names.
func (c *Client) Subscribe(ctx context.Context, events ...string) error {
	_, err := c.Send(ctx, "event plain "+strings.Join(events, " "))
	return err
}
