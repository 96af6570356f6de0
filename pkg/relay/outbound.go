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

package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/esl"
)

const (
	OutboundName = "outbound"

	// EventChannelData is dispatched when a call connects to the outbound listener.
	// Raw carries the channel data.
	EventChannelData = "CHANNEL_DATA"

	outboundQueue = 16
)

// Kinds the outbound channel can run on the leg owning a connection.
var outboundKinds = map[Kind]bool{
	Hangup:    true,
	Hold:      true,
	Unhold:    true,
	Broadcast: true,
	Break:     true,
	SetVar:    true,
}

// Outbound is the event channel: the switch opens one connection per call
// (the socket dialplan application). Each connection is served by its own
// goroutine, which also runs all commands for its leg in order.
type Outbound struct {
	log  logger.Logger
	disp *Dispatcher
	srv  *esl.Server

	mu    sync.Mutex
	conns map[string]*legConn
}

var _ Channel = (*Outbound)(nil)

type legConn struct {
	conn *esl.Conn
	reqs chan *request
}

type request struct {
	ctx  context.Context
	cmd  Command
	done chan response
}

type response struct {
	res Result
	err error
}

func NewOutbound(log logger.Logger, disp *Dispatcher) *Outbound {
	return &Outbound{
		log:   log.WithValues("channel", OutboundName),
		disp:  disp,
		conns: make(map[string]*legConn),
	}
}

// Listen accepts connections from the switch on addr.
func (o *Outbound) Listen(addr string, commandTimeout time.Duration) error {
	srv, err := esl.Listen(o.log, addr, commandTimeout, o.handle)
	if err != nil {
		return err
	}
	o.srv = srv
	o.log.Infow("outbound socket listening", "address", srv.Addr().String())
	return nil
}

// Serve accepts connections from the switch on ln.
func (o *Outbound) Serve(ln net.Listener, commandTimeout time.Duration) {
	o.srv = esl.Serve(o.log, ln, commandTimeout, o.handle)
}

func (o *Outbound) Addr() net.Addr {
	if o.srv == nil {
		return nil
	}
	return o.srv.Addr()
}

func (o *Outbound) Name() string {
	return OutboundName
}

func (o *Outbound) Available() bool {
	return o.srv != nil
}

func (o *Outbound) Supports(cmd Command) bool {
	return outboundKinds[cmd.Kind] && o.conn(cmd.Leg) != nil
}

// Connected reports whether leg has a live connection.
func (o *Outbound) Connected(leg string) bool {
	return o.conn(leg) != nil
}

func (o *Outbound) conn(leg string) *legConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conns[leg]
}

func (o *Outbound) handle(ctx context.Context, c *esl.Conn) {
	leg := c.UUID()
	lc := &legConn{conn: c, reqs: make(chan *request, outboundQueue)}

	o.mu.Lock()
	prev := o.conns[leg]
	o.conns[leg] = lc
	o.mu.Unlock()
	if prev != nil {
		o.log.Infow("replacing outbound connection", "leg", leg)
		prev.conn.Close()
	}
	defer func() {
		o.mu.Lock()
		if o.conns[leg] == lc {
			delete(o.conns, leg)
		}
		o.mu.Unlock()
	}()

	o.log.Infow("call connected", "leg", leg, "callerID", c.Info().Get("Caller-Caller-ID-Number"))
	c.Start(func(ev *esl.Event) {
		o.disp.Dispatch(convertEvent(OutboundName, ev))
	})
	o.disp.Dispatch(Event{
		Type:    EventOther,
		Leg:     leg,
		Name:    EventChannelData,
		Channel: OutboundName,
		Raw:     c.Info(),
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			o.log.Debugw("call disconnected", "leg", leg)
			return
		case req := <-lc.reqs:
			res, err := o.exec(req.ctx, c, req.cmd)
			req.done <- response{res: res, err: err}
		}
	}
}

// exec runs on the connection's goroutine.
func (o *Outbound) exec(ctx context.Context, c *esl.Conn, cmd Command) (Result, error) {
	res := Result{Channel: OutboundName, Leg: cmd.Leg}
	var err error
	switch cmd.Kind {
	case Hangup:
		err = c.Hangup(ctx, cmd.cause())
	case Hold, Broadcast:
		err = c.Execute(ctx, "playback", cmd.Path)
	case Unhold, Break:
		err = c.Execute(ctx, "break", "")
	case SetVar:
		for _, k := range cmd.sortedVars() {
			if err = c.Execute(ctx, "set", k+"="+cmd.Vars[k]); err != nil {
				break
			}
		}
	default:
		err = fmt.Errorf("%w: %s not supported on %s", errors.ErrChannelUnavailable, cmd.Kind, OutboundName)
	}
	if err == nil {
		res.Reply = "+OK"
	}
	return res, err
}

// Issue hands cmd to the goroutine owning the leg's connection and waits for its result.
func (o *Outbound) Issue(ctx context.Context, cmd Command) (Result, error) {
	lc := o.conn(cmd.Leg)
	if lc == nil || !outboundKinds[cmd.Kind] {
		return Result{}, fmt.Errorf("%w: no %s connection for %s", errors.ErrChannelUnavailable, OutboundName, cmd.Leg)
	}
	req := &request{ctx: ctx, cmd: cmd, done: make(chan response, 1)}
	select {
	case lc.reqs <- req:
	case <-lc.conn.Done():
		return Result{}, fmt.Errorf("%w: %s connection closed", errors.ErrChannelUnavailable, OutboundName)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-req.done:
		return r.res, r.err
	case <-lc.conn.Done():
		select {
		case r := <-req.done:
			return r.res, r.err
		default:
			return Result{}, fmt.Errorf("%w: %s connection closed", errors.ErrChannelUnavailable, OutboundName)
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (o *Outbound) Close() {
	if o.srv != nil {
		_ = o.srv.Close()
	}
}
