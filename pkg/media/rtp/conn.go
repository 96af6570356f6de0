// Copyright 2023 LiveKit, Inc.
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
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/stats"
)

var _ Writer = (*Conn)(nil)

const (
	mtuSize                    = 1500
	defaultMediaTimeout        = 15 * time.Second
	defaultMediaTimeoutInitial = 30 * time.Second
)

type ConnConfig struct {
	Log   logger.Logger
	Stats *stats.RTPStats
	// MediaTimeoutInitial applies until the first packet arrives.
	MediaTimeoutInitial time.Duration
	MediaTimeout        time.Duration
	// TimeoutCallback is called once when no packets arrive for the timeout.
	TimeoutCallback func()
}

type UDPConn interface {
	LocalAddr() net.Addr
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	Close() error
}

// Conn is a symmetric RTP socket: packets are sent to wherever the last one came from,
// unless a destination was set before any arrived.
type Conn struct {
	log            logger.Logger
	stats          *stats.RTPStats
	wmu            sync.Mutex
	conn           UDPConn
	closed         core.Fuse
	packetCount    atomic.Uint64
	received       core.Fuse
	timeoutInitial time.Duration
	timeout        time.Duration

	dest  atomic.Pointer[net.UDPAddr]
	onRTP atomic.Pointer[Handler]
}

func NewConn(conn UDPConn, conf ConnConfig) *Conn {
	if conf.MediaTimeoutInitial <= 0 {
		conf.MediaTimeoutInitial = defaultMediaTimeoutInitial
	}
	if conf.MediaTimeout <= 0 {
		conf.MediaTimeout = defaultMediaTimeout
	}
	if conf.Log == nil {
		conf.Log = logger.GetLogger()
	}
	c := &Conn{
		log:            conf.Log,
		stats:          conf.Stats,
		conn:           conn,
		timeout:        conf.MediaTimeout,
		timeoutInitial: conf.MediaTimeoutInitial,
	}
	if conf.TimeoutCallback != nil {
		go c.watchTimeout(conf.TimeoutCallback)
	}
	return c
}

func (c *Conn) LocalAddr() *net.UDPAddr {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *Conn) DestAddr() *net.UDPAddr {
	return c.dest.Load()
}

func (c *Conn) SetDestAddr(addr *net.UDPAddr) {
	c.dest.Store(addr)
}

// Received is closed once at least one RTP packet arrived.
func (c *Conn) Received() <-chan struct{} {
	return c.received.Watch()
}

func (c *Conn) Packets() uint64 {
	return c.packetCount.Load()
}

func (c *Conn) OnRTP(h Handler) {
	if c == nil {
		return
	}
	if h == nil {
		c.onRTP.Store(nil)
	} else {
		c.onRTP.Store(&h)
	}
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.OnRTP(nil)
	c.closed.Once(func() {
		_ = c.conn.Close()
	})
	return nil
}

// Start runs the receive loop until the conn is closed.
func (c *Conn) Start() {
	go c.readLoop()
}

func (c *Conn) readLoop() {
	buf := make([]byte, mtuSize+1) // larger buffer to detect overflow
	var p rtp.Packet
	for {
		n, src, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if !c.closed.IsBroken() {
				c.log.Warnw("rtp read failed", err)
			}
			return
		}
		if n > mtuSize {
			c.log.Debugw("dropping oversized rtp packet", "size", n)
			continue
		}
		p = rtp.Packet{}
		if err := p.Unmarshal(buf[:n]); err != nil {
			continue
		}
		c.dest.Store(src)
		if c.packetCount.Add(1) == 1 {
			c.log.Infow("first rtp packet received", "remote", src.String(), "ssrc", p.SSRC)
			c.received.Break()
		}
		if c.stats != nil {
			c.stats.Update(&p.Header, len(p.Payload))
		}
		if h := c.onRTP.Load(); h != nil {
			_ = (*h).HandleRTP(&p)
		}
	}
}

func (c *Conn) WriteRTP(p *rtp.Packet) error {
	addr := c.dest.Load()
	if addr == nil {
		return nil
	}
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.WriteToUDP(data, addr)
	return err
}

func (c *Conn) watchTimeout(callback func()) {
	ticker := time.NewTicker(c.timeout / 2)
	defer ticker.Stop()

	start := time.Now()
	var (
		lastPackets uint64
		lastTime    = start
	)
	for {
		select {
		case <-c.closed.Watch():
			return
		case now := <-ticker.C:
			cur := c.packetCount.Load()
			if cur != lastPackets {
				lastPackets, lastTime = cur, now
				continue
			}
			limit := c.timeout
			if cur == 0 {
				limit = c.timeoutInitial
			}
			if since := now.Sub(lastTime); since >= limit {
				c.log.Infow("triggering media timeout",
					"packets", cur,
					"sinceStart", now.Sub(start),
					"sinceLast", since,
					"timeout", limit,
				)
				callback()
				return
			}
		}
	}
}
