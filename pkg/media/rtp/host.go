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
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/stream"
)

var _ stream.Host = (*Host)(nil)

type RTPOptions struct {
	MediaTimeout        time.Duration
	MediaTimeoutInitial time.Duration
	JitterFrames        int
}

// Host owns the RTP legs of this node.
type Host struct {
	log  logger.Logger
	conf config.RTPConfig

	mu      sync.Mutex
	legs    map[string]*Leg
	onClose func(id, reason string)
	onDigit func(id string, digit byte)
}

func NewHost(log logger.Logger, conf config.RTPConfig) *Host {
	return &Host{
		log:  log,
		conf: conf,
		legs: make(map[string]*Leg),
	}
}

// OnLegClosed sets a callback for legs that ended, including media timeouts.
func (h *Host) OnLegClosed(fn func(id, reason string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

// OnDigit sets a callback for DTMF digits received as telephone-events. It runs on
// the leg's receive goroutine and must not block.
func (h *Host) OnDigit(fn func(id string, digit byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDigit = fn
}

// Open allocates a port in the configured range and starts the leg's receive loop and frame clock.
func (h *Host) Open(conf LegConfig) (*Leg, error) {
	if conf.ID == "" {
		return nil, fmt.Errorf("%w: leg id required", errors.ErrInvalidCommand)
	}
	h.mu.Lock()
	_, exists := h.legs[conf.ID]
	h.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", errors.ErrLegExists, conf.ID)
	}

	var ip net.IP
	if h.conf.ListenIP != "" {
		ip = net.ParseIP(h.conf.ListenIP)
	}
	udp, err := ListenUDPPortRange(h.conf.PortStart, h.conf.PortEnd, ip)
	if err != nil {
		return nil, err
	}
	l, err := newLeg(h.log, conf, udp, RTPOptions{
		MediaTimeout:        h.conf.MediaTimeout,
		MediaTimeoutInitial: h.conf.MediaTimeoutInitial,
		JitterFrames:        h.conf.JitterFrames,
	}, h.legClosed)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	l.onDigit = h.legDigit

	h.mu.Lock()
	if _, ok := h.legs[conf.ID]; ok {
		h.mu.Unlock()
		_ = l.conn.Close()
		return nil, fmt.Errorf("%w: %s", errors.ErrLegExists, conf.ID)
	}
	h.legs[conf.ID] = l
	h.mu.Unlock()

	l.start()
	l.log.Infow("rtp leg opened",
		"local", l.LocalAddr().String(),
		"format", conf.Format,
		"rate", l.SampleRate(),
		"payloadType", l.pt,
	)
	return l, nil
}

func (h *Host) legClosed(l *Leg, reason string) {
	h.mu.Lock()
	if h.legs[l.ID()] == l {
		delete(h.legs, l.ID())
	}
	fn := h.onClose
	h.mu.Unlock()
	if fn != nil {
		fn(l.ID(), reason)
	}
}

func (h *Host) legDigit(l *Leg, digit byte) {
	h.mu.Lock()
	fn := h.onDigit
	h.mu.Unlock()
	if fn != nil {
		fn(l.ID(), digit)
	}
}

// Leg implements stream.Host.
func (h *Host) Leg(id string) (stream.Leg, error) {
	l, ok := h.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrLegNotFound, id)
	}
	return l, nil
}

func (h *Host) Get(id string) (*Leg, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.legs[id]
	return l, ok
}

// Hangup closes a leg.
func (h *Host) Hangup(id string) error {
	l, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrLegNotFound, id)
	}
	l.Close()
	return nil
}

func (h *Host) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.legs))
	for id := range h.legs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Host) Close() {
	h.mu.Lock()
	legs := make([]*Leg, 0, len(h.legs))
	for _, l := range h.legs {
		legs = append(legs, l)
	}
	h.mu.Unlock()
	for _, l := range legs {
		l.close(CloseShutdown)
	}
	for _, l := range legs {
		<-l.done
	}
}
