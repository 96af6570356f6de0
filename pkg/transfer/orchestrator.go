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

// Package transfer moves a caller to a human destination: the caller is held,
// the destination is dialed with retries, and on answer the two legs are bridged.
package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/relay"
	"github.com/voicebridge/voicebridge/pkg/stats"
)

const (
	TransferPrefix = "TR_"
	DialedPrefix   = "BL_"

	finishedHistory = 256
	finishedTTL     = time.Hour
)

// EventSource routes the events of a leg to a consumer.
type EventSource interface {
	Subscribe(leg string, c relay.Consumer) (unsubscribe func())
}

// Request asks for one caller to be transferred. Zero durations and retries
// fall back to the destination, then to the configuration.
type Request struct {
	Leg         string
	Destination Destination

	CallerIDName   string
	CallerIDNumber string

	RingTimeout time.Duration
	Retries     int
	RetryDelay  time.Duration
}

// Orchestrator runs at most one transfer per caller leg.
type Orchestrator struct {
	log    logger.Logger
	conf   config.TransferConfig
	relay  relay.Issuer
	events EventSource
	dir    *Directory
	audit  *Auditor
	mon    *stats.Monitor

	mu       sync.Mutex
	active   map[string]*Transfer
	finished *expirable.LRU[string, *Transfer]
}

func NewOrchestrator(
	log logger.Logger,
	conf config.TransferConfig,
	r relay.Issuer,
	events EventSource,
	dir *Directory,
	audit *Auditor,
	mon *stats.Monitor,
) *Orchestrator {
	if conf.RingTimeout <= 0 {
		conf.RingTimeout = config.DefaultRingTimeout
	}
	if conf.Retries <= 0 {
		conf.Retries = 1
	}
	if conf.RetryDelay < 0 {
		conf.RetryDelay = 0
	}
	if conf.MusicOnHold == "" {
		conf.MusicOnHold = config.DefaultMusicOnHold
	}
	if conf.Context == "" {
		conf.Context = config.DefaultTransferCtx
	}
	return &Orchestrator{
		log:      log,
		conf:     conf,
		relay:    r,
		events:   events,
		dir:      dir,
		audit:    audit,
		mon:      mon,
		active:   make(map[string]*Transfer),
		finished: expirable.NewLRU[string, *Transfer](finishedHistory, nil, finishedTTL),
	}
}

// Start begins transferring req.Leg to an already resolved destination. It
// returns once the transfer runs; Transfer.Done reports the outcome.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Transfer, error) {
	if req.Leg == "" || req.Destination.Number == "" {
		return nil, fmt.Errorf("%w: transfer needs a leg and a destination number", errors.ErrInvalidCommand)
	}
	t := o.newTransfer(req)

	o.mu.Lock()
	if cur := o.active[req.Leg]; cur != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: leg %s", errors.ErrTransferInProgress, req.Leg)
	}
	o.active[req.Leg] = t
	o.mu.Unlock()

	t.log.Infow("transfer starting",
		"destination", req.Destination.Name,
		"dial", t.dial,
		"ringTimeout", t.ringTimeout,
		"retries", t.retries,
	)
	go t.run(context.WithoutCancel(ctx))
	return t, nil
}

// StartByName resolves a destination of domain by name, alias or number and starts the transfer.
func (o *Orchestrator) StartByName(ctx context.Context, leg, domain, name string) (*Transfer, error) {
	if o.dir == nil {
		return nil, fmt.Errorf("%w: %q", errors.ErrDestinationNotFound, name)
	}
	dest, err := o.dir.Find(ctx, domain, name)
	if err != nil {
		return nil, err
	}
	return o.Start(ctx, Request{Leg: leg, Destination: dest})
}

func (o *Orchestrator) newTransfer(req Request) *Transfer {
	t := &Transfer{
		o:       o,
		id:      guid.New(TransferPrefix),
		req:     req,
		dial:    req.Destination.DialString(o.conf.Context, o.conf.Gateway),
		events:  make(chan relay.Event, 16),
		stop:    make(chan bool, 1),
		started: time.Now(),
	}
	t.log = o.log.WithValues("transferID", t.id, "leg", req.Leg)

	t.ringTimeout = firstDuration(req.RingTimeout, req.Destination.RingTimeout, o.conf.RingTimeout)
	t.retries = firstInt(req.Retries, req.Destination.Retries, o.conf.Retries)
	t.retryDelay = req.RetryDelay
	if t.retryDelay <= 0 {
		t.retryDelay = o.conf.RetryDelay
	}
	t.fsm = newFSM(t)
	return t
}

func firstDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 1
}

func (o *Orchestrator) onFinished(t *Transfer) {
	o.mu.Lock()
	if o.active[t.req.Leg] == t {
		delete(o.active, t.req.Leg)
	}
	o.mu.Unlock()
	o.finished.Add(t.req.Leg, t)
}

// Get returns the running transfer of leg, or the last finished one.
func (o *Orchestrator) Get(leg string) (*Transfer, bool) {
	o.mu.Lock()
	t := o.active[leg]
	o.mu.Unlock()
	if t != nil {
		return t, true
	}
	return o.finished.Get(leg)
}

// Active reports whether leg has a transfer running.
func (o *Orchestrator) Active(leg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[leg] != nil
}

// ActiveTransfers returns the number of running transfers.
func (o *Orchestrator) ActiveTransfers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Cancel aborts the transfer of leg and resumes the caller.
func (o *Orchestrator) Cancel(leg string) error {
	o.mu.Lock()
	t := o.active[leg]
	o.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: leg %s", errors.ErrNoTransfer, leg)
	}
	t.Cancel()
	return nil
}

// Teardown aborts the transfer of a caller that hung up. It is a no-op without a transfer.
func (o *Orchestrator) Teardown(leg string) {
	o.mu.Lock()
	t := o.active[leg]
	o.mu.Unlock()
	if t != nil {
		t.Teardown()
	}
}

// Close cancels all running transfers and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	list := make([]*Transfer, 0, len(o.active))
	for _, t := range o.active {
		list = append(list, t)
	}
	o.mu.Unlock()
	for _, t := range list {
		t.Cancel()
	}
	for _, t := range list {
		<-t.Done()
	}
}
