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
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/frostbyte73/core"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/esl"
)

const (
	InboundName = "inbound"
	JobPrefix   = "JB_"

	maxPendingJobs = 1024
	jobTTL         = 10 * time.Minute
)

// Inbound is the command channel: an authenticated connection opened towards the
// switch. It carries every command kind and receives events of all calls. When the
// connection drops it is unavailable until the reconnect loop succeeds.
type Inbound struct {
	log  logger.Logger
	conf config.ESLInboundConfig
	disp *Dispatcher

	mu     sync.RWMutex
	client *esl.Client

	// Background originate jobs by job id, mapped to the new leg.
	jobs *expirable.LRU[string, string]

	started atomic.Bool
	closed  core.Fuse
	done    chan struct{}
}

var _ Channel = (*Inbound)(nil)

func NewInbound(log logger.Logger, conf config.ESLInboundConfig, disp *Dispatcher) *Inbound {
	if conf.ReconnectDelay <= 0 {
		conf.ReconnectDelay = 3 * time.Second
	}
	return &Inbound{
		log:  log.WithValues("channel", InboundName),
		conf: conf,
		disp: disp,
		jobs: expirable.NewLRU[string, string](maxPendingJobs, nil, jobTTL),
		done: make(chan struct{}),
	}
}

func (in *Inbound) Name() string {
	return InboundName
}

// Start connects once and keeps reconnecting in the background. A failed first
// attempt is not an error: the channel simply starts unavailable.
func (in *Inbound) Start(ctx context.Context) {
	if !in.started.CompareAndSwap(false, true) {
		return
	}
	if err := in.connect(ctx); err != nil {
		in.log.Warnw("event socket not connected", err, "address", in.conf.Address)
	}
	go in.reconnectLoop()
}

func (in *Inbound) connect(ctx context.Context) error {
	c, err := esl.Dial(ctx, in.log, esl.ClientConfig{
		Address:        in.conf.Address,
		Password:       in.conf.Password,
		DialTimeout:    in.conf.DialTimeout,
		CommandTimeout: in.conf.CommandTimeout,
	}, in.onEvent)
	if err != nil {
		return err
	}
	if err = c.Subscribe(ctx, SubscribedEvents...); err != nil {
		_ = c.Close()
		return err
	}
	in.mu.Lock()
	in.client = c
	in.mu.Unlock()
	in.log.Infow("event socket connected", "address", in.conf.Address)
	return nil
}

func (in *Inbound) reconnectLoop() {
	defer close(in.done)
	for {
		if c := in.getClient(); c != nil {
			select {
			case <-in.closed.Watch():
				return
			case <-c.Done():
				in.log.Warnw("event socket disconnected", c.Err())
			}
		}
		select {
		case <-in.closed.Watch():
			return
		case <-time.After(in.conf.ReconnectDelay):
		}
		if err := in.connect(context.Background()); err != nil {
			in.log.Debugw("event socket reconnect failed", "error", err)
			in.mu.Lock()
			in.client = nil
			in.mu.Unlock()
		}
	}
}

func (in *Inbound) getClient() *esl.Client {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.client
}

func (in *Inbound) Available() bool {
	c := in.getClient()
	return c != nil && c.Connected()
}

func (in *Inbound) Supports(cmd Command) bool {
	return true
}

func (in *Inbound) Issue(ctx context.Context, cmd Command) (Result, error) {
	c := in.getClient()
	if c == nil || !c.Connected() {
		return Result{}, fmt.Errorf("%w: %s not connected", errors.ErrChannelUnavailable, InboundName)
	}
	res := Result{Channel: InboundName, Leg: cmd.Leg}
	switch cmd.Kind {
	case Originate:
		job := guid.New(JobPrefix)
		in.jobs.Add(job, cmd.Leg)
		line := fmt.Sprintf("originate %s%s &park()", cmd.originateVars(), cmd.Dial)
		if err := c.BgAPI(ctx, line, job); err != nil {
			in.jobs.Remove(job)
			return res, err
		}
		res.Reply = job
		return res, nil
	case Subscribe:
		events := cmd.Events
		if len(events) == 0 {
			events = SubscribedEvents
		}
		return res, c.Subscribe(ctx, events...)
	case SetVar:
		for _, k := range cmd.sortedVars() {
			out, err := c.API(ctx, fmt.Sprintf("uuid_setvar %s %s %s", cmd.Leg, k, cmd.Vars[k]))
			res.Reply = out
			if err != nil {
				return res, err
			}
		}
		return res, nil
	case Exists:
		out, err := c.API(ctx, "uuid_exists "+cmd.Leg)
		res.Reply = out
		res.Exists = err == nil && out == "true"
		return res, err
	case Contact:
		out, err := c.API(ctx, "sofia_contact "+cmd.User)
		if err != nil {
			return res, err
		}
		// An offline user resolves to error/user_not_registered.
		if out != "" && !strings.HasPrefix(out, "error/") {
			res.Exists = true
			res.Reply = out
		}
		return res, nil
	}
	line, err := apiCommand(cmd)
	if err != nil {
		return res, err
	}
	res.Reply, err = c.API(ctx, line)
	return res, err
}

func apiCommand(cmd Command) (string, error) {
	switch cmd.Kind {
	case Bridge:
		return fmt.Sprintf("uuid_bridge %s %s", cmd.Leg, cmd.OtherLeg), nil
	case Hold, Broadcast:
		return fmt.Sprintf("uuid_broadcast %s %s aleg", cmd.Leg, cmd.Path), nil
	case Unhold:
		return fmt.Sprintf("uuid_break %s all", cmd.Leg), nil
	case Break:
		return "uuid_break " + cmd.Leg, nil
	case Hangup:
		return fmt.Sprintf("uuid_kill %s %s", cmd.Leg, cmd.cause()), nil
	}
	return "", fmt.Errorf("%w: %s", errors.ErrInvalidCommand, cmd.Kind)
}

func (in *Inbound) onEvent(ev *esl.Event) {
	if ev.Name() != "BACKGROUND_JOB" {
		in.disp.Dispatch(convertEvent(InboundName, ev))
		return
	}
	job := ev.Get("Job-UUID")
	leg, ok := in.jobs.Get(job)
	if !ok {
		return
	}
	in.jobs.Remove(job)
	body := strings.TrimSpace(string(ev.Body))
	if strings.HasPrefix(body, "+OK") {
		in.log.Debugw("originate completed", "leg", leg, "job", job)
		return
	}
	// A failed originate never creates the leg, so report it as its hangup.
	cause := originateCause(body)
	in.log.Infow("originate failed", "leg", leg, "job", job, "cause", cause)
	in.disp.Dispatch(Event{
		Type:    EventHangup,
		Leg:     leg,
		Name:    ev.Name(),
		Channel: InboundName,
		Cause:   cause,
		Raw:     ev,
	})
}

// originateCause extracts the hangup cause from "-ERR CAUSE [details]".
func originateCause(reply string) string {
	s := strings.TrimSpace(strings.TrimPrefix(reply, "-ERR"))
	word, _, _ := strings.Cut(s, " ")
	word = strings.ToUpper(strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	}))
	if word == "" {
		return "UNKNOWN"
	}
	return word
}

func (in *Inbound) Close() {
	if in.closed.IsBroken() {
		return
	}
	in.closed.Break()
	if c := in.getClient(); c != nil {
		_ = c.Close()
	}
	if in.started.Load() {
		<-in.done
	}
}
