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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/stats"
)

// Channel is one control path to the switch.
type Channel interface {
	Name() string
	// Available reports whether the channel can carry commands right now.
	Available() bool
	// Supports reports whether the channel can carry cmd, including for cmd's leg.
	Supports(cmd Command) bool
	// Issue runs cmd. Transport failures wrap ErrChannelUnavailable, negative
	// replies wrap ErrCommandRejected.
	Issue(ctx context.Context, cmd Command) (Result, error)
}

// Issuer is the command side of the relay, as used by application logic.
type Issuer interface {
	Issue(ctx context.Context, cmd Command) (Result, error)
}

// Relay routes commands to the first channel, in preference order, that is
// available and supports them.
type Relay struct {
	log      logger.Logger
	mon      *stats.Monitor
	channels []Channel
}

var _ Issuer = (*Relay)(nil)

// New creates a relay. Channels are listed in preference order; nil channels are skipped.
func New(log logger.Logger, mon *stats.Monitor, channels ...Channel) *Relay {
	r := &Relay{log: log, mon: mon}
	for _, c := range channels {
		if c != nil {
			r.channels = append(r.channels, c)
		}
	}
	return r
}

func (r *Relay) route(cmd Command, skip Channel) Channel {
	for _, c := range r.channels {
		if c == skip {
			continue
		}
		if c.Available() && c.Supports(cmd) {
			return c
		}
	}
	return nil
}

// Issue runs cmd on the preferred channel. If that channel fails in transport,
// the command is retried once on the next eligible channel.
func (r *Relay) Issue(ctx context.Context, cmd Command) (Result, error) {
	if err := cmd.validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", errors.ErrInvalidCommand, err)
	}
	ctx, span := stats.Tracer.Start(ctx, "relay.Issue", trace.WithAttributes(
		attribute.String("command", string(cmd.Kind)),
		attribute.String("leg", cmd.Leg),
	))
	defer span.End()

	c := r.route(cmd, nil)
	if c == nil {
		r.mon.RelayCommand("none", string(cmd.Kind), "unavailable")
		err := fmt.Errorf("%w: no channel for %s", errors.ErrChannelUnavailable, cmd)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	res, err := r.issue(ctx, c, cmd)
	if errors.Is(err, errors.ErrChannelUnavailable) {
		if next := r.route(cmd, c); next != nil {
			r.log.Infow("retrying command on another channel", "command", cmd.String(), "failed", c.Name(), "channel", next.Name())
			res, err = r.issue(ctx, next, cmd)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("channel", res.Channel))
	return res, nil
}

func (r *Relay) issue(ctx context.Context, c Channel, cmd Command) (Result, error) {
	res, err := c.Issue(ctx, cmd)
	result := "ok"
	switch {
	case err == nil:
		if res.Channel == "" {
			res.Channel = c.Name()
		}
		r.log.Debugw("command issued", "command", cmd.String(), "channel", c.Name(), "reply", res.Reply)
	case errors.Is(err, errors.ErrCommandRejected):
		result = "rejected"
		r.log.Infow("command rejected", "command", cmd.String(), "channel", c.Name(), "error", err)
	case errors.Is(err, errors.ErrChannelUnavailable):
		result = "unavailable"
		r.log.Warnw("channel failed", err, "command", cmd.String(), "channel", c.Name())
	default:
		result = "error"
		r.log.Warnw("command failed", err, "command", cmd.String(), "channel", c.Name())
	}
	r.mon.RelayCommand(c.Name(), string(cmd.Kind), result)
	return res, err
}
