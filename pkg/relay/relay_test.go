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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/errors"
)

type testChannel struct {
	name      string
	available bool
	kinds     map[Kind]bool
	err       error

	mu     sync.Mutex
	issued []Command
}

func (c *testChannel) Name() string    { return c.name }
func (c *testChannel) Available() bool { return c.available }

func (c *testChannel) Supports(cmd Command) bool {
	return c.kinds == nil || c.kinds[cmd.Kind]
}

func (c *testChannel) Issue(ctx context.Context, cmd Command) (Result, error) {
	c.mu.Lock()
	c.issued = append(c.issued, cmd)
	c.mu.Unlock()
	if c.err != nil {
		return Result{}, c.err
	}
	return Result{Reply: "+OK", Leg: cmd.Leg}, nil
}

func (c *testChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.issued)
}

func TestRelayRouting(t *testing.T) {
	ctx := context.Background()
	hangup := Command{Kind: Hangup, Leg: "a"}
	bridge := Command{Kind: Bridge, Leg: "a", OtherLeg: "b"}

	t.Run("prefers inbound", func(t *testing.T) {
		in := &testChannel{name: InboundName, available: true}
		out := &testChannel{name: OutboundName, available: true, kinds: outboundKinds}
		r := New(logger.GetLogger(), nil, in, out)

		res, err := r.Issue(ctx, hangup)
		require.NoError(t, err)
		require.Equal(t, InboundName, res.Channel)
		require.Equal(t, 1, in.count())
		require.Equal(t, 0, out.count())
	})

	t.Run("inbound down", func(t *testing.T) {
		in := &testChannel{name: InboundName}
		out := &testChannel{name: OutboundName, available: true, kinds: outboundKinds}
		r := New(logger.GetLogger(), nil, in, out)

		res, err := r.Issue(ctx, hangup)
		require.NoError(t, err)
		require.Equal(t, OutboundName, res.Channel)

		// Bridging needs the inbound channel.
		_, err = r.Issue(ctx, bridge)
		require.ErrorIs(t, err, errors.ErrChannelUnavailable)
		require.Equal(t, 0, in.count())
	})

	t.Run("transport failure retries once", func(t *testing.T) {
		in := &testChannel{name: InboundName, available: true, err: fmt.Errorf("%w: broken pipe", errors.ErrChannelUnavailable)}
		out := &testChannel{name: OutboundName, available: true, kinds: outboundKinds}
		r := New(logger.GetLogger(), nil, in, out)

		res, err := r.Issue(ctx, hangup)
		require.NoError(t, err)
		require.Equal(t, OutboundName, res.Channel)
		require.Equal(t, 1, in.count())
		require.Equal(t, 1, out.count())

		// Without an eligible fallback the failure is returned.
		_, err = r.Issue(ctx, bridge)
		require.ErrorIs(t, err, errors.ErrChannelUnavailable)
		require.Equal(t, 2, in.count())
		require.Equal(t, 1, out.count())
	})

	t.Run("rejection is not retried", func(t *testing.T) {
		in := &testChannel{name: InboundName, available: true, err: errors.Rejected("-ERR No such channel!")}
		out := &testChannel{name: OutboundName, available: true, kinds: outboundKinds}
		r := New(logger.GetLogger(), nil, in, out)

		_, err := r.Issue(ctx, hangup)
		require.ErrorIs(t, err, errors.ErrCommandRejected)
		require.Contains(t, err.Error(), "No such channel")
		require.Equal(t, 0, out.count())
	})

	t.Run("invalid command", func(t *testing.T) {
		r := New(logger.GetLogger(), nil, &testChannel{name: InboundName, available: true})
		for _, cmd := range []Command{
			{Kind: "transfer", Leg: "a"},
			{Kind: Hangup},
			{Kind: Bridge, Leg: "a"},
			{Kind: Hold, Leg: "a"},
			{Kind: Originate, Leg: "b"},
			{Kind: SetVar, Leg: "a"},
			{Kind: Contact},
		} {
			_, err := r.Issue(ctx, cmd)
			require.ErrorIs(t, err, errors.ErrInvalidCommand, cmd.String())
		}
	})

	t.Run("no channels", func(t *testing.T) {
		r := New(logger.GetLogger(), nil, nil)
		_, err := r.Issue(ctx, hangup)
		require.ErrorIs(t, err, errors.ErrChannelUnavailable)
	})
}

func TestOriginateVars(t *testing.T) {
	cmd := Command{
		Kind:    Originate,
		Leg:     "b-leg",
		Dial:    "user/1001@default",
		Timeout: 1500 * time.Millisecond,
		Vars: map[string]string{
			"origination_caller_id_name": "Front Desk, Main",
			"hangup_after_bridge":        "true",
		},
	}
	require.Equal(t,
		"{call_timeout=2,hangup_after_bridge=true,originate_timeout=2,origination_caller_id_name=Front_Desk_Main,origination_uuid=b-leg}",
		cmd.originateVars(),
	)
}

func TestOriginateCause(t *testing.T) {
	for in, exp := range map[string]string{
		"-ERR USER_BUSY":                       "USER_BUSY",
		"-ERR NO_ANSWER\n":                     "NO_ANSWER",
		"-ERR [USER_NOT_REGISTERED] extra":     "USER_NOT_REGISTERED",
		"-ERR":                                 "UNKNOWN",
		"-ERR subscriber_absent (from switch)": "SUBSCRIBER_ABSENT",
	} {
		require.Equal(t, exp, originateCause(in), in)
	}
}
