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

package transfer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/relay"
)

// testSwitch records commands and plays the dialed legs' events back through a dispatcher.
type testSwitch struct {
	d *relay.Dispatcher

	// onOriginate runs after each originate, with the attempt number.
	onOriginate func(n int, leg string)
	bridgeFails int
	online      bool

	mu         sync.Mutex
	cmds       []relay.Command
	originates int
}

func (s *testSwitch) Issue(ctx context.Context, cmd relay.Command) (relay.Result, error) {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	res := relay.Result{Channel: relay.InboundName, Reply: "+OK", Leg: cmd.Leg}
	var err error
	switch cmd.Kind {
	case relay.Originate:
		s.originates++
		if fn := s.onOriginate; fn != nil {
			go fn(s.originates, cmd.Leg)
		}
	case relay.Bridge:
		if s.bridgeFails > 0 {
			s.bridgeFails--
			err = fmt.Errorf("%w: -ERR no such channel", errors.ErrCommandRejected)
		}
	case relay.Contact:
		res.Exists = s.online
		if !s.online {
			res.Reply = "error/user_not_registered"
		}
	}
	s.mu.Unlock()
	return res, err
}

func (s *testSwitch) send(typ relay.EventType, leg, cause string) {
	s.d.Dispatch(relay.Event{Type: typ, Leg: leg, Cause: cause})
}

func (s *testSwitch) kinds() []relay.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]relay.Kind, 0, len(s.cmds))
	for _, c := range s.cmds {
		out = append(out, c.Kind)
	}
	return out
}

func (s *testSwitch) commands(kind relay.Kind) []relay.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []relay.Command
	for _, c := range s.cmds {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, conf config.TransferConfig, sw *testSwitch) *Orchestrator {
	d := relay.NewDispatcher(logger.GetLogger(), nil, 0)
	t.Cleanup(d.Close)
	sw.d = d
	o := NewOrchestrator(logger.GetLogger(), conf, sw, d, nil, nil, nil)
	t.Cleanup(o.Close)
	return o
}

var testDest = Destination{Name: "Sales", Type: Extension, Number: "1003"}

func waitResult(t *testing.T, tr *Transfer) Result {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
	}
	return tr.Result()
}

func historyOf(a Attempt) []Status {
	var out []Status
	for _, h := range a.History {
		out = append(out, h.Status)
	}
	return out
}

func TestTransferBridged(t *testing.T) {
	sw := &testSwitch{}
	sw.onOriginate = func(_ int, leg string) {
		sw.send(relay.EventRinging, leg, "")
		sw.send(relay.EventAnswered, leg, "")
	}
	o := newTestOrchestrator(t, config.TransferConfig{RingTimeout: 5 * time.Second}, sw)

	tr, err := o.Start(context.Background(), Request{Leg: "a", Destination: testDest, CallerIDName: "Front Desk"})
	require.NoError(t, err)
	res := waitResult(t, tr)

	require.NoError(t, res.Err)
	require.Equal(t, StatusBridged, res.Status)
	require.Equal(t, 1, res.Attempts)
	// Hold is released on answer, before the legs are bridged.
	require.Equal(t, []relay.Kind{relay.Hold, relay.Originate, relay.Unhold, relay.Bridge}, sw.kinds())

	orig := sw.commands(relay.Originate)[0]
	require.Equal(t, "user/1003@default", orig.Dial)
	require.Equal(t, res.Leg, orig.Leg)
	require.Equal(t, "Front Desk", orig.Vars["origination_caller_id_name"])
	require.Equal(t, 5*time.Second, orig.Timeout)

	br := sw.commands(relay.Bridge)[0]
	require.Equal(t, "a", br.Leg)
	require.Equal(t, res.Leg, br.OtherLeg)
	require.Equal(t, config.DefaultMusicOnHold, sw.commands(relay.Hold)[0].Path)

	info := tr.Info()
	require.True(t, info.Done)
	require.False(t, info.Held)
	require.Len(t, info.Attempts, 1)
	require.Equal(t, []Status{StatusDialing, StatusRinging, StatusAnswered, StatusBridged}, historyOf(info.Attempts[0]))

	got, ok := o.Get("a")
	require.True(t, ok)
	require.Equal(t, tr.ID(), got.ID())
	require.False(t, o.Active("a"))
}

func TestTransferRetriesOnTimeout(t *testing.T) {
	sw := &testSwitch{}
	sw.onOriginate = func(_ int, leg string) {
		sw.send(relay.EventRinging, leg, "")
	}
	o := newTestOrchestrator(t, config.TransferConfig{
		RingTimeout: 50 * time.Millisecond,
		Retries:     2,
		RetryDelay:  10 * time.Millisecond,
	}, sw)

	tr, err := o.Start(context.Background(), Request{Leg: "a", Destination: testDest})
	require.NoError(t, err)
	res := waitResult(t, tr)

	require.True(t, errors.Is(res.Err, errors.ErrTransferAborted))
	require.Equal(t, StatusAborted, res.Status)
	require.Equal(t, 2, res.Attempts)
	// The caller is held once across both attempts.
	require.Equal(t, []relay.Kind{
		relay.Hold,
		relay.Originate, relay.Hangup,
		relay.Originate, relay.Hangup,
		relay.Unhold,
	}, sw.kinds())

	kills := sw.commands(relay.Hangup)
	origs := sw.commands(relay.Originate)
	require.NotEqual(t, origs[0].Leg, origs[1].Leg)
	for i, k := range kills {
		require.Equal(t, origs[i].Leg, k.Leg)
		require.Equal(t, causeCancel, k.Cause)
	}

	info := tr.Info()
	require.Len(t, info.Attempts, 2)
	require.Equal(t, StatusTimeout, info.Attempts[0].Status)
	// Ringing does not stop the ring timer.
	history := append(historyOf(info.Attempts[0]), historyOf(info.Attempts[1])...)
	require.Equal(t, []Status{
		StatusDialing, StatusRinging, StatusTimeout,
		StatusDialing, StatusRinging, StatusTimeout,
		StatusAborted,
	}, history)
}

func TestTransferHangupCause(t *testing.T) {
	sw := &testSwitch{}
	sw.onOriginate = func(_ int, leg string) {
		sw.send(relay.EventRinging, leg, "")
		sw.send(relay.EventHangup, leg, "USER_BUSY")
	}
	o := newTestOrchestrator(t, config.TransferConfig{RingTimeout: 5 * time.Second}, sw)

	tr, err := o.Start(context.Background(), Request{Leg: "a", Destination: testDest})
	require.NoError(t, err)
	res := waitResult(t, tr)

	require.Equal(t, StatusAborted, res.Status)
	require.Equal(t, "USER_BUSY", res.Cause)
	require.Equal(t, []relay.Kind{relay.Hold, relay.Originate, relay.Unhold}, sw.kinds())
	require.Equal(t, []Status{StatusDialing, StatusRinging, StatusBusy, StatusAborted}, historyOf(tr.Info().Attempts[0]))
}

func TestTransferBridgeFailure(t *testing.T) {
	sw := &testSwitch{bridgeFails: 1}
	sw.onOriginate = func(_ int, leg string) {
		sw.send(relay.EventAnswered, leg, "")
	}
	o := newTestOrchestrator(t, config.TransferConfig{RingTimeout: 5 * time.Second, Retries: 2}, sw)

	tr, err := o.Start(context.Background(), Request{Leg: "a", Destination: testDest})
	require.NoError(t, err)
	res := waitResult(t, tr)

	require.Equal(t, StatusBridged, res.Status)
	require.Equal(t, 2, res.Attempts)
	// The caller is held again for the retry.
	require.Equal(t, []relay.Kind{
		relay.Hold, relay.Originate, relay.Unhold, relay.Bridge, relay.Hangup,
		relay.Hold, relay.Originate, relay.Unhold, relay.Bridge,
	}, sw.kinds())

	info := tr.Info()
	require.Equal(t, StatusFailed, info.Attempts[0].Status)
	require.Equal(t, causeBridgeFailed, info.Attempts[0].Cause)
}

func TestTransferStop(t *testing.T) {
	for _, teardown := range []bool{false, true} {
		t.Run(fmt.Sprintf("teardown=%v", teardown), func(t *testing.T) {
			sw := &testSwitch{}
			ringing := make(chan string, 1)
			sw.onOriginate = func(_ int, leg string) {
				sw.send(relay.EventRinging, leg, "")
				ringing <- leg
			}
			o := newTestOrchestrator(t, config.TransferConfig{RingTimeout: time.Minute}, sw)

			tr, err := o.Start(context.Background(), Request{Leg: "a", Destination: testDest})
			require.NoError(t, err)
			leg := <-ringing
			require.Eventually(t, func() bool {
				return tr.Status() == StatusRinging
			}, 5*time.Second, 5*time.Millisecond)

			if teardown {
				o.Teardown("a")
			} else {
				require.NoError(t, o.Cancel("a"))
			}
			res := waitResult(t, tr)
			require.Equal(t, StatusAborted, res.Status)

			kills := sw.commands(relay.Hangup)
			require.Len(t, kills, 1)
			require.Equal(t, leg, kills[0].Leg)

			if teardown {
				require.Equal(t, []relay.Kind{relay.Hold, relay.Originate, relay.Hangup}, sw.kinds())
			} else {
				require.Equal(t, []relay.Kind{relay.Hold, relay.Originate, relay.Hangup, relay.Unhold}, sw.kinds())
			}
			require.False(t, tr.Info().Held)

			// Stopping again is a no-op.
			tr.Cancel()
			tr.Teardown()
			require.True(t, errors.Is(o.Cancel("a"), errors.ErrNoTransfer))
		})
	}
}

func TestTransferPresence(t *testing.T) {
	sw := &testSwitch{online: false}
	o := newTestOrchestrator(t, config.TransferConfig{PresenceCheck: true, Context: "office"}, sw)

	tr, err := o.Start(context.Background(), Request{Leg: "a", Destination: testDest})
	require.NoError(t, err)
	res := waitResult(t, tr)

	require.Equal(t, StatusAborted, res.Status)
	require.Equal(t, causeNotRegistered, res.Cause)
	require.Empty(t, sw.commands(relay.Originate))
	require.Equal(t, "1003@office", sw.commands(relay.Contact)[0].User)

	t.Run("online", func(t *testing.T) {
		sw := &testSwitch{online: true}
		sw.onOriginate = func(_ int, leg string) {
			sw.send(relay.EventAnswered, leg, "")
		}
		o := newTestOrchestrator(t, config.TransferConfig{PresenceCheck: true}, sw)
		tr, err := o.Start(context.Background(), Request{Leg: "a", Destination: testDest})
		require.NoError(t, err)
		require.Equal(t, StatusBridged, waitResult(t, tr).Status)
	})

	t.Run("not for ring groups", func(t *testing.T) {
		sw := &testSwitch{online: false}
		sw.onOriginate = func(_ int, leg string) {
			sw.send(relay.EventAnswered, leg, "")
		}
		o := newTestOrchestrator(t, config.TransferConfig{PresenceCheck: true}, sw)
		dest := Destination{Name: "Support", Type: RingGroup, Number: "600"}
		tr, err := o.Start(context.Background(), Request{Leg: "a", Destination: dest})
		require.NoError(t, err)
		require.Equal(t, StatusBridged, waitResult(t, tr).Status)
		require.Empty(t, sw.commands(relay.Contact))
	})
}

func TestOrchestratorStart(t *testing.T) {
	sw := &testSwitch{}
	o := newTestOrchestrator(t, config.TransferConfig{RingTimeout: time.Minute}, sw)
	ctx := context.Background()

	_, err := o.Start(ctx, Request{Leg: "a"})
	require.True(t, errors.Is(err, errors.ErrInvalidCommand))

	tr, err := o.Start(ctx, Request{Leg: "a", Destination: testDest})
	require.NoError(t, err)
	require.True(t, o.Active("a"))

	_, err = o.Start(ctx, Request{Leg: "a", Destination: testDest})
	require.True(t, errors.Is(err, errors.ErrTransferInProgress))

	require.True(t, errors.Is(o.Cancel("b"), errors.ErrNoTransfer))
	o.Teardown("b")

	o.Close()
	require.Equal(t, StatusAborted, waitResult(t, tr).Status)
	require.False(t, o.Active("a"))
}

func TestOrchestratorStartByName(t *testing.T) {
	sw := &testSwitch{}
	sw.onOriginate = func(_ int, leg string) {
		sw.send(relay.EventAnswered, leg, "")
	}
	d := relay.NewDispatcher(logger.GetLogger(), nil, 0)
	t.Cleanup(d.Close)
	sw.d = d

	dir := NewDirectory(NewStaticLoader([]config.DestinationConfig{
		{Domain: "acme.example", Name: "Billing", Aliases: []string{"accounts"}, Number: "2001", Type: "ring_group"},
		{Domain: "other.example", Name: "Billing", Number: "9999"},
	}))
	o := NewOrchestrator(logger.GetLogger(), config.TransferConfig{}, sw, d, dir, nil, nil)
	t.Cleanup(o.Close)

	tr, err := o.StartByName(context.Background(), "a", "acme.example", "Accounts")
	require.NoError(t, err)
	require.Equal(t, StatusBridged, waitResult(t, tr).Status)
	require.Equal(t, "group/2001@default", sw.commands(relay.Originate)[0].Dial)

	_, err = o.StartByName(context.Background(), "b", "acme.example", "Legal")
	require.True(t, errors.Is(err, errors.ErrDestinationNotFound))
}

func TestCauseStatus(t *testing.T) {
	for cause, exp := range map[string]Status{
		"USER_BUSY":           StatusBusy,
		"call_rejected":       StatusBusy,
		"NO_ANSWER":           StatusNoAnswer,
		"ORIGINATOR_CANCEL":   StatusNoAnswer,
		"GATEWAY_DOWN":        StatusFailed,
		"USER_NOT_REGISTERED": StatusFailed,
		"SOMETHING_NEW":       StatusFailed,
		"":                    StatusFailed,
	} {
		require.Equal(t, exp, CauseStatus(cause), cause)
	}
	require.Equal(t, evBusy, statusEvent(StatusBusy))
	require.Equal(t, evFail, statusEvent(StatusFailed))
	require.True(t, StatusTimeout.Terminal())
	require.False(t, StatusRinging.Terminal())
}
