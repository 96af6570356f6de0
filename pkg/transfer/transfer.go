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
	"time"

	"github.com/frostbyte73/core"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/relay"
	"github.com/voicebridge/voicebridge/pkg/stats"
)

const (
	causeNotRegistered = "USER_NOT_REGISTERED"
	causeBridgeFailed  = "BRIDGE_FAILED"
	causeCancel        = "ORIGINATOR_CANCEL"
)

// Transfer is one transfer of a caller. All switch commands and state changes
// happen on its own goroutine.
type Transfer struct {
	o    *Orchestrator
	log  logger.Logger
	id   string
	req  Request
	dial string

	ringTimeout time.Duration
	retries     int
	retryDelay  time.Duration

	fsm    *fsm.FSM
	events chan relay.Event
	// stop carries true for a caller hangup, false for a cancel.
	stop     chan bool
	stopOnce sync.Once
	done     core.Fuse
	started  time.Time

	mu       sync.Mutex
	attempts []*Attempt
	held     bool
	result   Result
	ended    time.Time
}

// Result is the outcome of a finished transfer.
type Result struct {
	Status   Status
	Cause    string
	Attempts int
	// Leg is the dialed leg that got bridged.
	Leg string
	// Err wraps ErrTransferAborted unless the caller was bridged.
	Err error
}

// Info is a snapshot of a transfer.
type Info struct {
	ID          string    `json:"id"`
	Leg         string    `json:"leg"`
	Destination string    `json:"destination"`
	Dial        string    `json:"dial"`
	Status      Status    `json:"status"`
	Cause       string    `json:"cause,omitempty"`
	Held        bool      `json:"held"`
	Done        bool      `json:"done"`
	Attempts    []Attempt `json:"attempts"`
	Started     time.Time `json:"started"`
	Ended       time.Time `json:"ended,omitempty"`
}

func newFSM(t *Transfer) *fsm.FSM {
	return fsm.NewFSM(
		string(StatusDialing),
		transitions,
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				var cause string
				if len(e.Args) > 0 {
					cause, _ = e.Args[0].(string)
				}
				t.record(Status(e.Dst), cause)
			},
		},
	)
}

func (t *Transfer) ID() string {
	return t.id
}

func (t *Transfer) Leg() string {
	return t.req.Leg
}

func (t *Transfer) Status() Status {
	return Status(t.fsm.Current())
}

// Done is closed when the transfer finished.
func (t *Transfer) Done() <-chan struct{} {
	return t.done.Watch()
}

// Result is valid once Done is closed.
func (t *Transfer) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Transfer) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:          t.id,
		Leg:         t.req.Leg,
		Destination: t.req.Destination.Name,
		Dial:        t.dial,
		Held:        t.held,
		Done:        t.done.IsBroken(),
		Started:     t.started,
		Ended:       t.ended,
		Attempts:    make([]Attempt, 0, len(t.attempts)),
	}
	for _, a := range t.attempts {
		c := *a
		c.History = append([]StateChange(nil), a.History...)
		info.Attempts = append(info.Attempts, c)
	}
	if n := len(t.attempts); n > 0 {
		last := t.attempts[n-1]
		info.Status, info.Cause = last.Status, last.Cause
	}
	if info.Done {
		info.Status, info.Cause = t.result.Status, t.result.Cause
	}
	return info
}

// Cancel aborts the transfer and resumes the caller.
func (t *Transfer) Cancel() {
	t.requestStop(false)
}

// Teardown aborts the transfer after the caller hung up. The caller's hold is
// dropped without being released on the switch.
func (t *Transfer) Teardown() {
	t.requestStop(true)
}

func (t *Transfer) requestStop(teardown bool) {
	t.stopOnce.Do(func() {
		t.stop <- teardown
	})
}

// onEvent receives the dialed leg's events on the dispatcher's worker.
func (t *Transfer) onEvent(ev relay.Event) {
	select {
	case t.events <- ev:
	case <-t.done.Watch():
	}
}

func (t *Transfer) current() *Attempt {
	if n := len(t.attempts); n > 0 {
		return t.attempts[n-1]
	}
	return nil
}

// record is the FSM's enter_state callback.
func (t *Transfer) record(st Status, cause string) {
	t.mu.Lock()
	n := len(t.attempts)
	a := t.current()
	if a != nil {
		a.Status = st
		if cause != "" || st == StatusDialing {
			a.Cause = cause
		}
		a.History = append(a.History, StateChange{Status: st, At: time.Now(), Cause: cause})
	}
	t.mu.Unlock()
	t.o.mon.TransferState(string(st))
	t.log.Infow("transfer state", "status", st, "cause", cause, "attempt", n)
}

func (t *Transfer) fire(ctx context.Context, event, cause string) bool {
	if !t.fsm.Can(event) {
		t.log.Debugw("ignoring transfer event", "event", event, "status", t.fsm.Current())
		return false
	}
	if err := t.fsm.Event(ctx, event, cause); err != nil {
		t.log.Warnw("transfer state change failed", err, "event", event)
		return false
	}
	return true
}

func (t *Transfer) issue(ctx context.Context, cmd relay.Command) (relay.Result, error) {
	res, err := t.o.relay.Issue(ctx, cmd)
	if err != nil {
		t.log.Warnw("transfer command failed", err, "command", cmd.String())
	}
	return res, err
}

// hold puts the caller on hold unless it already is.
func (t *Transfer) hold(ctx context.Context) {
	t.mu.Lock()
	held := t.held
	t.mu.Unlock()
	if held {
		return
	}
	if _, err := t.issue(ctx, relay.Command{Kind: relay.Hold, Leg: t.req.Leg, Path: t.o.conf.MusicOnHold}); err != nil {
		return
	}
	t.mu.Lock()
	t.held = true
	t.mu.Unlock()
}

// release ends the hold state, at most once per hold. With resume false the
// caller is gone and nothing is sent to the switch.
func (t *Transfer) release(ctx context.Context, resume bool) {
	t.mu.Lock()
	held := t.held
	t.held = false
	t.mu.Unlock()
	if !held || !resume {
		return
	}
	_, _ = t.issue(ctx, relay.Command{Kind: relay.Unhold, Leg: t.req.Leg})
}

func (t *Transfer) kill(ctx context.Context, leg, cause string) {
	_, _ = t.issue(ctx, relay.Command{Kind: relay.Hangup, Leg: leg, Cause: cause})
}

func (t *Transfer) run(ctx context.Context) {
	ctx, span := stats.Tracer.Start(ctx, "transfer.Run", trace.WithAttributes(
		attribute.String("transferID", t.id),
		attribute.String("leg", t.req.Leg),
		attribute.String("dial", t.dial),
	))
	defer span.End()

	res := t.loop(ctx)
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("attempts", res.Attempts),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	t.finish(res)
}

func (t *Transfer) loop(ctx context.Context) Result {
	t.hold(ctx)
	for n := 1; ; n++ {
		st, leg, stopped := t.attempt(ctx, n)
		if st == StatusBridged {
			return Result{Status: StatusBridged, Attempts: n, Leg: leg}
		}
		if stopped {
			return t.aborted(n)
		}
		if n >= t.retries {
			break
		}
		select {
		case teardown := <-t.stop:
			t.fire(ctx, evAbort, "")
			t.release(ctx, !teardown)
			return t.aborted(n)
		case <-time.After(t.retryDelay):
		}
		// A failed bridge released the hold.
		t.hold(ctx)
	}
	t.fire(ctx, evAbort, "")
	t.release(ctx, true)
	return t.aborted(t.retries)
}

func (t *Transfer) aborted(attempts int) Result {
	t.mu.Lock()
	var cause string
	for i := len(t.attempts) - 1; i >= 0 && cause == ""; i-- {
		cause = t.attempts[i].Cause
	}
	t.mu.Unlock()
	return Result{
		Status:   StatusAborted,
		Cause:    cause,
		Attempts: attempts,
		Err:      fmt.Errorf("%w after %d attempt(s)", errors.ErrTransferAborted, attempts),
	}
}

// attempt dials the destination once and returns the attempt's final status.
func (t *Transfer) attempt(ctx context.Context, n int) (Status, string, bool) {
	leg := guid.New(DialedPrefix)
	ctx, span := stats.Tracer.Start(ctx, "transfer.Attempt", trace.WithAttributes(
		attribute.Int("attempt", n),
		attribute.String("dialedLeg", leg),
	))
	defer span.End()

	t.mu.Lock()
	t.attempts = append(t.attempts, &Attempt{Number: n, Leg: leg, Dial: t.dial, Started: time.Now()})
	t.mu.Unlock()
	if n == 1 {
		t.record(StatusDialing, "")
	} else {
		t.fire(ctx, evRetry, "")
	}
	log := t.log.WithValues("attempt", n, "dialedLeg", leg)

	dest := t.req.Destination
	if dest.Type == Extension && t.o.conf.PresenceCheck {
		res, err := t.issue(ctx, relay.Command{Kind: relay.Contact, User: dest.User(t.o.conf.Context)})
		if err == nil && !res.Exists {
			log.Infow("destination not registered", "user", dest.User(t.o.conf.Context))
			t.fire(ctx, evFail, causeNotRegistered)
			return StatusFailed, leg, false
		}
	}

	unsubscribe := t.o.events.Subscribe(leg, t.onEvent)
	defer unsubscribe()

	vars := map[string]string{"ignore_early_media": "true"}
	if t.req.CallerIDName != "" {
		vars["origination_caller_id_name"] = t.req.CallerIDName
	}
	if t.req.CallerIDNumber != "" {
		vars["origination_caller_id_number"] = t.req.CallerIDNumber
	}
	if _, err := t.issue(ctx, relay.Command{
		Kind:    relay.Originate,
		Leg:     leg,
		Dial:    t.dial,
		Timeout: t.ringTimeout,
		Vars:    vars,
	}); err != nil {
		t.fire(ctx, evFail, "")
		return StatusFailed, leg, false
	}

	ring := time.NewTimer(t.ringTimeout)
	defer ring.Stop()
	for {
		select {
		case teardown := <-t.stop:
			log.Infow("transfer stopped", "callerHangup", teardown)
			t.fire(ctx, evAbort, "")
			t.kill(ctx, leg, causeCancel)
			t.release(ctx, !teardown)
			return StatusAborted, leg, true

		case <-ring.C:
			log.Infow("destination did not answer in time", "ringTimeout", t.ringTimeout)
			t.fire(ctx, evTimeout, "")
			t.kill(ctx, leg, causeCancel)
			return StatusTimeout, leg, false

		case ev := <-t.events:
			if ev.Leg != leg {
				continue
			}
			switch ev.Type {
			case relay.EventRinging:
				t.fire(ctx, evRing, "")
			case relay.EventHangup:
				st := CauseStatus(ev.Cause)
				t.fire(ctx, statusEvent(st), ev.Cause)
				return st, leg, false
			case relay.EventAnswered:
				if !t.fire(ctx, evAnswer, "") {
					continue
				}
				t.release(ctx, true)
				if _, err := t.issue(ctx, relay.Command{Kind: relay.Bridge, Leg: t.req.Leg, OtherLeg: leg}); err != nil {
					t.kill(ctx, leg, "NORMAL_TEMPORARY_FAILURE")
					t.fire(ctx, evFail, causeBridgeFailed)
					return StatusFailed, leg, false
				}
				t.fire(ctx, evBridge, "")
				return StatusBridged, leg, false
			}
		}
	}
}

func (t *Transfer) finish(res Result) {
	t.mu.Lock()
	t.result = res
	t.ended = time.Now()
	t.mu.Unlock()

	t.o.mon.TransferResult(string(res.Status), res.Attempts, time.Since(t.started))
	t.log.Infow("transfer finished", "status", res.Status, "cause", res.Cause, "attempts", res.Attempts)
	t.o.onFinished(t)
	t.done.Break()
	t.o.audit.Record(t.Info())
}
