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

package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/relay"
	"github.com/voicebridge/voicebridge/pkg/stream"
	"github.com/voicebridge/voicebridge/pkg/transfer"
)

// remoteRequest is a transfer or hangup asked for by the remote endpoint.
// Fields may be at the top level or under "data".
type remoteRequest struct {
	Destination string `json:"destination"`
	Domain      string `json:"domain"`
	Cause       string `json:"cause"`
	Data        *struct {
		Destination string `json:"destination"`
		Domain      string `json:"domain"`
		Cause       string `json:"cause"`
	} `json:"data"`
}

func parseRemoteRequest(payload []byte) (remoteRequest, error) {
	var r remoteRequest
	if err := json.Unmarshal(payload, &r); err != nil {
		return r, err
	}
	if d := r.Data; d != nil {
		if r.Destination == "" {
			r.Destination = d.Destination
		}
		if r.Domain == "" {
			r.Domain = d.Domain
		}
		if r.Cause == "" {
			r.Cause = d.Cause
		}
	}
	r.Destination = strings.TrimSpace(r.Destination)
	return r, nil
}

// transferNotice tells the remote endpoint that a transfer it asked for did not connect.
type transferNotice struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Cause    string `json:"cause,omitempty"`
	Attempts int    `json:"attempts"`
}

// digitNotice forwards a caller digit to the remote endpoint.
type digitNotice struct {
	Type  string `json:"type"`
	Digit string `json:"digit"`
}

// eventLoop handles session events until the service stops.
func (s *Service) eventLoop() {
	for {
		select {
		case <-s.stopped.Watch():
			return
		case ev := <-s.bridge.Events():
			s.onStreamEvent(ev)
		}
	}
}

func (s *Service) onStreamEvent(ev stream.Event) {
	log := s.log.WithValues("leg", ev.Leg, "sessionID", ev.SessionID)
	switch {
	case ev.Type == stream.EventJSON && ev.Message == stream.MsgTransfer:
		req, err := parseRemoteRequest(ev.Payload)
		if err != nil || req.Destination == "" {
			log.Warnw("invalid transfer request from remote", err)
			return
		}
		if _, err = s.transferLeg(context.Background(), ev.Leg, req.Domain, req.Destination); err != nil {
			log.Warnw("remote transfer request failed", err, "destination", req.Destination)
		}
	case ev.Type == stream.EventJSON && ev.Message == stream.MsgHangup:
		req, _ := parseRemoteRequest(ev.Payload)
		log.Infow("remote requested hangup", "cause", req.Cause)
		if _, err := s.relay.Issue(context.Background(), relay.Command{Kind: relay.Hangup, Leg: ev.Leg, Cause: req.Cause}); err != nil {
			log.Warnw("cannot hang up leg", err)
		}
	case ev.Type == stream.EventError:
		log.Infow("remote endpoint reported an error", "payload", string(ev.Payload), "error", ev.Err)
	default:
		log.Debugw("session event", "type", ev.Type, "message", ev.Message)
	}
}

// transferLeg starts a transfer by destination name and pauses the leg's stream
// while it runs. The stream resumes if the transfer does not connect and stops
// once the caller is bridged.
func (s *Service) transferLeg(ctx context.Context, leg, domain, name string) (*transfer.Transfer, error) {
	if !s.CanAccept() {
		return nil, errors.ErrChannelUnavailable
	}
	paused := s.bridge.Pause(leg) == nil
	t, err := s.orch.StartByName(ctx, leg, domain, name)
	if err != nil {
		if paused {
			_ = s.bridge.Resume(leg)
		}
		return nil, err
	}
	go s.awaitTransfer(t, paused)
	return t, nil
}

// startTransfer is transferLeg for an already resolved destination.
func (s *Service) startTransfer(ctx context.Context, req transfer.Request) (*transfer.Transfer, error) {
	if !s.CanAccept() {
		return nil, errors.ErrChannelUnavailable
	}
	paused := s.bridge.Pause(req.Leg) == nil
	t, err := s.orch.Start(ctx, req)
	if err != nil {
		if paused {
			_ = s.bridge.Resume(req.Leg)
		}
		return nil, err
	}
	go s.awaitTransfer(t, paused)
	return t, nil
}

func (s *Service) awaitTransfer(t *transfer.Transfer, paused bool) {
	<-t.Done()
	res := t.Result()
	leg := t.Leg()
	if res.Status == transfer.StatusBridged {
		if err := s.bridge.Stop(leg, ""); err != nil {
			s.log.Warnw("cannot stop stream after transfer", err, "leg", leg)
		}
		return
	}
	sess := s.bridge.Session(leg)
	if sess == nil || !sess.Active() {
		return
	}
	if data, err := json.Marshal(transferNotice{
		Type:     "transferResult",
		Status:   string(res.Status),
		Cause:    res.Cause,
		Attempts: res.Attempts,
	}); err == nil {
		_ = sess.SendText(string(data))
	}
	if paused {
		if err := sess.Resume(); err != nil {
			s.log.Debugw("cannot resume stream after transfer", "leg", leg, "error", err)
		}
	}
}

// onRelayEvent receives switch events no transfer subscribed to.
func (s *Service) onRelayEvent(ev relay.Event) {
	switch ev.Type {
	case relay.EventHangup:
		s.log.Infow("call leg hung up", "leg", ev.Leg, "cause", ev.Cause, "channel", ev.Channel)
		s.orch.Teardown(ev.Leg)
		if err := s.bridge.Stop(ev.Leg, ""); err != nil {
			s.log.Debugw("cannot stop stream", "leg", ev.Leg, "error", err)
		}
		if l, ok := s.host.Get(ev.Leg); ok {
			l.Close()
		}
	case relay.EventDTMF:
		s.onDigit(ev.Leg, ev.Digit, "switch")
	case relay.EventOther:
		if ev.Name == relay.EventChannelData {
			s.log.Infow("outbound event socket connected", "leg", ev.Leg)
		}
	default:
		s.log.Debugw("switch event", "leg", ev.Leg, "type", ev.Type, "name", ev.Name)
	}
}

// onLegClosed is told about ended media legs. The attached session already saw
// OnClose; a running transfer keeps going since the call itself may still be up.
func (s *Service) onLegClosed(id, reason string) {
	s.log.Infow("media leg ended", "leg", id, "reason", reason, "transfer", s.orch.Active(id))
}

// onDigit handles a caller digit from either the switch or the leg's RTP stream.
func (s *Service) onDigit(leg, digit, source string) {
	if digit == "" {
		return
	}
	key := leg + "/" + strings.ToLower(digit)
	s.dmu.Lock()
	dup := s.digits.Contains(key)
	if !dup {
		s.digits.Add(key, struct{}{})
	}
	s.dmu.Unlock()

	log := s.log.WithValues("leg", leg, "digit", digit, "source", source)
	if dup {
		log.Debugw("duplicate dtmf dropped")
		return
	}
	if s.orch.Active(leg) {
		log.Debugw("ignoring dtmf during transfer")
		return
	}
	log.Infow("dtmf received")

	if sess := s.bridge.Session(leg); sess != nil && sess.Active() {
		if data, err := json.Marshal(digitNotice{Type: "dtmf", Digit: digit}); err == nil {
			_ = sess.SendText(string(data))
		}
	}

	a, ok := s.digitAction(digit)
	if !ok {
		return
	}
	switch a.Action {
	case config.DTMFTransfer:
		go func() {
			if _, err := s.transferLeg(context.Background(), leg, a.Domain, a.Destination); err != nil {
				log.Warnw("dtmf transfer failed", err, "destination", a.Destination)
			}
		}()
	case config.DTMFHangup:
		go func() {
			if _, err := s.relay.Issue(context.Background(), relay.Command{Kind: relay.Hangup, Leg: leg, Cause: a.Cause}); err != nil {
				log.Warnw("cannot hang up leg", err)
			}
		}()
	}
}

func (s *Service) digitAction(digit string) (config.DTMFAction, bool) {
	for d, a := range s.conf.DTMF.Actions {
		if strings.EqualFold(d, digit) {
			return a, true
		}
	}
	return config.DTMFAction{}, false
}
