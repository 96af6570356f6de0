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
	"github.com/voicebridge/voicebridge/pkg/esl"
)

type EventType string

const (
	EventAnswered  EventType = "answered"
	EventRinging   EventType = "ringing"
	EventDTMF      EventType = "dtmf"
	EventHangup    EventType = "hangup"
	EventBridged   EventType = "bridged"
	EventUnbridged EventType = "unbridged"
	EventHold      EventType = "hold"
	EventUnhold    EventType = "unhold"
	EventOther     EventType = "other"
)

// Event is a call event normalized from either channel.
type Event struct {
	Type EventType
	Leg  string
	// Name is the switch's event name.
	Name string
	// Channel that delivered the event.
	Channel string

	Cause    string // hangup
	Digit    string // dtmf
	OtherLeg string // bridged, unbridged

	Raw *esl.Event
}

// Switch event names subscribed on the inbound channel.
var SubscribedEvents = []string{
	"CHANNEL_ANSWER",
	"CHANNEL_PROGRESS",
	"CHANNEL_PROGRESS_MEDIA",
	"CHANNEL_HANGUP",
	"CHANNEL_BRIDGE",
	"CHANNEL_UNBRIDGE",
	"DTMF",
	"CHANNEL_HOLD",
	"CHANNEL_UNHOLD",
	"BACKGROUND_JOB",
}

func convertEvent(channel string, ev *esl.Event) Event {
	e := Event{
		Type:    EventOther,
		Leg:     ev.UUID(),
		Name:    ev.Name(),
		Channel: channel,
		Raw:     ev,
	}
	switch e.Name {
	case "CHANNEL_ANSWER":
		e.Type = EventAnswered
	case "CHANNEL_PROGRESS", "CHANNEL_PROGRESS_MEDIA":
		e.Type = EventRinging
	case "DTMF":
		e.Type = EventDTMF
		e.Digit = ev.Get("DTMF-Digit")
	case "CHANNEL_HANGUP":
		e.Type = EventHangup
		e.Cause = ev.Get("Hangup-Cause")
	case "CHANNEL_BRIDGE":
		e.Type = EventBridged
		e.OtherLeg = ev.Get("Other-Leg-Unique-ID")
	case "CHANNEL_UNBRIDGE":
		e.Type = EventUnbridged
		e.OtherLeg = ev.Get("Other-Leg-Unique-ID")
	case "CHANNEL_HOLD":
		e.Type = EventHold
	case "CHANNEL_UNHOLD":
		e.Type = EventUnhold
	}
	return e
}
