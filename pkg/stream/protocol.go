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

package stream

import (
	"encoding/json"
	"strings"

	"github.com/voicebridge/voicebridge/pkg/media"
)

// EventType names a session event.
type EventType string

const (
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
	EventError      EventType = "error"
	EventJSON       EventType = "json"
	EventPlay       EventType = "play"
)

// Event is a session level notification delivered through Bridge.Events.
type Event struct {
	Type      EventType
	SessionID string
	Leg       string
	// Message is the "type" field of a JSON message from the remote endpoint, if any.
	Message string
	Payload json.RawMessage
	Err     error
}

// Message types sent by remote endpoints.
const (
	msgRawAudio    = "rawAudio"
	msgStreamAudio = "streamAudio"
	msgKillAudio   = "killAudio"
	msgStopAudio   = "stopAudio"
	msgClear       = "clear"
	msgConnected   = "connected"
	msgError       = "error"
	msgDisconnect  = "disconnect"

	// Interpreted by the service, not by the session.
	MsgTransfer = "transfer"
	MsgHangup   = "hangup"
)

// helloMessage is the first message sent on a new connection.
type helloMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Leg        string `json:"leg"`
	CallerID   string `json:"callerId,omitempty"`
	SampleRate int    `json:"sampleRate"`
	Format     string `json:"format"`
	Mode       string `json:"mode"`
	Channels   int    `json:"channels"`
	Metadata   any    `json:"metadata,omitempty"`
}

func newHello(id, callerID string, p *Params) helloMessage {
	m := helloMessage{
		Type:       "metadata",
		SessionID:  id,
		Leg:        p.Leg,
		CallerID:   callerID,
		SampleRate: p.Rate,
		Format:     p.Format.String(),
		Mode:       p.Mode.String(),
		Channels:   p.Mode.Channels(),
	}
	if md := strings.TrimSpace(p.Metadata); md != "" {
		if json.Valid([]byte(md)) {
			m.Metadata = json.RawMessage(md)
		} else {
			m.Metadata = md
		}
	}
	return m
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// audioData is the payload of rawAudio and streamAudio messages.
type audioData struct {
	SampleRate    int    `json:"sampleRate"`
	AudioFormat   string `json:"audioFormat"`
	AudioDataType string `json:"audioDataType"`
	AudioData     []byte `json:"audioData"` // base64 in JSON
}

// format returns the announced encoding, falling back to cur.
func (d *audioData) format(cur media.Format) media.Format {
	for _, s := range []string{d.AudioFormat, d.AudioDataType} {
		if f, ok := media.ParseFormat(s); ok {
			return f
		}
	}
	return cur
}
