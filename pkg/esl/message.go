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

// Package esl speaks the switch's text based event socket protocol, in both the
// inbound (we dial the switch) and outbound (the switch dials us) directions.
package esl

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/voicebridge/voicebridge/pkg/errors"
)

// Content types of socket messages.
const (
	TypeAuthRequest      = "auth/request"
	TypeCommandReply     = "command/reply"
	TypeAPIResponse      = "api/response"
	TypeEventPlain       = "text/event-plain"
	TypeDisconnectNotice = "text/disconnect-notice"
	TypeRudeRejection    = "text/rude-rejection"
)

// Message is one framed message read from the socket: a header block and an
// optional body of Content-Length bytes.
type Message struct {
	Header textproto.MIMEHeader
	Body   []byte
}

func (m *Message) Type() string {
	return m.Header.Get("Content-Type")
}

// ReplyText returns the command reply, or the body of an api response.
func (m *Message) ReplyText() string {
	if t := m.Header.Get("Reply-Text"); t != "" {
		return t
	}
	return strings.TrimSpace(string(m.Body))
}

// Err converts a negative reply into a rejection error.
func (m *Message) Err() error {
	t := m.ReplyText()
	if strings.HasPrefix(t, "-ERR") || strings.HasPrefix(t, "-USAGE") {
		return errors.Rejected(t)
	}
	return nil
}

// ReadMessage reads one message.
func ReadMessage(r *textproto.Reader) (*Message, error) {
	h, err := r.ReadMIMEHeader()
	if err != nil {
		if err == io.EOF && len(h) != 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	m := &Message{Header: h}
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid content length %q", cl)
		}
		m.Body = make([]byte, n)
		if _, err = io.ReadFull(r.R, m.Body); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Event is a decoded plain text event.
type Event struct {
	Header textproto.MIMEHeader
	Body   []byte
}

// ParseEvent decodes the body of a text/event-plain message. Header values are url encoded.
func ParseEvent(data []byte) (*Event, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))
	h, err := r.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	ev := &Event{Header: decodeHeader(h)}
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid event content length %q", cl)
		}
		ev.Body = make([]byte, n)
		if _, err = io.ReadFull(r.R, ev.Body); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// decodeHeader url decodes header values in place.
func decodeHeader(h textproto.MIMEHeader) textproto.MIMEHeader {
	for _, vals := range h {
		for i, v := range vals {
			if dec, err := url.PathUnescape(v); err == nil {
				vals[i] = dec
			}
		}
	}
	return h
}

func (e *Event) Get(key string) string {
	return e.Header.Get(key)
}

// Name returns the event name, or the subclass for custom events.
func (e *Event) Name() string {
	name := e.Get("Event-Name")
	if name == "CUSTOM" {
		if sub := e.Get("Event-Subclass"); sub != "" {
			return sub
		}
	}
	return name
}

// UUID returns the channel the event belongs to.
func (e *Event) UUID() string {
	if id := e.Get("Unique-ID"); id != "" {
		return id
	}
	return e.Get("Channel-Call-UUID")
}

// Var returns a channel variable carried by the event.
func (e *Event) Var(name string) string {
	return e.Get("variable_" + name)
}

// command renders a command with optional extra header lines.
func command(cmd string, headers ...string) []byte {
	var b bytes.Buffer
	b.WriteString(cmd)
	b.WriteByte('\n')
	for _, h := range headers {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}
