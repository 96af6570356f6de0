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
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/media"
)

type Op string

const (
	OpStart    Op = "start"
	OpStop     Op = "stop"
	OpPause    Op = "pause"
	OpResume   Op = "resume"
	OpSendText Op = "send_text"
)

const (
	ReplyOK  = "+OK Success"
	replyErr = "-ERR "
)

func parseOp(s string) (Op, bool) {
	switch strings.ToLower(s) {
	case "start":
		return OpStart, true
	case "stop":
		return OpStop, true
	case "pause":
		return OpPause, true
	case "resume":
		return OpResume, true
	case "send_text", "send-text":
		return OpSendText, true
	}
	return "", false
}

// Command is one parsed line of the bridge command surface.
type Command struct {
	Op    Op
	Leg   string
	Start Params // OpStart only
	Text  string // final text for OpStop, message for OpSendText
}

// ParseCommand parses
//
//	start <leg> <url> <mono|mixed|stereo> <8k|16k|N> [l16|pcmu|pcma] [metadata]
//	stop <leg> [final-text]
//	pause <leg>
//	resume <leg>
//	send_text <leg> <text>
//
// The "<leg> <op> ..." order used by dialplan applications is accepted as well.
func ParseCommand(line string) (*Command, error) {
	fields, rest := splitFields(line, 2)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: %q", errors.ErrInvalidCommand, line)
	}
	op, ok := parseOp(fields[0])
	leg := fields[1]
	if !ok {
		if op, ok = parseOp(fields[1]); !ok {
			return nil, fmt.Errorf("%w: unknown operation in %q", errors.ErrInvalidCommand, line)
		}
		leg = fields[0]
	}
	cmd := &Command{Op: op, Leg: leg}
	switch op {
	case OpStart:
		if err := parseStart(cmd, rest); err != nil {
			return nil, err
		}
	case OpStop:
		if !utf8.ValidString(rest) {
			return nil, fmt.Errorf("%w: final text is not valid utf-8", errors.ErrInvalidCommand)
		}
		cmd.Text = rest
	case OpSendText:
		if rest == "" {
			return nil, fmt.Errorf("%w: send_text requires a text", errors.ErrInvalidCommand)
		}
		if !utf8.ValidString(rest) {
			return nil, fmt.Errorf("%w: text is not valid utf-8", errors.ErrInvalidCommand)
		}
		cmd.Text = rest
	case OpPause, OpResume:
		if rest != "" {
			return nil, fmt.Errorf("%w: unexpected arguments %q", errors.ErrInvalidCommand, rest)
		}
	}
	return cmd, nil
}

func parseStart(cmd *Command, args string) error {
	fields, rest := splitFields(args, 3)
	if len(fields) < 3 {
		return fmt.Errorf("%w: start requires url, mode and rate", errors.ErrInvalidCommand)
	}
	p := &cmd.Start
	p.Leg = cmd.Leg
	p.URL = fields[0]
	mode, err := media.ParseChannelMode(fields[1])
	if err != nil {
		return err
	}
	p.Mode = mode
	rate, err := media.ParseRate(fields[2])
	if err != nil {
		return err
	}
	p.Rate = rate
	p.Format = media.FormatL16

	// An optional format token, otherwise everything left is metadata.
	if next, tail := splitFields(rest, 1); len(next) == 1 {
		if f, ok := media.ParseFormat(next[0]); ok {
			p.Format = f
			rest = tail
		}
	}
	p.Metadata = rest
	return p.Validate()
}

// splitFields returns up to n whitespace separated fields and the trimmed remainder.
func splitFields(s string, n int) ([]string, string) {
	var out []string
	s = strings.TrimSpace(s)
	for len(out) < n && s != "" {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			out = append(out, s)
			s = ""
			break
		}
		out = append(out, s[:i])
		s = strings.TrimSpace(s[i:])
	}
	return out, s
}

// Reply renders the result of a command the way switch API commands do.
func Reply(err error) string {
	if err == nil {
		return ReplyOK
	}
	return replyErr + err.Error()
}
