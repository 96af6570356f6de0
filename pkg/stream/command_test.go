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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/media"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		exp  *Command
	}{
		{
			line: "start leg-1 ws://example.com/ws mono 8k",
			exp: &Command{Op: OpStart, Leg: "leg-1", Start: Params{
				Leg: "leg-1", URL: "ws://example.com/ws", Mode: media.ModeMono, Rate: 8000, Format: media.FormatL16,
			}},
		},
		{
			line: "start leg-1 wss://example.com/ws stereo 8k pcmu {\"a\":1}",
			exp: &Command{Op: OpStart, Leg: "leg-1", Start: Params{
				Leg: "leg-1", URL: "wss://example.com/ws", Mode: media.ModeStereo, Rate: 8000, Format: media.FormatPCMU,
				Metadata: `{"a":1}`,
			}},
		},
		{
			line: "start leg-1 ws://h/ mixed 8000 ALAW",
			exp: &Command{Op: OpStart, Leg: "leg-1", Start: Params{
				Leg: "leg-1", URL: "ws://h/", Mode: media.ModeMixed, Rate: 8000, Format: media.FormatPCMA,
			}},
		},
		{
			// Not a format: metadata starts at the sixth token.
			line: "start leg-1 ws://h/ mono 24k hello there",
			exp: &Command{Op: OpStart, Leg: "leg-1", Start: Params{
				Leg: "leg-1", URL: "ws://h/", Mode: media.ModeMono, Rate: 24000, Format: media.FormatL16,
				Metadata: "hello there",
			}},
		},
		{
			line: "leg-2 stop bye now",
			exp:  &Command{Op: OpStop, Leg: "leg-2", Text: "bye now"},
		},
		{
			line: "stop leg-2",
			exp:  &Command{Op: OpStop, Leg: "leg-2"},
		},
		{
			line: "  pause   leg-3 ",
			exp:  &Command{Op: OpPause, Leg: "leg-3"},
		},
		{
			line: "resume leg-3",
			exp:  &Command{Op: OpResume, Leg: "leg-3"},
		},
		{
			line: "send-text leg-4 {\"type\":\"hi\"}",
			exp:  &Command{Op: OpSendText, Leg: "leg-4", Text: `{"type":"hi"}`},
		},
	}
	for _, c := range cases {
		t.Run(c.line, func(t *testing.T) {
			cmd, err := ParseCommand(c.line)
			require.NoError(t, err)
			require.Equal(t, c.exp, cmd)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	cases := []struct {
		line string
		err  error
	}{
		{"", errors.ErrInvalidCommand},
		{"start", errors.ErrInvalidCommand},
		{"jump leg-1", errors.ErrInvalidCommand},
		{"start leg-1 ws://h/ mono", errors.ErrInvalidCommand},
		{"start leg-1 http://h/ mono 8k", errors.ErrInvalidURL},
		{"start leg-1 ws:///path mono 8k", errors.ErrInvalidURL},
		{"start leg-1 ws://h/ quad 8k", errors.ErrInvalidMode},
		{"start leg-1 ws://h/ mono 11025", errors.ErrInvalidRate},
		{"start leg-1 ws://h/ mono 0", errors.ErrInvalidRate},
		{"start leg-1 ws://h/ mono 16k pcmu", errors.ErrInvalidFormat},
		{"pause leg-1 now", errors.ErrInvalidCommand},
		{"send_text leg-1", errors.ErrInvalidCommand},
		{"send_text leg-1 caf\xe9", errors.ErrInvalidCommand},
		{"stop leg-1 bye\xff", errors.ErrInvalidCommand},
		{"start leg-1 ws://h/ mono 8k l16 {\"a\":\"\xfe\"}", errors.ErrInvalidCommand},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("%d %s", i, c.line), func(t *testing.T) {
			_, err := ParseCommand(c.line)
			require.ErrorIs(t, err, c.err)
			require.Contains(t, Reply(err), "-ERR ")
		})
	}
	require.Equal(t, "+OK Success", Reply(nil))
}
