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

package codec

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/pkg/audiotest"
	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/media"
	"github.com/voicebridge/voicebridge/pkg/media/tones"
)

func TestNew(t *testing.T) {
	_, err := New(media.FormatPCMU, 16000)
	require.ErrorIs(t, err, errors.ErrInvalidFormat)
	_, err = New(media.FormatPCMA, 16000)
	require.ErrorIs(t, err, errors.ErrInvalidFormat)
	_, err = New(media.FormatL16, 12345)
	require.ErrorIs(t, err, errors.ErrInvalidRate)

	c, err := New(media.FormatL16, 48000)
	require.NoError(t, err)
	require.Equal(t, media.FormatL16, c.Format())
	require.Equal(t, 48000, c.SampleRate())
}

func TestTranscode(t *testing.T) {
	cases := []struct {
		format media.Format
		rate   int
		size   int // bytes per frame
		exact  bool
	}{
		{media.FormatL16, 8000, 320, true},
		{media.FormatL16, 16000, 640, true},
		{media.FormatPCMU, 8000, 160, false},
		{media.FormatPCMA, 8000, 160, false},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s %d", c.format, c.rate), func(t *testing.T) {
			tc, err := New(c.format, c.rate)
			require.NoError(t, err)

			frames := tones.Frames(c.rate, 25, 12000, 1000)
			var (
				wire    []byte
				decoded media.PCM16Sample
			)
			for _, f := range frames {
				wire = tc.Encode(wire[:0], f)
				require.Len(t, wire, c.size)
				decoded = tc.Decode(decoded, wire)
			}
			src := audiotest.Concat(frames...)
			require.Len(t, decoded, len(src))
			if c.exact {
				require.Equal(t, src, decoded)
			}
			require.InDelta(t, 1000, audiotest.Dominant(decoded, c.rate), 5)
			require.InDelta(t, audiotest.RMS(src), audiotest.RMS(decoded), audiotest.RMS(src)*0.05)
		})
	}
}
