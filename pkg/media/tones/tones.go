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

// Package tones synthesizes test and signalling tones.
package tones

import (
	"math"
	"time"

	"github.com/voicebridge/voicebridge/pkg/media"
)

type Hz uint32

// Generate fills buf with the sum of freq sines covering dur, starting at stream time ts.
// It returns the stream time after the block, so consecutive calls produce a continuous signal.
func Generate(buf media.PCM16Sample, ts, dur time.Duration, amp int16, freq []Hz) time.Duration {
	if len(freq) == 0 {
		buf.Clear()
		return ts + dur
	}
	for i := range buf {
		at := (ts + dur*time.Duration(i)/time.Duration(len(buf))).Seconds()
		var sum float64
		for _, hz := range freq {
			sum += math.Sin(2 * math.Pi * float64(hz) * at)
		}
		buf[i] = int16(float64(amp) * sum / float64(len(freq)))
	}
	return ts + dur
}

// Frames generates n consecutive DefFrameDur frames of a tone at the given rate.
func Frames(rate, n int, amp int16, freq ...Hz) []media.PCM16Sample {
	out := make([]media.PCM16Sample, n)
	var ts time.Duration
	for i := range out {
		out[i] = make(media.PCM16Sample, media.SamplesPerFrame(rate))
		ts = Generate(out[i], ts, media.DefFrameDur, amp, freq)
	}
	return out
}
