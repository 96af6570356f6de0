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

// Package audiotest contains helpers for asserting on audio in tests.
package audiotest

import (
	"math"
	"math/cmplx"
	"slices"

	"github.com/mjibson/go-dsp/fft"

	"github.com/voicebridge/voicebridge/pkg/media"
)

// Peak is one spectral component.
type Peak struct {
	Hz  float64
	Amp float64
}

// Spectrum returns spectral peaks of src above minAmp, strongest first.
// Frequency resolution is rate/len(src).
func Spectrum(src media.PCM16Sample, rate int, minAmp float64) []Peak {
	if len(src) == 0 {
		return nil
	}
	cmp := make([]complex128, len(src))
	for i, v := range src {
		cmp[i] = complex(float64(v), 0)
	}
	out := fft.FFT(cmp)
	bin := float64(rate) / float64(len(src))
	var peaks []Peak
	for i, v := range out[:len(out)/2] {
		if i == 0 {
			continue
		}
		a := 2 * cmplx.Abs(v) / float64(len(src))
		if a < minAmp {
			continue
		}
		peaks = append(peaks, Peak{Hz: float64(i) * bin, Amp: a})
	}
	slices.SortFunc(peaks, func(a, b Peak) int {
		switch {
		case a.Amp > b.Amp:
			return -1
		case a.Amp < b.Amp:
			return 1
		}
		return 0
	})
	return peaks
}

// Dominant returns the strongest frequency in src, or 0 for silence.
func Dominant(src media.PCM16Sample, rate int) float64 {
	peaks := Spectrum(src, rate, 1)
	if len(peaks) == 0 {
		return 0
	}
	return peaks[0].Hz
}

// RMS is the root mean square level of src.
func RMS(src media.PCM16Sample) float64 {
	if len(src) == 0 {
		return 0
	}
	var sum float64
	for _, v := range src {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(src)))
}

// Concat joins frames into one block.
func Concat(frames ...media.PCM16Sample) media.PCM16Sample {
	var out media.PCM16Sample
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
