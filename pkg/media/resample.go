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

package media

// Resampler converts a continuous mono stream between two rates, one block at a time.
// It remembers the last input sample so that block edges do not click.
//
// Upsampling is linear interpolation, downsampling averages the input samples covered
// by each output sample. This is enough for speech at telephony rates.
type Resampler struct {
	last int16
}

// ResampleTo fills all of dst from src, stretching or shrinking src to len(dst).
func (r *Resampler) ResampleTo(dst, src PCM16Sample) {
	switch {
	case len(dst) == 0:
		return
	case len(src) == 0:
		for i := range dst {
			dst[i] = r.last
		}
		return
	case len(dst) == len(src):
		copy(dst, src)
		r.last = src[len(src)-1]
		return
	}
	step := float64(len(src)) / float64(len(dst))
	if step >= 2 {
		r.decimate(dst, src, step)
	} else {
		r.interpolate(dst, src, step)
	}
	r.last = src[len(src)-1]
}

// at returns the input sample at i, where i == -1 is the last sample of the previous block.
func (r *Resampler) at(src PCM16Sample, i int) int16 {
	if i < 0 {
		return r.last
	}
	if i >= len(src) {
		return src[len(src)-1]
	}
	return src[i]
}

func (r *Resampler) interpolate(dst, src PCM16Sample, step float64) {
	// Output j sits at input position (j+1)*step - 1, so the last output lands on the last input.
	for j := range dst {
		pos := float64(j+1)*step - 1
		i := int(pos)
		if pos < 0 {
			i = -1
		}
		frac := pos - float64(i)
		a, b := float64(r.at(src, i)), float64(r.at(src, i+1))
		dst[j] = int16(a + (b-a)*frac)
	}
}

func (r *Resampler) decimate(dst, src PCM16Sample, step float64) {
	start := 0
	for j := range dst {
		end := int(float64(j+1)*step + 0.5)
		if j == len(dst)-1 || end > len(src) {
			end = len(src)
		}
		if end <= start {
			end = start + 1
		}
		var sum int32
		for i := start; i < end; i++ {
			sum += int32(r.at(src, i))
		}
		dst[j] = int16(sum / int32(end-start))
		start = end
	}
}

// Resample appends src converted from srcRate to dstRate to dst.
func (r *Resampler) Resample(dst PCM16Sample, dstRate int, src PCM16Sample, srcRate int) PCM16Sample {
	if srcRate == dstRate || len(src) == 0 {
		return append(dst, src...)
	}
	n := len(src) * dstRate / srcRate
	off := len(dst)
	dst = append(dst, make(PCM16Sample, n)...)
	r.ResampleTo(dst[off:], src)
	return dst
}

// Resample converts a standalone block. Use a Resampler for continuous streams.
func Resample(dst PCM16Sample, dstRate int, src PCM16Sample, srcRate int) PCM16Sample {
	var r Resampler
	if len(src) > 0 {
		r.last = src[0]
	}
	return r.Resample(dst, dstRate, src, srcRate)
}
