// Copyright 2023 LiveKit, Inc.
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

import (
	"encoding/binary"
)

// PCM16Sample is a block of signed 16-bit linear samples.
type PCM16Sample []int16

// Clear sets all samples to silence.
func (s PCM16Sample) Clear() {
	for i := range s {
		s[i] = 0
	}
}

// Encode returns the little-endian byte representation.
func (s PCM16Sample) Encode() LPCM16Sample {
	return s.AppendEncoded(nil)
}

// AppendEncoded appends the little-endian representation to dst.
func (s PCM16Sample) AppendEncoded(dst LPCM16Sample) LPCM16Sample {
	for _, v := range s {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
	}
	return dst
}

// LPCM16Sample is little-endian signed 16-bit PCM, as carried by L16 payloads.
type LPCM16Sample []byte

func (s LPCM16Sample) Decode() PCM16Sample {
	return s.AppendDecoded(nil)
}

// AppendDecoded appends decoded samples to dst. A trailing odd byte is ignored.
func (s LPCM16Sample) AppendDecoded(dst PCM16Sample) PCM16Sample {
	for i := 0; i+1 < len(s); i += 2 {
		dst = append(dst, int16(binary.LittleEndian.Uint16(s[i:])))
	}
	return dst
}

// DecodeTo fills dst from s and returns the number of samples written.
func (s LPCM16Sample) DecodeTo(dst PCM16Sample) int {
	n := min(len(dst), len(s)/2)
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(s[2*i:]))
	}
	return n
}

func clip16(v int32) int16 {
	if v > 0x7FFF {
		return 0x7FFF
	}
	if v < -0x7FFF {
		return -0x7FFF
	}
	return int16(v)
}

// MixTo sums a and b into dst with saturation. All slices must have the same length.
func MixTo(dst, a, b PCM16Sample) {
	for i := range dst {
		dst[i] = clip16(int32(a[i]) + int32(b[i]))
	}
}

// InterleaveTo writes left and right samples alternately into dst, which must hold both.
func InterleaveTo(dst, left, right PCM16Sample) {
	for i := range left {
		dst[2*i] = left[i]
		dst[2*i+1] = right[i]
	}
}
