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

// Package g711 implements ITU-T G.711 mu-law and A-law companding with lookup tables.
package g711

// Expansion follows g711.c by SUN microsystems (unrestricted use).

const (
	signBit   = 0x80
	quantMask = 0x0f
	segShift  = 4
	segMask   = 0x70

	ulawBias = 0x84

	// Compression tables are indexed by the top 14 bits of the linear sample.
	linBits  = 14
	linTable = 1 << linBits
	linZero  = linTable / 2

	ulawInvert = 0xff
	alawInvert = 0xd5
)

// Law holds the tables of one companding law.
type Law struct {
	expand   [256]int16
	compress [linTable]byte
}

var (
	ULaw = newLaw(ulawToLinear, ulawInvert)
	ALaw = newLaw(alawToLinear, alawInvert)
)

func ulawToLinear(v byte) int {
	v = ^v
	mag := (int(v&quantMask) << 3) + ulawBias
	mag <<= (uint(v) & segMask) >> segShift
	if v&signBit != 0 {
		return ulawBias - mag
	}
	return mag - ulawBias
}

func alawToLinear(v byte) int {
	v ^= 0x55
	mag := int(v & quantMask)
	if seg := int((uint(v) & segMask) >> segShift); seg != 0 {
		mag = (2*mag + 1 + 32) << (seg + 2)
	} else {
		mag = (2*mag + 1) << 3
	}
	if v&signBit != 0 {
		return mag
	}
	return -mag
}

func newLaw(expand func(byte) int, invert int) *Law {
	l := new(Law)
	for i := range l.expand {
		l.expand[i] = int16(expand(byte(i)))
	}
	// Walk the 128 positive code words in order and assign every linear
	// value up to the midpoint between neighbouring codes to the lower one.
	// Negative values mirror with the sign bit flipped.
	pos := 1
	l.compress[linZero] = byte(invert)
	for code := 0; code < 127; code++ {
		mid := (expand(byte(code^invert)) + expand(byte((code+1)^invert)) + 4) >> 3
		for ; pos < mid; pos++ {
			l.compress[linZero-pos] = byte(code ^ (invert ^ signBit))
			l.compress[linZero+pos] = byte(code ^ invert)
		}
	}
	for ; pos < linZero; pos++ {
		l.compress[linZero-pos] = byte(127 ^ (invert ^ signBit))
		l.compress[linZero+pos] = byte(127 ^ invert)
	}
	l.compress[0] = l.compress[1]
	return l
}

// Compress converts a linear sample into a code word.
func (l *Law) Compress(v int16) byte {
	return l.compress[(int(v)+32768)>>(16-linBits)]
}

// Expand converts a code word into a linear sample.
func (l *Law) Expand(c byte) int16 {
	return l.expand[c]
}

// EncodeTo compresses len(src) samples into dst.
func (l *Law) EncodeTo(dst []byte, src []int16) {
	for i, v := range src {
		dst[i] = l.Compress(v)
	}
}

// DecodeTo expands len(src) code words into dst.
func (l *Law) DecodeTo(dst []int16, src []byte) {
	for i, c := range src {
		dst[i] = l.expand[c]
	}
}

func EncodeULawTo(out []byte, buf []int16) { ULaw.EncodeTo(out, buf) }
func DecodeULawTo(out []int16, buf []byte) { ULaw.DecodeTo(out, buf) }
func EncodeALawTo(out []byte, buf []int16) { ALaw.EncodeTo(out, buf) }
func DecodeALawTo(out []int16, buf []byte) { ALaw.DecodeTo(out, buf) }
