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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/pkg/errors"
)

const (
	// DefFrameDur is a default duration of an audio frame.
	DefFrameDur = 20 * time.Millisecond
	// DefFramesPerSec is a default number of audio frames per second.
	DefFramesPerSec = int(time.Second / DefFrameDur)

	// BaseRate is the telephony clock rate. All supported rates are multiples of it.
	BaseRate = 8000
)

// SamplesPerFrame returns the number of samples in one DefFrameDur frame of a single channel.
func SamplesPerFrame(rate int) int {
	return rate / DefFramesPerSec
}

// Format is the audio representation used on the wire towards the remote endpoint.
type Format int

const (
	FormatL16 Format = iota
	FormatPCMU
	FormatPCMA
)

func (f Format) String() string {
	switch f {
	case FormatL16:
		return "l16"
	case FormatPCMU:
		return "pcmu"
	case FormatPCMA:
		return "pcma"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Companded reports whether the format is an 8-bit G.711 law.
func (f Format) Companded() bool {
	return f == FormatPCMU || f == FormatPCMA
}

// BytesPerSample of a single channel.
func (f Format) BytesPerSample() int {
	if f.Companded() {
		return 1
	}
	return 2
}

// ParseFormat accepts the canonical names and the aliases used by dialplans.
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(s) {
	case "l16", "linear", "pcm":
		return FormatL16, true
	case "pcmu", "ulaw", "mulaw":
		return FormatPCMU, true
	case "pcma", "alaw":
		return FormatPCMA, true
	}
	return 0, false
}

// ChannelMode selects which directions of a call leg are captured.
type ChannelMode int

const (
	// ModeMono captures caller audio only.
	ModeMono ChannelMode = iota
	// ModeMixed sums caller audio with the audio sent to the caller.
	ModeMixed
	// ModeStereo interleaves caller audio (left) with the audio sent to the caller (right).
	ModeStereo
)

func (m ChannelMode) String() string {
	switch m {
	case ModeMono:
		return "mono"
	case ModeMixed:
		return "mixed"
	case ModeStereo:
		return "stereo"
	}
	return fmt.Sprintf("ChannelMode(%d)", int(m))
}

func (m ChannelMode) Channels() int {
	if m == ModeStereo {
		return 2
	}
	return 1
}

func ParseChannelMode(s string) (ChannelMode, error) {
	switch strings.ToLower(s) {
	case "mono":
		return ModeMono, nil
	case "mixed":
		return ModeMixed, nil
	case "stereo":
		return ModeStereo, nil
	}
	return 0, fmt.Errorf("%w: %q", errors.ErrInvalidMode, s)
}

// ParseRate accepts "8k", "16k", ... or a plain number of Hz.
func ParseRate(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mul := 1
	if strings.HasSuffix(s, "k") {
		s = strings.TrimSuffix(s, "k")
		mul = 1000
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errors.ErrInvalidRate, s)
	}
	rate := v * mul
	if err := ValidateRate(rate); err != nil {
		return 0, err
	}
	return rate, nil
}

func ValidateRate(rate int) error {
	if rate <= 0 || rate%BaseRate != 0 {
		return fmt.Errorf("%w: %d", errors.ErrInvalidRate, rate)
	}
	return nil
}

// ValidateFormat checks a rate and format combination. Companded formats only exist at 8 kHz.
func ValidateFormat(rate int, f Format) error {
	if err := ValidateRate(rate); err != nil {
		return err
	}
	switch f {
	case FormatL16:
		return nil
	case FormatPCMU, FormatPCMA:
		if rate != BaseRate {
			return fmt.Errorf("%w: %s requires 8000 Hz, got %d", errors.ErrInvalidFormat, f, rate)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidFormat, f)
}
