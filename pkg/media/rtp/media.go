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

package rtp

import (
	"encoding/binary"

	"github.com/voicebridge/voicebridge/pkg/media"
)

const (
	// PayloadPCMU and PayloadPCMA are the static RTP payload types of G.711.
	PayloadPCMU = 0
	PayloadPCMA = 8
	// DefPayloadL16 is the dynamic payload type used for linear audio unless configured.
	DefPayloadL16 = 96
)

// PayloadType returns the default payload type of a format.
func PayloadType(f media.Format) uint8 {
	switch f {
	case media.FormatPCMU:
		return PayloadPCMU
	case media.FormatPCMA:
		return PayloadPCMA
	}
	return DefPayloadL16
}

// PacketDur is the RTP timestamp increment of one frame at the given clock rate.
func PacketDur(rate int) uint32 {
	return uint32(media.SamplesPerFrame(rate))
}

// Linear audio is big endian on the wire, unlike the little endian frames sent to remote endpoints.

func appendL16(dst []byte, pcm media.PCM16Sample) []byte {
	for _, v := range pcm {
		dst = binary.BigEndian.AppendUint16(dst, uint16(v))
	}
	return dst
}

func appendDecodedL16(dst media.PCM16Sample, payload []byte) media.PCM16Sample {
	for i := 0; i+1 < len(payload); i += 2 {
		dst = append(dst, int16(binary.BigEndian.Uint16(payload[i:])))
	}
	return dst
}
