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

// Package codec converts between linear PCM and the wire formats spoken with remote endpoints.
package codec

import (
	"slices"

	"github.com/voicebridge/voicebridge/pkg/media"
	"github.com/voicebridge/voicebridge/pkg/media/g711"
)

// Transcoder converts audio blocks between linear PCM and one wire format.
// Instances are created per session and are not safe for concurrent use.
type Transcoder interface {
	Format() media.Format
	SampleRate() int
	// Encode appends the wire representation of pcm to dst.
	Encode(dst []byte, pcm media.PCM16Sample) []byte
	// Decode appends the linear samples carried by payload to dst.
	Decode(dst media.PCM16Sample, payload []byte) media.PCM16Sample
}

// New returns a transcoder for the format at the given rate.
// Unsupported combinations are rejected here and never per frame.
func New(f media.Format, rate int) (Transcoder, error) {
	if err := media.ValidateFormat(rate, f); err != nil {
		return nil, err
	}
	switch f {
	case media.FormatPCMU:
		return &lawCodec{format: f, rate: rate, law: g711.ULaw}, nil
	case media.FormatPCMA:
		return &lawCodec{format: f, rate: rate, law: g711.ALaw}, nil
	default:
		return &linearCodec{rate: rate}, nil
	}
}

type linearCodec struct {
	rate int
}

func (c *linearCodec) Format() media.Format { return media.FormatL16 }
func (c *linearCodec) SampleRate() int      { return c.rate }

func (c *linearCodec) Encode(dst []byte, pcm media.PCM16Sample) []byte {
	return pcm.AppendEncoded(dst)
}

func (c *linearCodec) Decode(dst media.PCM16Sample, payload []byte) media.PCM16Sample {
	return media.LPCM16Sample(payload).AppendDecoded(dst)
}

type lawCodec struct {
	format media.Format
	rate   int
	law    *g711.Law
}

func (c *lawCodec) Format() media.Format { return c.format }
func (c *lawCodec) SampleRate() int      { return c.rate }

func (c *lawCodec) Encode(dst []byte, pcm media.PCM16Sample) []byte {
	off := len(dst)
	dst = slices.Grow(dst, len(pcm))[:off+len(pcm)]
	c.law.EncodeTo(dst[off:], pcm)
	return dst
}

func (c *lawCodec) Decode(dst media.PCM16Sample, payload []byte) media.PCM16Sample {
	off := len(dst)
	dst = slices.Grow(dst, len(payload))[:off+len(payload)]
	c.law.DecodeTo(dst[off:], payload)
	return dst
}
