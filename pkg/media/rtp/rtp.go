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

// Package rtp hosts call legs whose audio arrives as RTP over UDP. Each leg runs
// its own frame clock and exposes its media to a stream tap.
package rtp

import (
	"math/rand"

	"github.com/pion/rtp"
)

type Packet = rtp.Packet

type Writer interface {
	WriteRTP(p *rtp.Packet) error
}

type Handler interface {
	HandleRTP(p *rtp.Packet) error
}

type HandlerFunc func(p *rtp.Packet) error

func (fnc HandlerFunc) HandleRTP(p *rtp.Packet) error {
	return fnc(p)
}

// NewStream returns an outgoing packet stream with a random SSRC and initial sequence.
func NewStream(w Writer, payloadType uint8, packetDur uint32) *Stream {
	return &Stream{
		w:         w,
		packetDur: packetDur,
		p: rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SSRC:           rand.Uint32(),
				SequenceNumber: uint16(rand.Uint32()),
				Timestamp:      rand.Uint32(),
				Marker:         true,
			},
		},
	}
}

// Stream numbers outgoing packets. It is not safe for concurrent use.
type Stream struct {
	w         Writer
	p         Packet
	packetDur uint32
}

func (s *Stream) SSRC() uint32 {
	return s.p.SSRC
}

func (s *Stream) WritePayload(data []byte) error {
	s.p.Payload = data
	err := s.w.WriteRTP(&s.p)
	// Timing advances even when the packet could not be sent.
	s.p.Header.Timestamp += s.packetDur
	s.p.Header.SequenceNumber++
	s.p.Header.Marker = false
	return err
}
