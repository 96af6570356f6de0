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

// Package dtmf decodes RFC 4733 telephone-event payloads.
package dtmf

import (
	"encoding/binary"
	"io"
)

// DefPayloadType is the dynamic payload type switches use for telephone-event/8000 by default.
const DefPayloadType = 101

var eventToChar = [256]byte{
	0: '0', 1: '1', 2: '2', 3: '3', 4: '4',
	5: '5', 6: '6', 7: '7', 8: '8', 9: '9',
	10: '*', 11: '#',
	12: 'a', 13: 'b', 14: 'c', 15: 'd',
}

var charToEvent = map[byte]byte{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'a': 12, 'b': 13, 'c': 14, 'd': 15,
}

type Event struct {
	Code   byte
	Digit  byte
	Volume byte   // in dBm0 (without sign)
	Dur    uint16 // in timestamp units
	End    bool
}

func Decode(data []byte) (Event, error) {
	if len(data) < 4 {
		return Event{}, io.ErrUnexpectedEOF
	}
	ev := data[0]
	return Event{
		Code:   ev,
		Digit:  eventToChar[ev],
		End:    data[1]>>7 != 0,
		Volume: data[1] & 0x3F,
		Dur:    binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// AppendEncoded appends the payload of ev. A non-zero Digit takes precedence over Code.
func AppendEncoded(dst []byte, ev Event) []byte {
	if ev.Digit != 0 {
		ev.Code = charToEvent[ev.Digit]
	}
	b := ev.Volume & 0x3f
	if ev.End {
		b |= 1 << 7
	}
	dst = append(dst, ev.Code, b)
	return binary.BigEndian.AppendUint16(dst, ev.Dur)
}

// Detector turns the packets of a telephone-event stream into digits.
//
// A sender repeats an event in several packets sharing one RTP timestamp and sends
// the final packet up to three times. Each event is reported once, on its first
// packet, so digits are not delayed by the tone length.
type Detector struct {
	seen bool
	ts   uint32
}

// Feed reports the digit of a packet that starts a new event.
func (d *Detector) Feed(ts uint32, payload []byte) (byte, bool) {
	ev, err := Decode(payload)
	if err != nil || ev.Digit == 0 {
		return 0, false
	}
	if d.seen && d.ts == ts {
		return 0, false
	}
	d.seen, d.ts = true, ts
	return ev.Digit, true
}
