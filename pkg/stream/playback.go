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

package stream

import (
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/internal/ringbuf"
	"github.com/voicebridge/voicebridge/pkg/media"
)

// Playback buffers synthesized L16 audio between the websocket reader and the frame clock.
//
// One mutex covers both cursors and is only held for a copy. Writes never block:
// on overflow the oldest audio is discarded. Injection is gated by a warm-up:
// playback becomes active once the buffer holds at least the warm-up amount and
// stays active until the buffer runs dry.
type Playback struct {
	mu         sync.Mutex
	buf        *ringbuf.Buffer[byte]
	frameBytes int
	warmup     int
	active     bool
	released   bool
	overrun    uint64
}

// NewPlayback sizes the buffer for capacity of mono L16 audio at rate.
func NewPlayback(rate int, capacity, warmup time.Duration) *Playback {
	frame := media.SamplesPerFrame(rate) * 2
	return &Playback{
		buf:        ringbuf.New[byte](durationBytes(rate, capacity, frame)),
		frameBytes: frame,
		warmup:     durationBytes(rate, warmup, frame),
	}
}

// durationBytes converts a duration to bytes, rounded up to whole frames.
// Millisecond precision keeps the product in range for any accepted rate.
func durationBytes(rate int, d time.Duration, frame int) int {
	n := int(int64(rate) * 2 * d.Milliseconds() / 1000)
	if rem := n % frame; rem != 0 {
		n += frame - rem
	}
	return max(n, frame)
}

// FrameBytes is the size of a frame drained by ReadFrame.
func (p *Playback) FrameBytes() int {
	return p.frameBytes
}

// Write appends audio. Data must be whole samples. It reports how many bytes were
// discarded to make room and whether this write armed playback.
func (p *Playback) Write(data []byte) (dropped int, started bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return 0, false
	}
	dropped = p.buf.Overwrite(data)
	if dropped > 0 {
		p.overrun += uint64(dropped)
	}
	if !p.active && p.buf.Len() >= p.warmup {
		p.active = true
		started = true
	}
	return dropped, started
}

// ReadFrame drains one frame into dst when playback is active and a whole frame is
// buffered. A shorter tail is held back for the next write. It returns false without
// touching dst when nothing should be injected.
func (p *Playback) ReadFrame(dst []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Len() == 0 {
		p.active = false
		return false
	}
	if !p.active || p.buf.Len() < p.frameBytes {
		return false
	}
	n, _ := p.buf.Read(dst[:min(len(dst), p.frameBytes)])
	clear(dst[n:])
	if p.buf.Len() == 0 {
		p.active = false
	}
	return true
}

// Active reports whether injection is currently armed.
func (p *Playback) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Len returns the number of buffered bytes.
func (p *Playback) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

// Buffered returns the buffered audio duration.
func (p *Playback) Buffered() time.Duration {
	return time.Duration(p.Len()/p.frameBytes) * media.DefFrameDur
}

// Overrun returns the total number of bytes discarded on overflow.
func (p *Playback) Overrun() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overrun
}

// Clear drops buffered audio and re-arms the warm-up, for barge-in.
func (p *Playback) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.Reset()
	p.active = false
}

// Release frees the buffer. Later writes are ignored and reads return nothing.
func (p *Playback) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	p.active = false
	p.buf = ringbuf.New[byte](1)
}
