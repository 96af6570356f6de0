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
	"context"

	"github.com/voicebridge/voicebridge/pkg/media"
)

// Frame is the audio of one frame clock tick on a call leg, at the leg's rate.
type Frame struct {
	// Read is the audio received from the caller.
	Read media.PCM16Sample
	// Write is the audio about to be sent to the caller. A callback may overwrite it.
	Write media.PCM16Sample
}

// Callback is attached to a leg's media path.
//
// OnFrame runs on the host's frame clock and must not block. Returning false asks
// the host to stop delivering frames. OnClose is called once when the tap is
// detached or the media path ends.
type Callback interface {
	OnInit()
	OnFrame(f *Frame) bool
	OnClose()
}

// Leg is a call leg whose media can be tapped.
type Leg interface {
	ID() string
	CallerID() string
	// SampleRate of the frames passed to the callback.
	SampleRate() int
	// PreAnswer returns an error unless the leg has at least early media.
	PreAnswer(ctx context.Context) error
	// Attach installs the callback. It fails with ErrAlreadyAttached if one is installed.
	Attach(cb Callback) error
	// Detach removes the callback. After it returns no more frames are delivered.
	// It must not be called from OnFrame.
	Detach()
}

// Host finds call legs by id.
type Host interface {
	Leg(id string) (Leg, error)
}

// tap moves audio between a leg's frame clock and its session.
// All fields are only touched from the frame clock.
type tap struct {
	s        *Session
	hostRate int

	inject    []byte
	injectPCM media.PCM16Sample
	injectRes media.Resampler

	mixed   media.PCM16Sample
	capRes  [2]media.Resampler
	capture [2]media.PCM16Sample
	stereo  media.PCM16Sample
}

func newTap(s *Session, hostRate int) *tap {
	frame := media.SamplesPerFrame(s.params.Rate)
	return &tap{
		s:         s,
		hostRate:  hostRate,
		inject:    make([]byte, frame*2),
		injectPCM: make(media.PCM16Sample, frame),
	}
}

func (t *tap) OnInit() {
	t.s.log.Debugw("media tap attached", "hostRate", t.hostRate)
}

func (t *tap) OnFrame(f *Frame) bool {
	s := t.s
	if s.closeRequested.IsBroken() {
		return false
	}
	// Injection first, so that mixed and stereo capture hear what the caller hears.
	if s.playback.ReadFrame(t.inject) {
		n := media.LPCM16Sample(t.inject).DecodeTo(t.injectPCM)
		t.injectRes.ResampleTo(f.Write, t.injectPCM[:n])
		s.framesInjected.Add(1)
		s.mon.FrameInjected()
	}
	if s.paused.Load() {
		return true
	}
	var samples media.PCM16Sample
	switch s.params.Mode {
	case media.ModeMono:
		samples = t.resample(0, f.Read)
	case media.ModeMixed:
		if cap(t.mixed) < len(f.Read) {
			t.mixed = make(media.PCM16Sample, len(f.Read))
		}
		t.mixed = t.mixed[:len(f.Read)]
		media.MixTo(t.mixed, f.Read, f.Write)
		samples = t.resample(0, t.mixed)
	case media.ModeStereo:
		left := t.resample(0, f.Read)
		right := t.resample(1, f.Write)
		if cap(t.stereo) < 2*len(left) {
			t.stereo = make(media.PCM16Sample, 2*len(left))
		}
		t.stereo = t.stereo[:2*len(left)]
		media.InterleaveTo(t.stereo, left, right)
		samples = t.stereo
	}
	payload := s.codec.Encode(make([]byte, 0, len(samples)*s.params.Format.BytesPerSample()), samples)
	if s.streamer.SendAudio(payload) {
		s.mon.QueueDrop()
	}
	s.framesCaptured.Add(1)
	s.mon.FrameCaptured()
	return true
}

// resample converts one channel of host audio to the session rate.
func (t *tap) resample(ch int, in media.PCM16Sample) media.PCM16Sample {
	rate := t.s.params.Rate
	if rate == t.hostRate {
		return in
	}
	n := len(in) * rate / t.hostRate
	if cap(t.capture[ch]) < n {
		t.capture[ch] = make(media.PCM16Sample, n)
	}
	out := t.capture[ch][:n]
	t.capRes[ch].ResampleTo(out, in)
	return out
}

func (t *tap) OnClose() {
	t.s.Close(CloseMedia, "")
}
