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
	"fmt"
	"net/url"
	"unicode/utf8"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/media"
)

const (
	maxMetadataLen = 8192
	maxURLLen      = 4096
)

// Params describe one audio bridge requested by a start command.
type Params struct {
	Leg      string
	URL      string
	Mode     media.ChannelMode
	Rate     int
	Format   media.Format
	Metadata string
}

// Validate rejects bad parameters before any state is created.
func (p *Params) Validate() error {
	if p.Leg == "" {
		return fmt.Errorf("%w: missing call leg", errors.ErrInvalidCommand)
	}
	if err := validateURL(p.URL); err != nil {
		return err
	}
	if p.Mode < media.ModeMono || p.Mode > media.ModeStereo {
		return fmt.Errorf("%w: %v", errors.ErrInvalidMode, p.Mode)
	}
	if err := media.ValidateFormat(p.Rate, p.Format); err != nil {
		return err
	}
	if len(p.Metadata) > maxMetadataLen {
		return fmt.Errorf("%w: metadata exceeds %d bytes", errors.ErrInvalidCommand, maxMetadataLen)
	}
	if !utf8.ValidString(p.Metadata) {
		return fmt.Errorf("%w: metadata is not valid utf-8", errors.ErrInvalidCommand)
	}
	return nil
}

func validateURL(s string) error {
	if s == "" || len(s) > maxURLLen {
		return fmt.Errorf("%w: %q", errors.ErrInvalidURL, s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("%w: scheme must be ws or wss, got %q", errors.ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", errors.ErrInvalidURL)
	}
	return nil
}

// FrameBytes is the size of one frame of session-rate L16 mono audio.
func (p *Params) FrameBytes() int {
	return media.SamplesPerFrame(p.Rate) * 2
}
