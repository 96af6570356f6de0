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

// Package relay carries call control between application logic and the switch.
// Commands are routed to one of two event socket channels and events from both
// are delivered through a single Dispatcher.
package relay

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is an abstract call control command.
type Kind string

const (
	Originate Kind = "originate"
	Bridge    Kind = "bridge"
	Hold      Kind = "hold"
	Unhold    Kind = "unhold"
	Hangup    Kind = "hangup"
	Broadcast Kind = "broadcast"
	Break     Kind = "break"
	Exists    Kind = "exists"
	Subscribe Kind = "subscribe"
	SetVar    Kind = "setvar"
	Contact   Kind = "contact"
)

const DefaultHangupCause = "NORMAL_CLEARING"

type Command struct {
	Kind Kind
	// Leg is the target leg. For Originate it is the uuid the new leg will get.
	Leg string
	// OtherLeg is the peer for Bridge.
	OtherLeg string
	// Dial is the dial string for Originate.
	Dial string
	// Vars are channel variables for Originate and SetVar.
	Vars map[string]string
	// Path is the media for Hold and Broadcast.
	Path string
	// Cause is the hangup cause.
	Cause string
	// Timeout limits how long Originate rings.
	Timeout time.Duration
	// Events lists event names for Subscribe.
	Events []string
	// User is user@domain for Contact.
	User string
}

func (c Command) String() string {
	switch c.Kind {
	case Bridge:
		return fmt.Sprintf("%s %s %s", c.Kind, c.Leg, c.OtherLeg)
	case Originate:
		return fmt.Sprintf("%s %s %s", c.Kind, c.Leg, c.Dial)
	case Contact:
		return fmt.Sprintf("%s %s", c.Kind, c.User)
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Leg)
}

func (c Command) validate() error {
	switch c.Kind {
	case Subscribe:
		return nil
	case Contact:
		if c.User == "" {
			return fmt.Errorf("contact requires a user")
		}
		return nil
	case Originate:
		if c.Dial == "" {
			return fmt.Errorf("originate requires a dial string")
		}
	case Bridge:
		if c.OtherLeg == "" {
			return fmt.Errorf("bridge requires two legs")
		}
	case Hold, Broadcast:
		if c.Path == "" {
			return fmt.Errorf("%s requires a media path", c.Kind)
		}
	case SetVar:
		if len(c.Vars) == 0 {
			return fmt.Errorf("setvar requires a variable")
		}
	case Unhold, Hangup, Break, Exists:
	default:
		return fmt.Errorf("unknown command %q", c.Kind)
	}
	if c.Leg == "" {
		return fmt.Errorf("%s requires a leg", c.Kind)
	}
	return nil
}

func (c Command) cause() string {
	if c.Cause == "" {
		return DefaultHangupCause
	}
	return c.Cause
}

// sortedVars returns variables in a stable order.
func (c Command) sortedVars() []string {
	keys := make([]string, 0, len(c.Vars))
	for k := range c.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// originateVars renders the {k=v,...} prefix of a dial string.
func (c Command) originateVars() string {
	vars := make(map[string]string, len(c.Vars)+3)
	for k, v := range c.Vars {
		vars[k] = v
	}
	vars["origination_uuid"] = c.Leg
	if c.Timeout > 0 {
		secs := int((c.Timeout + time.Second - 1) / time.Second)
		vars["originate_timeout"] = fmt.Sprint(secs)
		vars["call_timeout"] = fmt.Sprint(secs)
	}
	cc := Command{Vars: vars}
	parts := make([]string, 0, len(vars))
	for _, k := range cc.sortedVars() {
		v := strings.NewReplacer(" ", "_", ",", "", "'", "").Replace(vars[k])
		parts = append(parts, k+"="+v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Result of a command that the switch accepted.
type Result struct {
	// Channel is the name of the channel that carried the command.
	Channel string
	// Reply is the switch's reply text. For Contact it is the contact address.
	Reply string
	// Leg is the leg the command acted on. For Originate it is the new leg.
	Leg string
	// Exists answers Exists and Contact.
	Exists bool
}
