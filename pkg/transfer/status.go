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

package transfer

import (
	"strings"
	"time"

	"github.com/looplab/fsm"
)

type Status string

const (
	StatusDialing  Status = "dialing"
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusBusy     Status = "busy"
	StatusNoAnswer Status = "no-answer"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
	StatusBridged  Status = "bridged"
	StatusAborted  Status = "aborted"
)

// Terminal reports whether an attempt in this status is over.
func (s Status) Terminal() bool {
	switch s {
	case StatusDialing, StatusRinging, StatusAnswered:
		return false
	}
	return true
}

// FSM events.
const (
	evRing     = "ring"
	evAnswer   = "answer"
	evBridge   = "bridge"
	evBusy     = "busy"
	evNoAnswer = "no_answer"
	evFail     = "fail"
	evTimeout  = "timeout"
	evRetry    = "retry"
	evAbort    = "abort"
)

var (
	pending   = []string{string(StatusDialing), string(StatusRinging)}
	retryable = []string{string(StatusBusy), string(StatusNoAnswer), string(StatusFailed), string(StatusTimeout)}
)

var transitions = fsm.Events{
	{Name: evRing, Src: []string{string(StatusDialing)}, Dst: string(StatusRinging)},
	{Name: evAnswer, Src: pending, Dst: string(StatusAnswered)},
	{Name: evBridge, Src: []string{string(StatusAnswered)}, Dst: string(StatusBridged)},
	{Name: evBusy, Src: pending, Dst: string(StatusBusy)},
	{Name: evNoAnswer, Src: pending, Dst: string(StatusNoAnswer)},
	{Name: evFail, Src: append([]string{string(StatusAnswered)}, pending...), Dst: string(StatusFailed)},
	{Name: evTimeout, Src: pending, Dst: string(StatusTimeout)},
	{Name: evRetry, Src: retryable, Dst: string(StatusDialing)},
	{Name: evAbort, Src: append([]string{string(StatusAnswered)}, append(pending, retryable...)...), Dst: string(StatusAborted)},
}

// Hangup causes of the dialed leg, by resulting status. Unlisted causes mean failed.
var causeStatus = map[string]Status{
	"USER_BUSY":                 StatusBusy,
	"NORMAL_CIRCUIT_CONGESTION": StatusBusy,
	"CALL_REJECTED":             StatusBusy,

	"NO_ANSWER":                StatusNoAnswer,
	"NO_USER_RESPONSE":         StatusNoAnswer,
	"ORIGINATOR_CANCEL":        StatusNoAnswer,
	"ALLOTTED_TIMEOUT":         StatusNoAnswer,
	"RECOVERY_ON_TIMER_EXPIRE": StatusNoAnswer,

	"DESTINATION_OUT_OF_ORDER": StatusFailed,
	"NETWORK_OUT_OF_ORDER":     StatusFailed,
	"TEMPORARY_FAILURE":        StatusFailed,
	"SWITCH_CONGESTION":        StatusFailed,
	"MEDIA_TIMEOUT":            StatusFailed,
	"GATEWAY_DOWN":             StatusFailed,
	"INVALID_GATEWAY":          StatusFailed,
	"USER_NOT_REGISTERED":      StatusFailed,
	"SUBSCRIBER_ABSENT":        StatusFailed,
	"UNALLOCATED_NUMBER":       StatusFailed,
	"NO_ROUTE_DESTINATION":     StatusFailed,
	"INVALID_NUMBER_FORMAT":    StatusFailed,
	"INCOMPATIBLE_DESTINATION": StatusFailed,
}

// CauseStatus maps a hangup cause to an attempt status.
func CauseStatus(cause string) Status {
	if st, ok := causeStatus[strings.ToUpper(strings.TrimSpace(cause))]; ok {
		return st
	}
	return StatusFailed
}

func statusEvent(st Status) string {
	switch st {
	case StatusBusy:
		return evBusy
	case StatusNoAnswer:
		return evNoAnswer
	case StatusTimeout:
		return evTimeout
	}
	return evFail
}

// StateChange is one entry of an attempt's history.
type StateChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Cause  string    `json:"cause,omitempty"`
}

// Attempt is one dial of the destination. Attempts are never reused: a retry
// starts a new one and the old one stays in the transfer's history.
type Attempt struct {
	Number  int           `json:"number"`
	Leg     string        `json:"leg"`
	Dial    string        `json:"dial"`
	Status  Status        `json:"status"`
	Cause   string        `json:"cause,omitempty"`
	Started time.Time     `json:"started"`
	History []StateChange `json:"history"`
}
