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

package errors

import (
	"errors"
	"fmt"

	"github.com/livekit/psrpc"
)

var (
	ErrNoConfig = errors.New("missing config")

	// Command boundary.
	ErrInvalidCommand = errors.New("invalid command")
	ErrInvalidURL     = errors.New("invalid url")
	ErrInvalidRate    = errors.New("sampling rate must be a positive multiple of 8000")
	ErrInvalidFormat  = errors.New("unsupported audio format")
	ErrInvalidMode    = errors.New("unsupported channel mode")

	// Sessions and legs.
	ErrAlreadyAttached = errors.New("already attached")
	ErrNotAttached     = errors.New("no session attached")
	ErrLegNotFound     = errors.New("call leg not found")
	ErrLegExists       = errors.New("call leg already exists")
	ErrNotPreAnswered  = errors.New("call leg has not reached pre-answer")
	ErrSessionClosed   = errors.New("session closed")
	ErrQueueFull       = errors.New("send queue full")

	// Control relay.
	ErrChannelUnavailable = errors.New("control channel unavailable")
	ErrCommandRejected    = errors.New("command rejected by switch")

	// Transfers.
	ErrDestinationNotFound = errors.New("transfer destination not found")
	ErrTransferInProgress  = errors.New("transfer already in progress")
	ErrTransferAborted     = errors.New("transfer aborted")
	ErrNoTransfer          = errors.New("no transfer in progress")
)

var codes = []struct {
	err  error
	code psrpc.ErrorCode
}{
	{ErrNoConfig, psrpc.InvalidArgument},
	{ErrInvalidCommand, psrpc.InvalidArgument},
	{ErrInvalidURL, psrpc.InvalidArgument},
	{ErrInvalidRate, psrpc.InvalidArgument},
	{ErrInvalidFormat, psrpc.InvalidArgument},
	{ErrInvalidMode, psrpc.InvalidArgument},
	{ErrAlreadyAttached, psrpc.AlreadyExists},
	{ErrNotAttached, psrpc.NotFound},
	{ErrLegNotFound, psrpc.NotFound},
	{ErrLegExists, psrpc.AlreadyExists},
	{ErrNotPreAnswered, psrpc.FailedPrecondition},
	{ErrSessionClosed, psrpc.FailedPrecondition},
	{ErrQueueFull, psrpc.ResourceExhausted},
	{ErrChannelUnavailable, psrpc.Unavailable},
	{ErrCommandRejected, psrpc.Aborted},
	{ErrDestinationNotFound, psrpc.NotFound},
	{ErrTransferInProgress, psrpc.AlreadyExists},
	{ErrTransferAborted, psrpc.Aborted},
	{ErrNoTransfer, psrpc.NotFound},
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func ErrCouldNotParseConfig(err error) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "could not parse config: %v", err)
}

// Rejected wraps a negative switch reply.
func Rejected(reply string) error {
	return fmt.Errorf("%w: %s", ErrCommandRejected, reply)
}

// Code returns the psrpc code for an error produced by this module.
func Code(err error) psrpc.ErrorCode {
	if err == nil {
		return ""
	}
	var perr psrpc.Error
	if errors.As(err, &perr) {
		return perr.Code()
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return psrpc.Internal
}

// ToPSRPC converts the error to a coded psrpc error, keeping the message.
func ToPSRPC(err error) psrpc.Error {
	if err == nil {
		return nil
	}
	var perr psrpc.Error
	if errors.As(err, &perr) {
		return perr
	}
	return psrpc.NewError(Code(err), err)
}
