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

package service

import (
	"encoding/json"
	"net/http"

	"github.com/livekit/psrpc"

	"github.com/voicebridge/voicebridge/pkg/errors"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// httpStatus maps the psrpc code of an error to an HTTP status.
func httpStatus(code psrpc.ErrorCode) int {
	switch code {
	case psrpc.OK:
		return http.StatusOK
	case psrpc.InvalidArgument, psrpc.MalformedRequest, psrpc.OutOfRange:
		return http.StatusBadRequest
	case psrpc.NotFound:
		return http.StatusNotFound
	case psrpc.AlreadyExists, psrpc.Aborted:
		return http.StatusConflict
	case psrpc.FailedPrecondition:
		return http.StatusPreconditionFailed
	case psrpc.ResourceExhausted:
		return http.StatusTooManyRequests
	case psrpc.Unavailable:
		return http.StatusServiceUnavailable
	case psrpc.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case psrpc.PermissionDenied:
		return http.StatusForbidden
	case psrpc.Unauthenticated:
		return http.StatusUnauthorized
	case psrpc.Unimplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	perr := errors.ToPSRPC(err)
	writeJSON(w, httpStatus(perr.Code()), errorResponse{
		Error: err.Error(),
		Code:  string(perr.Code()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
