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
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/media"
	"github.com/voicebridge/voicebridge/pkg/media/rtp"
	"github.com/voicebridge/voicebridge/pkg/stream"
	"github.com/voicebridge/voicebridge/pkg/transfer"
)

const maxBody = 64 << 10

// Handler serves the command API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/legs", s.handleListLegs)
	mux.HandleFunc("POST /v1/legs", s.handleOpenLeg)
	mux.HandleFunc("DELETE /v1/legs/{id}", s.handleCloseLeg)
	mux.HandleFunc("POST /v1/transfers", s.handleStartTransfer)
	mux.HandleFunc("GET /v1/transfers/{leg}", s.handleGetTransfer)
	mux.HandleFunc("DELETE /v1/transfers/{leg}", s.handleCancelTransfer)
	mux.HandleFunc("GET /v1/destinations", s.handleDestinations)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if !s.CanAccept() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleStream runs one command line and answers with the switch style reply.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errors.ErrInvalidCommand, err))
		return
	}
	line := strings.TrimSpace(string(body))
	cmd, err := stream.ParseCommand(line)
	if err == nil && cmd.Op == stream.OpStart && !s.CanAccept() {
		err = fmt.Errorf("%w: shutting down", errors.ErrChannelUnavailable)
	}
	if err == nil {
		err = s.bridge.Do(r.Context(), cmd)
	}
	if err != nil {
		s.log.Infow("stream command failed", "command", line, "error", err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(httpStatus(errors.Code(err)))
	_, _ = io.WriteString(w, stream.Reply(err)+"\n")
}

type legRequest struct {
	ID          string `json:"id"`
	CallerID    string `json:"caller_id"`
	Format      string `json:"format"`
	Rate        int    `json:"rate"`
	PayloadType *uint8 `json:"payload_type"`
	Remote      string `json:"remote"`
}

type legResponse struct {
	ID          string `json:"id"`
	LocalAddr   string `json:"local_addr"`
	Format      string `json:"format"`
	Rate        int    `json:"rate"`
	PayloadType uint8  `json:"payload_type"`
}

func (s *Service) handleOpenLeg(w http.ResponseWriter, r *http.Request) {
	if !s.CanAccept() {
		writeError(w, fmt.Errorf("%w: shutting down", errors.ErrChannelUnavailable))
		return
	}
	var req legRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	f := media.FormatPCMU
	if req.Format != "" {
		var ok bool
		if f, ok = media.ParseFormat(req.Format); !ok {
			writeError(w, fmt.Errorf("%w: %q", errors.ErrInvalidFormat, req.Format))
			return
		}
	}
	l, err := s.host.Open(rtp.LegConfig{
		ID:          req.ID,
		CallerID:    req.CallerID,
		Format:      f,
		Rate:        req.Rate,
		PayloadType: req.PayloadType,
		Remote:      req.Remote,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	pt := rtp.PayloadType(f)
	if req.PayloadType != nil {
		pt = *req.PayloadType
	}
	writeJSON(w, http.StatusCreated, legResponse{
		ID:          l.ID(),
		LocalAddr:   l.LocalAddr().String(),
		Format:      f.String(),
		Rate:        l.SampleRate(),
		PayloadType: pt,
	})
}

func (s *Service) handleListLegs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"legs": s.host.List()})
}

func (s *Service) handleCloseLeg(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Hangup(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferRequest struct {
	Leg    string `json:"leg"`
	Domain string `json:"domain"`
	// Destination is looked up by name, alias or number unless Number is set.
	Destination string `json:"destination"`

	Number  string `json:"number"`
	Type    string `json:"type"`
	Context string `json:"context"`
	Gateway string `json:"gateway"`

	CallerIDName   string `json:"caller_id_name"`
	CallerIDNumber string `json:"caller_id_number"`
	RingTimeout    string `json:"ring_timeout"`
	Retries        int    `json:"retries"`
	RetryDelay     string `json:"retry_delay"`
}

func (req *transferRequest) request() (transfer.Request, error) {
	out := transfer.Request{
		Leg: req.Leg,
		Destination: transfer.Destination{
			Domain:  req.Domain,
			Name:    req.Destination,
			Type:    transfer.DestinationType(req.Type),
			Number:  req.Number,
			Context: req.Context,
			Gateway: req.Gateway,
		},
		CallerIDName:   req.CallerIDName,
		CallerIDNumber: req.CallerIDNumber,
		Retries:        req.Retries,
	}
	if out.Destination.Type == "" {
		out.Destination.Type = transfer.Extension
	}
	if out.Destination.Name == "" {
		out.Destination.Name = req.Number
	}
	var err error
	if req.RingTimeout != "" {
		if out.RingTimeout, err = time.ParseDuration(req.RingTimeout); err != nil {
			return out, fmt.Errorf("%w: ring_timeout: %v", errors.ErrInvalidCommand, err)
		}
	}
	if req.RetryDelay != "" {
		if out.RetryDelay, err = time.ParseDuration(req.RetryDelay); err != nil {
			return out, fmt.Errorf("%w: retry_delay: %v", errors.ErrInvalidCommand, err)
		}
	}
	return out, nil
}

func (s *Service) handleStartTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var (
		t   *transfer.Transfer
		err error
	)
	switch {
	case req.Number != "":
		var treq transfer.Request
		if treq, err = req.request(); err == nil {
			t, err = s.startTransfer(r.Context(), treq)
		}
	case req.Destination != "":
		t, err = s.transferLeg(r.Context(), req.Leg, req.Domain, req.Destination)
	default:
		err = fmt.Errorf("%w: destination or number required", errors.ErrInvalidCommand)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t.Info())
}

func (s *Service) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	leg := r.PathValue("leg")
	t, ok := s.orch.Get(leg)
	if !ok {
		writeError(w, fmt.Errorf("%w: leg %s", errors.ErrNoTransfer, leg))
		return
	}
	writeJSON(w, http.StatusOK, t.Info())
}

func (s *Service) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Cancel(r.PathValue("leg")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleDestinations(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if r.URL.Query().Has("refresh") {
		s.dests.Invalidate(domain)
	}
	list, err := s.dir.List(r.Context(), domain)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []transfer.Destination{}
	}
	writeJSON(w, http.StatusOK, map[string][]transfer.Destination{"destinations": list})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidCommand, err)
	}
	return nil
}
