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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/psrpc"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/relay"
	"github.com/voicebridge/voicebridge/pkg/stream"
	"github.com/voicebridge/voicebridge/pkg/transfer"
)

const testConfig = `
api_port: 0
esl:
  inbound:
    disabled: true
  outbound:
    listen_address: 127.0.0.1:0
rtp:
  listen_ip: 127.0.0.1
  port_start: 32000
  port_end: 32200
  media_timeout: 1m
  media_timeout_initial: 1m
destinations:
  - name: sales
    aliases: [vendas]
    number: "2000"
  - domain: other.example
    name: support
    number: "3000"
`

func newTestService(t *testing.T) (*Service, *httptest.Server) {
	conf, err := config.NewConfig(testConfig)
	require.NoError(t, err)
	s := NewService(conf, logger.GetLogger(), nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.close()
	})
	return s, srv
}

func do(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func openLeg(t *testing.T, srv *httptest.Server, id string) legResponse {
	t.Helper()
	code, body := do(t, http.MethodPost, srv.URL+"/v1/legs", `{"id":"`+id+`","caller_id":"1000","format":"ulaw"}`)
	require.Equal(t, http.StatusCreated, code, string(body))
	var resp legResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestStreamCommands(t *testing.T) {
	_, srv := newTestService(t)

	cases := []struct {
		name string
		line string
		code int
	}{
		{"garbage", "hello", http.StatusBadRequest},
		{"unknown leg", "start nope ws://127.0.0.1:1/ mono 8000", http.StatusNotFound},
		{"bad rate", "start nope ws://127.0.0.1:1/ mono 11025", http.StatusBadRequest},
		{"bad url", "start nope ftp://host/ mono 8k", http.StatusBadRequest},
		{"pause without session", "pause nope", http.StatusNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, body := do(t, http.MethodPost, srv.URL+"/v1/stream", c.line)
			require.Equal(t, c.code, code)
			require.True(t, strings.HasPrefix(string(body), "-ERR "), string(body))
		})
	}
}

func TestStreamSession(t *testing.T) {
	s, srv := newTestService(t)

	texts := make(chan []byte, 16)
	up := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage {
				texts <- data
			}
		}
	}))
	t.Cleanup(ws.Close)

	leg := openLeg(t, srv, "leg-1")
	require.Equal(t, "pcmu", leg.Format)
	require.Equal(t, 8000, leg.Rate)
	require.EqualValues(t, 0, leg.PayloadType)

	url := "ws" + strings.TrimPrefix(ws.URL, "http")
	code, body := do(t, http.MethodPost, srv.URL+"/v1/stream", "start leg-1 "+url+" mono 16k l16 {\"campaign\":\"x\"}")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, stream.ReplyOK+"\n", string(body))

	select {
	case data := <-texts:
		require.Contains(t, string(data), `"leg":"leg-1"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no metadata received")
	}
	require.Equal(t, 1, s.Bridge().ActiveSessions())

	// A second start on the same leg is refused.
	code, _ = do(t, http.MethodPost, srv.URL+"/v1/stream", "start leg-1 "+url+" mono 8k")
	require.Equal(t, http.StatusConflict, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/stream", "pause leg-1")
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/v1/stream", "leg-1 resume")
	require.Equal(t, http.StatusOK, code)

	// A digit reported by both the switch and the RTP stream is forwarded once.
	s.onRelayEvent(relay.Event{Type: relay.EventDTMF, Leg: "leg-1", Digit: "5"})
	s.onDigit("leg-1", "5", "rtp")
	select {
	case data := <-texts:
		require.JSONEq(t, `{"type":"dtmf","digit":"5"}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("digit not forwarded")
	}
	select {
	case data := <-texts:
		t.Fatalf("unexpected message %s", data)
	case <-time.After(100 * time.Millisecond):
	}

	// The switch reporting a hangup ends the session and the media leg.
	s.onRelayEvent(relay.Event{Type: relay.EventHangup, Leg: "leg-1", Cause: "NORMAL_CLEARING"})
	require.Eventually(t, func() bool {
		return s.Bridge().ActiveSessions() == 0 && len(s.Host().List()) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLegs(t *testing.T) {
	_, srv := newTestService(t)

	leg := openLeg(t, srv, "a")
	require.NotEmpty(t, leg.LocalAddr)

	code, _ := do(t, http.MethodPost, srv.URL+"/v1/legs", `{"id":"a"}`)
	require.Equal(t, http.StatusConflict, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/v1/legs", `{"id":"b","format":"opus"}`)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/v1/legs", `{"id":"b","codec":"pcmu"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, http.MethodGet, srv.URL+"/v1/legs", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"legs":["a"]}`, string(body))

	code, _ = do(t, http.MethodDelete, srv.URL+"/v1/legs/a", "")
	require.Equal(t, http.StatusNoContent, code)
	code, body = do(t, http.MethodDelete, srv.URL+"/v1/legs/a", "")
	require.Equal(t, http.StatusNotFound, code)

	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, string(psrpc.NotFound), e.Code)
}

func TestTransfers(t *testing.T) {
	_, srv := newTestService(t)

	code, _ := do(t, http.MethodGet, srv.URL+"/v1/transfers/a", "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, http.MethodDelete, srv.URL+"/v1/transfers/a", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/transfers", `{"leg":"a"}`)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/v1/transfers", `{"leg":"a","destination":"nobody"}`)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/v1/transfers", `{"leg":"a","number":"2000","ring_timeout":"soon"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, http.MethodGet, srv.URL+"/v1/destinations?domain=example.com", "")
	require.Equal(t, http.StatusOK, code)
	var resp struct {
		Destinations []transfer.Destination `json:"destinations"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Destinations, 1)
	require.Equal(t, "sales", resp.Destinations[0].Name)

	code, body = do(t, http.MethodGet, srv.URL+"/v1/destinations?domain=other.example&refresh", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Destinations, 2)
}

func TestTransferRequest(t *testing.T) {
	req := transferRequest{
		Leg:         "a",
		Domain:      "example.com",
		Number:      "5551234",
		Type:        "external",
		Gateway:     "carrier",
		RingTimeout: "20s",
		RetryDelay:  "500ms",
		Retries:     2,
	}
	out, err := req.request()
	require.NoError(t, err)
	require.Equal(t, "a", out.Leg)
	require.Equal(t, transfer.External, out.Destination.Type)
	require.Equal(t, "5551234", out.Destination.Name)
	require.Equal(t, 20*time.Second, out.RingTimeout)
	require.Equal(t, 500*time.Millisecond, out.RetryDelay)
	require.Equal(t, 2, out.Retries)

	out, err = (&transferRequest{Leg: "a", Number: "1001"}).request()
	require.NoError(t, err)
	require.Equal(t, transfer.Extension, out.Destination.Type)
}

func TestParseRemoteRequest(t *testing.T) {
	r, err := parseRemoteRequest([]byte(`{"type":"transfer","destination":" sales ","domain":"example.com"}`))
	require.NoError(t, err)
	require.Equal(t, "sales", r.Destination)
	require.Equal(t, "example.com", r.Domain)

	r, err = parseRemoteRequest([]byte(`{"type":"transfer","data":{"destination":"support","domain":"other.example"}}`))
	require.NoError(t, err)
	require.Equal(t, "support", r.Destination)
	require.Equal(t, "other.example", r.Domain)

	r, err = parseRemoteRequest([]byte(`{"type":"hangup","data":{"cause":"USER_BUSY"}}`))
	require.NoError(t, err)
	require.Equal(t, "USER_BUSY", r.Cause)

	_, err = parseRemoteRequest([]byte(`nope`))
	require.Error(t, err)
}

func TestDrain(t *testing.T) {
	s, srv := newTestService(t)
	code, _ := do(t, http.MethodGet, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, code)

	s.Stop(false)
	require.False(t, s.CanAccept())
	require.True(t, s.drained())

	code, _ = do(t, http.MethodGet, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/v1/legs", `{"id":"late"}`)
	require.Equal(t, http.StatusServiceUnavailable, code)
	code, body := do(t, http.MethodPost, srv.URL+"/v1/stream", "start late ws://127.0.0.1:1/ mono 8k")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.True(t, bytes.HasPrefix(body, []byte("-ERR ")))
}
