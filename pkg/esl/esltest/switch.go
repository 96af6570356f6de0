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

// Package esltest emulates the switch side of the event socket for tests.
package esltest

import (
	"bufio"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
)

// Reply builds the answer to an api or bgapi command.
type Reply func(cmd string) string

// Switch accepts inbound event socket clients.
type Switch struct {
	Password string

	ln net.Listener

	mu       sync.Mutex
	reply    Reply
	commands []string
	conns    map[*wire]bool
}

func NewSwitch(t testing.TB) *Switch {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Switch{
		Password: "ClueCon",
		ln:       ln,
		conns:    make(map[*wire]bool),
		reply:    func(string) string { return "+OK" },
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Switch) Addr() string {
	return s.ln.Addr().String()
}

// Handle sets the reply function for api and bgapi commands.
func (s *Switch) Handle(fn Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

// Commands returns the api and bgapi commands received so far, without the prefix.
func (s *Switch) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Clients returns the number of connected clients.
func (s *Switch) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SendEvent delivers an event to all clients that subscribed.
func (s *Switch) SendEvent(headers map[string]string) {
	s.mu.Lock()
	list := make([]*wire, 0, len(s.conns))
	for w := range s.conns {
		list = append(list, w)
	}
	s.mu.Unlock()
	for _, w := range list {
		if w.subscribed() {
			w.event(headers, "")
		}
	}
}

// Drop closes all client connections, as a switch restart would.
func (s *Switch) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.conns {
		_ = w.conn.Close()
		delete(s.conns, w)
	}
}

func (s *Switch) Close() {
	_ = s.ln.Close()
	s.Drop()
}

func (s *Switch) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		w := newWire(conn)
		s.mu.Lock()
		s.conns[w] = true
		s.mu.Unlock()
		go s.serve(w)
	}
}

func (s *Switch) serve(w *wire) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, w)
		s.mu.Unlock()
		_ = w.conn.Close()
	}()
	w.write("Content-Type: auth/request\n\n")
	cmd, _, err := w.readCommand()
	if err != nil {
		return
	}
	if cmd != "auth "+s.Password {
		w.write("Content-Type: command/reply\nReply-Text: -ERR invalid\n\n")
		return
	}
	w.write("Content-Type: command/reply\nReply-Text: +OK accepted\n\n")
	for {
		cmd, headers, err := w.readCommand()
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(cmd, "api "):
			body := s.handle(strings.TrimPrefix(cmd, "api "))
			w.write(fmt.Sprintf("Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body))
		case strings.HasPrefix(cmd, "bgapi "):
			job := headers["Job-UUID"]
			c := strings.TrimPrefix(cmd, "bgapi ")
			w.write(fmt.Sprintf("Content-Type: command/reply\nReply-Text: +OK Job-UUID: %s\nJob-UUID: %s\n\n", job, job))
			body := s.handle(c)
			name, _, _ := strings.Cut(c, " ")
			go w.event(map[string]string{
				"Event-Name":  "BACKGROUND_JOB",
				"Job-UUID":    job,
				"Job-Command": name,
			}, body)
		case strings.HasPrefix(cmd, "event "):
			w.setSubscribed()
			w.write("Content-Type: command/reply\nReply-Text: +OK event listener enabled plain\n\n")
		case cmd == "exit":
			w.write("Content-Type: command/reply\nReply-Text: +OK bye\n\n")
			return
		default:
			w.write("Content-Type: command/reply\nReply-Text: -ERR command not found\n\n")
		}
	}
}

func (s *Switch) handle(cmd string) string {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	fn := s.reply
	s.mu.Unlock()
	return fn(cmd)
}

// wire is one socket with serialized writes.
type wire struct {
	conn net.Conn
	r    *textproto.Reader

	mu  sync.Mutex
	sub bool
}

func newWire(conn net.Conn) *wire {
	return &wire{conn: conn, r: textproto.NewReader(bufio.NewReader(conn))}
}

func (w *wire) write(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = w.conn.Write([]byte(s))
}

func (w *wire) setSubscribed() {
	w.mu.Lock()
	w.sub = true
	w.mu.Unlock()
}

func (w *wire) subscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub
}

// readCommand reads a command line and its header lines up to a blank line.
func (w *wire) readCommand() (string, map[string]string, error) {
	var cmd string
	for cmd == "" {
		line, err := w.r.ReadLine()
		if err != nil {
			return "", nil, err
		}
		cmd = strings.TrimSpace(line)
	}
	headers := make(map[string]string)
	for {
		line, err := w.r.ReadLine()
		if err != nil {
			return "", nil, err
		}
		if line == "" {
			return cmd, headers, nil
		}
		k, v, _ := strings.Cut(line, ":")
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
}

// event writes a plain event with url encoded header values and an optional body.
func (w *wire) event(headers map[string]string, body string) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, url.PathEscape(headers[k]))
	}
	if body != "" {
		fmt.Fprintf(&b, "Content-Length: %d\n", len(body))
	}
	b.WriteString("\n")
	b.WriteString(body)
	data := b.String()
	w.write(fmt.Sprintf("Content-Length: %d\nContent-Type: text/event-plain\n\n%s", len(data), data))
}

// Call is the switch side of an outbound connection for one leg.
type Call struct {
	UUID string

	w *wire

	mu   sync.Mutex
	msgs []map[string]string
	recv chan map[string]string
}

// Dial opens an outbound connection to addr on behalf of leg uuid, answering the
// connect handshake with vars as channel data.
func Dial(t testing.TB, addr, uuid string, vars map[string]string) *Call {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := &Call{UUID: uuid, w: newWire(conn), recv: make(chan map[string]string, 64)}
	t.Cleanup(func() { _ = conn.Close() })

	for _, want := range []string{"connect", "myevents", "linger"} {
		cmd, _, err := c.w.readCommand()
		if err != nil {
			t.Fatal(err)
		}
		if cmd != want {
			t.Fatalf("expected %q, got %q", want, cmd)
		}
		if cmd != "connect" {
			c.w.write("Content-Type: command/reply\nReply-Text: +OK\n\n")
			continue
		}
		var b strings.Builder
		b.WriteString("Content-Type: command/reply\nReply-Text: +OK\n")
		fmt.Fprintf(&b, "Unique-ID: %s\n", uuid)
		for k, v := range vars {
			fmt.Fprintf(&b, "%s: %s\n", k, url.PathEscape(v))
		}
		b.WriteString("\n")
		c.w.write(b.String())
	}
	go c.readLoop()
	return c
}

func (c *Call) readLoop() {
	defer close(c.recv)
	for {
		cmd, headers, err := c.w.readCommand()
		if err != nil {
			return
		}
		if cmd != "sendmsg" && !strings.HasPrefix(cmd, "sendmsg ") {
			c.w.write("Content-Type: command/reply\nReply-Text: -ERR command not found\n\n")
			continue
		}
		c.mu.Lock()
		c.msgs = append(c.msgs, headers)
		c.mu.Unlock()
		c.w.write("Content-Type: command/reply\nReply-Text: +OK\n\n")
		c.recv <- headers
	}
}

// Messages returns the headers of every sendmsg received so far.
func (c *Call) Messages() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]string(nil), c.msgs...)
}

// Recv delivers sendmsg headers as they arrive.
func (c *Call) Recv() <-chan map[string]string {
	return c.recv
}

// SendEvent sends an event about this leg.
func (c *Call) SendEvent(name string, headers map[string]string) {
	h := map[string]string{"Event-Name": name, "Unique-ID": c.UUID}
	for k, v := range headers {
		h[k] = v
	}
	c.w.event(h, "")
}

// Hangup reports the leg's hangup and closes the connection.
func (c *Call) Hangup(cause string) {
	c.SendEvent("CHANNEL_HANGUP", map[string]string{"Hangup-Cause": cause})
	c.w.write("Content-Type: text/disconnect-notice\nContent-Length: 0\n\n")
	_ = c.w.conn.Close()
}
