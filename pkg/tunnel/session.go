// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package tunnel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/flowforge/device-agent/pkg/util/log"
)

// commsAuthPrefix marks the runtime comms handshake whose platform-issued
// token must be swapped for the editor access token.
var commsAuthPrefix = []byte(`{"auth":`)

// session is one logical editor WebSocket multiplexed over the tunnel.
// Payloads arriving before the local dial finishes queue up and flush in
// order once the socket opens.
type session struct {
	id    json.Number
	url   string
	comms bool

	mu     sync.Mutex
	conn   *websocket.Conn
	queue  [][]byte
	closed bool
}

// open publishes the dialed local socket and drains the pre-open queue in
// arrival order. It reports false when the session was closed while the
// dial was inflight.
func (s *session) open(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, msg := range s.queue {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	s.queue = nil
	s.conn = conn
	return true
}

// deliver relays one payload to the local socket, queueing while the dial is
// still inflight. Only the tunnel reader calls it, so writes never overlap.
func (s *session) deliver(body []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.conn == nil {
		s.queue = append(s.queue, body)
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, body) //nolint:errcheck
}

// shutdown closes the session on behalf of the platform or a tunnel
// teardown. The local reader notices the closed socket and exits.
func (s *session) shutdown() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.queue = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close() //nolint:errcheck
	}
}

func (s *session) wasShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// openSession registers a new logical socket and dials the local runtime in
// the background.
func (t *Tunnel) openSession(f frame) {
	key := f.ID.String()
	s := &session{id: f.ID, url: f.URL, comms: isCommsPath(f.URL)}

	t.sessMu.Lock()
	if old, ok := t.sessions[key]; ok {
		old.shutdown()
	}
	t.sessions[key] = s
	t.sessMu.Unlock()

	go t.runSession(s)
}

// runSession dials the local editor socket and pumps its frames upstream
// until either side closes.
func (t *Tunnel) runSession(s *session) {
	target := fmt.Sprintf("ws://127.0.0.1:%d/device-editor%s", t.port, s.url)
	dialer := &websocket.Dialer{HandshakeTimeout: localDialTimeout}
	conn, resp, err := dialer.Dial(target, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close() //nolint:errcheck
		}
		log.Warnf("Editor socket %s dial failed: %v", s.id, err)
		t.removeSession(s.id.String())
		t.send(frame{ID: s.id, WS: true, Closed: true}) //nolint:errcheck
		return
	}
	if !s.open(conn) {
		conn.Close() //nolint:errcheck
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		tunnelWSRelayed.Add(1)
		t.send(frame{ID: s.id, WS: true, Body: quoteBody(data)}) //nolint:errcheck
	}

	byUs := s.wasShutdown()
	t.removeSession(s.id.String())
	if !byUs {
		// Local side went away on its own (runtime restart, editor reload):
		// tell the platform so it can drop its end.
		t.send(frame{ID: s.id, WS: true, Closed: true}) //nolint:errcheck
	}
}

// relayPayload forwards a platform payload frame to its session, applying
// the comms auth substitution. False means the session id is unknown.
func (t *Tunnel) relayPayload(f frame) bool {
	t.sessMu.Lock()
	s := t.sessions[f.ID.String()]
	t.sessMu.Unlock()
	if s == nil {
		return false
	}
	body := bodyBytes(f.Body)
	if s.comms && bytes.HasPrefix(body, commsAuthPrefix) {
		body = []byte(fmt.Sprintf(`{"auth":%q}`, t.token))
	}
	tunnelWSRelayed.Add(1)
	s.deliver(body)
	return true
}

// closeSession closes a session at the platform's request. False means the
// session id is unknown.
func (t *Tunnel) closeSession(f frame) bool {
	key := f.ID.String()
	t.sessMu.Lock()
	s := t.sessions[key]
	delete(t.sessions, key)
	t.sessMu.Unlock()
	if s == nil {
		return false
	}
	s.shutdown()
	return true
}

func (t *Tunnel) removeSession(key string) {
	t.sessMu.Lock()
	delete(t.sessions, key)
	t.sessMu.Unlock()
}

// teardownSessions drops every local editor socket. Queued payloads go with
// them; after a tunnel reconnect the platform re-opens its sessions.
func (t *Tunnel) teardownSessions() {
	t.sessMu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.sessMu.Unlock()
	for _, s := range sessions {
		s.shutdown()
	}
}

// isCommsPath reports whether the session targets the runtime comms socket,
// ignoring any query string.
func isCommsPath(url string) bool {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	return strings.HasSuffix(url, "/comms")
}
