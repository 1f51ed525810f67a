// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package tunnel maintains the reverse WebSocket tunnel that exposes the
// local editor to the platform. The platform multiplexes plain HTTP requests
// and any number of logical editor WebSockets over a single outbound
// connection, so devices behind NAT need no inbound reachability.
package tunnel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/config"
	"github.com/flowforge/device-agent/pkg/util/log"
)

const (
	// Reconnect delay ladder: 500ms, 1.5s, 4.5s, then capped.
	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMultiplier   = 3
	reconnectMaxDelay     = 10 * time.Second

	// stableWindow is how long a connection must hold before the reconnect
	// backoff resets to the bottom of the ladder.
	stableWindow = 10 * time.Second

	// connectWaitTimeout caps WaitConnected; the platform's start-editor
	// command expects an answer in that order of time.
	connectWaitTimeout = 10 * time.Second

	handshakeTimeout = 10 * time.Second
	localDialTimeout = 5 * time.Second
	forwardTimeout   = 30 * time.Second

	// closeTokenRevoked is the platform's "editor token revoked" close code.
	closeTokenRevoked = 4004

	// affinityCookie is set by the platform on the upgrade response and
	// replayed on reconnects so they land on the same tunnel node.
	affinityCookie = "FFSESSION"
)

var (
	tunnelRequestsForwarded = expvar.NewInt("tunnelRequestsForwarded")
	tunnelWSRelayed         = expvar.NewInt("tunnelWSRelayed")
	tunnelReconnects        = expvar.NewInt("tunnelReconnects")
)

// Options configures a tunnel. One tunnel serves one editor access token; a
// new token means a new tunnel.
type Options struct {
	DeviceID string
	ForgeURL string
	Token    string
	Port     int

	// TLSConfig applies to the platform dial; nil means default
	// verification.
	TLSConfig *tls.Config

	// OnStopped fires once when the tunnel stops for good: deliberate Stop,
	// token revoked (4004), or platform-side deletion (1008 "No tunnel").
	// Called from the tunnel goroutine; must not block.
	OnStopped func()

	// Clock drives the reconnect timers; nil selects the wall clock.
	Clock clock.Clock
}

// Tunnel owns the platform connection and every local editor socket hanging
// off it. Callers interact only through Start, Stop, Status and
// WaitConnected; all session state stays inside.
type Tunnel struct {
	deviceID  string
	token     string
	port      int
	wsURL     string
	tlsConfig *tls.Config
	onStopped func()
	clk       clock.Clock

	httpClient *http.Client

	sessMu   sync.Mutex
	sessions map[string]*session

	connMu   sync.Mutex
	conn     *websocket.Conn
	connCh   chan struct{} // closed on each successful connect, then renewed
	affinity string
	started  bool

	writeMu sync.Mutex

	startOnce  sync.Once
	stopOnce   sync.Once
	notifyOnce sync.Once
	stopCh     chan struct{}
	done       chan struct{}
}

// New builds a tunnel for the given device and editor token. Nothing
// connects until Start.
func New(opts Options) (*Tunnel, error) {
	wsURL, err := commsURL(opts.ForgeURL, opts.DeviceID, opts.Token)
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Tunnel{
		deviceID:  opts.DeviceID,
		token:     opts.Token,
		port:      opts.Port,
		wsURL:     wsURL,
		tlsConfig: opts.TLSConfig,
		onStopped: opts.OnStopped,
		clk:       clk,
		httpClient: &http.Client{
			Timeout: forwardTimeout,
			// Local loopback traffic never goes through a proxy.
			Transport: &http.Transport{Proxy: nil},
		},
		sessions: make(map[string]*session),
		connCh:   make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// commsURL derives the tunnel endpoint from the platform URL, switching the
// scheme to its WebSocket counterpart.
func commsURL(forgeURL, deviceID, token string) (string, error) {
	u, err := url.Parse(forgeURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid platform URL")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", errors.Errorf("unsupported platform URL scheme %q", u.Scheme)
	}
	u.Path = path.Join(u.Path, "api/v1/devices", deviceID, "editor/comms", token)
	return u.String(), nil
}

// Start begins connecting in the background. Use WaitConnected to learn when
// the editor is actually reachable.
func (t *Tunnel) Start() {
	t.startOnce.Do(func() {
		t.connMu.Lock()
		t.started = true
		t.connMu.Unlock()
		go t.run()
	})
}

// Stop closes the tunnel and every local editor socket. Safe to call more
// than once and after the tunnel already stopped itself.
func (t *Tunnel) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.connMu.Lock()
	conn := t.conn
	started := t.started
	t.connMu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
		conn.Close()                                             //nolint:errcheck
	}
	if started {
		<-t.done
	} else {
		t.notifyStopped()
	}
}

// Connected reports whether the platform connection is currently up.
func (t *Tunnel) Connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil
}

// Status is the editor block reported in state checkins.
func (t *Tunnel) Status() api.Editor {
	return api.Editor{Enabled: true, Connected: t.Connected()}
}

// WaitConnected blocks until the platform connection is up, the context
// ends, or the wait times out. On timeout the tunnel is shut down so the
// platform gets a definite "not connected" instead of a half-open retry
// loop.
func (t *Tunnel) WaitConnected(ctx context.Context) bool {
	t.connMu.Lock()
	if t.conn != nil {
		t.connMu.Unlock()
		return true
	}
	ch := t.connCh
	t.connMu.Unlock()

	timer := t.clk.Timer(connectWaitTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-t.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		t.Stop()
		return false
	}
}

// run is the connection supervisor: dial, pump frames, reconnect with
// backoff until a deliberate stop or a no-retry close.
func (t *Tunnel) run() {
	defer close(t.done)
	defer t.notifyStopped()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = reconnectInitialDelay
	retry.Multiplier = reconnectMultiplier
	retry.MaxInterval = reconnectMaxDelay
	retry.MaxElapsedTime = 0
	retry.RandomizationFactor = 0
	retry.Reset()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		conn, err := t.dial()
		if err != nil {
			log.Warnf("Editor tunnel connect failed: %v", err)
		} else {
			log.Info("Editor tunnel connected")
			t.setConn(conn)
			connectedAt := t.clk.Now()
			err = t.readLoop(conn)
			t.clearConn()
			t.teardownSessions()

			if isPermanentClose(err) {
				log.Warnf("Editor tunnel closed by platform: %v", err)
				return
			}
			select {
			case <-t.stopCh:
				return
			default:
			}
			log.Warnf("Editor tunnel lost: %v", err)
			if t.clk.Now().Sub(connectedAt) >= stableWindow {
				retry.Reset()
			}
		}

		tunnelReconnects.Add(1)
		delay := retry.NextBackOff()
		log.Debugf("Editor tunnel reconnecting in %v", delay)
		timer := t.clk.Timer(delay)
		select {
		case <-timer.C:
		case <-t.stopCh:
			timer.Stop()
			return
		}
	}
}

// dial opens the platform connection, replaying the affinity cookie from the
// previous connection and caching the one the platform sets now.
func (t *Tunnel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("x-access-token", t.token)
	t.connMu.Lock()
	if t.affinity != "" {
		header.Set("Cookie", affinityCookie+"="+t.affinity)
	}
	t.connMu.Unlock()

	dialer := &websocket.Dialer{
		Proxy:            config.TransportProxy(),
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  t.tlsConfig,
	}
	conn, resp, err := dialer.Dial(t.wsURL, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close() //nolint:errcheck
		}
		return nil, err
	}
	for _, c := range resp.Cookies() {
		if c.Name == affinityCookie {
			t.connMu.Lock()
			t.affinity = c.Value
			t.connMu.Unlock()
		}
	}
	return conn, nil
}

func (t *Tunnel) setConn(conn *websocket.Conn) {
	t.connMu.Lock()
	t.conn = conn
	close(t.connCh)
	t.connMu.Unlock()
}

func (t *Tunnel) clearConn() {
	t.connMu.Lock()
	t.conn = nil
	t.connCh = make(chan struct{})
	t.connMu.Unlock()
}

// readLoop dispatches inbound frames until the connection dies. The unknown
// id streak lives here because it is only meaningful on the serial frame
// stream: one unknown id is a close race, two in a row is a desynced mux.
func (t *Tunnel) readLoop(conn *websocket.Conn) error {
	defer conn.Close() //nolint:errcheck
	unknownStreak := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("Tunnel frame not parseable: %v", err)
			continue
		}
		if t.dispatch(f) {
			unknownStreak = 0
			continue
		}
		unknownStreak++
		log.Warnf("Tunnel frame for unknown session %s", f.ID)
		if unknownStreak >= 2 {
			// Dropping the connection surfaces as 1006 to the peer; both
			// sides resync on the reconnect.
			return errors.New("unknown session id twice in a row")
		}
	}
}

// dispatch routes one inbound frame. False means the frame referenced a
// session this side does not know.
func (t *Tunnel) dispatch(f frame) bool {
	switch {
	case !f.WS:
		go t.forwardHTTP(f)
		return true
	case f.URL != "":
		t.openSession(f)
		return true
	case f.Closed:
		return t.closeSession(f)
	default:
		return t.relayPayload(f)
	}
}

// forwardHTTP performs one platform-issued editor request against the local
// runtime. Transport failures answer 404: the platform must always get a
// response for the id.
func (t *Tunnel) forwardHTTP(f frame) {
	tunnelRequestsForwarded.Add(1)
	target := fmt.Sprintf("http://127.0.0.1:%d/device-editor%s", t.port, f.URL)

	var body io.Reader
	if b := bodyBytes(f.Body); len(b) > 0 {
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(f.Method, target, body)
	if err != nil {
		t.send(frame{ID: f.ID, Status: http.StatusNotFound}) //nolint:errcheck
		return
	}
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("x-access-token", t.token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		log.Debugf("Editor forward %s %s failed: %v", f.Method, f.URL, err)
		t.send(frame{ID: f.ID, Status: http.StatusNotFound}) //nolint:errcheck
		return
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.send(frame{ID: f.ID, Status: http.StatusNotFound}) //nolint:errcheck
		return
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	t.send(frame{ID: f.ID, Status: resp.StatusCode, Headers: headers, Body: quoteBody(data)}) //nolint:errcheck
}

var errNotConnected = errors.New("tunnel not connected")

// send writes one frame upstream. Sessions and forwarders call it
// concurrently; writeMu keeps the gorilla writer single-threaded.
func (t *Tunnel) send(f frame) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (t *Tunnel) notifyStopped() {
	t.notifyOnce.Do(func() {
		if t.onStopped != nil {
			t.onStopped()
		}
	})
}

// isPermanentClose reports the closes the platform means as "do not come
// back": 4004 (token revoked) and 1008 with reason "No tunnel".
func isPermanentClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.Code == closeTokenRevoked {
		return true
	}
	return ce.Code == websocket.ClosePolicyViolation && ce.Text == "No tunnel"
}
