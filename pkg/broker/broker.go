// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package broker is the MQTT side of the control plane: status and log
// publishing plus the command/response RPC the platform prefers over HTTP
// polling. The agent falls back to polling whenever this client is down.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	backoff "github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/config"
	"github.com/flowforge/device-agent/pkg/logbuffer"
	"github.com/flowforge/device-agent/pkg/util/log"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	// Reconnect ladder: 500ms doubling up to 30s. Reconnection is owned
	// here, not by paho, so the agent's polling fallback stays predictable.
	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMaxDelay     = 30 * time.Second

	// refreshWindow is how long after a connect the agent waits for the
	// platform to push an update before checking in itself.
	refreshWindow = 5 * time.Second

	commandTimeout = 30 * time.Second
)

// newMQTTClient is swapped by tests.
var newMQTTClient = mqtt.NewClient

// Handler receives control-plane events. Dispatch is serial: one command at
// a time, in arrival order.
type Handler interface {
	// HandleUpdate takes a platform-pushed desired state. nil means the
	// device is unassigned.
	HandleUpdate(state *api.DesiredState)
	// HandleAction runs one of the lifecycle actions: start, restart,
	// suspend.
	HandleAction(ctx context.Context, action string) error
	// StartEditor opens the editor tunnel with the given access token and
	// reports whether it connected within the readiness window.
	StartEditor(ctx context.Context, token string) bool
	// StopEditor tears the editor tunnel down.
	StopEditor(ctx context.Context) error
	// SnapshotFiles reads back the materialized flows, credentials and
	// package manifest.
	SnapshotFiles() (flows, credentials, pkg json.RawMessage, err error)
	// CurrentStatus is the checkin payload published on connect.
	CurrentStatus() api.StatusReport
	// RefreshNeeded fires when no update followed a connect within the
	// grace window.
	RefreshNeeded()
}

type topics struct {
	status   string
	logs     string
	command  string
	response string
}

func topicsFor(team, device string) topics {
	base := fmt.Sprintf("ff/v1/%s/d/%s/", team, device)
	return topics{
		status:   base + "status",
		logs:     base + "logs",
		command:  base + "command",
		response: base + "response",
	}
}

// Broker owns the MQTT connection to the platform.
type Broker struct {
	cfg     *config.Config
	ring    *logbuffer.Buffer
	handler Handler
	clk     clock.Clock

	client mqtt.Client
	topics topics

	cmdCh  chan []byte
	lostCh chan error

	mu           sync.Mutex
	started      bool
	logViewers   int
	updateSeen   bool
	refreshTimer *clock.Timer

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// New builds the broker client from the device configuration. The broker
// username carries the team identity; without it there is nothing to
// subscribe to.
func New(cfg *config.Config, ring *logbuffer.Buffer, handler Handler, clk clock.Clock) (*Broker, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("no broker configured")
	}
	team := cfg.TeamID()
	if team == "" {
		return nil, errors.Errorf("broker username %q carries no team id", cfg.BrokerUsername)
	}
	if clk == nil {
		clk = clock.New()
	}

	b := &Broker{
		cfg:     cfg,
		ring:    ring,
		handler: handler,
		clk:     clk,
		topics:  topicsFor(team, cfg.DeviceID),
		cmdCh:   make(chan []byte, 16),
		lostCh:  make(chan error, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetUsername(cfg.BrokerUsername)
	opts.SetPassword(cfg.BrokerPassword)
	if tlsCfg := cfg.TLSConfig(); tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	opts.SetClientID(cfg.BrokerUsername + ":" + uuid.NewString()[:8])
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = newMQTTClient(opts)
	return b, nil
}

// Start connects in the background and keeps the connection alive until
// Stop.
func (b *Broker) Start() {
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.started = true
		b.mu.Unlock()
		go b.run()
		go b.dispatchLoop()
	})
}

// Stop disconnects and stops log forwarding. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.done
	}

	b.mu.Lock()
	if b.refreshTimer != nil {
		b.refreshTimer.Stop()
	}
	viewers := b.logViewers
	b.logViewers = 0
	b.mu.Unlock()
	if viewers > 0 {
		b.ring.SetForwarder(nil)
	}
}

// Connected reports whether the platform can currently reach us over MQTT.
// The agent polls over HTTP whenever this is false.
func (b *Broker) Connected() bool {
	return b.client.IsConnectionOpen()
}

func (b *Broker) run() {
	defer close(b.done)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = reconnectInitialDelay
	retry.MaxInterval = reconnectMaxDelay
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		token := b.client.Connect()
		connected := token.WaitTimeout(connectTimeout) && token.Error() == nil
		if connected {
			retry.Reset()
			select {
			case <-b.stopCh:
				b.client.Disconnect(250)
				return
			case err := <-b.lostCh:
				log.Warnf("Broker connection lost: %v", err)
			}
		} else {
			log.Warnf("Broker connect failed: %v", token.Error())
		}

		delay := retry.NextBackOff()
		log.Debugf("Broker reconnecting in %v", delay)
		timer := b.clk.Timer(delay)
		select {
		case <-timer.C:
		case <-b.stopCh:
			timer.Stop()
			return
		}
	}
}

// onConnect runs on every (re)connect: subscribe to commands, publish a
// status so the platform learns we are live, and arm the refresh window.
func (b *Broker) onConnect(client mqtt.Client) {
	token := client.Subscribe(b.topics.command, 1, b.onCommand)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		log.Errorf("Broker subscribe failed: %v", token.Error()) //nolint:errcheck
		return
	}
	log.Infof("Connected to broker %s", b.cfg.BrokerURL)

	if err := b.PublishStatus(b.handler.CurrentStatus()); err != nil {
		log.Warnf("Status publish on connect failed: %v", err)
	}
	b.armRefreshWindow()
}

func (b *Broker) onConnectionLost(_ mqtt.Client, err error) {
	select {
	case b.lostCh <- err:
	default:
	}
}

// armRefreshWindow schedules the fallback checkin for when the platform does
// not follow the connect with an update push.
func (b *Broker) armRefreshWindow() {
	b.mu.Lock()
	b.updateSeen = false
	if b.refreshTimer != nil {
		b.refreshTimer.Stop()
	}
	b.refreshTimer = b.clk.AfterFunc(refreshWindow, func() {
		b.mu.Lock()
		seen := b.updateSeen
		b.mu.Unlock()
		if !seen {
			log.Debug("No update after connect, requesting a refresh")
			b.handler.RefreshNeeded()
		}
	})
	b.mu.Unlock()
}

func (b *Broker) onCommand(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte{}, msg.Payload()...)
	select {
	case b.cmdCh <- payload:
	default:
		log.Warn("Command queue full, dropping command") //nolint:errcheck
	}
}

// dispatchLoop runs command handlers one at a time in arrival order.
func (b *Broker) dispatchLoop() {
	for {
		select {
		case <-b.stopCh:
			return
		case payload := <-b.cmdCh:
			b.handleMessage(payload)
		}
	}
}

// PublishStatus ships one state snapshot to the platform.
func (b *Broker) PublishStatus(report api.StatusReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "unable to encode status")
	}
	return b.publish(b.topics.status, 1, data)
}

func (b *Broker) publish(topic string, qos byte, data []byte) error {
	token := b.client.Publish(topic, qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// forwardLog publishes one ring entry as a single-record batch. Fire and
// forget: waiting here would stall the ring.
func (b *Broker) forwardLog(e logbuffer.Entry) {
	data, err := json.Marshal([]logbuffer.Entry{e})
	if err != nil {
		return
	}
	b.client.Publish(b.topics.logs, 0, false, data)
}

// startLogStream attaches the ring forwarder for the first viewer; later
// viewers just bump the count.
func (b *Broker) startLogStream() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logViewers++
	if b.logViewers == 1 {
		b.ring.SetForwarder(b.forwardLog)
	}
}

// stopLogStream detaches when the last viewer leaves.
func (b *Broker) stopLogStream() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logViewers == 0 {
		return
	}
	b.logViewers--
	if b.logViewers == 0 {
		b.ring.SetForwarder(nil)
	}
}

func (b *Broker) markUpdateSeen() {
	b.mu.Lock()
	b.updateSeen = true
	b.mu.Unlock()
}
