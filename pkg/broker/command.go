// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package broker

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/util/log"
)

var brokerCommands = expvar.NewInt("brokerCommands")

// command is the envelope the platform publishes on the command topic.
// correlationData is opaque and echoed back verbatim.
type command struct {
	Command         string          `json:"command"`
	CorrelationData json.RawMessage `json:"correlationData,omitempty"`
	ResponseTopic   string          `json:"responseTopic,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

type actionPayload struct {
	Action string `json:"action"`
}

type editorPayload struct {
	Token string `json:"token"`
}

// handleMessage decodes one command envelope and runs it. Anything the
// handler does wrong, including panics, ends up in an error response rather
// than taking the agent down.
func (b *Broker) handleMessage(payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Warnf("Ignoring malformed command: %v", err)
		return
	}
	brokerCommands.Add(1)
	if cmd.Command == "update" {
		b.markUpdateSeen()
	}

	log.Debugf("Broker command received: %s", cmd.Command)
	result := b.execute(cmd)
	if result == nil {
		return
	}
	b.respond(cmd, result)
}

// execute runs one command and returns the response body, or nil when the
// command does not produce one.
func (b *Broker) execute(cmd command) (result map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Command %q handler panicked: %v", cmd.Command, r) //nolint:errcheck
			result = errorResult("internal_error", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Command {
	case "update":
		b.handler.HandleUpdate(decodeDesiredState(cmd.Payload))
		return nil

	case "action":
		var p actionPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return errorResult("unsupported_action", "missing action")
		}
		switch p.Action {
		case "start", "restart", "suspend":
		default:
			return errorResult("unsupported_action", fmt.Sprintf("unsupported action %q", p.Action))
		}
		if err := b.handler.HandleAction(ctx, p.Action); err != nil {
			return errorResult("action_failed", err.Error())
		}
		return map[string]interface{}{"success": true}

	case "startEditor":
		var p editorPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			log.Warnf("startEditor payload unreadable: %v", err)
		}
		connected := b.handler.StartEditor(ctx, p.Token)
		return map[string]interface{}{"connected": connected, "token": p.Token}

	case "stopEditor":
		err := b.handler.StopEditor(ctx)
		if err != nil {
			log.Warnf("stopEditor failed: %v", err)
		}
		return map[string]interface{}{"success": err == nil}

	case "startLog":
		b.startLogStream()
		return map[string]interface{}{"success": true}

	case "stopLog":
		b.stopLogStream()
		return map[string]interface{}{"success": true}

	case "upload":
		flows, credentials, pkg, err := b.handler.SnapshotFiles()
		if err != nil {
			return errorResult("upload_failed", err.Error())
		}
		return map[string]interface{}{
			"flows":       rawOrNull(flows),
			"credentials": rawOrNull(credentials),
			"package":     rawOrNull(pkg),
		}

	default:
		log.Warnf("Unknown command %q", cmd.Command)
		if cmd.ResponseTopic == "" {
			return nil
		}
		return map[string]interface{}{"error": "unknown command"}
	}
}

// respond publishes the response, echoing command and correlationData so the
// platform can match it to the request.
func (b *Broker) respond(cmd command, result map[string]interface{}) {
	topic := cmd.ResponseTopic
	if topic == "" {
		topic = b.topics.response
	}
	result["command"] = cmd.Command
	if len(cmd.CorrelationData) > 0 {
		result["correlationData"] = cmd.CorrelationData
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.Errorf("Unable to encode %q response: %v", cmd.Command, err) //nolint:errcheck
		return
	}
	if err := b.publish(topic, 1, data); err != nil {
		log.Warnf("Unable to publish %q response: %v", cmd.Command, err)
	}
}

func errorResult(code, message string) map[string]interface{} {
	return map[string]interface{}{
		"success": false,
		"error":   map[string]interface{}{"code": code, "message": message},
	}
}

// decodeDesiredState tolerates both a bare null (device unassigned) and a
// missing payload.
func decodeDesiredState(payload json.RawMessage) *api.DesiredState {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	var state api.DesiredState
	if err := json.Unmarshal(payload, &state); err != nil {
		log.Warnf("Ignoring malformed desired state: %v", err)
		return nil
	}
	return &state
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
