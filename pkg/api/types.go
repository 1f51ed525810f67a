// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api defines the payload types exchanged with the platform over
// HTTP and MQTT. The same types are persisted by the desired-state store so
// a device can relaunch its last applied snapshot without connectivity.
package api

import "encoding/json"

// Snapshot is an immutable bundle of flows, credentials, modules and env
// that defines a runnable runtime configuration.
type Snapshot struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name,omitempty"`
	Description string                   `json:"description,omitempty"`
	Flows       []map[string]interface{} `json:"flows"`
	Credentials map[string]interface{}   `json:"credentials,omitempty"`
	Modules     map[string]string        `json:"modules,omitempty"`
	Env         map[string]string        `json:"env,omitempty"`
}

// Settings is the platform-issued per-device configuration bundle, merged
// over the snapshot at materialization time.
type Settings struct {
	Hash     string            `json:"hash"`
	Env      map[string]string `json:"env,omitempty"`
	Editor   *EditorSettings   `json:"editor,omitempty"`
	Features map[string]bool   `json:"features,omitempty"`
	Palette  *PaletteSettings  `json:"palette,omitempty"`
}

// EditorSettings carries editor-related overrides.
type EditorSettings struct {
	NodeRedVersion string `json:"nodeRedVersion,omitempty"`
}

// PaletteSettings carries module palette configuration.
type PaletteSettings struct {
	Catalogues []string `json:"catalogues,omitempty"`
	NPMRC      string   `json:"npmrc,omitempty"`
}

// ProjectComms reports the projectComms feature flag. An absent flag means
// true, for compatibility with platforms that predate it.
func (s *Settings) ProjectComms() bool {
	if s == nil || s.Features == nil {
		return true
	}
	v, ok := s.Features["projectComms"]
	if !ok {
		return true
	}
	return v
}

// Device modes.
const (
	ModeAutonomous = "autonomous"
	ModeDeveloper  = "developer"
)

// DesiredState is the tuple the platform wants the device to converge to.
// Snapshot and Settings are identities (snapshot id, settings hash); nil
// means "none assigned". A nil *DesiredState delivered to the agent means
// the device is unassigned or its credentials were revoked.
type DesiredState struct {
	Project  *string `json:"project"`
	Snapshot *string `json:"snapshot"`
	Settings *string `json:"settings"`
	Mode     string  `json:"mode,omitempty"`
}

// AgentState is the lifecycle state reported to the platform.
type AgentState string

// Agent lifecycle states.
const (
	StateUnknown      AgentState = "unknown"
	StateProvisioning AgentState = "provisioning"
	StateStopped      AgentState = "stopped"
	StateLoading      AgentState = "loading"
	StateInstalling   AgentState = "installing"
	StateStarting     AgentState = "starting"
	StateRunning      AgentState = "running"
	StateSafe         AgentState = "safe"
	StateCrashed      AgentState = "crashed"
	StateStopping     AgentState = "stopping"
	StateUpdating     AgentState = "updating"
	StateSuspended    AgentState = "suspended"
	StateError        AgentState = "error"
)

// Health is the liveness block included in every state report.
type Health struct {
	UptimeSec            float64 `json:"uptimeSec"`
	SnapshotRestartCount int     `json:"snapshotRestartCount"`
}

// StatusReport is the body of a state checkin (HTTP `live/state`) and of a
// broker status publish. Project, Snapshot and Settings carry identities.
type StatusReport struct {
	Project      *string  `json:"project"`
	Snapshot     *string  `json:"snapshot"`
	Settings     *string  `json:"settings"`
	State        string   `json:"state"`
	Mode         string   `json:"mode"`
	Health       Health   `json:"health"`
	AgentVersion string   `json:"agentVersion"`
	Metrics      *Metrics `json:"metrics,omitempty"`
	Host         *Host    `json:"host,omitempty"`
	Editor       *Editor  `json:"editor,omitempty"`
}

// Host is the agent-side resource block of a status publish.
type Host struct {
	AgentMemoryMB float64 `json:"agentMemoryMB"`
	Load1         float64 `json:"load1"`
}

// Editor reports the reverse tunnel state.
type Editor struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// Metrics is the runtime resource sample attached to broker status
// publishes when the runtime exposes its metrics endpoint.
type Metrics struct {
	MemoryMB      float64 `json:"memoryMB"`
	CPUPercent    float64 `json:"cpuPercent"`
	LoopLagMeanMS float64 `json:"loopLagMeanMs"`
	LoopLagP99MS  float64 `json:"loopLagP99Ms"`
	Messages      uint64  `json:"messages"`
	Received      uint64  `json:"received"`
	Sent          uint64  `json:"sent"`
}

// EditorTokenInfo is the platform's answer to an editor token verification.
type EditorTokenInfo struct {
	Username    string          `json:"username,omitempty"`
	Permissions json.RawMessage `json:"permissions,omitempty"`
}

// ProvisioningResult carries the device credentials issued when a
// provisioning request is accepted.
type ProvisioningResult struct {
	DeviceID         string `json:"deviceId"`
	Token            string `json:"token"`
	CredentialSecret string `json:"credentialSecret,omitempty"`
	BrokerURL        string `json:"brokerURL,omitempty"`
	BrokerUsername   string `json:"brokerUsername,omitempty"`
	BrokerPassword   string `json:"brokerPassword,omitempty"`
}
