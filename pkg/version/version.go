// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version defines the version of the device agent.
package version

import "fmt"

// AgentVersion contains the version of the agent.
// It is populated at build time using -ldflags.
var AgentVersion string

// Commit is populated with the short commit hash from which the agent was built.
var Commit string

var agentVersionDefault = "3.0.0"

func init() {
	if AgentVersion == "" {
		AgentVersion = agentVersionDefault
	}
}

// UserAgent returns the User-Agent header value sent on every request to the
// platform.
func UserAgent() string {
	return fmt.Sprintf("flowforge-device-agent/%s", AgentVersion)
}

// Full returns the version with the commit hash appended when known.
func Full() string {
	if Commit == "" {
		return AgentVersion
	}
	return fmt.Sprintf("%s (%s)", AgentVersion, Commit)
}
