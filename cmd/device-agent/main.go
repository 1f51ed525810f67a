// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"os"

	"github.com/flowforge/device-agent/cmd/device-agent/app"
	"github.com/flowforge/device-agent/pkg/util/log"
)

func main() {
	if err := app.AgentCmd.Execute(); err != nil {
		log.Error(err) //nolint:errcheck
		log.Flush()
		os.Exit(-1)
	}
	log.Flush()
}
