// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"fmt"
	"strings"

	"github.com/cihub/seelog"

	"github.com/flowforge/device-agent/pkg/logbuffer"
	"github.com/flowforge/device-agent/pkg/util/log"
)

const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// SetupLogger sets up the default logger: console output in the common
// format, plus the ring receiver so every agent record is available to the
// platform's log viewers alongside the runtime's output.
func SetupLogger(logLevel string, ring *logbuffer.Buffer) error {
	configTemplate := `<seelog minlevel="%s">
    <outputs formatid="common">
        <console />
        <custom name="%s" formatid="ring" />
    </outputs>
    <formats>
        <format id="common" format="%%Date(%s) | %%LEVEL | (%%RelFile:%%Line) | %%Msg%%n"/>
        <format id="ring" format="%%Msg"/>
    </formats>
</seelog>`
	cfg := fmt.Sprintf(configTemplate, strings.ToLower(logLevel), logbuffer.ReceiverName, logDateFormat)

	params := &seelog.CfgParseParams{
		CustomReceiverProducers: map[string]seelog.CustomReceiverProducer{
			logbuffer.ReceiverName: func(seelog.CustomReceiverInitArgs) (seelog.CustomReceiver, error) {
				return logbuffer.NewReceiver(ring), nil
			},
		},
	}

	logger, err := seelog.LoggerFromParamConfigAsString(cfg, params)
	if err != nil {
		return err
	}
	log.SetupLogger(logger, logLevel)
	return nil
}
