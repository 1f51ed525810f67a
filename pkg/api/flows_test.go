// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlows(t *testing.T) {
	flows, err := ParseFlows([]byte(`[{"id":"n1","type":"tab"},{"id":"n2","type":"inject","z":"n1"}]`))
	require.NoError(t, err)
	assert.Len(t, flows, 2)
}

func TestParseFlowsRejectsNonArray(t *testing.T) {
	_, err := ParseFlows([]byte(`{"id":"n1","type":"tab"}`))
	require.Error(t, err)

	var fe *FlowsError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, -1, fe.Index)
}

func TestValidateFlows(t *testing.T) {
	tests := []struct {
		name  string
		flows []map[string]interface{}
		bad   int
	}{
		{"missing id", []map[string]interface{}{{"type": "tab"}}, 0},
		{"empty id", []map[string]interface{}{{"id": "", "type": "tab"}}, 0},
		{"missing type", []map[string]interface{}{{"id": "n1", "type": "tab"}, {"id": "n2"}}, 1},
		{"non-string type", []map[string]interface{}{{"id": "n1", "type": 7}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFlows(tt.flows)
			require.Error(t, err)
			var fe *FlowsError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.bad, fe.Index)
		})
	}

	assert.NoError(t, ValidateFlows(nil))
	assert.NoError(t, ValidateFlows([]map[string]interface{}{}))
}

func TestProjectCommsDefault(t *testing.T) {
	var s *Settings
	assert.True(t, s.ProjectComms())

	s = &Settings{Hash: "h1"}
	assert.True(t, s.ProjectComms())

	s.Features = map[string]bool{"projectComms": false}
	assert.False(t, s.ProjectComms())

	s.Features["projectComms"] = true
	assert.True(t, s.ProjectComms())
}
