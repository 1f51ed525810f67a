// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"encoding/json"
	"fmt"
)

// FlowsError reports why a document is not a valid flows array.
type FlowsError struct {
	Index  int
	Reason string
}

func (e *FlowsError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid flows: %s", e.Reason)
	}
	return fmt.Sprintf("invalid flows: node %d %s", e.Index, e.Reason)
}

// ValidateFlows checks that every node carries a non-empty string id and a
// non-empty string type. That is the definition of "a flows file"; anything
// else is rejected with a FlowsError.
func ValidateFlows(flows []map[string]interface{}) error {
	for i, node := range flows {
		if id, ok := node["id"].(string); !ok || id == "" {
			return &FlowsError{Index: i, Reason: "has no id"}
		}
		if typ, ok := node["type"].(string); !ok || typ == "" {
			return &FlowsError{Index: i, Reason: "has no type"}
		}
	}
	return nil
}

// ParseFlows decodes raw JSON and validates it as a flows array.
func ParseFlows(raw []byte) ([]map[string]interface{}, error) {
	var flows []map[string]interface{}
	if err := json.Unmarshal(raw, &flows); err != nil {
		return nil, &FlowsError{Index: -1, Reason: "not a JSON array of objects"}
	}
	if err := ValidateFlows(flows); err != nil {
		return nil, err
	}
	return flows, nil
}

// ValidFlows reports whether snap's flows form a well-formed flows array.
func (s *Snapshot) ValidFlows() error {
	return ValidateFlows(s.Flows)
}
