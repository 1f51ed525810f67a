// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package tunnel

import "encoding/json"

// frame is the JSON envelope exchanged with the platform. One shape carries
// both kinds of traffic: HTTP forwards (method set) and logical WebSocket
// frames (ws set). Responses echo the request id.
type frame struct {
	ID      json.Number       `json:"id"`
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`
	WS      bool              `json:"ws,omitempty"`
	Closed  bool              `json:"closed,omitempty"`
}

// bodyBytes flattens an envelope body to raw bytes. String bodies arrive
// JSON-quoted; anything else is passed through verbatim.
func bodyBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return raw
}

// quoteBody wraps raw payload bytes into a JSON string for the envelope,
// mirroring what bodyBytes unwraps.
func quoteBody(data []byte) json.RawMessage {
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil
	}
	return quoted
}
