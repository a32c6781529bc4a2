package models

import "encoding/json"

// ListenerMessage is the payload forwarded from one stage to the next.
// StatusMsg is additive: each stage merges its own outputs into the map it
// received (image_file, source_regions, cloud_image_name, blob_name, ...).
type ListenerMessage struct {
	ID        string                 `json:"id"`
	Status    Status                 `json:"status"`
	StatusMsg map[string]interface{} `json:"status_msg,omitempty"`
	Errors    []string               `json:"errors,omitempty"`
}

// ParseListenerMessage decodes a listener message body.
func ParseListenerMessage(body []byte) (*ListenerMessage, error) {
	var msg ListenerMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MergeStatusMsg overlays updates onto base without mutating either map.
// Keys written by the later stage win.
func MergeStatusMsg(base, updates map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(updates))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}
