package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Clouds supported by the pipeline.
const (
	CloudEC2    = "ec2"
	CloudAzure  = "azure"
	CloudGCE    = "gce"
	CloudAliyun = "aliyun"
	CloudOCI    = "oci"
)

// KnownClouds lists every cloud identifier the pipeline accepts.
var KnownClouds = []string{CloudEC2, CloudAzure, CloudGCE, CloudAliyun, CloudOCI}

// UTCTime sentinel values. Anything else must parse as RFC 3339.
const (
	UTCTimeNow    = "now"
	UTCTimeAlways = "always"
)

// JobDocument is the per-stage job payload. It is an open mapping: stages
// read the keys they care about and pass the rest through untouched.
type JobDocument map[string]interface{}

// ParseJobDocument decodes a job document body.
func ParseJobDocument(body []byte) (JobDocument, error) {
	var doc JobDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d JobDocument) str(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// ID returns the job id.
func (d JobDocument) ID() string { return d.str("id") }

// Cloud returns the cloud identifier (ec2, azure, gce, aliyun, oci).
func (d JobDocument) Cloud() string { return d.str("cloud") }

// LastService returns the caller-designated terminal stage, normalized
// through the pipeline alias table.
func (d JobDocument) LastService() string { return NormalizeService(d.str("last_service")) }

// UTCTime returns the scheduling directive: "now", "always" or RFC 3339.
func (d JobDocument) UTCTime() string { return d.str("utctime") }

// RequestingUser returns the user that submitted the job.
func (d JobDocument) RequestingUser() string { return d.str("requesting_user") }

// NotificationEmail returns the notification address, empty when unset.
func (d JobDocument) NotificationEmail() string { return d.str("notification_email") }

// NotificationType returns the notification policy, defaulting to single.
func (d JobDocument) NotificationType() NotificationType {
	if t := d.str("notification_type"); t != "" {
		return NotificationType(t)
	}
	return NotifySingle
}

// JobFile returns the persisted location backref, set by the job store.
func (d JobDocument) JobFile() string { return d.str("job_file") }

// State returns the persisted lifecycle state of the job record, empty
// when the record has never been accepted by a stage.
func (d JobDocument) State() Status { return Status(d.str("state")) }

// SetState records the lifecycle state on the document. Callers persist
// the document afterwards so a restart sees where the job stood.
func (d JobDocument) SetState(s Status) { d["state"] = string(s) }

// CleanupImages reports the cleanup_images flag and whether it was set.
func (d JobDocument) CleanupImages() (bool, bool) {
	v, ok := d["cleanup_images"].(bool)
	return v, ok
}

// Nonstop reports whether the job re-polls indefinitely (utctime "always").
func (d JobDocument) Nonstop() bool { return d.UTCTime() == UTCTimeAlways }

// RequireKeys verifies structural presence of the given keys.
func (d JobDocument) RequireKeys(keys ...string) error {
	var missing []string
	for _, key := range keys {
		if _, ok := d[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("job document missing required keys: %v", missing)
	}
	return nil
}

// ValidateUTCTime checks the utctime directive and returns the parsed
// instant for timestamp schedules.
func (d JobDocument) ValidateUTCTime() (time.Time, error) {
	utctime := d.UTCTime()
	switch utctime {
	case UTCTimeNow, UTCTimeAlways:
		return time.Time{}, nil
	case "":
		return time.Time{}, fmt.Errorf("job document missing utctime")
	}
	at, err := time.Parse(time.RFC3339, utctime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid utctime %q: %w", utctime, err)
	}
	return at, nil
}

// Clone returns a deep copy via JSON round trip. Job documents are treated
// as immutable per stage, so copies guard against cross-worker mutation.
func (d JobDocument) Clone() JobDocument {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	clone, err := ParseJobDocument(raw)
	if err != nil {
		return nil
	}
	return clone
}
