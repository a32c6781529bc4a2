// Package creds fetches per-account cloud credentials for stage handlers.
// Bundles live in memory for the duration of a stage run and are never
// written to disk or logs.
package creds

import (
	"context"

	"github.com/openmash/mash/internal/models"
)

// Provider resolves the credentials a job's accounts need. Two
// implementations exist: the broker RPC client used by pipeline stages and
// the HTTP client used where the credentials service is reachable directly.
type Provider interface {
	Request(ctx context.Context, req models.CredentialsRequest) (models.CredentialsBundle, error)
}
