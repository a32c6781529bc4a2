// Package handler defines the per-job unit of work a pipeline service
// runs. Concrete cloud handlers register themselves with the factory; the
// listener framework stays cloud-agnostic.
package handler

import (
	"context"

	"github.com/openmash/mash/internal/models"
)

// StageHandler runs one job inside one pipeline stage. The framework calls
// PostInit once after construction, Run at the scheduled time, and reads
// the result accessors after Run returns.
type StageHandler interface {
	// PostInit validates stage-specific job document keys. A PostInit
	// error rejects the job before it is persisted.
	PostInit() error

	// Run performs the stage work. Status, StatusMsg and ErrorMsgs carry
	// the outcome; the returned error reports only infrastructure
	// failures the framework should log.
	Run(ctx context.Context) error

	// Status is the stage outcome after Run.
	Status() models.Status

	// StatusMsg returns the key/value outputs this stage produced for
	// downstream stages (image ids, blob names, source regions, ...).
	StatusMsg() map[string]interface{}

	// ErrorMsgs returns accumulated failure detail for notifications.
	ErrorMsgs() []string
}
