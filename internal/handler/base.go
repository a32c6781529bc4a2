package handler

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/creds"
	"github.com/openmash/mash/internal/models"
)

// Base carries the state every stage handler shares. Concrete handlers
// embed it and implement Run.
type Base struct {
	Doc         models.JobDocument
	Config      *common.Config
	Logger      arbor.ILogger
	Credentials creds.Provider

	status    models.Status
	statusMsg map[string]interface{}
	errors    []string
}

// NewBase initializes shared handler state with a pending status.
func NewBase(doc models.JobDocument, config *common.Config, logger arbor.ILogger, provider creds.Provider) Base {
	return Base{
		Doc:         doc,
		Config:      config,
		Logger:      logger,
		Credentials: provider,
		status:      models.StatusPending,
		statusMsg:   make(map[string]interface{}),
	}
}

// PostInit's default accepts any document. Handlers with required keys
// override it.
func (b *Base) PostInit() error { return nil }

func (b *Base) Status() models.Status { return b.status }

func (b *Base) StatusMsg() map[string]interface{} { return b.statusMsg }

func (b *Base) ErrorMsgs() []string { return b.errors }

// SetStatus records the stage outcome.
func (b *Base) SetStatus(status models.Status) { b.status = status }

// SetOutput records one downstream-visible output value.
func (b *Base) SetOutput(key string, value interface{}) { b.statusMsg[key] = value }

// Fail records a failure outcome with detail for the notification email.
func (b *Base) Fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	b.status = models.StatusFailed
	b.errors = append(b.errors, msg)
	b.Logger.Warn().Str("job_id", b.Doc.ID()).Msg(msg)
}

// FetchCredentials resolves the job's accounts through the credentials
// provider. The bundle must not outlive the Run call.
func (b *Base) FetchCredentials(ctx context.Context, accounts []string) (models.CredentialsBundle, error) {
	if b.Credentials == nil {
		return nil, fmt.Errorf("no credentials provider configured")
	}
	return b.Credentials.Request(ctx, models.CredentialsRequest{
		ID:             b.Doc.ID(),
		Cloud:          b.Doc.Cloud(),
		Accounts:       accounts,
		RequestingUser: b.Doc.RequestingUser(),
	})
}

// NoOp is the handler for stages a cloud skips (the ec2 upload stage, where
// image upload happens during creation). It succeeds immediately, passing
// inputs through unchanged.
type NoOp struct {
	Base
}

// NewNoOp creates a pass-through handler.
func NewNoOp(doc models.JobDocument, config *common.Config, logger arbor.ILogger, provider creds.Provider) *NoOp {
	return &NoOp{Base: NewBase(doc, config, logger, provider)}
}

func (h *NoOp) Run(ctx context.Context) error {
	h.SetStatus(models.StatusSuccess)
	return nil
}
