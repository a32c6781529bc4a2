package jobcreator

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openmash/mash/internal/models"
)

// JobRequest is the validated core of a submitted job document. The full
// document travels alongside; stage-specific keys pass through untouched.
type JobRequest struct {
	ID                string   `json:"id" validate:"omitempty,uuid4"`
	Cloud             string   `json:"cloud" validate:"required,oneof=ec2 azure gce aliyun oci"`
	LastService       string   `json:"last_service" validate:"required"`
	UTCTime           string   `json:"utctime" validate:"required"`
	RequestingUser    string   `json:"requesting_user" validate:"required"`
	Image             string   `json:"image" validate:"required"`
	CloudImageName    string   `json:"cloud_image_name" validate:"required"`
	ImageDescription  string   `json:"image_description" validate:"required"`
	Distro            string   `json:"distro" validate:"required"`
	DownloadURL       string   `json:"download_url" validate:"required,url"`
	NotificationEmail string   `json:"notification_email" validate:"omitempty,email"`
	NotificationType  string   `json:"notification_type" validate:"omitempty,oneof=single periodic"`
	CloudAccounts     []string `json:"cloud_accounts"`
	CloudGroups       []string `json:"cloud_groups"`
}

// AccountRequest is an add_account or delete_account payload.
type AccountRequest struct {
	Name           string                 `json:"name" validate:"required"`
	Cloud          string                 `json:"cloud" validate:"required,oneof=ec2 azure gce aliyun oci"`
	RequestingUser string                 `json:"requesting_user" validate:"required"`
	Region         string                 `json:"region"`
	Group          string                 `json:"group"`
	Data           map[string]interface{} `json:"data"`
}

// ValidateRequest checks a submitted job document and returns its
// validated core. A missing id is filled with a fresh UUID, written back
// into the document.
func ValidateRequest(doc models.JobDocument, validate *validator.Validate) (*JobRequest, error) {
	req := &JobRequest{
		ID:                doc.ID(),
		Cloud:             doc.Cloud(),
		LastService:       doc.LastService(),
		UTCTime:           doc.UTCTime(),
		RequestingUser:    doc.RequestingUser(),
		Image:             docString(doc, "image"),
		CloudImageName:    docString(doc, "cloud_image_name"),
		ImageDescription:  docString(doc, "image_description"),
		Distro:            docString(doc, "distro"),
		DownloadURL:       docString(doc, "download_url"),
		NotificationEmail: doc.NotificationEmail(),
	}
	if t, ok := doc["notification_type"].(string); ok {
		req.NotificationType = t
	}
	req.CloudAccounts = docStrings(doc, "cloud_accounts")
	req.CloudGroups = docStrings(doc, "cloud_groups")

	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid job request: %w", err)
	}
	if !models.KnownService(req.LastService) {
		return nil, fmt.Errorf("unknown last_service %q", req.LastService)
	}
	if _, err := doc.ValidateUTCTime(); err != nil {
		return nil, err
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
		doc["id"] = req.ID
	}
	return req, nil
}

func docString(doc models.JobDocument, key string) string {
	s, _ := doc[key].(string)
	return s
}

func docStrings(doc models.JobDocument, key string) []string {
	items, ok := doc[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// StageMessage is one fan-out target: a service exchange plus the message
// body, the job document wrapped under the "<service>_job" key the stage
// listens for.
type StageMessage struct {
	Exchange string
	Body     map[string]interface{}
}

// BuildStageMessages produces the per-stage messages for an accepted job,
// in pipeline order up to last_service. The credentials service gets its
// message first so account secrets are ready before any stage runs.
func BuildStageMessages(doc models.JobDocument, info models.AccountsInfo) ([]StageMessage, error) {
	stages, err := models.StagesUpTo(doc.LastService())
	if err != nil {
		return nil, err
	}

	enriched := doc.Clone()
	enriched["accounts_info"] = info

	messages := make([]StageMessage, 0, len(stages)+1)
	messages = append(messages, StageMessage{
		Exchange: models.ServiceCredentials,
		Body:     map[string]interface{}{models.ServiceCredentials + "_job": enriched},
	})
	for _, stage := range stages {
		messages = append(messages, StageMessage{
			Exchange: stage,
			Body:     map[string]interface{}{stage + "_job": enriched},
		})
	}
	return messages, nil
}
