package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/models"
)

type fakeMailer struct {
	sent []string
	err  error
}

func (f *fakeMailer) Send(to, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, body)
	return nil
}

func doc(overrides map[string]interface{}) models.JobDocument {
	d := models.JobDocument{
		"id":                 "job-1",
		"cloud":              "ec2",
		"last_service":       "publish",
		"utctime":            "now",
		"notification_email": "dev@example.com",
	}
	for k, v := range overrides {
		d[k] = v
	}
	return d
}

func TestShouldNotifyPolicy(t *testing.T) {
	tests := []struct {
		name    string
		doc     models.JobDocument
		service string
		status  models.Status
		want    bool
	}{
		{"no email never notifies", doc(map[string]interface{}{"notification_email": nil}), "publish", models.StatusSuccess, false},
		{"non-terminal never notifies", doc(nil), "create", models.StatusRunning, false},
		{"single success mid-chain stays quiet", doc(nil), "create", models.StatusSuccess, false},
		{"single success at last service notifies", doc(nil), "publish", models.StatusSuccess, true},
		{"single failure mid-chain stays quiet", doc(nil), "create", models.StatusFailed, false},
		{"single exception mid-chain stays quiet", doc(nil), "test", models.StatusException, false},
		{"single failure at last service notifies", doc(nil), "publish", models.StatusFailed, true},
		{"periodic notifies every stage", doc(map[string]interface{}{"notification_type": "periodic"}), "create", models.StatusSuccess, true},
		{"last service alias resolves", doc(map[string]interface{}{"last_service": "publisher"}), "publish", models.StatusSuccess, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldNotify(tt.doc, tt.service, tt.status))
		})
	}
}

func TestNotifySendsBodyWithErrors(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewNotifier(mailer, "", common.GetLogger())

	n.Notify(doc(nil), "publish", models.StatusFailed, []string{"image not found"})

	if assert.Len(t, mailer.sent, 1) {
		assert.Contains(t, mailer.sent[0], "job-1")
		assert.Contains(t, mailer.sent[0], "failed")
		assert.Contains(t, mailer.sent[0], "image not found")
	}
}

func TestNotifySwallowsSendErrors(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("relay down")}
	n := NewNotifier(mailer, "", common.GetLogger())

	assert.NotPanics(t, func() {
		n.Notify(doc(nil), "publish", models.StatusSuccess, nil)
	})
}

func TestNotifySingleFailureMailsOnceAtLastService(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewNotifier(mailer, "", common.GetLogger())

	// A failure is forwarded through the remaining stages; only the last
	// service produces mail, so one failing job means one email.
	for _, svc := range []string{"create", "test", "raw_image_upload", "replicate"} {
		n.Notify(doc(nil), svc, models.StatusFailed, []string{"upload failed"})
	}
	assert.Empty(t, mailer.sent)

	n.Notify(doc(nil), "publish", models.StatusFailed, []string{"upload failed"})
	assert.Len(t, mailer.sent, 1)
}

func TestNotifyRespectsPolicy(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewNotifier(mailer, "", common.GetLogger())

	n.Notify(doc(nil), "create", models.StatusSuccess, nil)

	assert.Empty(t, mailer.sent)
}
