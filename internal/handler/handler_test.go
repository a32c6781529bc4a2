package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/creds"
	"github.com/openmash/mash/internal/models"
)

type fakeProvider struct {
	bundle models.CredentialsBundle
	got    models.CredentialsRequest
}

func (f *fakeProvider) Request(ctx context.Context, req models.CredentialsRequest) (models.CredentialsBundle, error) {
	f.got = req
	return f.bundle, nil
}

func testDoc() models.JobDocument {
	return models.JobDocument{
		"id":              "job-1",
		"cloud":           models.CloudEC2,
		"requesting_user": "dev",
	}
}

func TestNoOpSucceedsImmediately(t *testing.T) {
	h := NewNoOp(testDoc(), common.DefaultConfig(), common.GetLogger(), nil)

	require.NoError(t, h.PostInit())
	require.NoError(t, h.Run(context.Background()))

	assert.Equal(t, models.StatusSuccess, h.Status())
	assert.Empty(t, h.StatusMsg())
	assert.Empty(t, h.ErrorMsgs())
}

func TestBaseFailAccumulatesErrors(t *testing.T) {
	b := NewBase(testDoc(), common.DefaultConfig(), common.GetLogger(), nil)

	b.Fail("image %s not found", "img-1")
	b.Fail("retry exhausted")

	assert.Equal(t, models.StatusFailed, b.Status())
	assert.Equal(t, []string{"image img-1 not found", "retry exhausted"}, b.ErrorMsgs())
}

func TestBaseFetchCredentialsBuildsRequest(t *testing.T) {
	provider := &fakeProvider{bundle: models.CredentialsBundle{"acct": {"k": "v"}}}
	b := NewBase(testDoc(), common.DefaultConfig(), common.GetLogger(), provider)

	bundle, err := b.FetchCredentials(context.Background(), []string{"acct"})
	require.NoError(t, err)

	assert.Equal(t, "v", bundle["acct"]["k"])
	assert.Equal(t, "job-1", provider.got.ID)
	assert.Equal(t, models.CloudEC2, provider.got.Cloud)
	assert.Equal(t, "dev", provider.got.RequestingUser)
}

func TestBaseFetchCredentialsWithoutProvider(t *testing.T) {
	b := NewBase(testDoc(), common.DefaultConfig(), common.GetLogger(), nil)
	_, err := b.FetchCredentials(context.Background(), []string{"acct"})
	assert.Error(t, err)
}

func TestFactoryResolvesByServiceAndCloud(t *testing.T) {
	f := NewFactory()
	f.RegisterNoOp("upload", models.CloudEC2)

	h, err := f.New("uploader", testDoc(), common.DefaultConfig(), common.GetLogger(), nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOp{}, h)
}

func TestFactoryUnregisteredCloudFallsBackToNoOp(t *testing.T) {
	f := NewFactory()

	doc := testDoc()
	doc["cloud"] = models.CloudAliyun
	h, err := f.New("upload", doc, common.DefaultConfig(), common.GetLogger(), nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOp{}, h)
}

func TestFactoryLaterRegistrationWins(t *testing.T) {
	f := NewFactory()
	f.Register("create", models.CloudGCE, func(doc models.JobDocument, config *common.Config, logger arbor.ILogger, provider creds.Provider) (StageHandler, error) {
		t.Fatal("replaced constructor should not run")
		return nil, nil
	})
	f.RegisterNoOp("create", models.CloudGCE)

	doc := testDoc()
	doc["cloud"] = models.CloudGCE
	h, err := f.New("create", doc, common.DefaultConfig(), common.GetLogger(), nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOp{}, h)
}
