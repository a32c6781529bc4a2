package creds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmash/mash/internal/broker"
	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/models"
)

func openTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b, err := broker.Open(filepath.Join(t.TempDir(), "broker.db"), common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// startFakeCredentialsService answers request.<service> messages with the
// given response.
func startFakeCredentialsService(t *testing.T, b *broker.Broker, service string, respond func(models.CredentialsRequest) models.CredentialsResponse) {
	t.Helper()
	ctx := context.Background()
	requestQueue := "credentials.request"
	require.NoError(t, b.DeclareQueue(ctx, requestQueue))
	require.NoError(t, b.Bind(ctx, CredentialsExchange, requestQueue, "request.*"))

	consumer := broker.NewConsumer(b, requestQueue, 1, func(ctx context.Context, d *broker.Delivery) {
		var req models.CredentialsRequest
		require.NoError(t, json.Unmarshal(d.Body, &req))
		body, err := json.Marshal(respond(req))
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, CredentialsExchange, "response."+service, body))
		require.NoError(t, d.Ack())
	}, common.GetLogger())
	consumer.Start()
	t.Cleanup(consumer.Stop)
}

func TestRPCRequestRoundTrip(t *testing.T) {
	b := openTestBroker(t)

	client, err := NewRPCClient(context.Background(), b, "test", common.GetLogger())
	require.NoError(t, err)
	defer client.Close()

	startFakeCredentialsService(t, b, "test", func(req models.CredentialsRequest) models.CredentialsResponse {
		return models.CredentialsResponse{
			ID: req.ID,
			Credentials: models.CredentialsBundle{
				"acct1": {"access_key": "AKIA", "secret_key": "shh"},
			},
		}
	})

	bundle, err := client.Request(context.Background(), models.CredentialsRequest{
		ID:       "job-1",
		Cloud:    models.CloudEC2,
		Accounts: []string{"acct1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "AKIA", bundle["acct1"]["access_key"])
}

func TestRPCRequestErrorResponse(t *testing.T) {
	b := openTestBroker(t)

	client, err := NewRPCClient(context.Background(), b, "publish", common.GetLogger())
	require.NoError(t, err)
	defer client.Close()

	startFakeCredentialsService(t, b, "publish", func(req models.CredentialsRequest) models.CredentialsResponse {
		return models.CredentialsResponse{ID: req.ID, Error: "unknown account"}
	})

	_, err = client.Request(context.Background(), models.CredentialsRequest{
		ID: "job-2", Cloud: models.CloudGCE, Accounts: []string{"missing"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown account")
}

func TestRPCRequestTimesOut(t *testing.T) {
	b := openTestBroker(t)

	client, err := NewRPCClient(context.Background(), b, "create", common.GetLogger())
	require.NoError(t, err)
	defer client.Close()
	client.timeout = 100 * time.Millisecond

	// A request queue exists but nothing consumes it, so no reply comes.
	ctx := context.Background()
	require.NoError(t, b.DeclareQueue(ctx, "credentials.request"))
	require.NoError(t, b.Bind(ctx, CredentialsExchange, "credentials.request", "request.*"))

	_, err = client.Request(context.Background(), models.CredentialsRequest{
		ID: "job-3", Cloud: models.CloudAzure, Accounts: []string{"acct"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials unavailable")
}

func TestHTTPClientSendsSignedToken(t *testing.T) {
	secret := "topsecret"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(auth, "Bearer "))

		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		require.NoError(t, err)
		require.True(t, token.Valid)

		var req models.CredentialsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "job-4", req.ID)

		json.NewEncoder(w).Encode(models.CredentialsResponse{
			ID:          req.ID,
			Credentials: models.CredentialsBundle{"acct": {"token": "t"}},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "upload", secret)
	bundle, err := client.Request(context.Background(), models.CredentialsRequest{
		ID: "job-4", Cloud: models.CloudOCI, Accounts: []string{"acct"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t", bundle["acct"]["token"])
}

func TestHTTPClientNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "upload", "s")
	_, err := client.Request(context.Background(), models.CredentialsRequest{ID: "job-5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}
