package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openmash/mash/internal/models"
)

// HTTPClient fetches credentials from the credentials service REST API,
// authenticating with a short-lived HS256 bearer token.
type HTTPClient struct {
	baseURL   string
	service   string
	jwtSecret []byte
	client    *http.Client
}

// NewHTTPClient creates a client against baseURL (e.g. the configured
// credentials_url).
func NewHTTPClient(baseURL, service, jwtSecret string) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		service:   service,
		jwtSecret: []byte(jwtSecret),
		client:    &http.Client{Timeout: RequestTimeout},
	}
}

func (c *HTTPClient) token() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.service,
		"aud": "credentials",
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.jwtSecret)
}

// Request fetches the credentials bundle for the request's accounts.
func (c *HTTPClient) Request(ctx context.Context, req models.CredentialsRequest) (models.CredentialsBundle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/credentials/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	token, err := c.token()
	if err != nil {
		return nil, fmt.Errorf("failed to sign credentials token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("credentials unavailable for job %s: %w", req.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credentials request failed for job %s: status %d", req.ID, resp.StatusCode)
	}

	var response models.CredentialsResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("failed to decode credentials response for job %s: %w", req.ID, err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("credentials request failed for job %s: %s", req.ID, response.Error)
	}
	return response.Credentials, nil
}
