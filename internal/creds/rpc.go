package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/broker"
	"github.com/openmash/mash/internal/models"
)

// RequestTimeout bounds how long a stage waits for a credentials response
// before the job fails.
const RequestTimeout = 60 * time.Second

// CredentialsExchange is the exchange all credentials traffic flows over.
const CredentialsExchange = "credentials"

// RPCClient requests credentials over the broker. Responses are correlated
// to pending requests by job id.
type RPCClient struct {
	broker  *broker.Broker
	service string
	logger  arbor.ILogger
	timeout time.Duration

	mu       sync.Mutex
	pending  map[string]chan models.CredentialsResponse
	consumer *broker.Consumer
}

// NewRPCClient declares the request and response topology for service and
// starts consuming responses.
func NewRPCClient(ctx context.Context, b *broker.Broker, service string, logger arbor.ILogger) (*RPCClient, error) {
	c := &RPCClient{
		broker:  b,
		service: service,
		logger:  logger,
		timeout: RequestTimeout,
		pending: make(map[string]chan models.CredentialsResponse),
	}

	responseQueue := fmt.Sprintf("credentials.response.%s", service)
	if err := b.DeclareExchange(ctx, CredentialsExchange); err != nil {
		return nil, err
	}
	if err := b.DeclareQueue(ctx, responseQueue); err != nil {
		return nil, err
	}
	if err := b.Bind(ctx, CredentialsExchange, responseQueue, "response."+service); err != nil {
		return nil, err
	}

	c.consumer = broker.NewConsumer(b, responseQueue, 1, c.handleResponse, logger)
	c.consumer.Start()
	return c, nil
}

// Close stops the response consumer. Pending requests time out normally.
func (c *RPCClient) Close() {
	c.consumer.Stop()
}

// Request publishes a credentials request and waits for the correlated
// response. A timeout or an error reply fails the request; the caller
// fails the job without running its handler.
func (c *RPCClient) Request(ctx context.Context, req models.CredentialsRequest) (models.CredentialsBundle, error) {
	ch := make(chan models.CredentialsResponse, 1)

	c.mu.Lock()
	if _, exists := c.pending[req.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("credentials request already pending for job %s", req.ID)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := c.broker.Publish(ctx, CredentialsExchange, "request."+c.service, body); err != nil {
		return nil, fmt.Errorf("failed to publish credentials request for job %s: %w", req.ID, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("credentials request failed for job %s: %s", req.ID, resp.Error)
		}
		return resp.Credentials, nil
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("credentials unavailable for job %s", req.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RPCClient) handleResponse(ctx context.Context, d *broker.Delivery) {
	var resp models.CredentialsResponse
	if err := json.Unmarshal(d.Body, &resp); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding malformed credentials response")
		if err := d.Ack(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to ack credentials response")
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	c.mu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	} else {
		// Response for a request that already timed out.
		c.logger.Debug().Str("job_id", resp.ID).Msg("Dropping unmatched credentials response")
	}

	if err := d.Ack(); err != nil {
		c.logger.Warn().Err(err).Str("job_id", resp.ID).Msg("Failed to ack credentials response")
	}
}
