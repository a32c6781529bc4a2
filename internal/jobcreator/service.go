// Package jobcreator accepts job submissions, validates them, verifies
// account credentials exist, and fans the job document out to every
// pipeline stage up to the job's last service.
package jobcreator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/broker"
	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/models"
	"github.com/openmash/mash/internal/notify"
)

// Routing keys on the job creator's listener queue.
const (
	keyAddAccount    = "add_account"
	keyDeleteAccount = "delete_account"
)

// credentialsJobCheck asks the credentials service to confirm secrets
// exist for every account and group the job names. The reply arrives on
// the job_document queue as a start_job or invalid_job message.
type credentialsJobCheck struct {
	ID             string   `json:"id"`
	Provider       string   `json:"provider"`
	Accounts       []string `json:"provider_accounts,omitempty"`
	Groups         []string `json:"provider_groups,omitempty"`
	RequestingUser string   `json:"requesting_user"`
}

// startJobMessage is the credentials service's go-ahead: the job may run,
// with accounts_info resolved against the credential store.
type startJobMessage struct {
	ID           string              `json:"id"`
	AccountsInfo models.AccountsInfo `json:"accounts_info,omitempty"`
}

// Service is the job creator process.
type Service struct {
	config   *common.Config
	broker   *broker.Broker
	accounts *AccountStore
	notifier *notify.Notifier
	validate *validator.Validate
	logger   arbor.ILogger

	mu      sync.Mutex
	pending map[string]models.JobDocument

	documentConsumer *broker.Consumer
	accountConsumer  *broker.Consumer
}

// New creates the job creator service.
func New(config *common.Config, b *broker.Broker, accounts *AccountStore, notifier *notify.Notifier, logger arbor.ILogger) *Service {
	return &Service{
		config:   config,
		broker:   b,
		accounts: accounts,
		notifier: notifier,
		validate: validator.New(),
		logger:   logger,
		pending:  make(map[string]models.JobDocument),
	}
}

// Start declares the full pipeline topology and begins consuming requests.
// The job creator owns exchange declaration so stage services can bind in
// any start order.
func (s *Service) Start(ctx context.Context) error {
	exchanges := append([]string{models.ServiceJobCreator, models.ServiceCredentials}, models.PipelineOrder...)
	for _, exchange := range exchanges {
		if err := s.broker.DeclareExchange(ctx, exchange); err != nil {
			return err
		}
	}

	documentQueue := "jobcreator.job_document"
	accountQueue := "jobcreator.listener"
	if err := s.broker.DeclareQueue(ctx, documentQueue); err != nil {
		return err
	}
	if err := s.broker.DeclareQueue(ctx, accountQueue); err != nil {
		return err
	}
	if err := s.broker.Bind(ctx, models.ServiceJobCreator, documentQueue, "job_document"); err != nil {
		return err
	}
	for _, key := range []string{keyAddAccount, keyDeleteAccount} {
		if err := s.broker.Bind(ctx, models.ServiceJobCreator, accountQueue, key); err != nil {
			return err
		}
	}

	s.documentConsumer = broker.NewConsumer(s.broker, documentQueue, 1, s.handleDocument, s.logger)
	s.accountConsumer = broker.NewConsumer(s.broker, accountQueue, 1, s.handleAccountMessage, s.logger)
	s.documentConsumer.Start()
	s.accountConsumer.Start()

	s.logger.Info().Msg("Job creator service started")
	return nil
}

// Stop halts consumption.
func (s *Service) Stop() {
	if s.documentConsumer != nil {
		s.documentConsumer.Stop()
	}
	if s.accountConsumer != nil {
		s.accountConsumer.Stop()
	}
}

// handleDocument dispatches one job_document message. Control messages
// carry job_delete, invalid_job or start_job at the top level; anything
// else is a new job submission.
func (s *Service) handleDocument(ctx context.Context, d *broker.Delivery) {
	defer func() {
		if err := d.Ack(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to ack job document")
		}
	}()

	var msg struct {
		JobDelete  string          `json:"job_delete"`
		InvalidJob string          `json:"invalid_job"`
		StartJob   json.RawMessage `json:"start_job"`
	}
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		s.logger.Error().Err(err).Msg("Discarding malformed job document")
		return
	}

	switch {
	case msg.JobDelete != "":
		s.deleteJob(ctx, msg.JobDelete)
	case msg.InvalidJob != "":
		s.invalidJob(msg.InvalidJob)
	case msg.StartJob != nil:
		s.startJob(ctx, msg.StartJob)
	default:
		s.processNewJob(ctx, d.Body)
	}
}

// processNewJob validates a submitted job document and asks the
// credentials service to confirm secrets exist before any stage runs.
func (s *Service) processNewJob(ctx context.Context, raw []byte) {
	doc, err := models.ParseJobDocument(raw)
	if err != nil {
		s.logger.Error().Err(err).Msg("Discarding malformed job document")
		return
	}

	req, err := ValidateRequest(doc, s.validate)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", doc.ID()).Msg("Rejecting invalid job")
		return
	}

	// Snapshot account configuration now: edits after acceptance do not
	// change this job.
	info, err := s.accounts.ResolveAccounts(req.RequestingUser, req.Cloud, req.CloudAccounts, req.CloudGroups)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", req.ID).Msg("Rejecting job with unknown accounts")
		return
	}
	enriched := doc.Clone()
	enriched["accounts_info"] = info

	s.mu.Lock()
	s.pending[req.ID] = enriched
	s.mu.Unlock()

	check := map[string]credentialsJobCheck{
		"credentials_job_check": {
			ID:             req.ID,
			Provider:       req.Cloud,
			Accounts:       req.CloudAccounts,
			Groups:         req.CloudGroups,
			RequestingUser: req.RequestingUser,
		},
	}
	body, err := json.Marshal(check)
	if err == nil {
		err = s.broker.Publish(ctx, models.ServiceCredentials, "job_document", body)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("job_id", req.ID).Msg("Failed to publish credentials check")
		return
	}
	s.logger.Info().Str("job_id", req.ID).Str("cloud", req.Cloud).Msg("Job accepted, awaiting credentials check")
}

// startJob fans a job out once the credentials service confirms it.
func (s *Service) startJob(ctx context.Context, raw []byte) {
	var start startJobMessage
	if err := json.Unmarshal(raw, &start); err != nil || start.ID == "" {
		s.logger.Error().Err(err).Msg("Discarding malformed start_job message")
		return
	}

	s.mu.Lock()
	doc, ok := s.pending[start.ID]
	delete(s.pending, start.ID)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Str("job_id", start.ID).Msg("start_job for unknown job")
		return
	}

	// The credentials service may enrich accounts_info with group
	// members the submitter named only indirectly.
	if len(start.AccountsInfo) > 0 {
		doc["accounts_info"] = start.AccountsInfo
	}

	if err := s.fanOut(ctx, doc); err != nil {
		s.logger.Error().Err(err).Str("job_id", start.ID).Msg("Failed to fan out job")
		return
	}
	s.logger.Info().Str("job_id", start.ID).Str("last_service", doc.LastService()).Msg("Job fanned out to pipeline")
}

// invalidJob drops a pending job the credentials service rejected.
func (s *Service) invalidJob(id string) {
	s.mu.Lock()
	doc, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Str("job_id", id).Msg("invalid_job for unknown job")
		return
	}

	s.logger.Error().Str("job_id", id).Msg("Credentials check failed, job dropped")
	s.notifier.Notify(doc, doc.LastService(), models.StatusFailed, []string{"no credentials exist for the requested accounts"})
}

func (s *Service) fanOut(ctx context.Context, doc models.JobDocument) error {
	var info models.AccountsInfo
	switch v := doc["accounts_info"].(type) {
	case models.AccountsInfo:
		info = v
	case map[string]interface{}:
		if data, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(data, &info)
		}
	}

	messages, err := BuildStageMessages(doc, info)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		body, err := json.Marshal(msg.Body)
		if err != nil {
			return err
		}
		if err := s.broker.Publish(ctx, msg.Exchange, "job_document", body); err != nil {
			return fmt.Errorf("failed to publish job to %s: %w", msg.Exchange, err)
		}
	}
	return nil
}

// deleteJob cascades a delete to the credentials service and every stage,
// each keyed for that service's own listener.
func (s *Service) deleteJob(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	targets := append([]string{models.ServiceCredentials}, models.PipelineOrder...)
	for _, exchange := range targets {
		body, err := json.Marshal(map[string]string{exchange + "_job_delete": id})
		if err != nil {
			continue
		}
		if err := s.broker.Publish(ctx, exchange, "job_document", body); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Str("exchange", exchange).Msg("Failed to cascade job delete")
		}
	}
	s.logger.Info().Str("job_id", id).Msg("Job delete cascaded")
}

// handleAccountMessage dispatches add_account and delete_account by
// routing key.
func (s *Service) handleAccountMessage(ctx context.Context, d *broker.Delivery) {
	defer func() {
		if err := d.Ack(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to ack account message")
		}
	}()

	switch d.RoutingKey {
	case keyAddAccount:
		s.addAccount(ctx, d.Body)
	case keyDeleteAccount:
		s.deleteAccount(ctx, d.Body)
	default:
		s.logger.Error().Str("routing_key", d.RoutingKey).Msg("Unexpected account message")
	}
}

func (s *Service) addAccount(ctx context.Context, raw []byte) {
	var req AccountRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Error().Err(err).Msg("Discarding malformed add_account request")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.logger.Error().Err(err).Str("account", req.Name).Msg("Rejecting invalid account")
		return
	}

	account := models.CloudAccount{
		Name:   req.Name,
		Cloud:  req.Cloud,
		User:   req.RequestingUser,
		Region: req.Region,
		Group:  req.Group,
		Data:   req.Data,
	}
	if err := s.accounts.Upsert(account); err != nil {
		s.logger.Error().Err(err).Str("account", req.Name).Msg("Failed to store account")
		return
	}

	// The credentials service holds the secrets; relay so both stay in
	// step.
	if err := s.broker.Publish(ctx, models.ServiceCredentials, keyAddAccount, raw); err != nil {
		s.logger.Error().Err(err).Str("account", req.Name).Msg("Failed to relay add_account")
		return
	}
	s.logger.Info().Str("account", req.Name).Str("cloud", req.Cloud).Msg("Account added")
}

func (s *Service) deleteAccount(ctx context.Context, raw []byte) {
	var req AccountRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Error().Err(err).Msg("Discarding malformed delete_account request")
		return
	}
	if req.Name == "" || req.Cloud == "" || req.RequestingUser == "" {
		s.logger.Error().Str("account", req.Name).Msg("Rejecting incomplete delete_account request")
		return
	}

	if err := s.accounts.Delete(req.RequestingUser, req.Cloud, req.Name); err != nil {
		s.logger.Error().Err(err).Str("account", req.Name).Msg("Failed to delete account")
		return
	}
	if err := s.broker.Publish(ctx, models.ServiceCredentials, keyDeleteAccount, raw); err != nil {
		s.logger.Error().Err(err).Str("account", req.Name).Msg("Failed to relay delete_account")
		return
	}
	s.logger.Info().Str("account", req.Name).Str("cloud", req.Cloud).Msg("Account deleted")
}

// PendingCount reports jobs awaiting their credentials check.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
