// Package listener implements the framework shared by every pipeline
// stage service: it accepts job documents, waits for the previous stage's
// completion message, runs the stage handler, and forwards the outcome to
// the next service in the chain.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/broker"
	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/creds"
	"github.com/openmash/mash/internal/handler"
	"github.com/openmash/mash/internal/jobstore"
	"github.com/openmash/mash/internal/models"
	"github.com/openmash/mash/internal/notify"
)

// RoutingKeyJobDocument is the binding key for new job documents.
const RoutingKeyJobDocument = "job_document"

type jobState struct {
	doc     models.JobDocument
	handler handler.StageHandler

	mu      sync.Mutex
	running bool
	deleted bool
}

// Service is one pipeline stage's listener process.
type Service struct {
	name     string
	config   *common.Config
	broker   *broker.Broker
	store    *jobstore.Store
	factory  *handler.Factory
	notifier *notify.Notifier
	provider creds.Provider
	logger   arbor.ILogger

	mu   sync.Mutex
	jobs map[string]*jobState
	// requeues counts listener messages seen before their job document.
	// One requeue is allowed; after that the message is dropped.
	requeues map[string]int

	docConsumer      *broker.Consumer
	listenerConsumer *broker.Consumer
}

// New creates the stage service. name must be a canonical pipeline stage.
func New(name string, config *common.Config, b *broker.Broker, store *jobstore.Store, factory *handler.Factory, notifier *notify.Notifier, provider creds.Provider, logger arbor.ILogger) (*Service, error) {
	name = models.NormalizeService(name)
	if !models.KnownService(name) {
		return nil, fmt.Errorf("unknown pipeline service %q", name)
	}
	return &Service{
		name:     name,
		config:   config,
		broker:   b,
		store:    store,
		factory:  factory,
		notifier: notifier,
		provider: provider,
		logger:   logger,
		jobs:     make(map[string]*jobState),
		requeues: make(map[string]int),
	}, nil
}

// Start declares the service's broker topology, rehydrates persisted jobs
// and begins consuming.
func (s *Service) Start(ctx context.Context) error {
	if err := s.declareTopology(ctx); err != nil {
		return err
	}
	if err := s.rehydrate(); err != nil {
		return err
	}

	docQueue := s.name + ".job_document"
	listenerQueue := s.name + ".listener"

	s.docConsumer = broker.NewConsumer(s.broker, docQueue, 1, s.handleJobDocument, s.logger)
	s.listenerConsumer = broker.NewConsumer(s.broker, listenerQueue, s.config.ThreadPoolCount(s.name), s.handleListenerMessage, s.logger)
	s.docConsumer.Start()
	s.listenerConsumer.Start()

	s.logger.Info().Str("service", s.name).Msg("Listener service started")
	return nil
}

// Stop halts consumption. Unacked messages redeliver after restart.
func (s *Service) Stop() {
	if s.docConsumer != nil {
		s.docConsumer.Stop()
	}
	if s.listenerConsumer != nil {
		s.listenerConsumer.Stop()
	}
}

// Fatal reports unrecoverable broker failures from either consumer.
func (s *Service) Fatal() <-chan error {
	ch := make(chan error, 1)
	forward := func(src <-chan error) {
		if err, ok := <-src; ok {
			select {
			case ch <- err:
			default:
			}
		}
	}
	go forward(s.docConsumer.Fatal())
	go forward(s.listenerConsumer.Fatal())
	return ch
}

func (s *Service) declareTopology(ctx context.Context) error {
	if err := s.broker.DeclareExchange(ctx, s.name); err != nil {
		return err
	}
	docQueue := s.name + ".job_document"
	listenerQueue := s.name + ".listener"
	if err := s.broker.DeclareQueue(ctx, docQueue); err != nil {
		return err
	}
	if err := s.broker.DeclareQueue(ctx, listenerQueue); err != nil {
		return err
	}
	if err := s.broker.Bind(ctx, s.name, docQueue, RoutingKeyJobDocument); err != nil {
		return err
	}
	// Listener messages arrive with key <previous service>.<job id>. The
	// wildcard binding keeps the topology stable when a cloud skips a
	// stage (ec2 has no separate upload step).
	if err := s.broker.Bind(ctx, s.name, listenerQueue, "*.*"); err != nil {
		return err
	}
	// The next exchange must exist before this service forwards to it.
	if next, ok := models.NextService(s.name, models.ServiceDeprecate); ok {
		if err := s.broker.DeclareExchange(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

// rehydrate reloads persisted job documents after a restart. Jobs resume
// waiting for their listener message; at-least-once delivery guarantees it
// reappears if it was in flight.
func (s *Service) rehydrate() error {
	docs, err := s.store.ListAll()
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.State() == models.StatusRunning {
			// The process died mid-run. The run's output is gone; the job
			// waits for its listener message to be redelivered.
			s.logger.Warn().Str("job_id", doc.ID()).Msg("Job was interrupted mid-run, returning to pending")
			doc.SetState(models.StatusPending)
			if _, err := s.store.Persist(doc); err != nil {
				s.logger.Warn().Err(err).Str("job_id", doc.ID()).Msg("Failed to persist pending state")
			}
		}
		if err := s.addJob(doc); err != nil {
			s.logger.Warn().Err(err).Str("job_id", doc.ID()).Msg("Failed to rehydrate job")
		}
	}
	if len(docs) > 0 {
		s.logger.Info().Int("count", len(docs)).Msg("Rehydrated persisted jobs")
	}
	return nil
}

func (s *Service) addJob(doc models.JobDocument) error {
	h, err := s.factory.New(s.name, doc, s.config, s.logger, s.provider)
	if err != nil {
		return err
	}
	if err := h.PostInit(); err != nil {
		return fmt.Errorf("job %s rejected: %w", doc.ID(), err)
	}
	s.mu.Lock()
	s.jobs[doc.ID()] = &jobState{doc: doc, handler: h}
	s.mu.Unlock()
	return nil
}

// handleJobDocument accepts a new job wrapped under "<service>_job" or a
// "<service>_job_delete" control message. Accepting a document twice is
// harmless: the persisted file and the in-memory entry are simply
// replaced.
func (s *Service) handleJobDocument(ctx context.Context, d *broker.Delivery) {
	ack := func() {
		if err := d.Ack(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to ack job document")
		}
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		s.logger.Error().Err(err).Str("service", s.name).Msg("Discarding malformed job document")
		ack()
		return
	}

	if raw, ok := msg[s.name+"_job_delete"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			s.logger.Error().Str("service", s.name).Msg("Discarding malformed job delete")
		} else {
			s.deleteJob(id)
		}
		ack()
		return
	}

	raw, ok := msg[s.name+"_job"]
	if !ok {
		s.logger.Error().Str("service", s.name).Msg("Job document carries no recognized key")
		ack()
		return
	}
	doc, err := models.ParseJobDocument(raw)
	if err != nil {
		s.logger.Error().Err(err).Str("service", s.name).Msg("Discarding malformed job document")
		ack()
		return
	}

	if err := s.validate(doc); err != nil {
		s.logger.Error().Err(err).Str("job_id", doc.ID()).Msg("Rejecting invalid job document")
		ack()
		return
	}

	doc.SetState(models.StatusPending)
	stored, err := s.store.Persist(doc)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", doc.ID()).Msg("Failed to persist job document")
		if err := d.Nack(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to nack job document")
		}
		return
	}

	if err := s.addJob(stored); err != nil {
		s.logger.Error().Err(err).Str("job_id", doc.ID()).Msg("Rejecting job")
		if err := s.store.Delete(doc.ID()); err != nil {
			s.logger.Warn().Err(err).Str("job_id", doc.ID()).Msg("Failed to remove rejected job")
		}
		ack()
		return
	}

	s.logger.Info().
		Str("job_id", stored.ID()).
		Str("cloud", stored.Cloud()).
		Str("last_service", stored.LastService()).
		Msg("Job document accepted")
	ack()
}

func (s *Service) validate(doc models.JobDocument) error {
	if err := doc.RequireKeys("id", "cloud", "utctime", "last_service"); err != nil {
		return err
	}
	cloudKnown := false
	for _, cloud := range models.KnownClouds {
		if doc.Cloud() == cloud {
			cloudKnown = true
			break
		}
	}
	if !cloudKnown {
		return fmt.Errorf("unknown cloud %q", doc.Cloud())
	}
	if !models.KnownService(doc.LastService()) {
		return fmt.Errorf("unknown last_service %q", doc["last_service"])
	}
	if models.ServiceIndex(doc.LastService()) < models.ServiceIndex(s.name) {
		return fmt.Errorf("job terminates at %s before reaching %s", doc.LastService(), s.name)
	}
	if _, err := doc.ValidateUTCTime(); err != nil {
		return err
	}
	return nil
}

// handleListenerMessage reacts to the previous stage's completion.
func (s *Service) handleListenerMessage(ctx context.Context, d *broker.Delivery) {
	ack := func() {
		if err := d.Ack(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to ack listener message")
		}
	}

	msg, err := models.ParseListenerMessage(d.Body)
	if err != nil || msg.ID == "" {
		s.logger.Error().Err(err).Str("service", s.name).Msg("Discarding malformed listener message")
		ack()
		return
	}

	s.mu.Lock()
	state, ok := s.jobs[msg.ID]
	if !ok {
		// The job document may still be in flight. Give it one more
		// delivery cycle, then drop.
		s.requeues[msg.ID]++
		attempts := s.requeues[msg.ID]
		s.mu.Unlock()
		if attempts <= 1 {
			s.logger.Debug().Str("job_id", msg.ID).Msg("Listener message before job document, requeueing once")
			if err := d.Nack(); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to requeue listener message")
			}
		} else {
			s.logger.Warn().Str("job_id", msg.ID).Msg("Dropping listener message for unknown job")
			s.mu.Lock()
			delete(s.requeues, msg.ID)
			s.mu.Unlock()
			ack()
		}
		return
	}
	delete(s.requeues, msg.ID)

	state.mu.Lock()
	if state.running || state.deleted {
		state.mu.Unlock()
		s.mu.Unlock()
		// Duplicate delivery while the handler runs. At-least-once
		// semantics make this safe to drop.
		s.logger.Debug().Str("job_id", msg.ID).Msg("Dropping duplicate listener message")
		ack()
		return
	}
	state.running = true
	state.mu.Unlock()
	s.mu.Unlock()

	if msg.Status != models.StatusSuccess {
		// Upstream failure: propagate without running this stage.
		s.logger.Info().
			Str("job_id", msg.ID).
			Str("status", string(msg.Status)).
			Msg("Propagating upstream failure")
		s.finishJob(ctx, state, msg, msg.Status, nil, msg.Errors)
		ack()
		return
	}

	s.runJob(ctx, state, msg)
	ack()
}

// runJob executes the stage handler and routes its outcome. The running
// state lands on disk first so a restart can tell an interrupted run from
// a job still waiting on its listener message.
func (s *Service) runJob(ctx context.Context, state *jobState, msg *models.ListenerMessage) {
	id := state.doc.ID()
	s.logger.Info().Str("job_id", id).Str("service", s.name).Msg("Running job")

	state.doc.SetState(models.StatusRunning)
	if _, err := s.store.Persist(state.doc); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to persist running state")
	}

	if err := state.handler.Run(ctx); err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("Handler infrastructure error")
	}

	state.mu.Lock()
	deleted := state.deleted
	state.mu.Unlock()
	if deleted {
		// The job was deleted mid-run; its output is discarded.
		s.logger.Info().Str("job_id", id).Msg("Discarding output of deleted job")
		s.removeJob(id)
		return
	}

	status := state.handler.Status()
	if !status.Terminal() {
		status = models.StatusException
	}
	errors := append(msg.Errors, state.handler.ErrorMsgs()...)
	s.finishJob(ctx, state, msg, status, state.handler.StatusMsg(), errors)
}

// finishJob notifies, forwards downstream when appropriate, and retires
// the job from this service.
func (s *Service) finishJob(ctx context.Context, state *jobState, msg *models.ListenerMessage, status models.Status, outputs map[string]interface{}, errors []string) {
	id := state.doc.ID()
	s.notifier.Notify(state.doc, s.name, status, errors)

	// Failures travel the rest of the chain too, so every later service
	// retires the job and the terminal notification fires.
	atEnd := s.name == state.doc.LastService()
	if next, ok := models.NextService(s.name, state.doc.LastService()); ok && !atEnd {
		statusMsg := msg.StatusMsg
		if status == models.StatusSuccess {
			statusMsg = models.MergeStatusMsg(msg.StatusMsg, outputs)
		}
		out := models.ListenerMessage{ID: id, Status: status, StatusMsg: statusMsg, Errors: errors}
		body, err := json.Marshal(out)
		if err == nil {
			// Routing key is <this service>.<job id>; the next service's
			// wildcard binding matches it regardless of which stage sent it.
			err = s.broker.Publish(ctx, next, s.name+"."+id, body)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Str("next", next).Msg("Failed to forward listener message")
		} else {
			s.logger.Info().Str("job_id", id).Str("next", next).Msg("Forwarded job to next service")
		}
	}

	if state.doc.Nonstop() {
		// Nonstop jobs stay resident until an explicit delete; the next
		// image appearance runs the chain again under the same id.
		state.doc.SetState(models.StatusPending)
		if _, err := s.store.Persist(state.doc); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to persist pending state")
		}
		state.mu.Lock()
		state.running = false
		state.mu.Unlock()
		return
	}

	s.removeJob(id)
	s.logger.Info().
		Str("job_id", id).
		Str("status", string(status)).
		Msg("Job finished")
}

func (s *Service) deleteJob(id string) {
	s.mu.Lock()
	state, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Str("job_id", id).Msg("Delete for unknown job")
		return
	}

	state.mu.Lock()
	state.deleted = true
	running := state.running
	state.mu.Unlock()

	if running {
		// The running handler notices on completion and discards output.
		s.logger.Info().Str("job_id", id).Msg("Job marked deleted, run in progress")
		if err := s.store.Delete(id); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to delete job file")
		}
		return
	}
	s.removeJob(id)
	s.logger.Info().Str("job_id", id).Msg("Job deleted")
}

func (s *Service) removeJob(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	if err := s.store.Delete(id); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to delete job file")
	}
}

// JobCount reports resident jobs, used by tests and health logging.
func (s *Service) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
