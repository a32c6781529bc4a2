// Package obs heads the pipeline: it watches a build repository for the
// job's image, gates on package conditions, downloads the image when ready
// and hands the job to the first downstream stage.
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/broker"
	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/jobstore"
	"github.com/openmash/mash/internal/models"
	"github.com/openmash/mash/internal/notify"
)

// RepositoryClient talks to the build service hosting the images.
type RepositoryClient interface {
	// FetchImageStatus returns the current state of the watched image.
	FetchImageStatus(ctx context.Context, downloadURL, image string) (*ImageStatus, error)
	// DownloadImage fetches the image into destDir and returns the local
	// file path.
	DownloadImage(ctx context.Context, downloadURL, image, destDir string) (string, error)
}

type watch struct {
	doc        models.JobDocument
	conditions []Condition

	mu          sync.Mutex
	cronID      cron.EntryID
	timer       *time.Timer
	lastVersion string
	running     bool
	deleted     bool
}

// Service is the image watcher process.
type Service struct {
	config   *common.Config
	broker   *broker.Broker
	store    *jobstore.Store
	client   RepositoryClient
	notifier *notify.Notifier
	logger   arbor.ILogger
	cron     *cron.Cron

	mu   sync.Mutex
	jobs map[string]*watch

	consumer *broker.Consumer
}

// New creates the watcher service.
func New(config *common.Config, b *broker.Broker, store *jobstore.Store, client RepositoryClient, notifier *notify.Notifier, logger arbor.ILogger) *Service {
	return &Service{
		config:   config,
		broker:   b,
		store:    store,
		client:   client,
		notifier: notifier,
		logger:   logger,
		cron:     cron.New(),
		jobs:     make(map[string]*watch),
	}
}

// Start declares topology, rehydrates persisted jobs and begins watching.
func (s *Service) Start(ctx context.Context) error {
	if err := s.broker.DeclareExchange(ctx, models.ServiceOBS); err != nil {
		return err
	}
	queue := "obs.job_document"
	if err := s.broker.DeclareQueue(ctx, queue); err != nil {
		return err
	}
	if err := s.broker.Bind(ctx, models.ServiceOBS, queue, "job_document"); err != nil {
		return err
	}
	if err := s.broker.DeclareExchange(ctx, models.ServiceUpload); err != nil {
		return err
	}

	docs, err := s.store.ListAll()
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.State() == models.StatusRunning {
			s.logger.Warn().Str("job_id", doc.ID()).Msg("Job was interrupted mid-check, returning to pending")
			doc.SetState(models.StatusPending)
			if _, err := s.store.Persist(doc); err != nil {
				s.logger.Warn().Err(err).Str("job_id", doc.ID()).Msg("Failed to persist pending state")
			}
		}
		if err := s.addJob(doc); err != nil {
			s.logger.Warn().Err(err).Str("job_id", doc.ID()).Msg("Failed to rehydrate job")
		}
	}

	s.cron.Start()
	s.consumer = broker.NewConsumer(s.broker, queue, 1, s.handleJobDocument, s.logger)
	s.consumer.Start()
	s.logger.Info().Msg("Image watcher service started")
	return nil
}

// Stop halts polling and consumption.
func (s *Service) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.cron.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.jobs {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}
}

// Fatal reports unrecoverable broker failures.
func (s *Service) Fatal() <-chan error {
	return s.consumer.Fatal()
}

func (s *Service) handleJobDocument(ctx context.Context, d *broker.Delivery) {
	ack := func() {
		if err := d.Ack(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to ack job document")
		}
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		s.logger.Error().Err(err).Msg("Discarding malformed job document")
		ack()
		return
	}

	if raw, ok := msg[models.ServiceOBS+"_job_delete"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			s.logger.Error().Msg("Discarding malformed job delete")
		} else {
			s.deleteJob(id)
		}
		ack()
		return
	}

	raw, ok := msg[models.ServiceOBS+"_job"]
	if !ok {
		s.logger.Error().Msg("Job document carries no recognized key")
		ack()
		return
	}
	doc, err := models.ParseJobDocument(raw)
	if err != nil {
		s.logger.Error().Err(err).Msg("Discarding malformed job document")
		ack()
		return
	}
	if err := doc.RequireKeys("id", "cloud", "utctime", "last_service", "image", "download_url"); err != nil {
		s.logger.Error().Err(err).Str("job_id", doc.ID()).Msg("Rejecting invalid job document")
		ack()
		return
	}
	if _, err := doc.ValidateUTCTime(); err != nil {
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
	}
	ack()
}

// addJob schedules the job according to its utctime directive: immediate
// single check, timed single check, or nonstop polling.
func (s *Service) addJob(doc models.JobDocument) error {
	conditions, err := ParseConditions(doc)
	if err != nil {
		return err
	}
	w := &watch{doc: doc, conditions: conditions}

	s.mu.Lock()
	s.jobs[doc.ID()] = w
	s.mu.Unlock()

	at, err := doc.ValidateUTCTime()
	if err != nil {
		return err
	}

	switch doc.UTCTime() {
	case models.UTCTimeNow:
		go s.runCheck(w)
	case models.UTCTimeAlways:
		schedule := fmt.Sprintf("@every %s", s.config.DownloadInterval())
		id, err := s.cron.AddFunc(schedule, func() { s.runCheck(w) })
		if err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", doc.ID(), err)
		}
		w.mu.Lock()
		w.cronID = id
		w.mu.Unlock()
		// First poll happens immediately rather than one interval out.
		go s.runCheck(w)
	default:
		delay := time.Until(at)
		if delay < 0 {
			delay = 0
		}
		w.mu.Lock()
		w.timer = time.AfterFunc(delay, func() { s.runCheck(w) })
		w.mu.Unlock()
	}

	s.logger.Info().
		Str("job_id", doc.ID()).
		Str("utctime", doc.UTCTime()).
		Msg("Job scheduled")
	return nil
}

// runCheck polls the repository once and routes the outcome.
func (s *Service) runCheck(w *watch) {
	w.mu.Lock()
	if w.running || w.deleted {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	doc := w.doc
	id := doc.ID()

	// Record the run on disk so a restart can tell an interrupted check
	// from a job still waiting on its schedule.
	doc.SetState(models.StatusRunning)
	if _, err := s.store.Persist(doc); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to persist running state")
	}
	defer func() {
		s.mu.Lock()
		_, resident := s.jobs[id]
		s.mu.Unlock()
		if resident {
			doc.SetState(models.StatusPending)
			if _, err := s.store.Persist(doc); err != nil {
				s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to persist pending state")
			}
		}
	}()

	nonstop := doc.Nonstop()
	downloadURL, _ := doc["download_url"].(string)
	image, _ := doc["image"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	status, err := s.client.FetchImageStatus(ctx, downloadURL, image)
	if err != nil {
		if nonstop {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("Repository poll failed, will retry")
			return
		}
		s.finish(ctx, w, models.StatusFailed, nil, []string{fmt.Sprintf("failed to query image %s: %v", image, err)})
		return
	}

	w.mu.Lock()
	seen := w.lastVersion == status.Version && w.lastVersion != ""
	w.mu.Unlock()
	if nonstop && seen {
		return
	}

	if failures := CheckConditions(status, w.conditions, DisallowLicenses(doc), DisallowPackages(doc)); len(failures) > 0 {
		if nonstop {
			s.logger.Info().Str("job_id", id).Str("version", status.Version).Msg("Image conditions not met, waiting for next build")
			return
		}
		s.finish(ctx, w, models.StatusFailed, nil, failures)
		return
	}

	destDir := filepath.Join(s.config.JobDirectoryBase, "images")
	imageFile, err := s.client.DownloadImage(ctx, downloadURL, image, destDir)
	if err != nil {
		if nonstop {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("Image download failed, will retry")
			return
		}
		s.finish(ctx, w, models.StatusFailed, nil, []string{fmt.Sprintf("failed to download image %s: %v", image, err)})
		return
	}

	w.mu.Lock()
	w.lastVersion = status.Version
	w.mu.Unlock()

	outputs := map[string]interface{}{
		"image_file":    imageFile,
		"image_version": status.Version,
	}
	if status.Checksum != "" {
		outputs["image_checksum"] = status.Checksum
	}
	if len(w.conditions) > 0 {
		outputs["build_conditions"] = EvaluateConditions(status, w.conditions)
	}
	s.finish(ctx, w, models.StatusSuccess, outputs, nil)
}

// finish notifies, forwards downstream and retires non-nonstop jobs.
func (s *Service) finish(ctx context.Context, w *watch, status models.Status, outputs map[string]interface{}, errors []string) {
	doc := w.doc
	id := doc.ID()

	w.mu.Lock()
	deleted := w.deleted
	w.mu.Unlock()
	if deleted {
		return
	}

	s.notifier.Notify(doc, models.ServiceOBS, status, errors)

	if next, ok := models.NextService(models.ServiceOBS, doc.LastService()); ok {
		msg := models.ListenerMessage{ID: id, Status: status, StatusMsg: outputs, Errors: errors}
		body, err := json.Marshal(msg)
		if err == nil {
			err = s.broker.Publish(ctx, next, models.ServiceOBS+"."+id, body)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("Failed to forward listener message")
		} else {
			s.logger.Info().Str("job_id", id).Str("next", next).Str("status", string(status)).Msg("Job forwarded")
		}
	}

	if !doc.Nonstop() {
		s.removeJob(id)
	}
}

func (s *Service) deleteJob(id string) {
	s.mu.Lock()
	w, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Str("job_id", id).Msg("Delete for unknown job")
		return
	}
	w.mu.Lock()
	w.deleted = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.cronID != 0 {
		s.cron.Remove(w.cronID)
	}
	w.mu.Unlock()
	s.removeJob(id)
	s.logger.Info().Str("job_id", id).Msg("Job deleted")
}

func (s *Service) removeJob(id string) {
	s.mu.Lock()
	w, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok {
		w.mu.Lock()
		if w.cronID != 0 {
			s.cron.Remove(w.cronID)
		}
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}
	if err := s.store.Delete(id); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to delete job file")
	}
}

// JobCount reports resident watches.
func (s *Service) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
