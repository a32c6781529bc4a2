package listener

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/broker"
	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/creds"
	"github.com/openmash/mash/internal/handler"
	"github.com/openmash/mash/internal/jobstore"
	"github.com/openmash/mash/internal/models"
	"github.com/openmash/mash/internal/notify"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *recordingMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, body)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// stubHandler reports a canned outcome.
type stubHandler struct {
	handler.Base
	outcome models.Status
	outputs map[string]interface{}
	delay   time.Duration
	ran     chan struct{}
}

func (h *stubHandler) Run(ctx context.Context) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	for k, v := range h.outputs {
		h.SetOutput(k, v)
	}
	h.SetStatus(h.outcome)
	if h.ran != nil {
		close(h.ran)
	}
	return nil
}

type fixture struct {
	broker  *broker.Broker
	service *Service
	mailer  *recordingMailer
	store   *jobstore.Store
}

func newFixture(t *testing.T, name string, outcome models.Status, outputs map[string]interface{}) *fixture {
	t.Helper()
	logger := common.GetLogger()

	b, err := broker.Open(filepath.Join(t.TempDir(), "broker.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	store, err := jobstore.New(filepath.Join(t.TempDir(), name+"_jobs"), logger)
	require.NoError(t, err)

	factory := handler.NewFactory()
	for _, cloud := range models.KnownClouds {
		cloud := cloud
		factory.Register(name, cloud, func(doc models.JobDocument, config *common.Config, logger arbor.ILogger, provider creds.Provider) (handler.StageHandler, error) {
			return &stubHandler{
				Base:    handler.NewBase(doc, config, logger, provider),
				outcome: outcome,
				outputs: outputs,
			}, nil
		})
	}

	mailer := &recordingMailer{}
	notifier := notify.NewNotifier(mailer, "", logger)

	config := common.DefaultConfig()
	config.BaseThreadPoolCount = 2

	svc, err := New(name, config, b, store, factory, notifier, nil, logger)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	return &fixture{broker: b, service: svc, mailer: mailer, store: store}
}

func (f *fixture) submitJob(t *testing.T, svc string, doc models.JobDocument) {
	t.Helper()
	body, err := json.Marshal(map[string]models.JobDocument{svc + "_job": doc})
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(context.Background(), svc, RoutingKeyJobDocument, body))
}

// bindCapture declares a queue bound on exchange before any forward can
// happen, so no message is ever unroutable.
func bindCapture(t *testing.T, b *broker.Broker, exchange, queue, key string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.DeclareExchange(ctx, exchange))
	require.NoError(t, b.DeclareQueue(ctx, queue))
	require.NoError(t, b.Bind(ctx, exchange, queue, key))
}

func (f *fixture) sendListener(t *testing.T, svc string, msg models.ListenerMessage) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(context.Background(), svc, "previous.j0", body))
}

// drainOne receives one message from a previously bound capture queue.
func drainOne(t *testing.T, b *broker.Broker, exchange, queue, key string, timeout time.Duration) *models.ListenerMessage {
	t.Helper()
	bindCapture(t, b, exchange, queue, key)

	var got *models.ListenerMessage
	var mu sync.Mutex
	consumer := broker.NewConsumer(b, queue, 1, func(ctx context.Context, d *broker.Delivery) {
		msg, err := models.ParseListenerMessage(d.Body)
		require.NoError(t, err)
		mu.Lock()
		got = msg
		mu.Unlock()
		require.NoError(t, d.Ack())
	}, common.GetLogger())
	consumer.Start()
	defer consumer.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, timeout, 20*time.Millisecond)
	return got
}

func jobDoc(id string) models.JobDocument {
	return models.JobDocument{
		"id":           id,
		"cloud":        models.CloudEC2,
		"utctime":      "now",
		"last_service": "publish",
	}
}

func TestJobDocumentAcceptedAndPersisted(t *testing.T) {
	f := newFixture(t, "create", models.StatusSuccess, nil)

	f.submitJob(t, "create", jobDoc("j1"))

	assert.Eventually(t, func() bool { return f.service.JobCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	docs, err := f.store.ListAll()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NotEmpty(t, docs[0].JobFile())
	assert.Equal(t, models.StatusPending, docs[0].State())
}

func TestInvalidJobDocumentRejected(t *testing.T) {
	f := newFixture(t, "create", models.StatusSuccess, nil)

	doc := jobDoc("j2")
	doc["cloud"] = "metal"
	f.submitJob(t, "create", doc)

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 0, f.service.JobCount())
}

func TestListenerMessageRunsHandlerAndForwards(t *testing.T) {
	f := newFixture(t, "create", models.StatusSuccess, map[string]interface{}{"cloud_image_name": "img-1"})

	f.submitJob(t, "create", jobDoc("j3"))
	require.Eventually(t, func() bool { return f.service.JobCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	bindCapture(t, f.broker, "test", "capture.test", "*.*")
	f.sendListener(t, "create", models.ListenerMessage{
		ID:        "j3",
		Status:    models.StatusSuccess,
		StatusMsg: map[string]interface{}{"image_file": "/tmp/img.raw"},
	})

	out := drainOne(t, f.broker, "test", "capture.test", "*.*", 10*time.Second)
	assert.Equal(t, "j3", out.ID)
	assert.Equal(t, models.StatusSuccess, out.Status)
	// Outputs merge additively over the incoming status_msg.
	assert.Equal(t, "img-1", out.StatusMsg["cloud_image_name"])
	assert.Equal(t, "/tmp/img.raw", out.StatusMsg["image_file"])

	assert.Eventually(t, func() bool { return f.service.JobCount() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestUpstreamFailurePropagatesWithoutRunning(t *testing.T) {
	f := newFixture(t, "test", models.StatusSuccess, map[string]interface{}{"should_not": "appear"})

	doc := jobDoc("j4")
	f.submitJob(t, "test", doc)
	require.Eventually(t, func() bool { return f.service.JobCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	bindCapture(t, f.broker, "raw_image_upload", "capture.riu", "*.*")
	f.sendListener(t, "test", models.ListenerMessage{
		ID:     "j4",
		Status: models.StatusFailed,
		Errors: []string{"creation blew up"},
	})

	out := drainOne(t, f.broker, "raw_image_upload", "capture.riu", "*.*", 10*time.Second)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, []string{"creation blew up"}, out.Errors)
	assert.NotContains(t, out.StatusMsg, "should_not")
}

func TestFailureAtLastServiceNotifies(t *testing.T) {
	f := newFixture(t, "publish", models.StatusFailed, nil)

	doc := jobDoc("j5")
	doc["notification_email"] = "dev@example.com"
	f.submitJob(t, "publish", doc)
	require.Eventually(t, func() bool { return f.service.JobCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	f.sendListener(t, "publish", models.ListenerMessage{ID: "j5", Status: models.StatusSuccess})

	assert.Eventually(t, func() bool { return f.mailer.count() == 1 }, 10*time.Second, 20*time.Millisecond)
}

func TestMidPipelineFailureForwardsWithoutMail(t *testing.T) {
	f := newFixture(t, "create", models.StatusFailed, nil)

	doc := jobDoc("j5b")
	doc["notification_email"] = "dev@example.com"
	f.submitJob(t, "create", doc)
	require.Eventually(t, func() bool { return f.service.JobCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	bindCapture(t, f.broker, "test", "capture.midfail", "*.*")
	f.sendListener(t, "create", models.ListenerMessage{ID: "j5b", Status: models.StatusSuccess})

	// The failure travels downstream so the terminal stage can report it;
	// no mail goes out before then.
	out := drainOne(t, f.broker, "test", "capture.midfail", "*.*", 10*time.Second)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Zero(t, f.mailer.count())
}

func TestLastServiceDoesNotForward(t *testing.T) {
	f := newFixture(t, "publish", models.StatusSuccess, nil)

	f.submitJob(t, "publish", jobDoc("j6"))
	require.Eventually(t, func() bool { return f.service.JobCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	// Bind a capture queue on deprecate before triggering the run.
	ctx := context.Background()
	require.NoError(t, f.broker.DeclareExchange(ctx, "deprecate"))
	require.NoError(t, f.broker.DeclareQueue(ctx, "capture.dep"))
	require.NoError(t, f.broker.Bind(ctx, "deprecate", "capture.dep", "*.*"))

	var forwarded sync.Map
	consumer := broker.NewConsumer(f.broker, "capture.dep", 1, func(ctx context.Context, d *broker.Delivery) {
		forwarded.Store(string(d.Body), true)
		require.NoError(t, d.Ack())
	}, common.GetLogger())
	consumer.Start()
	defer consumer.Stop()

	f.sendListener(t, "publish", models.ListenerMessage{ID: "j6", Status: models.StatusSuccess})

	require.Eventually(t, func() bool { return f.service.JobCount() == 0 }, 10*time.Second, 20*time.Millisecond)

	time.Sleep(1500 * time.Millisecond)
	count := 0
	forwarded.Range(func(k, v interface{}) bool { count++; return true })
	assert.Zero(t, count)
}

func TestJobDeleteRemovesResidentJob(t *testing.T) {
	f := newFixture(t, "create", models.StatusSuccess, nil)

	f.submitJob(t, "create", jobDoc("j7"))
	require.Eventually(t, func() bool { return f.service.JobCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	body, _ := json.Marshal(map[string]string{"create_job_delete": "j7"})
	require.NoError(t, f.broker.Publish(context.Background(), "create", RoutingKeyJobDocument, body))

	assert.Eventually(t, func() bool { return f.service.JobCount() == 0 }, 5*time.Second, 20*time.Millisecond)

	docs, err := f.store.ListAll()
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestEarlyListenerMessageDroppedAfterOneRequeue(t *testing.T) {
	f := newFixture(t, "create", models.StatusSuccess, nil)

	f.sendListener(t, "create", models.ListenerMessage{ID: "ghost", Status: models.StatusSuccess})

	// The message gets one requeue cycle, then is dropped for good.
	assert.Eventually(t, func() bool {
		f.service.mu.Lock()
		defer f.service.mu.Unlock()
		return len(f.service.requeues) == 0
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 0, f.service.JobCount())
}

func TestRunningStatePersistedDuringRun(t *testing.T) {
	logger := common.GetLogger()
	dir := t.TempDir()

	store, err := jobstore.New(filepath.Join(dir, "create_jobs"), logger)
	require.NoError(t, err)
	b, err := broker.Open(filepath.Join(dir, "broker.db"), logger)
	require.NoError(t, err)
	defer b.Close()

	factory := handler.NewFactory()
	factory.Register("create", models.CloudEC2, func(doc models.JobDocument, config *common.Config, l arbor.ILogger, p creds.Provider) (handler.StageHandler, error) {
		return &stubHandler{
			Base:    handler.NewBase(doc, config, l, p),
			outcome: models.StatusSuccess,
			delay:   2 * time.Second,
		}, nil
	})

	svc, err := New("create", common.DefaultConfig(), b, store, factory, notify.NewNotifier(&recordingMailer{}, "", logger), nil, logger)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	body, _ := json.Marshal(map[string]models.JobDocument{"create_job": jobDoc("j9")})
	require.NoError(t, b.Publish(context.Background(), "create", RoutingKeyJobDocument, body))
	require.Eventually(t, func() bool { return svc.JobCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	bindCapture(t, b, "test", "capture.runstate", "*.*")
	lm, _ := json.Marshal(models.ListenerMessage{ID: "j9", Status: models.StatusSuccess})
	require.NoError(t, b.Publish(context.Background(), "create", "obs.j9", lm))

	// While the handler runs, the record on disk says so.
	require.Eventually(t, func() bool {
		docs, err := store.ListAll()
		if err != nil || len(docs) != 1 {
			return false
		}
		return docs[0].State() == models.StatusRunning
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool { return svc.JobCount() == 0 }, 10*time.Second, 20*time.Millisecond)
}

func TestRehydrateResetsInterruptedRun(t *testing.T) {
	logger := common.GetLogger()
	dir := t.TempDir()

	store, err := jobstore.New(filepath.Join(dir, "test_jobs"), logger)
	require.NoError(t, err)
	doc := jobDoc("j10")
	doc.SetState(models.StatusRunning)
	_, err = store.Persist(doc)
	require.NoError(t, err)

	b, err := broker.Open(filepath.Join(dir, "broker.db"), logger)
	require.NoError(t, err)
	defer b.Close()

	factory := handler.NewFactory()
	factory.RegisterNoOp("test", models.CloudEC2)

	svc, err := New("test", common.DefaultConfig(), b, store, factory, notify.NewNotifier(&recordingMailer{}, "", logger), nil, logger)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	// The interrupted run left no usable output; the job goes back to
	// waiting for its listener message.
	require.Equal(t, 1, svc.JobCount())
	docs, err := store.ListAll()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, models.StatusPending, docs[0].State())
}

func TestRehydrateRestoresJobs(t *testing.T) {
	logger := common.GetLogger()
	dir := t.TempDir()

	store, err := jobstore.New(filepath.Join(dir, "test_jobs"), logger)
	require.NoError(t, err)
	_, err = store.Persist(jobDoc("j8"))
	require.NoError(t, err)

	b, err := broker.Open(filepath.Join(dir, "broker.db"), logger)
	require.NoError(t, err)
	defer b.Close()

	factory := handler.NewFactory()
	factory.RegisterNoOp("test", models.CloudEC2)

	svc, err := New("test", common.DefaultConfig(), b, store, factory, notify.NewNotifier(&recordingMailer{}, "", logger), nil, logger)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.Equal(t, 1, svc.JobCount())
}
