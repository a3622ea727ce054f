package orchestrator_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
	"github.com/fairyhunter13/moderation-orchestrator/internal/orchestrator"
)

type fakeJobRepo struct {
	mu       sync.Mutex
	jobs     map[string]domain.Job
	texts    map[string]bool
	images   map[string]bool
	createErr error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]domain.Job{}, texts: map[string]bool{}, images: map[string]bool{}}
}

func (f *fakeJobRepo) Create(ctx domain.Context, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.jobs[j.CorrelatingID]; ok {
		return nil
	}
	f.jobs[j.CorrelatingID] = j
	return nil
}

func (f *fakeJobRepo) Get(ctx domain.Context, cid string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[cid]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobRepo) UpdateStatus(ctx domain.Context, cid string, status domain.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[cid]
	j.Status = status
	f.jobs[cid] = j
	return nil
}

func (f *fakeJobRepo) UpsertTextPayload(ctx domain.Context, p domain.TextPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[p.CorrelatingID] = true
	return nil
}

func (f *fakeJobRepo) UpsertImagePayload(ctx domain.Context, p domain.ImagePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[p.CorrelatingID] = true
	return nil
}

func (f *fakeJobRepo) HasTextPayload(ctx domain.Context, cid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[cid], nil
}

func (f *fakeJobRepo) HasImagePayload(ctx domain.Context, cid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[cid], nil
}

type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]bool
}

func newFakeTaskRepo() *fakeTaskRepo { return &fakeTaskRepo{tasks: map[string]bool{}} }

func (f *fakeTaskRepo) InsertIfAbsent(ctx domain.Context, cid, eventName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[cid+"|"+eventName] = true
	return nil
}

func (f *fakeTaskRepo) UpdateStatus(ctx domain.Context, cid, eventName string, status domain.TaskStatus, payload []byte) error {
	return nil
}

func (f *fakeTaskRepo) ListByJob(ctx domain.Context, cid string) ([]domain.Task, error) { return nil, nil }

func (f *fakeTaskRepo) CountByJobAndStatus(ctx domain.Context, cid string, status domain.TaskStatus) (int, error) {
	return 0, nil
}

type publishedMsg struct {
	exchange, routingKey string
	msg                  domain.Message
}

type fakeBroker struct {
	mu        sync.Mutex
	published []publishedMsg
	publishErr error
}

func (f *fakeBroker) Publish(ctx domain.Context, exchange, routingKey string, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{exchange, routingKey, msg})
	return nil
}

func (f *fakeBroker) Consume(ctx domain.Context, queue string, handler func(domain.Context, domain.Delivery) error) error {
	return nil
}

func TestSubmit_TextOnly_PublishesTextTargets(t *testing.T) {
	jobs := newFakeJobRepo()
	tasks := newFakeTaskRepo()
	broker := &fakeBroker{}
	o := orchestrator.New(jobs, tasks, broker, "moderation.ingress", []string{"text_toxicity_check"}, []string{"image_nsfw_check"})

	res, err := o.Submit(context.Background(), orchestrator.IngressEvent{
		CorrelatingID: "cid-1",
		Content:       orchestrator.IngressContent{Text: "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"text_toxicity_check"}, res.PublishedTargets)
	require.Len(t, broker.published, 1)
	require.Equal(t, "moderation.task.text_toxicity_check", broker.published[0].routingKey)
}

func TestSubmit_TextAndImage_PublishesBothTargets(t *testing.T) {
	jobs := newFakeJobRepo()
	tasks := newFakeTaskRepo()
	broker := &fakeBroker{}
	o := orchestrator.New(jobs, tasks, broker, "moderation.ingress", []string{"text_toxicity_check"}, []string{"image_nsfw_check"})

	res, err := o.Submit(context.Background(), orchestrator.IngressEvent{
		CorrelatingID: "cid-2",
		Content:       orchestrator.IngressContent{Text: "hello", ImageURI: "s3://bucket/key"},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"text_toxicity_check", "image_nsfw_check"}, res.PublishedTargets)
}

func TestSubmit_Idempotent_NoDuplicateJobRow(t *testing.T) {
	jobs := newFakeJobRepo()
	tasks := newFakeTaskRepo()
	broker := &fakeBroker{}
	o := orchestrator.New(jobs, tasks, broker, "moderation.ingress", []string{"text_toxicity_check"}, []string{"image_nsfw_check"})

	ev := orchestrator.IngressEvent{CorrelatingID: "cid-3", Content: orchestrator.IngressContent{Text: "hello"}}
	_, err := o.Submit(context.Background(), ev)
	require.NoError(t, err)
	_, err = o.Submit(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, jobs.jobs, 1)
	require.Len(t, broker.published, 2)
}

func TestSubmit_PublishFailure_ReturnsError(t *testing.T) {
	jobs := newFakeJobRepo()
	tasks := newFakeTaskRepo()
	broker := &fakeBroker{publishErr: domain.ErrUnroutablePublish}
	o := orchestrator.New(jobs, tasks, broker, "moderation.ingress", []string{"text_toxicity_check"}, []string{"image_nsfw_check"})

	_, err := o.Submit(context.Background(), orchestrator.IngressEvent{CorrelatingID: "cid-4", Content: orchestrator.IngressContent{Text: "hello"}})
	require.Error(t, err)
}

func TestDecodeEvent_MintsCorrelationID(t *testing.T) {
	ev, err := orchestrator.DecodeEvent([]byte(`{"content":{"text":"hi"}}`))
	require.NoError(t, err)
	require.NotEmpty(t, ev.CorrelatingID)
}

func TestDecodeEvent_RequiresTextOrImage(t *testing.T) {
	_, err := orchestrator.DecodeEvent([]byte(`{"correlating_id":"cid-5","content":{}}`))
	require.Error(t, err)
}

func TestDecodeEvent_MalformedJSON(t *testing.T) {
	_, err := orchestrator.DecodeEvent([]byte(`{`))
	require.ErrorIs(t, err, domain.ErrMalformedDelivery)
}
