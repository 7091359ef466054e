package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/voltscope/api/internal/classifier"
	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/shepherd"
)

type fakeJobCreator struct {
	mu      sync.Mutex
	created []*model.Job
}

func (c *fakeJobCreator) Create(ctx context.Context, job *model.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *job
	c.created = append(c.created, &cp)
	return nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type stubLookup struct {
	records map[string]*model.AnalysisRecord
}

func (l *stubLookup) FindByIdentityKeys(ctx context.Context, keys []string) (map[string]*model.AnalysisRecord, error) {
	out := make(map[string]*model.AnalysisRecord)
	for _, k := range keys {
		if rec, ok := l.records[k]; ok {
			out[k] = rec
		}
	}
	return out, nil
}

func (l *stubLookup) FindByIdentityKey(ctx context.Context, key string) (*model.AnalysisRecord, error) {
	return l.records[key], nil
}

func newSubmitFixture(records map[string]*model.AnalysisRecord) (*SubmitService, *fakeJobCreator, *fakeEnqueuer) {
	jobs := &fakeJobCreator{}
	queue := &fakeEnqueuer{}
	cls := classifier.New(&stubLookup{records: records}, nil)
	return NewSubmitService(jobs, cls, queue), jobs, queue
}

func TestSubmit_CreatesJobsAndSkipsDuplicates(t *testing.T) {
	dup := &model.AnalysisRecord{
		ID:          "rec-dup",
		AnalysisKey: "key-dup",
		Timestamp:   time.Now(),
		Analysis:    model.BatteryAnalysis{OperatingMode: "charging"},
	}
	svc, jobs, queue := newSubmitFixture(map[string]*model.AnalysisRecord{"key-dup": dup})

	batch := []classifier.Candidate{
		{FileName: "new.jpg", IdentityKey: "key-new", Content: []byte("img1")},
		{FileName: "dup.jpg", IdentityKey: "key-dup", Content: []byte("img2")},
	}
	resp, err := svc.Submit(context.Background(), batch, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.Jobs) != 1 || resp.Jobs[0].FileName != "new.jpg" {
		t.Errorf("jobs: %+v", resp.Jobs)
	}
	if resp.Jobs[0].Status != model.JobStatusQueued {
		t.Errorf("new jobs start queued, got %s", resp.Jobs[0].Status)
	}
	if len(resp.Duplicates) != 1 || resp.Duplicates[0].RecordID != "rec-dup" {
		t.Errorf("duplicates: %+v", resp.Duplicates)
	}
	if len(jobs.created) != 1 {
		t.Fatalf("expected 1 created job, got %d", len(jobs.created))
	}
	if string(jobs.created[0].ImagePayload) != "img1" {
		t.Error("job must carry the image payload")
	}

	// A submission with work nudges the shepherd.
	if len(queue.tasks) != 1 || queue.tasks[0].Type() != shepherd.TaskTypeTick {
		t.Errorf("expected one shepherd tick task, got %+v", queue.tasks)
	}
}

func TestSubmit_ForceBypassesClassification(t *testing.T) {
	dup := &model.AnalysisRecord{
		ID:          "rec-dup",
		AnalysisKey: "key-dup",
		Timestamp:   time.Now(),
		Analysis:    model.BatteryAnalysis{OperatingMode: "charging"},
	}
	svc, jobs, _ := newSubmitFixture(map[string]*model.AnalysisRecord{"key-dup": dup})

	batch := []classifier.Candidate{
		{FileName: "dup.jpg", IdentityKey: "key-dup", Content: []byte("img")},
	}
	resp, err := svc.Submit(context.Background(), batch, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Jobs) != 1 || len(resp.Duplicates) != 0 {
		t.Errorf("force must analyse everything: %+v", resp)
	}
	if len(jobs.created) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs.created))
	}
}

func TestSubmit_UpgradeFlagged(t *testing.T) {
	incomplete := &model.AnalysisRecord{
		ID:          "rec-old",
		AnalysisKey: "key-old",
		// No operating mode: needs an upgrade under the default predicate.
		Timestamp: time.Now(),
	}
	svc, _, _ := newSubmitFixture(map[string]*model.AnalysisRecord{"key-old": incomplete})

	resp, err := svc.Submit(context.Background(), []classifier.Candidate{
		{FileName: "old.jpg", IdentityKey: "key-old", Content: []byte("img")},
	}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Jobs) != 1 || !resp.Jobs[0].Upgrade {
		t.Errorf("expected upgrade-flagged job, got %+v", resp.Jobs)
	}
}

func TestSubmit_EmptyBatchNoNudge(t *testing.T) {
	svc, jobs, queue := newSubmitFixture(nil)
	resp, err := svc.Submit(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Jobs) != 0 || len(jobs.created) != 0 {
		t.Errorf("expected no jobs, got %+v", resp)
	}
	if len(queue.tasks) != 0 {
		t.Error("no work means no shepherd nudge")
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"a.png", "image/png"},
		{"a.PNG", "image/png"},
		{"a.webp", "image/webp"},
		{"a.gif", "image/gif"},
		{"a.jpg", "image/jpeg"},
		{"a.jpeg", "image/jpeg"},
		{"noext", "image/jpeg"},
	}
	for _, tt := range tests {
		if got := contentTypeFor(tt.file); got != tt.want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}
