package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/resilience"
	"github.com/voltscope/api/internal/store"
)

// fakeJobStore keeps jobs in memory and enforces the conditional update
// contract the real store provides.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newFakeJobStore(jobs ...*model.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*model.Job)}
	for _, j := range jobs {
		cp := *j
		s.jobs[j.ID] = &cp
	}
	return s
}

func (s *fakeJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) Transition(ctx context.Context, id string, from, to model.JobStatus, mutate func(*model.Job)) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if job.Status != from {
		return nil, store.ErrNotClaimed
	}
	if !model.CanTransition(from, to) {
		return nil, store.ErrNotClaimed
	}
	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	if to.IsCheckpoint() || to.IsTerminal() {
		job.ImagePayload = nil
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) Heartbeat(ctx context.Context, id string) error { return nil }

type fakeRecords struct {
	saved  []*model.AnalysisRecord
	err    error
	dupeID string // when set, SaveIdempotent reports an existing record
}

func (r *fakeRecords) SaveIdempotent(ctx context.Context, rec *model.AnalysisRecord) (string, bool, error) {
	if r.err != nil {
		return "", false, r.err
	}
	if r.dupeID != "" {
		return r.dupeID, false, nil
	}
	r.saved = append(r.saved, rec)
	return rec.ID, true, nil
}

type fakeSystems struct {
	system *model.System
	err    error
}

func (s *fakeSystems) FindByDeviceID(ctx context.Context, deviceID string) (*model.System, error) {
	return s.system, s.err
}

type fakeExtractor struct {
	configured bool
	payload    json.RawMessage
	err        error
	calls      int
}

func (e *fakeExtractor) ExtractTelemetry(ctx context.Context, image []byte, contentType string) (json.RawMessage, error) {
	e.calls++
	return e.payload, e.err
}

func (e *fakeExtractor) IsConfigured() bool { return e.configured }

type fakeWeather struct {
	configured bool
	conditions *model.WeatherConditions
	calls      int
}

func (w *fakeWeather) GetConditions(ctx context.Context, lat, lon float64, ts time.Time) (*model.WeatherConditions, error) {
	w.calls++
	return w.conditions, nil
}

func (w *fakeWeather) IsConfigured() bool { return w.configured }

type memBreakerStore struct {
	mu    sync.Mutex
	snaps map[string]*resilience.BreakerSnapshot
}

func (s *memBreakerStore) LoadBreaker(ctx context.Context, key string) (*resilience.BreakerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snaps == nil {
		return nil, nil
	}
	return s.snaps[key], nil
}

func (s *memBreakerStore) SaveBreaker(ctx context.Context, snap *resilience.BreakerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snaps == nil {
		s.snaps = make(map[string]*resilience.BreakerSnapshot)
	}
	cp := *snap
	s.snaps[snap.Key] = &cp
	return nil
}

func testRetryCfg() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Microsecond,
		MaxBackoff:     time.Microsecond,
		BackoffBudget:  time.Second,
		Multiplier:     1,
	}
}

func newTestWorker(jobs *fakeJobStore, records *fakeRecords, systems *fakeSystems, extractor *fakeExtractor, weather *fakeWeather) *AnalysisWorker {
	bs := &memBreakerStore{}
	return NewAnalysisWorker(
		jobs, records, systems, extractor, weather, nil, nil,
		resilience.NewBreaker("extraction", 5, time.Minute, bs),
		resilience.NewBreaker("weather", 3, time.Minute, bs),
		testRetryCfg(),
	)
}

func processingJob(id string) *model.Job {
	return &model.Job{
		ID:           id,
		FileName:     "IMG_20260115_142530.jpg",
		Status:       model.JobStatusProcessing,
		ImagePayload: []byte("fake image bytes"),
		CreatedAt:    time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
	}
}

func taskFor(jobID string) *asynq.Task {
	payload, _ := json.Marshal(TaskPayload{JobID: jobID})
	return asynq.NewTask("analysis:process", payload)
}

func TestProcessTask_CompletesPipeline(t *testing.T) {
	jobs := newFakeJobStore(processingJob("job-1"))
	records := &fakeRecords{}
	extractor := &fakeExtractor{
		configured: true,
		payload: json.RawMessage(`{
			"device_id": "BMS-7",
			"pack_voltage_v": 26.4,
			"current_a": -3.2,
			"soc_percent": 78,
			"cell_voltages_v": [3.29, 3.30]
		}`),
	}
	w := newTestWorker(jobs, records, &fakeSystems{}, extractor, &fakeWeather{})

	if err := w.ProcessTask(context.Background(), taskFor("job-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, _ := jobs.Get(context.Background(), "job-1")
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", job.Status, job.Error)
	}
	if job.RecordID == nil {
		t.Fatal("expected record id on completed job")
	}
	if len(job.ImagePayload) != 0 {
		t.Error("image payload must be dropped by completion")
	}
	if len(records.saved) != 1 {
		t.Fatalf("expected 1 saved record, got %d", len(records.saved))
	}

	rec := records.saved[0]
	if rec.Analysis.DeviceID != "BMS-7" {
		t.Errorf("device id: %q", rec.Analysis.DeviceID)
	}
	if rec.Analysis.OperatingMode != "discharging" {
		t.Errorf("expected derived mode, got %q", rec.Analysis.OperatingMode)
	}
	if rec.AnalysisKey == "" {
		t.Error("expected identity key on saved record")
	}
	// Timestamp resolved from the file name, not the ingestion time.
	want := time.Date(2026, 1, 15, 14, 25, 30, 0, time.UTC)
	if !rec.Timestamp.Equal(want) {
		t.Errorf("timestamp: got %v, want %v", rec.Timestamp, want)
	}
}

func TestProcessTask_ResumeSkipsExtraction(t *testing.T) {
	job := processingJob("job-2")
	job.ImagePayload = nil
	job.ExtractedData = json.RawMessage(`{"device_id": "BMS-7", "current_a": 1.2}`)
	jobs := newFakeJobStore(job)
	records := &fakeRecords{}
	extractor := &fakeExtractor{configured: true, err: errors.New("must not be called")}
	w := newTestWorker(jobs, records, &fakeSystems{}, extractor, &fakeWeather{})

	if err := w.ProcessTask(context.Background(), taskFor("job-2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if extractor.calls != 0 {
		t.Errorf("checkpoint resume must not re-extract, got %d calls", extractor.calls)
	}
	got, _ := jobs.Get(context.Background(), "job-2")
	if got.Status != model.JobStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestProcessTask_ExtractionFailureFailsJob(t *testing.T) {
	jobs := newFakeJobStore(processingJob("job-3"))
	extractor := &fakeExtractor{configured: true, err: errors.New("unreadable image")}
	w := newTestWorker(jobs, &fakeRecords{}, &fakeSystems{}, extractor, &fakeWeather{})

	// The queue must see success: the failure lives on the job document.
	if err := w.ProcessTask(context.Background(), taskFor("job-3")); err != nil {
		t.Fatalf("task handler must swallow pipeline failures, got %v", err)
	}

	job, _ := jobs.Get(context.Background(), "job-3")
	if job.Status != model.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.FailureReason != model.FailReasonExtraction {
		t.Errorf("expected extraction reason, got %q", job.FailureReason)
	}
	if job.StatusLabel() != "failed_extraction" {
		t.Errorf("label: %q", job.StatusLabel())
	}
	if job.Error == nil {
		t.Error("expected error message on failed job")
	}
}

func TestProcessTask_SaveFailureFailsJob(t *testing.T) {
	jobs := newFakeJobStore(processingJob("job-4"))
	records := &fakeRecords{err: errors.New("write refused")}
	w := newTestWorker(jobs, records, &fakeSystems{}, &fakeExtractor{}, &fakeWeather{})

	if err := w.ProcessTask(context.Background(), taskFor("job-4")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, _ := jobs.Get(context.Background(), "job-4")
	if job.Status != model.JobStatusFailed || job.FailureReason != model.FailReasonSave {
		t.Errorf("expected failed_save, got %s / %q", job.Status, job.FailureReason)
	}
}

func TestProcessTask_IdempotentSaveReusesRecord(t *testing.T) {
	jobs := newFakeJobStore(processingJob("job-5"))
	records := &fakeRecords{dupeID: "existing-record"}
	w := newTestWorker(jobs, records, &fakeSystems{}, &fakeExtractor{}, &fakeWeather{})

	if err := w.ProcessTask(context.Background(), taskFor("job-5")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, _ := jobs.Get(context.Background(), "job-5")
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.RecordID == nil || *job.RecordID != "existing-record" {
		t.Errorf("expected existing record id, got %v", job.RecordID)
	}
}

func TestProcessTask_WeatherOnlyWithCoordinates(t *testing.T) {
	lat, lon := 48.1, 11.6

	tests := []struct {
		name      string
		system    *model.System
		wantCalls int
	}{
		{"no system", nil, 0},
		{"system without coords", &model.System{ID: "sys-1", DeviceID: "mock-bms-001"}, 0},
		{"system with coords", &model.System{ID: "sys-1", DeviceID: "mock-bms-001", Latitude: &lat, Longitude: &lon}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobStore(processingJob("job-w"))
			weather := &fakeWeather{configured: true, conditions: &model.WeatherConditions{TemperatureC: 4.2}}
			records := &fakeRecords{}
			w := newTestWorker(jobs, records, &fakeSystems{system: tt.system}, &fakeExtractor{}, weather)

			if err := w.ProcessTask(context.Background(), taskFor("job-w")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if weather.calls != tt.wantCalls {
				t.Errorf("weather calls: got %d, want %d", weather.calls, tt.wantCalls)
			}

			job, _ := jobs.Get(context.Background(), "job-w")
			if job.Status != model.JobStatusCompleted {
				t.Fatalf("expected completed, got %s", job.Status)
			}
			if tt.wantCalls > 0 {
				if len(records.saved) != 1 || records.saved[0].Weather == nil {
					t.Error("expected weather on saved record")
				}
			}
		})
	}
}

func TestProcessTask_SystemLookupFailureKeepsJobAlive(t *testing.T) {
	jobs := newFakeJobStore(processingJob("job-6"))
	records := &fakeRecords{}
	systems := &fakeSystems{err: errors.New("directory down")}
	w := newTestWorker(jobs, records, systems, &fakeExtractor{}, &fakeWeather{})

	if err := w.ProcessTask(context.Background(), taskFor("job-6")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, _ := jobs.Get(context.Background(), "job-6")
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed despite lookup failure, got %s", job.Status)
	}
	if len(records.saved) != 1 || records.saved[0].SystemID != nil {
		t.Error("record must be saved unlinked")
	}
}

func TestProcessTask_TerminalJobIsNoop(t *testing.T) {
	job := processingJob("job-7")
	job.Status = model.JobStatusCompleted
	jobs := newFakeJobStore(job)
	extractor := &fakeExtractor{configured: true}
	w := newTestWorker(jobs, &fakeRecords{}, &fakeSystems{}, extractor, &fakeWeather{})

	if err := w.ProcessTask(context.Background(), taskFor("job-7")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if extractor.calls != 0 {
		t.Error("terminal job must not be reprocessed")
	}
}

func TestProcessTask_MissingJobIsNoop(t *testing.T) {
	jobs := newFakeJobStore()
	w := newTestWorker(jobs, &fakeRecords{}, &fakeSystems{}, &fakeExtractor{}, &fakeWeather{})
	if err := w.ProcessTask(context.Background(), taskFor("ghost")); err != nil {
		t.Fatalf("vanished job must not error the queue: %v", err)
	}
}

func TestProcessTask_MalformedPayloadSkipsRetry(t *testing.T) {
	jobs := newFakeJobStore()
	w := newTestWorker(jobs, &fakeRecords{}, &fakeSystems{}, &fakeExtractor{}, &fakeWeather{})

	task := asynq.NewTask("analysis:process", []byte("not json"))
	err := w.ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry, got %v", err)
	}
}

func TestProcessTask_MockExtractionWhenUnconfigured(t *testing.T) {
	jobs := newFakeJobStore(processingJob("job-8"))
	records := &fakeRecords{}
	w := newTestWorker(jobs, records, &fakeSystems{}, &fakeExtractor{configured: false}, &fakeWeather{})

	if err := w.ProcessTask(context.Background(), taskFor("job-8")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, _ := jobs.Get(context.Background(), "job-8")
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed with mock payload, got %s", job.Status)
	}
	if len(records.saved) != 1 || records.saved[0].Analysis.DeviceID == "" {
		t.Error("mock payload should produce a populated record")
	}
}
