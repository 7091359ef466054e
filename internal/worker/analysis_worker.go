package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/voltscope/api/internal/client"
	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/resilience"
	"github.com/voltscope/api/internal/store"
)

// JobStore is the slice of the job store the worker needs.
type JobStore interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	Transition(ctx context.Context, id string, from, to model.JobStatus, mutate func(*model.Job)) (*model.Job, error)
	Heartbeat(ctx context.Context, id string) error
}

// RecordSaver persists analysis records idempotently.
type RecordSaver interface {
	SaveIdempotent(ctx context.Context, rec *model.AnalysisRecord) (string, bool, error)
}

// SystemDirectory resolves device ids to registered systems.
type SystemDirectory interface {
	FindByDeviceID(ctx context.Context, deviceID string) (*model.System, error)
}

// Extractor turns a snapshot image into raw telemetry JSON.
type Extractor interface {
	ExtractTelemetry(ctx context.Context, image []byte, contentType string) (json.RawMessage, error)
	IsConfigured() bool
}

// WeatherProvider fetches historical conditions for enrichment.
type WeatherProvider interface {
	GetConditions(ctx context.Context, lat, lon float64, ts time.Time) (*model.WeatherConditions, error)
	IsConfigured() bool
}

// Notifier pushes job lifecycle events to subscribed clients.
type Notifier interface {
	BroadcastStatus(jobID, status, detail string)
	BroadcastComplete(jobID, recordID string)
	BroadcastError(jobID, code, message string)
}

// AnalysisWorker drives one job from processing to a terminal state. Every
// outbound call goes through the resilience layer; every internal failure
// is recorded on the job document, and the task handler always reports
// success to the queue so the platform never re-runs failed work on its own.
type AnalysisWorker struct {
	jobs    JobStore
	records RecordSaver
	systems SystemDirectory

	extractor Extractor
	weather   WeatherProvider
	archive   client.StorageClient // optional snapshot archival

	hub Notifier

	extractionBreaker *resilience.Breaker
	weatherBreaker    *resilience.Breaker
	retryCfg          resilience.RetryConfig

	heartbeatEvery time.Duration
	clock          func() time.Time
}

// NewAnalysisWorker creates a worker. archive and hub may be nil.
func NewAnalysisWorker(
	jobs JobStore,
	records RecordSaver,
	systems SystemDirectory,
	extractor Extractor,
	weather WeatherProvider,
	archive client.StorageClient,
	hub Notifier,
	extractionBreaker *resilience.Breaker,
	weatherBreaker *resilience.Breaker,
	retryCfg resilience.RetryConfig,
) *AnalysisWorker {
	return &AnalysisWorker{
		jobs:              jobs,
		records:           records,
		systems:           systems,
		extractor:         extractor,
		weather:           weather,
		archive:           archive,
		hub:               hub,
		extractionBreaker: extractionBreaker,
		weatherBreaker:    weatherBreaker,
		retryCfg:          retryCfg,
		heartbeatEvery:    30 * time.Second,
		clock:             time.Now,
	}
}

// TaskPayload is the worker invocation input.
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// ProcessTask handles one analysis task. The real outcome lives in the job
// document; the returned error is nil for anything but an undecodable
// payload, which is skipped rather than retried.
func (w *AnalysisWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := w.process(ctx, payload.JobID); err != nil {
		log.Printf("worker: job %s did not complete: %v", payload.JobID, err)
	}
	return nil
}

// process runs the pipeline for one claimed job.
func (w *AnalysisWorker) process(ctx context.Context, jobID string) error {
	job, err := w.jobs.Get(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		log.Printf("worker: job %s vanished before processing", jobID)
		return nil
	}
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		// Redelivered task for finished work; nothing to do.
		return nil
	}
	if job.Status != model.JobStatusProcessing {
		// The claim moved on without us (stall recovery or another
		// worker). Abort without side effects.
		return nil
	}

	resumed := len(job.ExtractedData) > 0

	if !resumed {
		job, err = w.extractStage(ctx, job)
		if err != nil {
			return err
		}
		if job == nil {
			return nil // lost the claim mid-stage
		}
	} else {
		// Resumed from the extraction checkpoint: never re-issue the
		// extraction call.
		log.Printf("worker: job %s resuming from checkpoint", jobID)
		job, err = w.jobs.Transition(ctx, jobID, model.JobStatusProcessing, model.JobStatusMapping, nil)
		if err != nil {
			return w.abortOrFail(ctx, jobID, model.JobStatusProcessing, model.FailReasonMapping, err)
		}
	}

	if job.Status == model.JobStatusExtracted {
		job, err = w.jobs.Transition(ctx, jobID, model.JobStatusExtracted, model.JobStatusMapping, nil)
		if err != nil {
			return w.abortOrFail(ctx, jobID, model.JobStatusExtracted, model.FailReasonMapping, err)
		}
	}
	w.notifyStatus(job)

	// Mapping: pure transform, absent optionals become nil.
	analysis, err := MapExtraction(job.ExtractedData)
	if err != nil {
		w.failJob(ctx, jobID, model.JobStatusMapping, model.FailReasonMapping, err.Error())
		return err
	}
	Enrich(&analysis)

	job, err = w.jobs.Transition(ctx, jobID, model.JobStatusMapping, model.JobStatusMatchingSystem, nil)
	if err != nil {
		return w.abortOrFail(ctx, jobID, model.JobStatusMapping, model.FailReasonMapping, err)
	}
	w.notifyStatus(job)

	// System matching: no match is a normal outcome, and a directory
	// error only costs the link, not the job.
	system, err := w.systems.FindByDeviceID(ctx, analysis.DeviceID)
	if err != nil {
		log.Printf("worker: job %s system lookup failed, record stays unlinked: %v", jobID, err)
		system = nil
	}

	ts := ResolveTimestamp(analysis.SourceTimestamp, job.FileName, job.CreatedAt)

	weather := w.weatherStage(ctx, jobID, system, ts)
	cur := model.JobStatusMatchingSystem
	if weather.attempted {
		cur = model.JobStatusFetchingWeather
	}

	job, err = w.jobs.Transition(ctx, jobID, cur, model.JobStatusSaving, nil)
	if err != nil {
		return w.abortOrFail(ctx, jobID, cur, model.FailReasonSave, err)
	}
	w.notifyStatus(job)

	rec := &model.AnalysisRecord{
		ID:          uuid.New().String(),
		Timestamp:   ts,
		Analysis:    analysis,
		Weather:     weather.conditions,
		FileName:    job.FileName,
		AnalysisKey: analysis.IdentityKey(),
		CreatedAt:   w.clock().UTC(),
	}
	if system != nil {
		rec.SystemID = &system.ID
	}
	if w.archive != nil {
		rec.SnapshotKey = snapshotKey(jobID, job.FileName)
	}

	recordID, created, err := w.records.SaveIdempotent(ctx, rec)
	if err != nil {
		w.failJob(ctx, jobID, model.JobStatusSaving, model.FailReasonSave, err.Error())
		return err
	}
	if !created {
		log.Printf("worker: job %s matched existing record %s", jobID, recordID)
	}

	_, err = w.jobs.Transition(ctx, jobID, model.JobStatusSaving, model.JobStatusCompleted, func(j *model.Job) {
		j.RecordID = &recordID
	})
	if err != nil {
		return w.abortOrFail(ctx, jobID, model.JobStatusSaving, model.FailReasonSave, err)
	}

	if w.hub != nil {
		w.hub.BroadcastComplete(jobID, recordID)
	}
	log.Printf("worker: job %s completed, record %s", jobID, recordID)
	return nil
}

// extractStage runs the extraction call under retry, breaker and heartbeat,
// then persists the checkpoint. Returns (nil, nil) when the claim was lost.
func (w *AnalysisWorker) extractStage(ctx context.Context, job *model.Job) (*model.Job, error) {
	jobID := job.ID

	job, err := w.jobs.Transition(ctx, jobID, model.JobStatusProcessing, model.JobStatusExtracting, nil)
	if errors.Is(err, store.ErrNotClaimed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.notifyStatus(job)

	if len(job.ImagePayload) == 0 {
		msg := "no image payload to extract from"
		w.failJob(ctx, jobID, model.JobStatusExtracting, model.FailReasonExtraction, msg)
		return nil, errors.New(msg)
	}

	// Archive the original image before the checkpoint drops it.
	if w.archive != nil {
		key := snapshotKey(jobID, job.FileName)
		if _, err := w.archive.Upload(ctx, key, bytes.NewReader(job.ImagePayload), job.ImageContentType); err != nil {
			log.Printf("worker: job %s snapshot archival failed: %v", jobID, err)
		}
	}

	stopHeartbeat := w.startHeartbeat(ctx, jobID)
	raw, err := w.extract(ctx, job)
	stopHeartbeat()
	if err != nil {
		w.failJob(ctx, jobID, model.JobStatusExtracting, model.FailReasonExtraction, err.Error())
		return nil, err
	}

	// Checkpoint: extraction result persisted and image dropped in one
	// atomic update. A restarted worker resumes from here for free.
	job, err = w.jobs.Transition(ctx, jobID, model.JobStatusExtracting, model.JobStatusExtracted, func(j *model.Job) {
		j.ExtractedData = raw
	})
	if errors.Is(err, store.ErrNotClaimed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.notifyStatus(job)
	return job, nil
}

// extract issues the extraction call: retry wrapper outside, breaker per
// attempt, hard per-attempt timeout from the client itself. Unconfigured
// extractors produce a deterministic sample payload for development.
func (w *AnalysisWorker) extract(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	if !w.extractor.IsConfigured() {
		log.Printf("worker: extraction service not configured, using mock payload for job %s", job.ID)
		return mockExtraction(), nil
	}

	var raw json.RawMessage
	err := resilience.Do(ctx, w.retryCfg, func(ctx context.Context) error {
		return w.extractionBreaker.Do(ctx, func(ctx context.Context) error {
			result, err := w.extractor.ExtractTelemetry(ctx, job.ImagePayload, job.ImageContentType)
			if err != nil {
				return err
			}
			raw = result
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

type weatherResult struct {
	conditions *model.WeatherConditions
	attempted  bool
}

// weatherStage fetches conditions when the matched system has coordinates.
// Failure costs the annotation, never the job.
func (w *AnalysisWorker) weatherStage(ctx context.Context, jobID string, system *model.System, ts time.Time) weatherResult {
	if system == nil || system.Latitude == nil || system.Longitude == nil || w.weather == nil || !w.weather.IsConfigured() {
		return weatherResult{}
	}

	job, err := w.jobs.Transition(ctx, jobID, model.JobStatusMatchingSystem, model.JobStatusFetchingWeather, nil)
	if err != nil {
		return weatherResult{}
	}
	w.notifyStatus(job)

	var conditions *model.WeatherConditions
	err = resilience.Do(ctx, w.retryCfg, func(ctx context.Context) error {
		return w.weatherBreaker.Do(ctx, func(ctx context.Context) error {
			c, err := w.weather.GetConditions(ctx, *system.Latitude, *system.Longitude, ts)
			if err != nil {
				return err
			}
			conditions = c
			return nil
		})
	})
	if err != nil {
		log.Printf("worker: job %s weather enrichment failed: %v", jobID, err)
	}
	return weatherResult{conditions: conditions, attempted: true}
}

// failJob records a terminal failure on the job document.
func (w *AnalysisWorker) failJob(ctx context.Context, jobID string, from model.JobStatus, reason, message string) {
	_, err := w.jobs.Transition(ctx, jobID, from, model.JobStatusFailed, func(j *model.Job) {
		j.FailureReason = reason
		j.Error = &message
	})
	if errors.Is(err, store.ErrNotClaimed) {
		return // someone else owns the job now; their outcome wins
	}
	if err != nil {
		log.Printf("worker: failed to mark job %s failed: %v", jobID, err)
		return
	}
	if w.hub != nil {
		w.hub.BroadcastError(jobID, "ANALYSIS_FAILED", message)
	}
}

// abortOrFail distinguishes a lost claim (silent abort) from a store
// failure worth recording.
func (w *AnalysisWorker) abortOrFail(ctx context.Context, jobID string, from model.JobStatus, reason string, err error) error {
	if errors.Is(err, store.ErrNotClaimed) || errors.Is(err, store.ErrJobNotFound) {
		return nil
	}
	w.failJob(ctx, jobID, from, reason, err.Error())
	return err
}

// startHeartbeat keeps lastHeartbeat fresh during a long extraction call
// so the shepherd does not mistake slow work for a stall.
func (w *AnalysisWorker) startHeartbeat(ctx context.Context, jobID string) func() {
	hctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := w.jobs.Heartbeat(hctx, jobID); err != nil {
					return
				}
			}
		}
	}()
	return cancel
}

func (w *AnalysisWorker) notifyStatus(job *model.Job) {
	if w.hub == nil || job == nil {
		return
	}
	w.hub.BroadcastStatus(job.ID, job.StatusLabel(), "")
}

func snapshotKey(jobID, fileName string) string {
	return fmt.Sprintf("snapshots/%s/%s", jobID, fileName)
}

// mockExtraction returns a plausible LiFePO4 pack reading for development
// and tests when no extraction service is configured.
func mockExtraction() json.RawMessage {
	payload := map[string]any{
		"device_id":       "MOCK-BMS-001",
		"pack_voltage_v":  26.4,
		"current_a":       -3.2,
		"soc_percent":     78.0,
		"cell_voltages_v": []float64{3.29, 3.30, 3.31, 3.30, 3.30, 3.31, 3.29, 3.30},
		"temperatures_c":  []float64{21.5, 22.0},
		"cycle_count":     112,
	}
	data, _ := json.Marshal(payload)
	return data
}
