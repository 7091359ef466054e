package service

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/voltscope/api/internal/classifier"
	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/shepherd"
)

// SubmitService accepts snapshot batches: it classifies each file against
// the stored record corpus, creates jobs for the files worth analysing, and
// nudges the shepherd so dispatch happens immediately.
type SubmitService struct {
	jobs       JobCreator
	classifier *classifier.Classifier
	queue      TaskEnqueuer
}

// JobCreator is the slice of the job store the submit path needs.
type JobCreator interface {
	Create(ctx context.Context, job *model.Job) error
}

// TaskEnqueuer hands tasks to the queue.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func NewSubmitService(jobs JobCreator, cls *classifier.Classifier, queue TaskEnqueuer) *SubmitService {
	return &SubmitService{jobs: jobs, classifier: cls, queue: queue}
}

// Submit classifies the batch and creates one queued job per file that is
// new or upgrades an incomplete record. force bypasses duplicate detection
// entirely and analyses everything.
func (s *SubmitService) Submit(ctx context.Context, batch []classifier.Candidate, force bool) (*model.SubmitResponse, error) {
	resp := &model.SubmitResponse{
		Jobs:       []model.SubmittedJob{},
		Duplicates: []model.SkippedFile{},
		CreatedAt:  time.Now().UTC(),
	}

	var toAnalyse []classifier.Candidate
	var upgrades map[string]bool

	if force {
		toAnalyse = batch
	} else {
		result := s.classifier.Classify(ctx, batch)
		toAnalyse = append(toAnalyse, result.NeedsUpgrade...)
		toAnalyse = append(toAnalyse, result.New...)

		upgrades = make(map[string]bool, len(result.NeedsUpgrade))
		for _, cand := range result.NeedsUpgrade {
			upgrades[cand.FileName] = true
		}

		for _, cand := range result.TrueDuplicates {
			skipped := model.SkippedFile{FileName: cand.FileName}
			if rec := result.ExistingRecords[cand.Key()]; rec != nil {
				skipped.RecordID = rec.ID
			}
			resp.Duplicates = append(resp.Duplicates, skipped)
		}
	}

	for _, cand := range toAnalyse {
		job := &model.Job{
			ID:               uuid.New().String(),
			FileName:         cand.FileName,
			Status:           model.JobStatusQueued,
			ImagePayload:     cand.Content,
			ImageContentType: contentTypeFor(cand.FileName),
			CreatedAt:        time.Now().UTC(),
		}
		if err := s.jobs.Create(ctx, job); err != nil {
			return nil, fmt.Errorf("creating job for %s: %w", cand.FileName, err)
		}
		resp.Jobs = append(resp.Jobs, model.SubmittedJob{
			JobID:    job.ID,
			FileName: job.FileName,
			Status:   job.Status,
			Upgrade:  upgrades[cand.FileName],
		})
	}

	if len(resp.Jobs) > 0 {
		s.nudgeShepherd(ctx)
	}

	return resp, nil
}

// nudgeShepherd enqueues a unique tick task so fresh submissions are
// dispatched without waiting for the next interval. Best-effort: the
// interval tick is the backstop.
func (s *SubmitService) nudgeShepherd(ctx context.Context) {
	task := asynq.NewTask(shepherd.TaskTypeTick, nil)
	_, err := s.queue.EnqueueContext(ctx, task,
		asynq.Unique(5*time.Second),
		asynq.MaxRetry(0),
	)
	if err != nil && err != asynq.ErrDuplicateTask {
		log.Printf("submit: shepherd nudge failed, interval tick will cover: %v", err)
	}
}

func contentTypeFor(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
