package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/store"
)

// JobReader is the read-only slice of the job store the status path needs.
type JobReader interface {
	Get(ctx context.Context, id string) (*model.Job, error)
}

// StatusService answers batch status polls. Responses map 1:1 onto the
// requested ids, in order; an unknown id yields a not_found entry and a
// store read failure an unavailable one, never an error, so one bad id
// cannot poison a poll for a whole batch.
type StatusService struct {
	jobs JobReader
}

func NewStatusService(jobs JobReader) *StatusService {
	return &StatusService{jobs: jobs}
}

// Statuses resolves the batch.
func (s *StatusService) Statuses(ctx context.Context, ids []string) (*model.JobStatusResponse, error) {
	views := make([]model.JobStatusView, 0, len(ids))
	for _, id := range ids {
		view, err := s.status(ctx, id)
		if err != nil {
			// A transient read failure degrades this entry only; the job
			// may still be live, so it is not not_found.
			log.Printf("status: %v", err)
			view = model.JobStatusView{
				ID:     id,
				Status: model.StatusUnavailable,
				Phase:  model.PhasePending,
			}
		}
		views = append(views, view)
	}
	return &model.JobStatusResponse{Statuses: views}, nil
}

// Status resolves a single job id.
func (s *StatusService) Status(ctx context.Context, id string) (model.JobStatusView, error) {
	return s.status(ctx, id)
}

func (s *StatusService) status(ctx context.Context, id string) (model.JobStatusView, error) {
	job, err := s.jobs.Get(ctx, id)
	if errors.Is(err, store.ErrJobNotFound) {
		return model.JobStatusView{
			ID:     id,
			Status: model.StatusNotFound,
			Phase:  model.PhaseFailed,
		}, nil
	}
	if err != nil {
		return model.JobStatusView{}, fmt.Errorf("loading job %s: %w", id, err)
	}

	return model.JobStatusView{
		ID:       job.ID,
		Status:   job.StatusLabel(),
		Phase:    job.Status.Phase(),
		Error:    job.Error,
		RecordID: job.RecordID,
	}, nil
}
