package shepherd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/voltscope/api/internal/model"
)

// TaskTypeAnalysis is the queue task type workers consume.
const TaskTypeAnalysis = "analysis:process"

// TaskTypeTick lets a submission force an immediate shepherd pass instead
// of waiting for the next interval.
const TaskTypeTick = "shepherd:tick"

// JobStore is the slice of the job store the shepherd needs.
type JobStore interface {
	OldestQueued(ctx context.Context, limit int) ([]string, error)
	Claim(ctx context.Context, id string) (*model.Job, error)
	Requeue(ctx context.Context, id string, from model.JobStatus) (*model.Job, error)
	Fail(ctx context.Context, id string, from model.JobStatus, reason, message string) (*model.Job, error)
	ListStalled(ctx context.Context, stageTimeout time.Duration, limit int) ([]*model.Job, error)
}

// StateStore persists the shepherd's self-protection record across restarts.
type StateStore interface {
	Load(ctx context.Context) (*model.ShepherdState, error)
	Save(ctx context.Context, st *model.ShepherdState) error
}

// Dispatcher hands claimed jobs to the worker queue.
type Dispatcher interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Config holds the shepherd's operating knobs.
type Config struct {
	Interval         time.Duration // tick spacing
	BatchSize        int           // max jobs dispatched per tick
	StageTimeout     time.Duration // heartbeat silence before a job counts as stalled
	MaxRetries       int           // stall re-queues before failed_timeout
	FailureThreshold int           // consecutive bad ticks before the pause kicks in
	Cooldown         time.Duration // pause duration after tripping
}

// Shepherd periodically dispatches queued jobs and recovers work abandoned
// by dead workers. Exactly one logical shepherd runs per deployment; its
// claims go through the store's conditional update, so an accidental second
// instance degrades to wasted ticks, not duplicate dispatches.
type Shepherd struct {
	jobs  JobStore
	state StateStore
	queue Dispatcher
	cfg   Config
	clock func() time.Time
}

func New(jobs JobStore, state StateStore, queue Dispatcher, cfg Config) *Shepherd {
	return &Shepherd{
		jobs:  jobs,
		state: state,
		queue: queue,
		cfg:   cfg,
		clock: time.Now,
	}
}

// Run ticks until the context is cancelled.
func (s *Shepherd) Run(ctx context.Context) {
	log.Printf("shepherd: starting, interval=%s batch=%d stage_timeout=%s",
		s.cfg.Interval, s.cfg.BatchSize, s.cfg.StageTimeout)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("shepherd: stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// ProcessTask handles a forced tick enqueued at submission time, so fresh
// uploads don't wait out the interval.
func (s *Shepherd) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	s.Tick(ctx)
	return nil
}

// Tick runs one shepherd pass: dispatch queued jobs, then recover stalls.
// Every pass is self-contained; a failed pass leaves jobs queued for the
// next one.
func (s *Shepherd) Tick(ctx context.Context) {
	st, err := s.state.Load(ctx)
	if err != nil {
		log.Printf("shepherd: state load failed, proceeding with defaults: %v", err)
		st = &model.ShepherdState{}
	}

	now := s.clock()
	if now.Before(st.BreakerTrippedUntil) {
		log.Printf("shepherd: paused until %s after %d consecutive failures (%s)",
			st.BreakerTrippedUntil.Format(time.RFC3339), st.ConsecutiveFailures, st.LastFailureReason)
		return
	}

	dispatchErr := s.dispatchQueued(ctx)
	recoverErr := s.recoverStalled(ctx)

	switch {
	case dispatchErr != nil:
		s.recordFailure(ctx, st, fmt.Sprintf("dispatch: %v", dispatchErr))
	case recoverErr != nil:
		s.recordFailure(ctx, st, fmt.Sprintf("recover: %v", recoverErr))
	default:
		s.recordSuccess(ctx, st)
	}
}

// dispatchQueued claims up to BatchSize queued jobs oldest-first and hands
// them to the worker queue. A job whose enqueue fails is put back so no
// claim is ever stranded in processing without a task behind it.
func (s *Shepherd) dispatchQueued(ctx context.Context) error {
	ids, err := s.jobs.OldestQueued(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}

	for _, id := range ids {
		if _, err := s.jobs.Claim(ctx, id); err != nil {
			// Lost the race or the job moved on; not a tick failure.
			log.Printf("shepherd: could not claim job %s: %v", id, err)
			continue
		}

		payload, _ := json.Marshal(map[string]string{"jobId": id})
		task := asynq.NewTask(TaskTypeAnalysis, payload)
		if _, err := s.queue.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Timeout(30*time.Minute)); err != nil {
			log.Printf("shepherd: enqueue failed for job %s, reverting claim: %v", id, err)
			if _, rqErr := s.jobs.Requeue(ctx, id, model.JobStatusProcessing); rqErr != nil {
				log.Printf("shepherd: revert failed for job %s, stall recovery will pick it up: %v", id, rqErr)
			}
			return fmt.Errorf("enqueueing job %s: %w", id, err)
		}
		log.Printf("shepherd: dispatched job %s", id)
	}
	return nil
}

// recoverStalled scans active jobs for heartbeat silence. Stalled jobs with
// retries left are re-queued keeping their checkpoint; exhausted ones are
// failed with the timeout reason.
func (s *Shepherd) recoverStalled(ctx context.Context) error {
	stalled, err := s.jobs.ListStalled(ctx, s.cfg.StageTimeout, s.cfg.BatchSize*4)
	if err != nil {
		return fmt.Errorf("scanning for stalls: %w", err)
	}

	for _, job := range stalled {
		if job.RetryCount >= s.cfg.MaxRetries {
			msg := fmt.Sprintf("no heartbeat in %s after %d attempts", s.cfg.StageTimeout, job.RetryCount+1)
			if _, err := s.jobs.Fail(ctx, job.ID, job.Status, model.FailReasonTimeout, msg); err != nil {
				log.Printf("shepherd: could not fail stalled job %s: %v", job.ID, err)
				continue
			}
			log.Printf("shepherd: job %s exhausted retries, failed as timeout", job.ID)
			continue
		}

		if _, err := s.jobs.Requeue(ctx, job.ID, job.Status); err != nil {
			// The worker may have resumed between scan and requeue.
			log.Printf("shepherd: could not requeue stalled job %s: %v", job.ID, err)
			continue
		}
		log.Printf("shepherd: re-queued stalled job %s (attempt %d, was %s)", job.ID, job.RetryCount+2, job.Status)
	}
	return nil
}

func (s *Shepherd) recordFailure(ctx context.Context, st *model.ShepherdState, reason string) {
	st.ConsecutiveFailures++
	st.LastFailureReason = reason
	if st.ConsecutiveFailures >= s.cfg.FailureThreshold {
		st.BreakerTrippedUntil = s.clock().Add(s.cfg.Cooldown)
		log.Printf("shepherd: %d consecutive failures, pausing for %s: %s",
			st.ConsecutiveFailures, s.cfg.Cooldown, reason)
	} else {
		log.Printf("shepherd: tick failed (%d/%d): %s", st.ConsecutiveFailures, s.cfg.FailureThreshold, reason)
	}
	if err := s.state.Save(ctx, st); err != nil {
		log.Printf("shepherd: state save failed: %v", err)
	}
}

func (s *Shepherd) recordSuccess(ctx context.Context, st *model.ShepherdState) {
	if st.ConsecutiveFailures == 0 && st.BreakerTrippedUntil.IsZero() {
		return
	}
	st.ConsecutiveFailures = 0
	st.LastFailureReason = ""
	st.BreakerTrippedUntil = time.Time{}
	if err := s.state.Save(ctx, st); err != nil {
		log.Printf("shepherd: state save failed: %v", err)
	}
}
