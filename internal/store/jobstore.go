package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltscope/api/internal/model"
)

var (
	// ErrJobNotFound means no job document exists in any storage location.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotClaimed means the conditional update matched zero documents:
	// another worker changed the job's status first. The caller must abort
	// without side effects.
	ErrNotClaimed = errors.New("job status changed by another worker")
)

const (
	queuedIndexKey = "jobs:queued"
	activeIndexKey = "jobs:active"
)

func jobKey(id string) string  { return "job:" + id }
func doneKey(id string) string { return "job:done:" + id }

// transitionScript is the sole mutual-exclusion primitive in the system:
// a compare-and-set on the job's status. The caller pre-builds the full
// replacement document; the script applies it only if the stored status
// still matches the expected one, maintaining the queue indexes in the
// same atomic step.
//
// KEYS: jobKey, doneKey, queuedIndex, activeIndex
// ARGV: expectedStatus, newDocument, mode(terminal|queued|advance), aux
//
//	aux = TTL millis for terminal, queue score for queued
//
// Returns 1 on success, 0 on lost claim, -1 when the job is missing.
var transitionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return -1
end
local job = cjson.decode(raw)
if job.status ~= ARGV[1] then
  return 0
end
if ARGV[3] == 'terminal' then
  redis.call('DEL', KEYS[1])
  redis.call('SET', KEYS[2], ARGV[2], 'PX', tonumber(ARGV[4]))
  redis.call('ZREM', KEYS[3], job.id)
  redis.call('SREM', KEYS[4], job.id)
elseif ARGV[3] == 'queued' then
  redis.call('SET', KEYS[1], ARGV[2])
  redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), job.id)
else
  redis.call('SET', KEYS[1], ARGV[2])
  redis.call('ZREM', KEYS[3], job.id)
end
return 1
`)

// JobStore is the persistent record of work items. Jobs live at job:{id}
// while active and move to job:done:{id} with a TTL once terminal, so
// polling clients keep a window to observe the final state.
type JobStore struct {
	redis       *redis.Client
	terminalTTL time.Duration
	clock       func() time.Time
}

// NewJobStore creates a job store with the given terminal retention window.
func NewJobStore(redisClient *redis.Client, terminalTTL time.Duration) *JobStore {
	return &JobStore{
		redis:       redisClient,
		terminalTTL: terminalTTL,
		clock:       time.Now,
	}
}

// Create persists a new queued job and adds it to the dispatch index.
func (s *JobStore) Create(ctx context.Context, job *model.Job) error {
	if job.Status != model.JobStatusQueued {
		return fmt.Errorf("new jobs must be queued, got %q", job.Status)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, queuedIndexKey, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
	pipe.SAdd(ctx, activeIndexKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Get finds a job wherever it currently lives: the active location first,
// then the terminal one.
func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	for _, key := range []string{jobKey(id), doneKey(id)} {
		data, err := s.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
		}
		return &job, nil
	}
	return nil, ErrJobNotFound
}

// Transition atomically moves a job from one status to another, applying
// mutate to the document before it is written back. It returns
// ErrNotClaimed when another worker changed the status first.
func (s *JobStore) Transition(ctx context.Context, id string, from, to model.JobStatus, mutate func(*model.Job)) (*model.Job, error) {
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("invalid transition %s -> %s for job %s", from, to, id)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != from {
		return nil, ErrNotClaimed
	}

	now := s.clock().UTC()
	job.Status = to
	job.StatusEnteredAt = now
	job.LastHeartbeat = now
	if mutate != nil {
		mutate(job)
	}
	// Binary data never outlives its need: checkpoints and terminal states
	// drop the image payload.
	if to.IsCheckpoint() || to.IsTerminal() {
		job.ImagePayload = nil
	}
	if to == model.JobStatusQueued {
		job.FailureReason = ""
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	mode := "advance"
	aux := "0"
	switch {
	case to.IsTerminal():
		mode = "terminal"
		aux = strconv.FormatInt(s.terminalTTL.Milliseconds(), 10)
	case to == model.JobStatusQueued:
		mode = "queued"
		aux = strconv.FormatInt(job.CreatedAt.UnixMilli(), 10)
	}

	res, err := transitionScript.Run(ctx, s.redis,
		[]string{jobKey(id), doneKey(id), queuedIndexKey, activeIndexKey},
		string(from), string(data), mode, aux,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("transition script failed: %w", err)
	}
	switch res {
	case 1:
		return job, nil
	case 0:
		return nil, ErrNotClaimed
	default:
		return nil, ErrJobNotFound
	}
}

// Claim moves a queued job to processing. Exactly one concurrent caller
// succeeds; the rest get ErrNotClaimed.
func (s *JobStore) Claim(ctx context.Context, id string) (*model.Job, error) {
	return s.Transition(ctx, id, model.JobStatusQueued, model.JobStatusProcessing, nil)
}

// Requeue puts a dispatched or stalled job back in the queue with its
// retry count bumped, keeping any extraction checkpoint intact.
func (s *JobStore) Requeue(ctx context.Context, id string, from model.JobStatus) (*model.Job, error) {
	return s.Transition(ctx, id, from, model.JobStatusQueued, func(j *model.Job) {
		j.RetryCount++
	})
}

// Fail terminally fails a job with a reason tag and human-readable message.
func (s *JobStore) Fail(ctx context.Context, id string, from model.JobStatus, reason, message string) (*model.Job, error) {
	return s.Transition(ctx, id, from, model.JobStatusFailed, func(j *model.Job) {
		j.FailureReason = reason
		j.Error = &message
	})
}

// Heartbeat refreshes lastHeartbeat without changing status, guarded by
// the same compare-and-set so a lost claim is detected.
func (s *JobStore) Heartbeat(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() || job.Status == model.JobStatusQueued {
		return nil
	}

	job.LastHeartbeat = s.clock().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	res, err := transitionScript.Run(ctx, s.redis,
		[]string{jobKey(id), doneKey(id), queuedIndexKey, activeIndexKey},
		string(job.Status), string(data), "advance", "0",
	).Int()
	if err != nil {
		return fmt.Errorf("heartbeat script failed: %w", err)
	}
	if res != 1 {
		return ErrNotClaimed
	}
	return nil
}

// OldestQueued returns up to limit queued job ids, oldest first.
func (s *JobStore) OldestQueued(ctx context.Context, limit int) ([]string, error) {
	return s.redis.ZRange(ctx, queuedIndexKey, 0, int64(limit-1)).Result()
}

// ListStalled returns active jobs whose heartbeat is older than the stage
// timeout, bounded by limit.
func (s *JobStore) ListStalled(ctx context.Context, stageTimeout time.Duration, limit int) ([]*model.Job, error) {
	ids, err := s.redis.SMembers(ctx, activeIndexKey).Result()
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	var stalled []*model.Job
	for _, id := range ids {
		if len(stalled) >= limit {
			break
		}
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// Index entry outlived its document; drop it.
			s.redis.SRem(ctx, activeIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Stalled(now, stageTimeout) {
			stalled = append(stalled, job)
		}
	}
	return stalled, nil
}
