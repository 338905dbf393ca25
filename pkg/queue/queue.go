package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueRuleCleanup is the Redis list key for remote rule removal jobs.
	QueueRuleCleanup = "worker:rule_cleanup"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// DequeueWait bounds a single BLPOP so a cancelled context is noticed.
	DequeueWait = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const JobTypeRuleCleanup JobType = "rule_cleanup"

// RuleCleanupPayload names a remote republishing rule that could not be removed
// inline. RuleID may be empty, in which case the worker looks the rule up by
// its (src_app, src_stream, dest_app, dest_stream) tuple.
type RuleCleanupPayload struct {
	RuleID      string    `json:"rule_id,omitempty"`
	StreamID    uuid.UUID `json:"stream_id"`
	Destination string    `json:"destination"`
	SrcApp      string    `json:"src_app"`
	SrcStream   string    `json:"src_stream"`
	DestApp     string    `json:"dest_app"`
	DestStream  string    `json:"dest_stream"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// RuleCleanup decodes the payload of a JobTypeRuleCleanup job.
func (j *Job) RuleCleanup() (RuleCleanupPayload, error) {
	var p RuleCleanupPayload
	if j.Type != JobTypeRuleCleanup {
		return p, fmt.Errorf("job %s is %q, not %q", j.ID, j.Type, JobTypeRuleCleanup)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("decode rule cleanup payload: %w", err)
	}
	return p, nil
}

// NewJob wraps payload in an envelope of the given type.
func NewJob(t JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: time.Now(),
	}, nil
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	wait   time.Duration
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, wait: DequeueWait}
}

// EnqueueRuleCleanup enqueues a remote rule removal job.
func (q *Queue) EnqueueRuleCleanup(ctx context.Context, payload RuleCleanupPayload) error {
	job, err := NewJob(JobTypeRuleCleanup, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueRuleCleanup, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued rule cleanup job",
		zap.String("job_id", job.ID),
		zap.String("stream_id", payload.StreamID.String()),
		zap.String("rule_id", payload.RuleID))
	return nil
}

// Dequeue waits up to DequeueWait for a job. A nil job with a nil error means
// the wait elapsed; callers loop. Returns job and key (queue name).
func (q *Queue) Dequeue(ctx context.Context) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, q.wait, QueueRuleCleanup).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueRuleCleanup, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
