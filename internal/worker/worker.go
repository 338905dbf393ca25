// Package worker drains the rule cleanup queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/mediacontrol"
	"github.com/aura-webinar/restream/internal/models"
	"github.com/aura-webinar/restream/internal/republish"
	"github.com/aura-webinar/restream/pkg/queue"
)

const defaultLockWait = time.Minute

// RuleRemover is the slice of the media control client the processor needs.
type RuleRemover interface {
	RemoveRepublishingRule(ctx context.Context, p mediacontrol.RemoveRuleParams) error
	ListRepublishingRules(ctx context.Context) ([]mediacontrol.Rule, error)
}

// JobSource is satisfied by *queue.Queue.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// StreamReader loads the current state of a live stream.
type StreamReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.LiveStream, error)
}

// StreamLocker is the per-stream lock the API holds across start and stop.
type StreamLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// CleanupProcessor removes remote republishing rules that the API could not
// remove inline.
type CleanupProcessor struct {
	client   RuleRemover
	queue    JobSource
	logger   *zap.Logger
	streams  StreamReader
	locker   StreamLocker
	backoff  time.Duration
	timeout  time.Duration
	lockWait time.Duration
}

type Option func(*CleanupProcessor)

// WithStreamGuard makes the processor check the stream under its lock before
// removing anything, so a rule a restarted stream took over again survives.
func WithStreamGuard(streams StreamReader, locker StreamLocker) Option {
	return func(p *CleanupProcessor) {
		p.streams = streams
		p.locker = locker
	}
}

// NewCleanupProcessor creates a rule cleanup processor.
func NewCleanupProcessor(client RuleRemover, q JobSource, logger *zap.Logger, opts ...Option) *CleanupProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &CleanupProcessor{
		client:   client,
		queue:    q,
		logger:   logger,
		backoff:  queue.RetryBackoff,
		timeout:  15 * time.Second,
		lockWait: defaultLockWait,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process executes one cleanup job. A rule the server no longer knows counts as removed.
func (p *CleanupProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := job.RuleCleanup()
	if err != nil {
		return err
	}

	var live *models.LiveStream
	if p.streams != nil && payload.StreamID != uuid.Nil {
		if p.locker != nil {
			lctx, cancel := context.WithTimeout(ctx, p.lockWait)
			unlock, err := p.locker.Lock(lctx, payload.StreamID.String())
			cancel()
			if err != nil {
				return fmt.Errorf("lock stream %s: %w", payload.StreamID, err)
			}
			defer unlock()
		}
		s, err := p.streams.Get(ctx, payload.StreamID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load stream %s: %w", payload.StreamID, err)
		case s.Status == models.StreamStatusLive:
			live = s
		}
	}
	if live != nil && payload.RuleID == "" && servesTuple(live, payload) {
		p.logger.Info("rule cleanup skipped, stream is live on this destination again",
			zap.String("job_id", job.ID), zap.String("stream_id", payload.StreamID.String()))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ids := []string{payload.RuleID}
	if payload.RuleID == "" {
		rules, err := p.client.ListRepublishingRules(ctx)
		if err != nil {
			return fmt.Errorf("list rules: %w", err)
		}
		ids = ids[:0]
		for _, r := range rules {
			if r.Matches(payload.SrcApp, payload.SrcStream, payload.DestApp, payload.DestStream) {
				ids = append(ids, string(r.ID))
			}
		}
	}

	removed := 0
	for _, id := range ids {
		if live != nil && holdsRule(live, id) {
			p.logger.Info("rule cleanup skipped, rule is in use by the live stream",
				zap.String("rule_id", id), zap.String("stream_id", payload.StreamID.String()))
			continue
		}
		err := p.client.RemoveRepublishingRule(ctx, mediacontrol.RemoveRuleParams{RuleID: id})
		if isGone(err) {
			p.logger.Info("rule already gone", zap.String("rule_id", id))
			continue
		}
		if err != nil {
			return fmt.Errorf("remove rule %s: %w", id, err)
		}
		removed++
	}

	p.logger.Info("rule cleanup completed",
		zap.String("stream_id", payload.StreamID.String()),
		zap.String("destination", payload.Destination),
		zap.Int("removed", removed))
	return nil
}

func holdsRule(s *models.LiveStream, id string) bool {
	for _, d := range s.Destinations {
		if d.RemoteRuleID == id {
			return true
		}
	}
	return false
}

// servesTuple reports whether an enabled destination of s forwards to the
// job's target again.
func servesTuple(s *models.LiveStream, p queue.RuleCleanupPayload) bool {
	if s.SourceStream != p.SrcStream {
		return false
	}
	for _, d := range s.EnabledDestinations() {
		t := republish.TargetOf(d)
		if t.App == p.DestApp && t.Stream == p.DestStream {
			return true
		}
	}
	return false
}

func isGone(err error) bool {
	var rej *mediacontrol.RemoteRejectionError
	return errors.As(err, &rej) && rej.StatusCode == http.StatusNotFound
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *CleanupProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("cleanup worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if mediacontrol.IsConfigurationError(err) || job.Type != queue.JobTypeRuleCleanup {
				job.Attempt = queue.MaxRetries
			}
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *CleanupProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
