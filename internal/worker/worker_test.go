package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/restream/internal/mediacontrol"
	"github.com/aura-webinar/restream/pkg/queue"
)

type fakeRemover struct {
	mu      sync.Mutex
	rules   []mediacontrol.Rule
	removed []string
	err     error
}

func (f *fakeRemover) RemoveRepublishingRule(_ context.Context, p mediacontrol.RemoveRuleParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, p.RuleID)
	return nil
}

func (f *fakeRemover) ListRepublishingRules(context.Context) ([]mediacontrol.Rule, error) {
	return f.rules, nil
}

type fakeSource struct {
	jobs    chan *queue.Job
	mu      sync.Mutex
	retried []*queue.Job
}

func (s *fakeSource) Dequeue(ctx context.Context) (*queue.Job, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case j := <-s.jobs:
		return j, queue.QueueRuleCleanup, nil
	}
}

func (s *fakeSource) Retry(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Attempt++
	s.retried = append(s.retried, job)
	return nil
}

func cleanupJob(t *testing.T, p queue.RuleCleanupPayload) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeRuleCleanup, p)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestProcessRemovesByID(t *testing.T) {
	rm := &fakeRemover{}
	p := NewCleanupProcessor(rm, nil, nil)
	if err := p.Process(context.Background(), cleanupJob(t, queue.RuleCleanupPayload{RuleID: "42", StreamID: uuid.New()})); err != nil {
		t.Fatal(err)
	}
	if len(rm.removed) != 1 || rm.removed[0] != "42" {
		t.Fatalf("removed = %v", rm.removed)
	}
}

func TestProcessLooksUpByTuple(t *testing.T) {
	rm := &fakeRemover{rules: []mediacontrol.Rule{
		{ID: "1", SrcApp: "live", SrcStream: "show", DestApp: "live2", DestStream: "yt-key"},
		{ID: "2", SrcApp: "live", SrcStream: "other", DestApp: "live2", DestStream: "yt-key"},
		{ID: "3", SrcApp: "live", SrcStream: "show", DestApp: "app", DestStream: "tw-key"},
	}}
	p := NewCleanupProcessor(rm, nil, nil)
	job := cleanupJob(t, queue.RuleCleanupPayload{SrcApp: "live", SrcStream: "show", DestApp: "live2", DestStream: "yt-key"})
	if err := p.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if len(rm.removed) != 1 || rm.removed[0] != "1" {
		t.Fatalf("removed = %v", rm.removed)
	}
}

func TestProcessTreatsMissingRuleAsDone(t *testing.T) {
	rm := &fakeRemover{err: &mediacontrol.RemoteRejectionError{Action: mediacontrol.ActionRemoveRepublishing, StatusCode: 404}}
	p := NewCleanupProcessor(rm, nil, nil)
	if err := p.Process(context.Background(), cleanupJob(t, queue.RuleCleanupPayload{RuleID: "7"})); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestProcessReportsRemoteFailure(t *testing.T) {
	rm := &fakeRemover{err: &mediacontrol.RemoteRejectionError{Action: mediacontrol.ActionRemoveRepublishing, StatusCode: 500}}
	p := NewCleanupProcessor(rm, nil, nil)
	err := p.Process(context.Background(), cleanupJob(t, queue.RuleCleanupPayload{RuleID: "7"}))
	if !mediacontrol.IsRemoteFailure(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRetriesFailedJobs(t *testing.T) {
	rm := &fakeRemover{err: errors.New("connection refused")}
	src := &fakeSource{jobs: make(chan *queue.Job, 1)}
	p := NewCleanupProcessor(rm, src, nil)
	p.backoff = time.Millisecond

	src.jobs <- cleanupJob(t, queue.RuleCleanupPayload{RuleID: "9"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		src.mu.Lock()
		n := len(src.retried)
		src.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job was never retried")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	if got := src.retried[0].Attempt; got != 1 {
		t.Errorf("attempt = %d, want 1", got)
	}
}

func TestRunDeadLettersUnconfiguredFailures(t *testing.T) {
	rm := &fakeRemover{err: &mediacontrol.ConfigurationError{Reason: "secret missing"}}
	src := &fakeSource{jobs: make(chan *queue.Job, 1)}
	p := NewCleanupProcessor(rm, src, nil)
	p.backoff = time.Millisecond

	src.jobs <- cleanupJob(t, queue.RuleCleanupPayload{RuleID: "9"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for {
		src.mu.Lock()
		n := len(src.retried)
		src.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	if len(src.retried) != 1 || src.retried[0].Attempt < queue.MaxRetries {
		t.Fatalf("retried = %+v", src.retried)
	}
}
