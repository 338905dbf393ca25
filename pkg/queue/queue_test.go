package queue

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestRuleCleanupJobRoundTrip(t *testing.T) {
	streamID := uuid.New()
	job, err := NewJob(JobTypeRuleCleanup, RuleCleanupPayload{RuleID: "17", StreamID: streamID, Destination: "YouTube"})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Job
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	p, err := decoded.RuleCleanup()
	if err != nil {
		t.Fatal(err)
	}
	if p.RuleID != "17" || p.StreamID != streamID || p.Destination != "YouTube" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestRuleCleanupWrongType(t *testing.T) {
	job := &Job{ID: "x", Type: "email", Payload: json.RawMessage(`{}`)}
	if _, err := job.RuleCleanup(); err == nil {
		t.Fatal("expected type mismatch error")
	}
}
