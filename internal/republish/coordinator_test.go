package republish

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/restream/internal/mediacontrol"
	"github.com/aura-webinar/restream/internal/models"
	"github.com/aura-webinar/restream/pkg/queue"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.RuleCleanupPayload
}

func (q *recordingQueue) EnqueueRuleCleanup(_ context.Context, p queue.RuleCleanupPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, p)
	return nil
}

func fixture() (*models.LiveStream, *models.StreamApp) {
	app := &models.StreamApp{ID: uuid.New(), AppPath: "live", Status: models.AppStatusActive}
	stream := &models.LiveStream{
		ID:           uuid.New(),
		AppID:        app.ID,
		SourceStream: "morningyoga",
		Status:       models.StreamStatusInactive,
		Destinations: []models.Destination{
			{ID: uuid.New(), Platform: "youtube", Name: "YouTube", URL: "rtmp://a.rtmp.youtube.com/live2", Stream: "yt-key", Enabled: true},
			{ID: uuid.New(), Platform: "facebook", Name: "Facebook", URL: "live-api-s.facebook.com", Port: 443, App: "rtmp", Stream: "fb-key", Enabled: true},
			{ID: uuid.New(), Platform: "twitch", Name: "Twitch", URL: "live.twitch.tv", App: "app", Stream: "tw-key", Enabled: false},
		},
	}
	return stream, app
}

func TestActivateConfiguresEnabledDestinations(t *testing.T) {
	relay, client := newFakeRelay(t)
	c := New(client, Options{})
	stream, app := fixture()

	results := c.Activate(context.Background(), stream, app)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for i, want := range []string{"YouTube", "Facebook"} {
		r := results[i]
		if r.Destination != want || r.Status != models.RepublishingConfigured || r.RuleID == "" {
			t.Fatalf("result[%d] = %+v", i, r)
		}
		if r.DestinationID != stream.Destinations[i].ID.String() {
			t.Fatalf("result[%d] destination id mismatch", i)
		}
	}
	if relay.ruleCount() != 2 {
		t.Fatalf("remote rules = %d", relay.ruleCount())
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	yt := relay.rules[results[0].RuleID]
	if yt.DestAddr != "a.rtmp.youtube.com" || yt.DestApp != "live2" || yt.DestPort != 1935 || yt.SrcApp != "live" || yt.SrcStream != "morningyoga" {
		t.Fatalf("youtube rule = %+v", yt)
	}
	fb := relay.rules[results[1].RuleID]
	if fb.DestPort != 443 || fb.DestApp != "rtmp" {
		t.Fatalf("facebook rule = %+v", fb)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	relay, client := newFakeRelay(t)
	c := New(client, Options{})
	stream, app := fixture()

	first := c.Activate(context.Background(), stream, app)
	second := c.Activate(context.Background(), stream, app)

	if relay.ruleCount() != 2 {
		t.Fatalf("duplicate rules created: %d", relay.ruleCount())
	}
	if relay.callCount(mediacontrol.ActionAddRepublishing) != 2 {
		t.Fatalf("add calls = %d", relay.callCount(mediacontrol.ActionAddRepublishing))
	}
	for i := range first {
		if first[i].RuleID != second[i].RuleID || second[i].Status != models.RepublishingConfigured {
			t.Fatalf("second activation result %+v differs from %+v", second[i], first[i])
		}
	}
}

func TestActivateUnreachableFallsBackToManual(t *testing.T) {
	client := mediacontrol.NewClient(mediacontrol.Config{
		BaseURL: "http://127.0.0.1:1", ServerUUID: "srv", Secret: "secret", Timeout: 500 * time.Millisecond,
	})
	c := New(client, Options{})
	app := &models.StreamApp{ID: uuid.New(), AppPath: "live"}
	stream := &models.LiveStream{
		ID:           uuid.New(),
		SourceStream: "morningyogasession",
		Destinations: []models.Destination{{
			ID: uuid.New(), Name: "YouTube", URL: "a.rtmp.youtube.com", App: "live2", Stream: "yt-key", Enabled: true,
		}},
	}

	results := c.Activate(context.Background(), stream, app)
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	r := results[0]
	if r.Destination != "YouTube" || r.Status != models.RepublishingManualRequired || r.Details == nil {
		t.Fatalf("result = %+v", r)
	}
	want := models.ManualConfig{
		SourceApp: "live", SourceStream: "morningyogasession",
		DestAddr: "a.rtmp.youtube.com", DestPort: 1935, DestApp: "live2", DestStream: "yt-key",
	}
	if *r.Details != want {
		t.Fatalf("details = %+v, want %+v", *r.Details, want)
	}
}

func TestActivateUnconfiguredClient(t *testing.T) {
	c := New(mediacontrol.NewClient(mediacontrol.Config{}), Options{})
	stream, app := fixture()
	for _, r := range c.Activate(context.Background(), stream, app) {
		if r.Status != models.RepublishingManualRequired || r.Details == nil {
			t.Fatalf("result = %+v", r)
		}
	}
}

func TestActivatePartialFailure(t *testing.T) {
	relay, client := newFakeRelay(t)
	relay.failAdds["fb-key"] = true
	c := New(client, Options{MaxParallel: 1})
	stream, app := fixture()

	results := c.Activate(context.Background(), stream, app)
	if results[0].Status != models.RepublishingConfigured {
		t.Fatalf("youtube = %+v", results[0])
	}
	if results[1].Status != models.RepublishingManualRequired || results[1].Details.DestStream != "fb-key" {
		t.Fatalf("facebook = %+v", results[1])
	}
}

func TestActivateNoEnabledDestinations(t *testing.T) {
	relay, client := newFakeRelay(t)
	c := New(client, Options{})
	stream, app := fixture()
	for i := range stream.Destinations {
		stream.Destinations[i].Enabled = false
	}
	if got := c.Activate(context.Background(), stream, app); len(got) != 0 {
		t.Fatalf("results = %+v", got)
	}
	if relay.callCount(mediacontrol.ActionRepublishingRules) != 0 {
		t.Fatal("listed rules with nothing to activate")
	}
}

func TestDeactivateRemovesRules(t *testing.T) {
	relay, client := newFakeRelay(t)
	c := New(client, Options{})
	stream, app := fixture()

	results := c.Activate(context.Background(), stream, app)
	stream.Destinations[0].RemoteRuleID = results[0].RuleID
	// the second destination lost its id and must be found by tuple

	if failures := c.Deactivate(context.Background(), stream, app); len(failures) != 0 {
		t.Fatalf("failures = %+v", failures)
	}
	if relay.ruleCount() != 0 {
		t.Fatalf("rules left = %d", relay.ruleCount())
	}
}

func TestDeactivateFailuresAreQueued(t *testing.T) {
	relay, client := newFakeRelay(t)
	q := &recordingQueue{}
	c := New(client, Options{Queue: q})
	stream, app := fixture()
	stream.Destinations[0].RemoteRuleID = "99"

	relay.mu.Lock()
	relay.failAll = true
	relay.mu.Unlock()

	failures := c.Deactivate(context.Background(), stream, app)
	if len(failures) != 2 {
		t.Fatalf("failures = %+v", failures)
	}
	if len(q.jobs) != 2 {
		t.Fatalf("queued = %+v", q.jobs)
	}
	var byID, byTuple bool
	for _, j := range q.jobs {
		if j.StreamID != stream.ID || j.SrcApp != "live" || j.SrcStream != "morningyoga" {
			t.Fatalf("job = %+v", j)
		}
		if j.RuleID == "99" {
			byID = true
		}
		if j.RuleID == "" && j.DestStream == "fb-key" && j.DestApp == "rtmp" {
			byTuple = true
		}
	}
	if !byID || !byTuple {
		t.Fatalf("jobs = %+v", q.jobs)
	}
}

func TestDeactivateUnconfiguredIsNotQueued(t *testing.T) {
	q := &recordingQueue{}
	c := New(mediacontrol.NewClient(mediacontrol.Config{}), Options{Queue: q})
	stream, app := fixture()
	stream.Destinations[0].RemoteRuleID = "1"

	if failures := c.Deactivate(context.Background(), stream, app); len(failures) == 0 {
		t.Fatal("expected failures")
	}
	if len(q.jobs) != 0 {
		t.Fatalf("queued = %+v", q.jobs)
	}
}

func TestToggle(t *testing.T) {
	relay, client := newFakeRelay(t)
	c := New(client, Options{})
	stream, app := fixture()
	results := c.Activate(context.Background(), stream, app)

	d := stream.Destinations[0]
	d.RemoteRuleID = results[0].RuleID
	if err := c.Toggle(context.Background(), d, false); err != nil {
		t.Fatal(err)
	}
	relay.mu.Lock()
	enabled := relay.rules[d.RemoteRuleID].Enabled
	relay.mu.Unlock()
	if enabled {
		t.Fatal("rule still enabled")
	}

	if err := c.Toggle(context.Background(), models.Destination{}, true); err != nil {
		t.Fatalf("toggle without rule: %v", err)
	}
	if relay.callCount(mediacontrol.ActionToggleRepublishing) != 1 {
		t.Fatal("toggle sent for destination without rule")
	}
}

func TestActivateReenablesDisabledRule(t *testing.T) {
	relay, client := newFakeRelay(t)
	c := New(client, Options{})
	stream, app := fixture()

	first := c.Activate(context.Background(), stream, app)
	if err := c.Toggle(context.Background(), models.Destination{RemoteRuleID: first[0].RuleID}, false); err != nil {
		t.Fatal(err)
	}

	second := c.Activate(context.Background(), stream, app)
	if second[0].Status != models.RepublishingConfigured || second[0].RuleID != first[0].RuleID {
		t.Fatalf("result = %+v", second[0])
	}
	relay.mu.Lock()
	enabled := relay.rules[first[0].RuleID].Enabled
	relay.mu.Unlock()
	if !enabled {
		t.Fatal("reused rule left disabled")
	}
	if relay.ruleCount() != 2 {
		t.Fatalf("rules = %d", relay.ruleCount())
	}
}

func TestActivateDisabledRuleToggleFailureIsManual(t *testing.T) {
	relay, client := newFakeRelay(t)
	c := New(client, Options{})
	stream, app := fixture()
	stream.Destinations = stream.Destinations[:1]

	first := c.Activate(context.Background(), stream, app)
	relay.mu.Lock()
	rule := relay.rules[first[0].RuleID]
	rule.Enabled = false
	relay.rules[first[0].RuleID] = rule
	relay.mu.Unlock()

	rejecting := &rejectToggle{RuleClient: client}
	got := New(rejecting, Options{}).Activate(context.Background(), stream, app)
	if got[0].Status != models.RepublishingManualRequired || got[0].Details == nil {
		t.Fatalf("result = %+v", got[0])
	}
}

type rejectToggle struct {
	RuleClient
}

func (rejectToggle) ToggleRepublishingRule(context.Context, mediacontrol.ToggleRuleParams) error {
	return &mediacontrol.RemoteRejectionError{Action: mediacontrol.ActionToggleRepublishing, StatusCode: 500}
}
