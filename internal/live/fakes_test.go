package live

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/models"
	"github.com/aura-webinar/restream/internal/republish"
)

// memRepo is an in-memory Repository that also serves as the streamapps
// Store so the real registry sees the streams it creates.
type memRepo struct {
	mu      sync.Mutex
	streams map[uuid.UUID]*models.LiveStream
	apps    map[uuid.UUID]*models.StreamApp
	keys    map[uuid.UUID]*models.StreamKey
	updates int
}

func newMemRepo() *memRepo {
	return &memRepo{
		streams: map[uuid.UUID]*models.LiveStream{},
		apps:    map[uuid.UUID]*models.StreamApp{},
		keys:    map[uuid.UUID]*models.StreamKey{},
	}
}

func (r *memRepo) Create(_ context.Context, s *models.LiveStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.streams {
		if o.AppID == s.AppID && o.SourceStream == s.SourceStream {
			return errs.ErrConflict
		}
	}
	r.streams[s.ID] = s.Clone()
	return nil
}

func (r *memRepo) Get(_ context.Context, id uuid.UUID) (*models.LiveStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *memRepo) ListByOwner(_ context.Context, owner uuid.UUID) ([]*models.LiveStream, error) {
	return r.filter(func(s *models.LiveStream) bool { return s.OwnerID == owner }), nil
}

func (r *memRepo) ListLiveByOwner(_ context.Context, owner uuid.UUID) ([]*models.LiveStream, error) {
	return r.filter(func(s *models.LiveStream) bool {
		return s.OwnerID == owner && s.Status == models.StreamStatusLive
	}), nil
}

func (r *memRepo) filter(keep func(*models.LiveStream) bool) []*models.LiveStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.LiveStream
	for _, s := range r.streams {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	return out
}

func (r *memRepo) Update(_ context.Context, s *models.LiveStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[s.ID]; !ok {
		return errs.ErrNotFound
	}
	r.streams[s.ID] = s.Clone()
	r.updates++
	return nil
}

func (r *memRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[id]; !ok {
		return errs.ErrNotFound
	}
	delete(r.streams, id)
	return nil
}

// streamapps.Store

func (r *memRepo) CreateApp(_ context.Context, app *models.StreamApp, key *models.StreamKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, k := *app, *key
	r.apps[app.ID], r.keys[key.ID] = &a, &k
	return nil
}

func (r *memRepo) GetApp(_ context.Context, id uuid.UUID) (*models.StreamApp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.apps[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (r *memRepo) ListApps(context.Context, uuid.UUID) ([]*models.StreamApp, error) { return nil, nil }

func (r *memRepo) UpdateApp(_ context.Context, app *models.StreamApp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := *app
	r.apps[app.ID] = &a
	return nil
}

func (r *memRepo) DeleteApp(context.Context, uuid.UUID) error { return nil }

func (r *memRepo) CreateKey(_ context.Context, key *models.StreamKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := *key
	r.keys[key.ID] = &k
	return nil
}

func (r *memRepo) GetKey(_ context.Context, id uuid.UUID) (*models.StreamKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *k
	return &c, nil
}

func (r *memRepo) ListKeys(_ context.Context, appID uuid.UUID) ([]*models.StreamKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.StreamKey
	for _, k := range r.keys {
		if k.AppID == appID {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateKey(context.Context, *models.StreamKey) error         { return nil }
func (r *memRepo) DeleteKey(context.Context, uuid.UUID) error                 { return nil }
func (r *memRepo) CountStreamsByApp(context.Context, uuid.UUID) (int, error) { return 0, nil }
func (r *memRepo) CountStreamsByKey(context.Context, uuid.UUID) (int, error) { return 0, nil }

func (r *memRepo) SourceStreamsInApp(_ context.Context, appID, exclude uuid.UUID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, s := range r.streams {
		if s.AppID == appID && id != exclude {
			out = append(out, s.SourceStream)
		}
	}
	return out, nil
}

// fakeRepublisher records calls and configures every destination.
type fakeRepublisher struct {
	mu          sync.Mutex
	nextRule    int
	activated   [][]string // destination names per Activate call
	deactivated [][]string // rule ids per Deactivate call
	toggled     map[string]bool
	manual      bool
}

func (f *fakeRepublisher) Activate(_ context.Context, s *models.LiveStream, app *models.StreamApp) []models.RepublishingResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	var out []models.RepublishingResult
	for _, d := range s.EnabledDestinations() {
		names = append(names, republish.DisplayName(d))
		r := models.RepublishingResult{DestinationID: d.ID.String(), Destination: republish.DisplayName(d)}
		if f.manual {
			t := republish.TargetOf(d)
			r.Status = models.RepublishingManualRequired
			r.Details = &models.ManualConfig{SourceApp: app.AppPath, SourceStream: s.SourceStream, DestAddr: t.Addr, DestPort: t.Port, DestApp: t.App, DestStream: t.Stream}
		} else {
			f.nextRule++
			r.Status = models.RepublishingConfigured
			r.RuleID = "r" + strconv.Itoa(f.nextRule)
		}
		out = append(out, r)
	}
	f.activated = append(f.activated, names)
	return out
}

func (f *fakeRepublisher) Deactivate(_ context.Context, s *models.LiveStream, _ *models.StreamApp) []republish.CleanupFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, d := range s.Destinations {
		if d.RemoteRuleID != "" {
			ids = append(ids, d.RemoteRuleID)
		}
	}
	f.deactivated = append(f.deactivated, ids)
	return nil
}

func (f *fakeRepublisher) Toggle(_ context.Context, d models.Destination, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.toggled == nil {
		f.toggled = map[string]bool{}
	}
	f.toggled[d.RemoteRuleID] = enabled
	return nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []models.StreamEvent
}

func (r *recordedEvents) PublishStreamEvent(_ uuid.UUID, ev models.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type stubProbe struct {
	active map[string]bool
	err    error
}

func (p stubProbe) IsStreamActive(_ context.Context, name string) (bool, error) {
	return p.active[name], p.err
}
