// Package live owns the lifecycle of logical live streams: their definition,
// the inactive/live/ended state machine and the remote rule synchronization
// triggered by start and stop.
package live

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/models"
	"github.com/aura-webinar/restream/internal/republish"
	"github.com/aura-webinar/restream/internal/telemetry"
)

const (
	maxCreateAttempts  = 3
	defaultSyncTimeout = 2 * time.Minute
)

// Repository persists live streams. Missing rows are errs.ErrNotFound; a
// duplicate (app_id, source_stream) is errs.ErrConflict.
type Repository interface {
	Create(ctx context.Context, s *models.LiveStream) error
	Get(ctx context.Context, id uuid.UUID) (*models.LiveStream, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.LiveStream, error)
	ListLiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.LiveStream, error)
	Update(ctx context.Context, s *models.LiveStream) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Sources is the app/key registry as seen by the lifecycle manager.
type Sources interface {
	ResolveSource(ctx context.Context, ownerID, appID, keyID uuid.UUID) (*models.StreamApp, *models.StreamKey, error)
	AllocateSourceStream(ctx context.Context, appID uuid.UUID, title string, excludeStreamID uuid.UUID) (string, error)
	GetApp(ctx context.Context, ownerID, appID uuid.UUID) (*models.StreamApp, error)
	GetKey(ctx context.Context, ownerID, appID, keyID uuid.UUID) (*models.StreamKey, error)
}

// Republisher synchronizes remote rules for a stream.
type Republisher interface {
	Activate(ctx context.Context, stream *models.LiveStream, app *models.StreamApp) []models.RepublishingResult
	Deactivate(ctx context.Context, stream *models.LiveStream, app *models.StreamApp) []republish.CleanupFailure
	Toggle(ctx context.Context, d models.Destination, enabled bool) error
}

// IngestProbe tells whether the relay currently receives a stream.
type IngestProbe interface {
	IsStreamActive(ctx context.Context, streamName string) (bool, error)
}

// EventPublisher fans lifecycle events out to the owner's subscribers.
type EventPublisher interface {
	PublishStreamEvent(ownerID uuid.UUID, ev models.StreamEvent)
}

// RTMPConfig is the public ingest endpoint shown to broadcasters.
type RTMPConfig struct {
	Host string
	Port int
}

type Deps struct {
	Repo        Repository
	Sources     Sources
	Republisher Republisher
	Probe       IngestProbe
	Events      EventPublisher
	Locker      Locker
	RTMP        RTMPConfig
	Logger      *zap.Logger
	Now         func() time.Time
	// SyncTimeout bounds remote synchronization plus the write recording it.
	SyncTimeout time.Duration
}

// Manager runs the stream lifecycle.
type Manager struct {
	repo    Repository
	sources Sources
	rep     Republisher
	probe   IngestProbe
	events  EventPublisher
	locker  Locker
	rtmp    RTMPConfig
	logger  *zap.Logger
	now     func() time.Time
	syncTTL time.Duration
}

func NewManager(d Deps) *Manager {
	m := &Manager{
		repo:    d.Repo,
		sources: d.Sources,
		rep:     d.Republisher,
		probe:   d.Probe,
		events:  d.Events,
		locker:  d.Locker,
		rtmp:    d.RTMP,
		logger:  d.Logger,
		now:     d.Now,
		syncTTL: d.SyncTimeout,
	}
	if m.locker == nil {
		m.locker = NewLocalLocker()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.syncTTL <= 0 {
		m.syncTTL = defaultSyncTimeout
	}
	return m
}

// DestinationInput describes a destination in create and update requests.
// ID refers to an existing destination on update.
type DestinationInput struct {
	ID       *uuid.UUID `json:"id"`
	Platform string     `json:"platform"`
	Name     string     `json:"name"`
	URL      string     `json:"url"`
	Port     int        `json:"port"`
	App      string     `json:"app"`
	Stream   string     `json:"stream"`
	Enabled  *bool      `json:"enabled"`
}

type CreateInput struct {
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	AppID        uuid.UUID          `json:"app_id"`
	KeyID        uuid.UUID          `json:"app_key_id"`
	Destinations []DestinationInput `json:"destinations"`
}

// UpdateInput holds optional changes. Destinations, when set, replaces the list.
type UpdateInput struct {
	Title        *string             `json:"title"`
	Description  *string             `json:"description"`
	AppID        *uuid.UUID          `json:"app_id"`
	KeyID        *uuid.UUID          `json:"app_key_id"`
	Destinations *[]DestinationInput `json:"destinations"`
}

// StartResult is the stream after start plus one result per enabled destination.
type StartResult struct {
	Stream  *models.LiveStream          `json:"stream"`
	Results []models.RepublishingResult `json:"republishing_results"`
}

// UpdateResult carries the results of rule changes made while the stream is live.
type UpdateResult struct {
	Stream  *models.LiveStream          `json:"stream"`
	Results []models.RepublishingResult `json:"republishing_results,omitempty"`
}

type RTMPInfo struct {
	RTMPURL      string               `json:"rtmp_url"`
	StreamKey    string               `json:"stream_key"`
	SourceApp    string               `json:"source_app"`
	SourceStream string               `json:"source_stream"`
	Status       models.StreamStatus  `json:"status"`
	Republishing []models.Destination `json:"republishing"`
}

type ActiveSession struct {
	Stream       *models.LiveStream `json:"stream"`
	IngestActive bool               `json:"ingest_active"`
}

func validateTitle(v *errs.ValidationError, title string) string {
	title = strings.TrimSpace(title)
	if title == "" || len(title) > 255 {
		v.Add("title", "must be 1-255 characters")
	}
	return title
}

// buildDestinations validates inputs and merges them with prior destinations
// by id so rule ids survive edits.
func buildDestinations(v *errs.ValidationError, in []DestinationInput, prior []models.Destination) []models.Destination {
	byID := make(map[uuid.UUID]models.Destination, len(prior))
	for _, d := range prior {
		byID[d.ID] = d
	}
	out := make([]models.Destination, 0, len(in))
	for i, di := range in {
		prefix := "destinations[" + strconv.Itoa(i) + "]."
		d := models.Destination{
			ID:       uuid.New(),
			Platform: strings.TrimSpace(di.Platform),
			Name:     strings.TrimSpace(di.Name),
			URL:      strings.TrimSpace(di.URL),
			Port:     di.Port,
			App:      strings.Trim(strings.TrimSpace(di.App), "/"),
			Stream:   strings.TrimSpace(di.Stream),
			Enabled:  di.Enabled == nil || *di.Enabled,
		}
		if di.ID != nil {
			if old, ok := byID[*di.ID]; ok {
				d.ID = old.ID
				d.RemoteRuleID = old.RemoteRuleID
			}
		}
		if d.Name == "" && d.Platform == "" {
			v.Add(prefix+"name", "name or platform is required")
		}
		if d.URL == "" {
			v.Add(prefix+"url", "required")
		}
		if d.Port < 0 || d.Port > 65535 {
			v.Add(prefix+"port", "must be between 1 and 65535")
		}
		if d.Stream == "" {
			v.Add(prefix+"stream", "required")
		}
		if d.URL != "" && republish.TargetOf(d).App == "" {
			v.Add(prefix+"app", "required unless the url carries it")
		}
		if d.Port == 0 {
			d.Port = republish.TargetOf(d).Port
		}
		out = append(out, d)
	}
	return out
}

// Create validates the definition, allocates a source_stream and stores the
// stream as inactive.
func (m *Manager) Create(ctx context.Context, ownerID uuid.UUID, in CreateInput) (*models.LiveStream, error) {
	v := &errs.ValidationError{}
	title := validateTitle(v, in.Title)
	if in.AppID == uuid.Nil {
		v.Add("app_id", "required")
	}
	if in.KeyID == uuid.Nil {
		v.Add("app_key_id", "required")
	}
	dests := buildDestinations(v, in.Destinations, nil)
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	if _, _, err := m.sources.ResolveSource(ctx, ownerID, in.AppID, in.KeyID); err != nil {
		return nil, err
	}

	s := &models.LiveStream{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Title:        title,
		Description:  in.Description,
		AppID:        in.AppID,
		KeyID:        in.KeyID,
		Status:       models.StreamStatusInactive,
		Destinations: dests,
	}
	// a sibling created concurrently can take the same name between allocation and insert
	for attempt := 1; ; attempt++ {
		source, err := m.sources.AllocateSourceStream(ctx, s.AppID, s.Title, s.ID)
		if err != nil {
			return nil, err
		}
		s.SourceStream = source
		err = m.repo.Create(ctx, s)
		if err == nil {
			break
		}
		if !errors.Is(err, errs.ErrConflict) || attempt == maxCreateAttempts {
			return nil, fmt.Errorf("create stream: %w", err)
		}
	}
	m.logger.Info("live stream created",
		zap.String("stream_id", s.ID.String()), zap.String("source_stream", s.SourceStream))
	m.publish(s, models.EventStreamCreated, nil)
	return s, nil
}

// Get returns an owned stream. Other owners' streams are reported as not found.
func (m *Manager) Get(ctx context.Context, ownerID, id uuid.UUID) (*models.LiveStream, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.OwnerID != ownerID {
		return nil, errs.ErrNotFound
	}
	return s, nil
}

func (m *Manager) List(ctx context.Context, ownerID uuid.UUID) ([]*models.LiveStream, error) {
	list, err := m.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	if list == nil {
		list = []*models.LiveStream{}
	}
	return list, nil
}

// detach returns a context that outlives the caller. Once remote rules start
// changing, the local record must be written even if the request goes away.
func (m *Manager) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.syncTTL)
}

func (m *Manager) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	unlock, err := m.locker.Lock(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("lock stream %s: %w", id, err)
	}
	return unlock, nil
}

// Update edits a stream. While the stream is live its source is frozen and
// destination changes are pushed to the relay right away.
func (m *Manager) Update(ctx context.Context, ownerID, id uuid.UUID, in UpdateInput) (*UpdateResult, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	before := s.Clone()
	live := s.Status == models.StreamStatusLive

	v := &errs.ValidationError{}
	if in.Title != nil {
		s.Title = validateTitle(v, *in.Title)
	}
	if in.Description != nil {
		s.Description = *in.Description
	}
	sourceChanged := false
	if in.AppID != nil && *in.AppID != s.AppID {
		s.AppID, sourceChanged = *in.AppID, true
	}
	if in.KeyID != nil && *in.KeyID != s.KeyID {
		s.KeyID, sourceChanged = *in.KeyID, true
	}
	if sourceChanged && live {
		v.Add("app_id", "cannot change the source of a live stream")
	}
	if in.Destinations != nil {
		s.Destinations = buildDestinations(v, *in.Destinations, before.Destinations)
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	if sourceChanged {
		if _, _, err := m.sources.ResolveSource(ctx, ownerID, s.AppID, s.KeyID); err != nil {
			return nil, err
		}
	}
	if !live && (sourceChanged || s.Title != before.Title) {
		source, err := m.sources.AllocateSourceStream(ctx, s.AppID, s.Title, s.ID)
		if err != nil {
			return nil, err
		}
		s.SourceStream = source
	}

	ctx, cancel := m.detach(ctx)
	defer cancel()
	var results []models.RepublishingResult
	if live && in.Destinations != nil {
		results, err = m.syncLiveDestinations(ctx, ownerID, before, s)
		if err != nil {
			return nil, err
		}
	}

	if err := m.repo.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("update stream: %w", err)
	}
	m.publish(s, models.EventStreamUpdated, results)
	return &UpdateResult{Stream: s, Results: results}, nil
}

func sameTarget(a, b models.Destination) bool {
	return republish.TargetOf(a) == republish.TargetOf(b)
}

// syncLiveDestinations applies the destination diff between before and after
// to the relay and records rule ids on after.
func (m *Manager) syncLiveDestinations(ctx context.Context, ownerID uuid.UUID, before, after *models.LiveStream) ([]models.RepublishingResult, error) {
	app, err := m.sources.GetApp(ctx, ownerID, after.AppID)
	if err != nil {
		return nil, err
	}
	old := make(map[uuid.UUID]models.Destination, len(before.Destinations))
	for _, d := range before.Destinations {
		old[d.ID] = d
	}

	teardown := &models.LiveStream{ID: before.ID, SourceStream: before.SourceStream}
	activate := after.Clone()
	activate.Destinations = nil
	var results []models.RepublishingResult

	kept := make(map[uuid.UUID]bool, len(after.Destinations))
	for i := range after.Destinations {
		d := &after.Destinations[i]
		prev, existed := old[d.ID]
		kept[d.ID] = existed
		switch {
		case !existed:
			if d.Enabled {
				activate.Destinations = append(activate.Destinations, *d)
			}
		case d.RemoteRuleID != "" && !sameTarget(prev, *d):
			teardown.Destinations = append(teardown.Destinations, prev)
			d.RemoteRuleID = ""
			if d.Enabled {
				activate.Destinations = append(activate.Destinations, *d)
			}
		case d.RemoteRuleID != "" && prev.Enabled != d.Enabled:
			if err := m.rep.Toggle(ctx, *d, d.Enabled); err != nil {
				m.logger.Warn("toggle republishing rule failed",
					zap.String("stream_id", after.ID.String()), zap.String("rule_id", d.RemoteRuleID), zap.Error(err))
				t := republish.TargetOf(*d)
				results = append(results, models.RepublishingResult{
					DestinationID: d.ID.String(),
					Destination:   republish.DisplayName(*d),
					Status:        models.RepublishingManualRequired,
					Message:       "rule could not be switched " + onOff(d.Enabled) + "; change it manually",
					RuleID:        d.RemoteRuleID,
					Details: &models.ManualConfig{
						SourceApp: app.AppPath, SourceStream: after.SourceStream,
						DestAddr: t.Addr, DestPort: t.Port, DestApp: t.App, DestStream: t.Stream,
					},
				})
			}
		case d.RemoteRuleID == "" && d.Enabled && (!prev.Enabled || !sameTarget(prev, *d)):
			activate.Destinations = append(activate.Destinations, *d)
		}
	}
	for _, d := range before.Destinations {
		if !kept[d.ID] && d.RemoteRuleID != "" {
			teardown.Destinations = append(teardown.Destinations, d)
		}
	}

	if len(teardown.Destinations) > 0 {
		m.rep.Deactivate(ctx, teardown, app)
	}
	if len(activate.Destinations) > 0 {
		added := m.rep.Activate(ctx, activate, app)
		applyRuleIDs(after, added)
		results = append(results, added...)
	}
	return results, nil
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

// applyRuleIDs stores configured rule ids on the matching destinations.
func applyRuleIDs(s *models.LiveStream, results []models.RepublishingResult) {
	for _, r := range results {
		if r.Status != models.RepublishingConfigured {
			continue
		}
		for i := range s.Destinations {
			if s.Destinations[i].ID.String() == r.DestinationID {
				s.Destinations[i].RemoteRuleID = r.RuleID
			}
		}
	}
}

// Start takes the stream live and configures its destinations. Remote
// failures do not stop the transition; they come back as manual_required
// results. Starting a live stream re-runs synchronization.
func (m *Manager) Start(ctx context.Context, ownerID, id uuid.UUID) (*StartResult, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	next, err := Transition(EventStart, s.Status)
	if err != nil {
		return nil, err
	}
	app, _, err := m.sources.ResolveSource(ctx, ownerID, s.AppID, s.KeyID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := m.detach(ctx)
	defer cancel()
	results := m.rep.Activate(ctx, s, app)
	applyRuleIDs(s, results)

	wasLive := s.Status == models.StreamStatusLive
	s.Status = next
	if !wasLive {
		now := m.now()
		s.LastStartedAt = &now
	}
	if err := m.repo.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("persist started stream: %w", err)
	}
	if !wasLive {
		telemetry.AddLive(1)
	}
	telemetry.RecordTransition(string(EventStart))
	m.logger.Info("live stream started",
		zap.String("stream_id", s.ID.String()), zap.Bool("resync", wasLive), zap.Int("destinations", len(results)))
	m.publish(s, models.EventStreamStarted, results)
	return &StartResult{Stream: s, Results: results}, nil
}

// Stop returns a live stream to inactive after removing its rules. Stopping
// a stream that is not live changes nothing and succeeds.
func (m *Manager) Stop(ctx context.Context, ownerID, id uuid.UUID) (*models.LiveStream, error) {
	return m.halt(ctx, ownerID, id, EventStop, models.EventStreamStopped)
}

// End finishes a live stream. The stream stays restartable.
func (m *Manager) End(ctx context.Context, ownerID, id uuid.UUID) (*models.LiveStream, error) {
	return m.halt(ctx, ownerID, id, EventEnd, models.EventStreamEnded)
}

func (m *Manager) halt(ctx context.Context, ownerID, id uuid.UUID, ev Event, eventName string) (*models.LiveStream, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if ev == EventStop && !CanTransition(ev, s.Status) {
		return s, nil
	}
	next, err := Transition(ev, s.Status)
	if err != nil {
		return nil, err
	}

	ctx, cancel := m.detach(ctx)
	defer cancel()
	m.teardown(ctx, ownerID, s)
	s.Status = next
	now := m.now()
	s.LastStoppedAt = &now
	if err := m.repo.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("persist %s: %w", ev, err)
	}
	telemetry.AddLive(-1)
	telemetry.RecordTransition(string(ev))
	m.logger.Info("live stream halted", zap.String("stream_id", s.ID.String()), zap.String("event", string(ev)))
	m.publish(s, eventName, nil)
	return s, nil
}

// teardown removes remote rules best-effort and forgets their ids.
func (m *Manager) teardown(ctx context.Context, ownerID uuid.UUID, s *models.LiveStream) {
	app, err := m.sources.GetApp(ctx, ownerID, s.AppID)
	if err != nil {
		m.logger.Warn("cannot resolve stream app for rule cleanup",
			zap.String("stream_id", s.ID.String()), zap.Error(err))
	} else {
		m.rep.Deactivate(ctx, s, app)
	}
	for i := range s.Destinations {
		s.Destinations[i].RemoteRuleID = ""
	}
}

func hasRules(s *models.LiveStream) bool {
	for _, d := range s.Destinations {
		if d.RemoteRuleID != "" {
			return true
		}
	}
	return false
}

// Delete removes a stream in any state, tearing down its rules first.
func (m *Manager) Delete(ctx context.Context, ownerID, id uuid.UUID) error {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	ctx, cancel := m.detach(ctx)
	defer cancel()
	wasLive := s.Status == models.StreamStatusLive
	if wasLive || hasRules(s) {
		m.teardown(ctx, ownerID, s)
	}
	if err := m.repo.Delete(ctx, s.ID); err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if wasLive {
		telemetry.AddLive(-1)
	}
	m.publish(s, models.EventStreamDeleted, nil)
	return nil
}

// RTMPInfo returns what a broadcaster needs to publish the stream.
func (m *Manager) RTMPInfo(ctx context.Context, ownerID, id uuid.UUID) (*RTMPInfo, error) {
	s, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	app, err := m.sources.GetApp(ctx, ownerID, s.AppID)
	if err != nil {
		return nil, fmt.Errorf("load stream app: %w", err)
	}
	key, err := m.sources.GetKey(ctx, ownerID, s.AppID, s.KeyID)
	if err != nil {
		return nil, fmt.Errorf("load stream key: %w", err)
	}
	return &RTMPInfo{
		RTMPURL:      m.ingestURL(app.AppPath),
		StreamKey:    key.KeyValue,
		SourceApp:    app.AppPath,
		SourceStream: s.SourceStream,
		Status:       s.Status,
		Republishing: s.Destinations,
	}, nil
}

func (m *Manager) ingestURL(appPath string) string {
	host := m.rtmp.Host
	if host == "" {
		host = "localhost"
	}
	if m.rtmp.Port != 0 && m.rtmp.Port != models.DefaultDestinationPort {
		host = net.JoinHostPort(host, strconv.Itoa(m.rtmp.Port))
	}
	return "rtmp://" + host + "/" + appPath
}

// ActiveSessions lists the owner's live streams with whether the relay is
// receiving each one. An unreachable relay reads as not receiving.
func (m *Manager) ActiveSessions(ctx context.Context, ownerID uuid.UUID) ([]ActiveSession, error) {
	list, err := m.repo.ListLiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list live streams: %w", err)
	}
	out := make([]ActiveSession, 0, len(list))
	for _, s := range list {
		active := false
		if m.probe != nil {
			ok, err := m.probe.IsStreamActive(ctx, s.SourceStream)
			if err != nil {
				m.logger.Debug("ingest probe failed", zap.String("stream_id", s.ID.String()), zap.Error(err))
			}
			active = err == nil && ok
		}
		out = append(out, ActiveSession{Stream: s, IngestActive: active})
	}
	return out, nil
}

func (m *Manager) publish(s *models.LiveStream, eventType string, results []models.RepublishingResult) {
	if m.events == nil {
		return
	}
	m.events.PublishStreamEvent(s.OwnerID, models.StreamEvent{
		Type:     eventType,
		StreamID: s.ID,
		Status:   s.Status,
		Results:  results,
	})
}
