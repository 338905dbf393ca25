package streamapps

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/models"
)

// memStore is an in-memory Store for tests. streams maps stream id to its
// (app, key, source_stream) so reference counting can be exercised.
type memStore struct {
	mu      sync.Mutex
	apps    map[uuid.UUID]models.StreamApp
	keys    map[uuid.UUID]models.StreamKey
	streams map[uuid.UUID]memStream
}

type memStream struct {
	AppID        uuid.UUID
	KeyID        uuid.UUID
	SourceStream string
}

func newMemStore() *memStore {
	return &memStore{
		apps:    map[uuid.UUID]models.StreamApp{},
		keys:    map[uuid.UUID]models.StreamKey{},
		streams: map[uuid.UUID]memStream{},
	}
}

func (m *memStore) CreateApp(_ context.Context, app *models.StreamApp, key *models.StreamKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.apps {
		if a.OwnerID == app.OwnerID && a.AppPath == app.AppPath {
			return errs.ErrConflict
		}
	}
	m.apps[app.ID] = *app
	m.keys[key.ID] = *key
	return nil
}

func (m *memStore) GetApp(_ context.Context, id uuid.UUID) (*models.StreamApp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

func (m *memStore) ListApps(_ context.Context, ownerID uuid.UUID) ([]*models.StreamApp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.StreamApp
	for _, a := range m.apps {
		if a.OwnerID == ownerID {
			a := a
			out = append(out, &a)
		}
	}
	return out, nil
}

func (m *memStore) UpdateApp(_ context.Context, app *models.StreamApp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.ID]; !ok {
		return errs.ErrNotFound
	}
	m.apps[app.ID] = *app
	return nil
}

func (m *memStore) DeleteApp(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[id]; !ok {
		return errs.ErrNotFound
	}
	delete(m.apps, id)
	for kid, k := range m.keys {
		if k.AppID == id {
			delete(m.keys, kid)
		}
	}
	return nil
}

func (m *memStore) CreateKey(_ context.Context, key *models.StreamKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.ID] = *key
	return nil
}

func (m *memStore) GetKey(_ context.Context, id uuid.UUID) (*models.StreamKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &k, nil
}

func (m *memStore) ListKeys(_ context.Context, appID uuid.UUID) ([]*models.StreamKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.StreamKey
	for _, k := range m.keys {
		if k.AppID == appID {
			k := k
			out = append(out, &k)
		}
	}
	return out, nil
}

func (m *memStore) UpdateKey(_ context.Context, key *models.StreamKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; !ok {
		return errs.ErrNotFound
	}
	m.keys[key.ID] = *key
	return nil
}

func (m *memStore) DeleteKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[id]; !ok {
		return errs.ErrNotFound
	}
	delete(m.keys, id)
	return nil
}

func (m *memStore) CountStreamsByApp(_ context.Context, appID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		if s.AppID == appID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountStreamsByKey(_ context.Context, keyID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		if s.KeyID == keyID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) SourceStreamsInApp(_ context.Context, appID, exclude uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, s := range m.streams {
		if s.AppID == appID && id != exclude {
			out = append(out, s.SourceStream)
		}
	}
	return out, nil
}

func (m *memStore) addStream(appID, keyID uuid.UUID, source string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.streams[id] = memStream{AppID: appID, KeyID: keyID, SourceStream: source}
	return id
}
