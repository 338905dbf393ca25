// Package streamapps manages RTMP ingest namespaces (apps), their keys and
// the source_stream names that let many streams share one ingest point.
package streamapps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/models"
)

const (
	maxAllocAttempts = 100
	defaultKeyName   = "default"
)

// Store persists apps and keys. Missing rows are errs.ErrNotFound and unique
// violations are errs.ErrConflict.
type Store interface {
	CreateApp(ctx context.Context, app *models.StreamApp, key *models.StreamKey) error
	GetApp(ctx context.Context, id uuid.UUID) (*models.StreamApp, error)
	ListApps(ctx context.Context, ownerID uuid.UUID) ([]*models.StreamApp, error)
	UpdateApp(ctx context.Context, app *models.StreamApp) error
	DeleteApp(ctx context.Context, id uuid.UUID) error

	CreateKey(ctx context.Context, key *models.StreamKey) error
	GetKey(ctx context.Context, id uuid.UUID) (*models.StreamKey, error)
	ListKeys(ctx context.Context, appID uuid.UUID) ([]*models.StreamKey, error)
	UpdateKey(ctx context.Context, key *models.StreamKey) error
	DeleteKey(ctx context.Context, id uuid.UUID) error

	CountStreamsByApp(ctx context.Context, appID uuid.UUID) (int, error)
	CountStreamsByKey(ctx context.Context, keyID uuid.UUID) (int, error)
	// SourceStreamsInApp lists source_stream values used under appID, skipping excludeStreamID.
	SourceStreamsInApp(ctx context.Context, appID, excludeStreamID uuid.UUID) ([]string, error)
}

// Registry is the entry point for app/key management and source_stream allocation.
type Registry struct {
	store  Store
	logger *zap.Logger
}

// NewRegistry creates a registry.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger}
}

// CreateAppInput is the definition of a new app.
type CreateAppInput struct {
	Name             string            `json:"name"`
	AppPath          string            `json:"app_path"`
	DefaultStreamKey string            `json:"default_stream_key"`
	Settings         map[string]string `json:"settings"`
}

// UpdateAppInput holds optional changes; nil fields are left alone.
type UpdateAppInput struct {
	Name             *string           `json:"name"`
	AppPath          *string           `json:"app_path"`
	DefaultStreamKey *string           `json:"default_stream_key"`
	Settings         map[string]string `json:"settings"`
	Status           *models.AppStatus `json:"status"`
}

type CreateKeyInput struct {
	Name        string `json:"name"`
	KeyValue    string `json:"key_value"`
	Description string `json:"description"`
	Active      *bool  `json:"active"`
}

type UpdateKeyInput struct {
	Name        *string `json:"name"`
	KeyValue    *string `json:"key_value"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

// CreateApp validates and stores a new app together with its default key.
func (r *Registry) CreateApp(ctx context.Context, ownerID uuid.UUID, in CreateAppInput) (*models.StreamApp, error) {
	v := &errs.ValidationError{}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || len(in.Name) > 255 {
		v.Add("name", "must be 1-255 characters")
	}
	in.AppPath = strings.TrimSpace(in.AppPath)
	if err := ValidateAppPath(in.AppPath); err != nil {
		v.Merge("", asValidation(err))
	}
	if in.DefaultStreamKey == "" {
		in.DefaultStreamKey = GenerateKey()
	} else if err := ValidateKey(in.DefaultStreamKey); err != nil {
		v.Add("default_stream_key", "must be 8-255 characters")
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	app := &models.StreamApp{
		ID:               uuid.New(),
		OwnerID:          ownerID,
		Name:             in.Name,
		AppPath:          in.AppPath,
		DefaultStreamKey: in.DefaultStreamKey,
		Settings:         in.Settings,
		Status:           models.AppStatusActive,
	}
	if app.Settings == nil {
		app.Settings = map[string]string{}
	}
	key := &models.StreamKey{
		ID:       uuid.New(),
		AppID:    app.ID,
		Name:     defaultKeyName,
		KeyValue: in.DefaultStreamKey,
		Active:   true,
	}
	if err := r.store.CreateApp(ctx, app, key); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil, fmt.Errorf("app_path %q already exists: %w", app.AppPath, errs.ErrConflict)
		}
		return nil, fmt.Errorf("create app: %w", err)
	}
	r.logger.Info("stream app created", zap.String("app_id", app.ID.String()), zap.String("app_path", app.AppPath))
	return app, nil
}

// GetApp returns an app owned by ownerID. Foreign apps are reported as not found.
func (r *Registry) GetApp(ctx context.Context, ownerID, appID uuid.UUID) (*models.StreamApp, error) {
	app, err := r.store.GetApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.OwnerID != ownerID {
		return nil, errs.ErrNotFound
	}
	return app, nil
}

func (r *Registry) ListApps(ctx context.Context, ownerID uuid.UUID) ([]*models.StreamApp, error) {
	apps, err := r.store.ListApps(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	if apps == nil {
		apps = []*models.StreamApp{}
	}
	return apps, nil
}

// UpdateApp applies in to an owned app. Renaming app_path is refused while
// streams still reference the app, since their RTMP URLs would change under them.
func (r *Registry) UpdateApp(ctx context.Context, ownerID, appID uuid.UUID, in UpdateAppInput) (*models.StreamApp, error) {
	app, err := r.GetApp(ctx, ownerID, appID)
	if err != nil {
		return nil, err
	}
	v := &errs.ValidationError{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || len(name) > 255 {
			v.Add("name", "must be 1-255 characters")
		}
		app.Name = name
	}
	pathChanged := false
	if in.AppPath != nil && strings.TrimSpace(*in.AppPath) != app.AppPath {
		p := strings.TrimSpace(*in.AppPath)
		if err := ValidateAppPath(p); err != nil {
			v.Merge("", asValidation(err))
		}
		app.AppPath = p
		pathChanged = true
	}
	if in.DefaultStreamKey != nil {
		if err := ValidateKey(*in.DefaultStreamKey); err != nil {
			v.Add("default_stream_key", "must be 8-255 characters")
		}
		app.DefaultStreamKey = *in.DefaultStreamKey
	}
	if in.Status != nil {
		if *in.Status != models.AppStatusActive && *in.Status != models.AppStatusInactive {
			v.Add("status", "must be active or inactive")
		}
		app.Status = *in.Status
	}
	if in.Settings != nil {
		app.Settings = in.Settings
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	if pathChanged {
		n, err := r.store.CountStreamsByApp(ctx, app.ID)
		if err != nil {
			return nil, fmt.Errorf("count streams: %w", err)
		}
		if n > 0 {
			return nil, fmt.Errorf("app_path is in use by %d streams: %w", n, errs.ErrConflict)
		}
	}
	if err := r.store.UpdateApp(ctx, app); err != nil {
		return nil, fmt.Errorf("update app: %w", err)
	}
	if in.DefaultStreamKey != nil {
		if err := r.syncDefaultKey(ctx, app); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (r *Registry) syncDefaultKey(ctx context.Context, app *models.StreamApp) error {
	keys, err := r.store.ListKeys(ctx, app.ID)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	for _, k := range keys {
		if k.Name == defaultKeyName {
			k.KeyValue = app.DefaultStreamKey
			if err := r.store.UpdateKey(ctx, k); err != nil {
				return fmt.Errorf("update default key: %w", err)
			}
			return nil
		}
	}
	return nil
}

// DeleteApp removes an app and its keys. Apps referenced by streams are kept.
func (r *Registry) DeleteApp(ctx context.Context, ownerID, appID uuid.UUID) error {
	if _, err := r.GetApp(ctx, ownerID, appID); err != nil {
		return err
	}
	n, err := r.store.CountStreamsByApp(ctx, appID)
	if err != nil {
		return fmt.Errorf("count streams: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("stream app is used by %d streams: %w", n, errs.ErrConflict)
	}
	if err := r.store.DeleteApp(ctx, appID); err != nil {
		return fmt.Errorf("delete app: %w", err)
	}
	return nil
}

func (r *Registry) CreateKey(ctx context.Context, ownerID, appID uuid.UUID, in CreateKeyInput) (*models.StreamKey, error) {
	if _, err := r.GetApp(ctx, ownerID, appID); err != nil {
		return nil, err
	}
	v := &errs.ValidationError{}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || len(in.Name) > 100 {
		v.Add("name", "must be 1-100 characters")
	}
	if in.KeyValue == "" {
		in.KeyValue = GenerateKey()
	} else if err := ValidateKey(in.KeyValue); err != nil {
		v.Merge("", asValidation(err))
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	key := &models.StreamKey{
		ID:          uuid.New(),
		AppID:       appID,
		Name:        in.Name,
		KeyValue:    in.KeyValue,
		Description: in.Description,
		Active:      in.Active == nil || *in.Active,
	}
	if err := r.store.CreateKey(ctx, key); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil, fmt.Errorf("key %q already exists: %w", key.Name, errs.ErrConflict)
		}
		return nil, fmt.Errorf("create key: %w", err)
	}
	return key, nil
}

func (r *Registry) ListKeys(ctx context.Context, ownerID, appID uuid.UUID) ([]*models.StreamKey, error) {
	if _, err := r.GetApp(ctx, ownerID, appID); err != nil {
		return nil, err
	}
	keys, err := r.store.ListKeys(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	if keys == nil {
		keys = []*models.StreamKey{}
	}
	return keys, nil
}

// GetKey returns a key of an owned app.
func (r *Registry) GetKey(ctx context.Context, ownerID, appID, keyID uuid.UUID) (*models.StreamKey, error) {
	if _, err := r.GetApp(ctx, ownerID, appID); err != nil {
		return nil, err
	}
	key, err := r.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.AppID != appID {
		return nil, errs.ErrNotFound
	}
	return key, nil
}

func (r *Registry) UpdateKey(ctx context.Context, ownerID, appID, keyID uuid.UUID, in UpdateKeyInput) (*models.StreamKey, error) {
	key, err := r.GetKey(ctx, ownerID, appID, keyID)
	if err != nil {
		return nil, err
	}
	v := &errs.ValidationError{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || len(name) > 100 {
			v.Add("name", "must be 1-100 characters")
		}
		key.Name = name
	}
	if in.KeyValue != nil {
		if err := ValidateKey(*in.KeyValue); err != nil {
			v.Merge("", asValidation(err))
		}
		key.KeyValue = *in.KeyValue
	}
	if in.Description != nil {
		key.Description = *in.Description
	}
	if in.Active != nil {
		key.Active = *in.Active
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	if err := r.store.UpdateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("update key: %w", err)
	}
	return key, nil
}

// DeleteKey removes a key unless a stream still publishes with it.
func (r *Registry) DeleteKey(ctx context.Context, ownerID, appID, keyID uuid.UUID) error {
	if _, err := r.GetKey(ctx, ownerID, appID, keyID); err != nil {
		return err
	}
	n, err := r.store.CountStreamsByKey(ctx, keyID)
	if err != nil {
		return fmt.Errorf("count streams: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("stream key is used by %d streams: %w", n, errs.ErrConflict)
	}
	if err := r.store.DeleteKey(ctx, keyID); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// ResolveSource loads the app and key a stream publishes with and checks that
// the caller owns them, that the key belongs to the app and that both are active.
func (r *Registry) ResolveSource(ctx context.Context, ownerID, appID, keyID uuid.UUID) (*models.StreamApp, *models.StreamKey, error) {
	app, err := r.GetApp(ctx, ownerID, appID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil, errs.NewValidationError("app_id", "unknown stream app")
	}
	if err != nil {
		return nil, nil, err
	}
	key, err := r.store.GetKey(ctx, keyID)
	if errors.Is(err, errs.ErrNotFound) || (err == nil && key.AppID != app.ID) {
		return nil, nil, errs.NewValidationError("app_key_id", "unknown key for this stream app")
	}
	if err != nil {
		return nil, nil, err
	}
	v := &errs.ValidationError{}
	if !app.Active() {
		v.Add("app_id", "stream app is inactive")
	}
	if !key.Active {
		v.Add("app_key_id", "stream key is inactive")
	}
	if err := v.OrNil(); err != nil {
		return nil, nil, err
	}
	return app, key, nil
}

// AllocateSourceStream derives a source_stream from title that no other
// stream under appID uses. Derived tokens are disambiguated by a numeric
// suffix ("morningyoga2"), random fallback tokens are redrawn.
func (r *Registry) AllocateSourceStream(ctx context.Context, appID uuid.UUID, title string, excludeStreamID uuid.UUID) (string, error) {
	used, err := r.store.SourceStreamsInApp(ctx, appID, excludeStreamID)
	if err != nil {
		return "", fmt.Errorf("load sibling streams: %w", err)
	}
	taken := make(map[string]struct{}, len(used))
	for _, s := range used {
		taken[s] = struct{}{}
	}

	base := DeriveSourceStream(title)
	random := isRandomToken(base)
	candidate := base
	for attempt := 1; attempt <= maxAllocAttempts; attempt++ {
		if _, clash := taken[candidate]; !clash {
			return candidate, nil
		}
		if random {
			candidate = randomSourceStream()
		} else {
			candidate = suffixed(base, attempt+1)
		}
	}
	r.logger.Warn("source stream allocation exhausted",
		zap.String("app_id", appID.String()), zap.String("base", base))
	return "", fmt.Errorf("no free source stream for %q: %w", base, errs.ErrConflict)
}

func asValidation(err error) *errs.ValidationError {
	var v *errs.ValidationError
	if errors.As(err, &v) {
		return v
	}
	return errs.NewValidationError("", err.Error())
}
