package live

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/models"
	"github.com/aura-webinar/restream/internal/republish"
)

// ctxRepo fails writes on a done context the way a pgx pool does.
type ctxRepo struct {
	*memRepo
}

func (r ctxRepo) Update(ctx context.Context, s *models.LiveStream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memRepo.Update(ctx, s)
}

func (r ctxRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memRepo.Delete(ctx, id)
}

// hangupRepublisher cancels the caller's context while rules are being changed,
// like a client disconnecting mid-request.
type hangupRepublisher struct {
	*fakeRepublisher
	cancel context.CancelFunc
}

func (r *hangupRepublisher) hangup() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *hangupRepublisher) Activate(ctx context.Context, s *models.LiveStream, app *models.StreamApp) []models.RepublishingResult {
	r.hangup()
	return r.fakeRepublisher.Activate(ctx, s, app)
}

func (r *hangupRepublisher) Deactivate(ctx context.Context, s *models.LiveStream, app *models.StreamApp) []republish.CleanupFailure {
	r.hangup()
	return r.fakeRepublisher.Deactivate(ctx, s, app)
}

func newHangupEnv(t *testing.T) (*testEnv, *hangupRepublisher) {
	t.Helper()
	e := newTestEnv(t, nil)
	rep := &hangupRepublisher{fakeRepublisher: e.rep}
	e.m = NewManager(Deps{Repo: ctxRepo{e.repo}, Sources: e.reg, Republisher: rep, Events: e.events})
	return e, rep
}

func TestStartPersistsWhenCallerGoesAway(t *testing.T) {
	e, rep := newHangupEnv(t)
	s := e.create(t, "Hangup", youtube)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep.cancel = cancel
	if _, err := e.m.Start(ctx, e.owner, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	stored, err := e.repo.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StreamStatusLive || stored.Destinations[0].RemoteRuleID == "" {
		t.Fatalf("stored = %s rule=%q", stored.Status, stored.Destinations[0].RemoteRuleID)
	}
}

func TestStopPersistsWhenCallerGoesAway(t *testing.T) {
	e, rep := newHangupEnv(t)
	s := e.create(t, "Hangup", youtube)
	if _, err := e.m.Start(context.Background(), e.owner, s.ID); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep.cancel = cancel
	got, err := e.m.Stop(ctx, e.owner, s.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got.Status != models.StreamStatusInactive {
		t.Fatalf("status = %s", got.Status)
	}

	stored, err := e.repo.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StreamStatusInactive || stored.Destinations[0].RemoteRuleID != "" {
		t.Fatalf("stored = %s rule=%q", stored.Status, stored.Destinations[0].RemoteRuleID)
	}
	if len(e.rep.deactivated) != 1 {
		t.Fatalf("deactivations = %d", len(e.rep.deactivated))
	}
}

func TestDeleteCompletesWhenCallerGoesAway(t *testing.T) {
	e, rep := newHangupEnv(t)
	s := e.create(t, "Hangup", youtube)
	if _, err := e.m.Start(context.Background(), e.owner, s.ID); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep.cancel = cancel
	if err := e.m.Delete(ctx, e.owner, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.repo.Get(context.Background(), s.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}
