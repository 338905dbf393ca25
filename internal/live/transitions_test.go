package live

import (
	"errors"
	"testing"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/models"
)

func TestTransitionTable(t *testing.T) {
	const (
		inactive = models.StreamStatusInactive
		live     = models.StreamStatusLive
		ended    = models.StreamStatusEnded
	)
	tests := []struct {
		ev   Event
		from models.StreamStatus
		to   models.StreamStatus
		ok   bool
	}{
		{EventStart, inactive, live, true},
		{EventStart, ended, live, true},
		{EventStart, live, live, true},
		{EventStop, live, inactive, true},
		{EventStop, inactive, inactive, false},
		{EventStop, ended, ended, false},
		{EventEnd, live, ended, true},
		{EventEnd, inactive, inactive, false},
		{EventEnd, ended, ended, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.ev)+"_from_"+string(tt.from), func(t *testing.T) {
			if got := CanTransition(tt.ev, tt.from); got != tt.ok {
				t.Fatalf("CanTransition = %v, want %v", got, tt.ok)
			}
			to, err := Transition(tt.ev, tt.from)
			if tt.ok {
				if err != nil || to != tt.to {
					t.Fatalf("Transition = %s, %v; want %s", to, err, tt.to)
				}
				return
			}
			if !errors.Is(err, errs.ErrIllegalTransition) {
				t.Fatalf("err = %v, want ErrIllegalTransition", err)
			}
			if to != tt.from {
				t.Fatalf("illegal transition changed state to %s", to)
			}
		})
	}
}

func TestStopNeverEnds(t *testing.T) {
	for _, from := range []models.StreamStatus{models.StreamStatusInactive, models.StreamStatusLive, models.StreamStatusEnded} {
		if to, err := Transition(EventStop, from); err == nil && to == models.StreamStatusEnded {
			t.Fatalf("stop from %s reached ended", from)
		}
	}
}
