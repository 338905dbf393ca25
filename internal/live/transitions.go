package live

import (
	"fmt"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/models"
)

// Event is a lifecycle command applied to a stream.
type Event string

const (
	EventStart Event = "start"
	EventStop  Event = "stop"
	EventEnd   Event = "end"
)

// transitions lists every legal (event, from) pair and its target state.
// start on a live stream is a resync and keeps it live.
var transitions = map[Event]map[models.StreamStatus]models.StreamStatus{
	EventStart: {
		models.StreamStatusInactive: models.StreamStatusLive,
		models.StreamStatusEnded:    models.StreamStatusLive,
		models.StreamStatusLive:     models.StreamStatusLive,
	},
	EventStop: {
		models.StreamStatusLive: models.StreamStatusInactive,
	},
	EventEnd: {
		models.StreamStatusLive: models.StreamStatusEnded,
	},
}

// CanTransition reports whether e may be applied in state from.
func CanTransition(e Event, from models.StreamStatus) bool {
	_, ok := transitions[e][from]
	return ok
}

// Transition returns the state reached by applying e in state from.
func Transition(e Event, from models.StreamStatus) (models.StreamStatus, error) {
	to, ok := transitions[e][from]
	if !ok {
		return from, fmt.Errorf("%w: cannot %s a stream that is %s", errs.ErrIllegalTransition, e, from)
	}
	return to, nil
}
