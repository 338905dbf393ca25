package realtime

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aura-webinar/restream/internal/testsupport/redisstub"
)

type received struct {
	event   string
	payload string
}

func TestRedisPubSubDeliversAcrossInstances(t *testing.T) {
	srv, err := redisstub.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	clientA := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer clientA.Close()
	defer clientB.Close()

	a := NewRedisPubSub(clientA, nil)
	b := NewRedisPubSub(clientB, nil)
	owner, other := uuid.New(), uuid.New()

	got := make(chan received, 4)
	cancel, err := b.SubscribeOwner(owner, func(event string, payload []byte) {
		got <- received{event, string(payload)}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := a.PublishOwnerEvent(other, "stream.updated", []byte(`{"id":"x"}`)); err != nil {
		t.Fatal(err)
	}
	if err := a.PublishOwnerEvent(owner, "stream.live", []byte(`{"id":"y"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-got:
		if r.event != "stream.live" || r.payload != `{"id":"y"}` {
			t.Fatalf("received %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case r := <-got:
		t.Fatalf("unexpected event for another owner: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
