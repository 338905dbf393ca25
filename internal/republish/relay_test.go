package republish

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aura-webinar/restream/internal/mediacontrol"
)

// fakeRelay is an in-memory media server control API.
type fakeRelay struct {
	mu       sync.Mutex
	nextID   int
	rules    map[string]mediacontrol.Rule
	calls    map[string]int
	failAdds map[string]bool // dest_stream values whose add is rejected
	failAll  bool
}

func newFakeRelay(t *testing.T) (*fakeRelay, *mediacontrol.Client) {
	t.Helper()
	fr := &fakeRelay{rules: map[string]mediacontrol.Rule{}, calls: map[string]int{}, failAdds: map[string]bool{}}
	srv := httptest.NewServer(fr)
	t.Cleanup(srv.Close)
	client := mediacontrol.NewClient(mediacontrol.Config{
		BaseURL: srv.URL, ServerUUID: "srv", Secret: "secret", Timeout: 2 * time.Second,
	})
	return fr, client
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	action := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.calls[action]++
	if f.failAll {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	q := r.URL.Query()
	switch action {
	case mediacontrol.ActionAddRepublishing:
		if f.failAdds[q.Get("dest_stream")] {
			http.Error(w, "rejected", http.StatusBadRequest)
			return
		}
		f.nextID++
		id := strconv.Itoa(f.nextID)
		port, _ := strconv.Atoi(q.Get("dest_port"))
		f.rules[id] = mediacontrol.Rule{
			ID: mediacontrol.RuleID(id), SrcApp: q.Get("src_app"), SrcStream: q.Get("src_stream"),
			DestAddr: q.Get("dest_addr"), DestPort: port, DestApp: q.Get("dest_app"), DestStream: q.Get("dest_stream"),
			Enabled: q.Get("enabled") == "true",
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	case mediacontrol.ActionRemoveRepublishing:
		id := q.Get("rule_id")
		if _, ok := f.rules[id]; !ok {
			http.Error(w, "no such rule", http.StatusNotFound)
			return
		}
		delete(f.rules, id)
		_, _ = w.Write([]byte(`{"ok":true}`))
	case mediacontrol.ActionToggleRepublishing:
		rule, ok := f.rules[q.Get("rule_id")]
		if !ok {
			http.Error(w, "no such rule", http.StatusNotFound)
			return
		}
		rule.Enabled = q.Get("enabled") == "true"
		f.rules[string(rule.ID)] = rule
		_, _ = w.Write([]byte(`{"ok":true}`))
	case mediacontrol.ActionRepublishingRules:
		list := make([]mediacontrol.Rule, 0, len(f.rules))
		for _, r := range f.rules {
			list = append(list, r)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rules": list})
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func (f *fakeRelay) ruleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rules)
}

func (f *fakeRelay) callCount(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}
