package republish

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/aura-webinar/restream/internal/models"
)

// Target is where the relay pushes a destination's copy of the stream.
type Target struct {
	Addr   string
	Port   int
	App    string
	Stream string
}

// TargetOf resolves a destination into host, port, app and stream. The URL may
// be a bare host or a full rtmp:// URL; explicit fields win over URL parts.
func TargetOf(d models.Destination) Target {
	t := Target{Addr: strings.TrimSpace(d.URL), Port: d.Port, App: d.App, Stream: d.Stream}
	if strings.Contains(t.Addr, "://") {
		if u, err := url.Parse(t.Addr); err == nil && u.Hostname() != "" {
			t.Addr = u.Hostname()
			if t.Port == 0 {
				if p, err := strconv.Atoi(u.Port()); err == nil {
					t.Port = p
				}
			}
			if t.App == "" {
				t.App = strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)[0]
			}
		}
	}
	t.Addr = strings.TrimRight(t.Addr, "/")
	if t.Port == 0 {
		t.Port = models.DefaultDestinationPort
	}
	return t
}

// DisplayName is the label shown for a destination in results.
func DisplayName(d models.Destination) string {
	if d.Name != "" {
		return d.Name
	}
	return d.Platform
}
