package republish

import (
	"testing"

	"github.com/aura-webinar/restream/internal/models"
)

func TestTargetOf(t *testing.T) {
	tests := []struct {
		name string
		d    models.Destination
		want Target
	}{
		{"bare host", models.Destination{URL: "live.twitch.tv", App: "app", Stream: "k"}, Target{"live.twitch.tv", 1935, "app", "k"}},
		{"rtmp url", models.Destination{URL: "rtmp://a.rtmp.youtube.com/live2", Stream: "k"}, Target{"a.rtmp.youtube.com", 1935, "live2", "k"}},
		{"url port", models.Destination{URL: "rtmp://relay.example:1940/in/extra", Stream: "k"}, Target{"relay.example", 1940, "in", "k"}},
		{"explicit fields win", models.Destination{URL: "rtmp://relay.example:1940/in", Port: 443, App: "rtmp", Stream: "k"}, Target{"relay.example", 443, "rtmp", "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetOf(tt.d); got != tt.want {
				t.Fatalf("TargetOf() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
