package streamapps

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aura-webinar/restream/internal/errs"
)

const (
	maxSourceStreamLen = 20
	minKeyLen          = 8
	maxKeyLen          = 255
	randomPrefix       = "stream_"
)

var appPathRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{2,50}$`)

// DeriveSourceStream turns a title into the stream name used on the relay:
// lower-case [a-z0-9] only, at most 20 characters. A title with nothing
// usable gets a random "stream_xxxxxxxx" token instead.
func DeriveSourceStream(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == maxSourceStreamLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return randomSourceStream()
	}
	return b.String()
}

func randomSourceStream() string {
	return randomPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func isRandomToken(token string) bool {
	return strings.HasPrefix(token, randomPrefix)
}

// suffixed returns base with n appended, trimmed so the result stays within the length bound.
func suffixed(base string, n int) string {
	s := strconv.Itoa(n)
	if keep := maxSourceStreamLen - len(s); len(base) > keep {
		base = base[:keep]
	}
	return base + s
}

// ValidateAppPath checks the charset and length accepted by the relay.
func ValidateAppPath(path string) error {
	if !appPathRegex.MatchString(path) {
		return errs.NewValidationError("app_path", "must be 2-50 characters of letters, digits, '_' or '-'")
	}
	return nil
}

// ValidateKey checks the stream key length bounds.
func ValidateKey(key string) error {
	if n := len(key); n < minKeyLen || n > maxKeyLen {
		return errs.NewValidationError("key_value", "must be 8-255 characters")
	}
	return nil
}

// GenerateKey returns a fresh 32 hex character stream key.
func GenerateKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
