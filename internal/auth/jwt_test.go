package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJWTRoundTrip(t *testing.T) {
	s := NewJWTService("secret", 1)
	id := uuid.New()
	tok, err := s.Generate(id, "a@example.com", "streamer")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.Validate(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != id || claims.Role != "streamer" {
		t.Errorf("claims = %+v", claims)
	}
	owner, err := s.Owner(tok)
	if err != nil || owner != id {
		t.Errorf("owner = %s, %v", owner, err)
	}
}

func TestJWTRejects(t *testing.T) {
	s := NewJWTService("secret", 1)
	tok, _ := s.Generate(uuid.New(), "a@example.com", "streamer")

	if _, err := NewJWTService("other", 1).Validate(tok); err != ErrInvalidToken {
		t.Errorf("wrong secret: err = %v", err)
	}
	if _, err := s.Validate("garbage"); err != ErrInvalidToken {
		t.Errorf("garbage: err = %v", err)
	}

	later := NewJWTService("secret", 1)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := later.Validate(tok); err != ErrInvalidToken {
		t.Errorf("expired: err = %v", err)
	}
}
