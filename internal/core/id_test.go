package core

import (
	"strings"
	"testing"
	"time"
)

func TestSessionIDCreatedAt(t *testing.T) {
	tests := []struct {
		id   SessionID
		year int
		zero bool
	}{
		{"sess_20250212T123045.000000000_a1b2c3d4e5f6", 2025, false},
		{"sess_20240101T000000.000000000_ffffffffffff", 2024, false},
		{"malformed", 0, true},
		{"sess_badtimestamp_abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got := tt.id.CreatedAt()
		if tt.zero && !got.IsZero() {
			t.Errorf("%q.CreatedAt() = %v, want zero", tt.id, got)
		}
		if !tt.zero && got.Year() != tt.year {
			t.Errorf("%q.CreatedAt().Year() = %d, want %d", tt.id, got.Year(), tt.year)
		}
	}
}

func TestNewSessionIDRoundTrip(t *testing.T) {
	before := time.Now().UTC().Add(-time.Second)
	id := NewSessionID()

	if !strings.HasPrefix(string(id), "sess_") {
		t.Fatalf("unexpected id %q", id)
	}
	if created := id.CreatedAt(); created.Before(before) || created.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("CreatedAt() = %v, want about now", created)
	}
}
