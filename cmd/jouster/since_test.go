package main

import (
	"testing"
	"time"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"2024-05-01", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-05-01T08:30:00Z", time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)},
		{"36h", now.Add(-36 * time.Hour)},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in, now)
		if err != nil {
			t.Errorf("parseSince(%q) error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseSince_NaturalLanguage(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2 weeks ago", now)
	if err != nil {
		t.Fatalf("parseSince failed: %v", err)
	}
	if got.Before(now.AddDate(0, 0, -15)) || got.After(now.AddDate(0, 0, -13)) {
		t.Errorf("2 weeks ago = %v, want about %v", got, now.AddDate(0, 0, -14))
	}
}

func TestParseSince_Invalid(t *testing.T) {
	if _, err := parseSince("bogus", time.Now()); err == nil {
		t.Error("expected error for text without a date")
	}
}
