package engine

import (
	"strconv"
	"testing"
	"time"
)

func TestNewestBuildReference(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://apps.example.org/profile.yaml", "https://apps.example.org/profile.yaml?target=build"},
		{"http://apps.example.org/profile.yaml?app=1", "http://apps.example.org/profile.yaml?app=1&target=build"},
		{"https://apps.example.org/profile.yaml?target=build", "https://apps.example.org/profile.yaml?target=build"},
		{AssetProfileReference, AssetProfileReference},
		{"file:///var/lib/appstage/profile.yaml", "file:///var/lib/appstage/profile.yaml"},
		{"sftp://mirror/profile.yaml", "sftp://mirror/profile.yaml"},
	}

	for _, tt := range tests {
		if got := NewestBuildReference(tt.in); got != tt.want {
			t.Errorf("NewestBuildReference(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ms := func(d time.Duration) string {
		return strconv.FormatInt(now.Add(-d).UnixMilli(), 10)
	}

	tests := []struct {
		name   string
		anchor string
		want   bool
	}{
		{"unset", "", false},
		{"garbage", "yesterday", false},
		{"recent", ms(time.Hour), false},
		{"at threshold", ms(DefaultStartOverThreshold), false},
		{"past threshold", ms(DefaultStartOverThreshold + time.Millisecond), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isStale(tt.anchor, now, DefaultStartOverThreshold); got != tt.want {
				t.Errorf("isStale(%q) = %v, want %v", tt.anchor, got, tt.want)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	for attempt, base := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second} {
		got := p.calculateBackoff(attempt)
		if got < base || got > base+base/4 {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, got, base, base+base/4)
		}
	}

	if (RetryPolicy{}).calculateBackoff(3) != 0 {
		t.Error("zero base delay should not wait")
	}
}
