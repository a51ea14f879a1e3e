package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/mrinal-mann/Knugget-new/core"
)

func TestBackoffDelayGrowth(t *testing.T) {
	policy := core.DefaultRetryPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{5, 5 * time.Second},
		{10, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(policy, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffDelayMonotonic(t *testing.T) {
	policy := core.RetryPolicy{MaxAttempts: 8, BaseDelay: 250 * time.Millisecond, MaxDelay: 3 * time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		delay := backoffDelay(policy, attempt)
		if delay < prev {
			t.Fatalf("backoffDelay(attempt=%d) = %v, decreased from %v", attempt, delay, prev)
		}
		if delay > policy.MaxDelay {
			t.Fatalf("backoffDelay(attempt=%d) = %v, exceeds max %v", attempt, delay, policy.MaxDelay)
		}
		prev = delay
	}
}

func TestBackoffDelayZeroBase(t *testing.T) {
	policy := core.RetryPolicy{MaxAttempts: 3}
	if got := backoffDelay(policy, 2); got != 0 {
		t.Errorf("backoffDelay() = %v, want 0", got)
	}
}

func TestGrowTimeout(t *testing.T) {
	base := 30 * time.Second

	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{30 * time.Second, 45 * time.Second},
		{45 * time.Second, 60 * time.Second},
		{60 * time.Second, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := growTimeout(tt.current, base); got != tt.want {
			t.Errorf("growTimeout(%v) = %v, want %v", tt.current, got, tt.want)
		}
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	header := http.Header{}
	header.Set("Retry-After", "2")

	wait, ok := parseRetryAfter(header, now)
	if !ok {
		t.Fatal("parseRetryAfter() ok = false, want true")
	}
	if wait != 2*time.Second {
		t.Errorf("parseRetryAfter() = %v, want %v", wait, 2*time.Second)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	header := http.Header{}
	header.Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))

	wait, ok := parseRetryAfter(header, now)
	if !ok {
		t.Fatal("parseRetryAfter() ok = false, want true")
	}
	if wait != 30*time.Second {
		t.Errorf("parseRetryAfter() = %v, want %v", wait, 30*time.Second)
	}
}

func TestParseRetryAfterInvalid(t *testing.T) {
	now := time.Now()

	tests := []string{"", "soon", "-5"}
	for _, value := range tests {
		header := http.Header{}
		if value != "" {
			header.Set("Retry-After", value)
		}
		if _, ok := parseRetryAfter(header, now); ok {
			t.Errorf("parseRetryAfter(%q) ok = true, want false", value)
		}
	}
}

func TestParseRetryAfterPastDate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	header := http.Header{}
	header.Set("Retry-After", now.Add(-time.Minute).Format(http.TimeFormat))

	wait, ok := parseRetryAfter(header, now)
	if !ok {
		t.Fatal("parseRetryAfter() ok = false, want true")
	}
	if wait != 0 {
		t.Errorf("parseRetryAfter() = %v, want 0", wait)
	}
}
