package api

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mrinal-mann/Knugget-new/core"
)

// jitterWindow bounds the random component added to every computed backoff
// so concurrent callers do not retry in lockstep.
const jitterWindow = time.Second

// backoffDelay computes the deterministic part of the pause taken after a
// failed attempt: the base delay doubled per attempt, capped at MaxDelay.
// Jitter is added separately so this function stays testable.
func backoffDelay(policy core.RetryPolicy, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := policy.BaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

func defaultJitter() time.Duration {
	return rand.N(jitterWindow)
}

// parseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP-date. The boolean reports whether a usable hint was present.
func parseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}
	return 0, false
}
