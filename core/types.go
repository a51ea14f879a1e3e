// Package core provides the foundational types for the Knugget client.
//
// This package contains:
//   - Auth types: AuthRecord, User, Plan
//   - Summary types: Summary, VideoMeta, Transcript
//   - Shared policy types: RetryPolicy
package core

import (
	"strings"
	"time"
)

// Plan identifies the subscription tier of a user account.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// String returns the string representation of the Plan.
func (p Plan) String() string {
	return string(p)
}

// ParsePlan normalizes a plan string from the wire. Unknown values fall
// back to the free tier rather than failing the whole record.
func ParsePlan(s string) Plan {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(PlanPremium):
		return PlanPremium
	default:
		return PlanFree
	}
}

// User is the account profile attached to an authenticated session.
// The server copy is authoritative; clients may adjust Credits
// optimistically but must discard the guess whenever a server payload
// carries a fresh User.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Credits int    `json:"credits"`
	Plan    Plan   `json:"plan"`
}

// AuthRecord is the unit of persisted session state. Exactly one record
// exists at a time; writes replace the whole record.
type AuthRecord struct {
	AccessToken  string `json:"accessToken"`            // bearer token, opaque to the client
	RefreshToken string `json:"refreshToken,omitempty"` // optional; absence disables silent renewal
	User         User   `json:"user"`
	ExpiresAt    int64  `json:"expiresAt"` // epoch milliseconds, as issued by the server
	LoginTime    int64  `json:"loginTime"` // epoch milliseconds at login
}

// Valid reports whether the record can authenticate requests right now:
// a non-empty token, a known user and an expiry in the future.
func (r AuthRecord) Valid(now time.Time) bool {
	if r.AccessToken == "" || r.User.ID == "" {
		return false
	}
	return r.Expiry().After(now)
}

// Expiry returns ExpiresAt as a time.Time.
func (r AuthRecord) Expiry() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// ExpiresIn returns the remaining lifetime of the record. Expired
// records return a non-positive duration.
func (r AuthRecord) ExpiresIn(now time.Time) time.Duration {
	return r.Expiry().Sub(now)
}

// VideoMeta describes the video a summary was generated from.
type VideoMeta struct {
	VideoID     string `json:"videoId"`
	Title       string `json:"title"`
	ChannelName string `json:"channelName"`
	URL         string `json:"url"`
	Duration    string `json:"duration,omitempty"`
}

// TranscriptSegment is one timed line of a video transcript. Segments
// are produced by the page scraper and treated as opaque input here.
type TranscriptSegment struct {
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

// Transcript is an ordered list of segments covering a whole video.
type Transcript []TranscriptSegment

// Text joins the segment texts into a single space-separated string,
// the form the generation endpoint consumes.
func (t Transcript) Text() string {
	parts := make([]string, 0, len(t))
	for _, seg := range t {
		if s := strings.TrimSpace(seg.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Summary is a generated or saved video summary.
type Summary struct {
	ID          string    `json:"id,omitempty"`
	VideoID     string    `json:"videoId"`
	Title       string    `json:"title"`
	KeyPoints   []string  `json:"keyPoints"`
	FullSummary string    `json:"fullSummary"`
	VideoMeta   VideoMeta `json:"videoMetadata"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// RetryPolicy configures retry behavior for requests to the backend.
type RetryPolicy struct {
	MaxAttempts       int           // maximum number of attempts (1 = no retries)
	BaseDelay         time.Duration // base backoff duration between attempts
	MaxDelay          time.Duration // upper bound for the computed backoff
	RetryableStatuses []int         // HTTP statuses worth another attempt
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Second,
		RetryableStatuses: []int{408, 429, 500, 502, 503, 504},
	}
}

// RetryableStatus reports whether the policy treats the given HTTP
// status as transient.
func (p RetryPolicy) RetryableStatus(status int) bool {
	for _, s := range p.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}
