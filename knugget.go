// Package knugget is the client core for the Knugget summarization
// service: session lifecycle, resilient backend requests, credential
// persistence, event distribution, and the typed messaging surface the
// daemon exposes to local and external callers.
//
// The subpackages can be used directly for clearer dependencies:
//
//	import "github.com/mrinal-mann/Knugget-new/api"
//	import "github.com/mrinal-mann/Knugget-new/session"
//	import "github.com/mrinal-mann/Knugget-new/store"
//	import "github.com/mrinal-mann/Knugget-new/bus"
//
// The Client in this package bundles them the way the daemon and CLI
// consume them: one constructor, one hydration call, one Close.
package knugget

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mrinal-mann/Knugget-new/api"
	"github.com/mrinal-mann/Knugget-new/bus"
	"github.com/mrinal-mann/Knugget-new/core"
	"github.com/mrinal-mann/Knugget-new/msg"
	"github.com/mrinal-mann/Knugget-new/session"
	"github.com/mrinal-mann/Knugget-new/store"
)

// Type aliases from the core package.
type (
	// User is the account profile attached to an authenticated session.
	User = core.User

	// Plan identifies the subscription tier of a user account.
	Plan = core.Plan

	// AuthRecord is the unit of persisted session state.
	AuthRecord = core.AuthRecord

	// Summary is a generated or saved video summary.
	Summary = core.Summary

	// Transcript is an ordered list of timed segments covering a video.
	Transcript = core.Transcript

	// TranscriptSegment is one timed line of a video transcript.
	TranscriptSegment = core.TranscriptSegment

	// VideoMeta describes the video a summary was generated from.
	VideoMeta = core.VideoMeta

	// RetryPolicy configures retry behavior for backend requests.
	RetryPolicy = core.RetryPolicy
)

// Plan constants.
const (
	PlanFree    = core.PlanFree
	PlanPremium = core.PlanPremium
)

// Type aliases from the api package.
type (
	// ListOptions filters and pages the summary listing.
	ListOptions = api.ListSummariesOptions

	// SummaryPage is one page of the summary listing.
	SummaryPage = api.SummaryPage

	// Failure is the structured notification emitted on terminal request
	// and storage failures.
	Failure = api.Failure
)

// Type aliases from the bus package.
type (
	// Event is a structured record of a session or request state change.
	Event = bus.Event

	// EventKind identifies the type of event published on the bus.
	EventKind = bus.EventKind
)

// Event kinds published by the client.
const (
	EventAuthChanged      = bus.EventAuthChanged
	EventAuthFailed       = bus.EventAuthFailed
	EventLoggedOut        = bus.EventLoggedOut
	EventSessionRefreshed = bus.EventSessionRefreshed
	EventCreditsChanged   = bus.EventCreditsChanged
	EventRequestFailed    = bus.EventRequestFailed
)

// TranscriptSource supplies the transcript and metadata for a video.
// Implementations live outside this module (the page scraper, a file
// reader); the client only consumes them.
type TranscriptSource interface {
	Fetch(ctx context.Context, videoID string) (core.Transcript, core.VideoMeta, error)
}

// Config configures a Client. BaseURL is required; everything else has
// a usable default.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.knugget.com".
	BaseURL string
	// Store persists credentials across restarts. Defaults to an
	// in-memory store, which keeps the session for the process lifetime
	// only.
	Store store.Store
	// HTTPClient overrides the outbound transport.
	HTTPClient api.HTTPClient
	// Retry controls attempt count and backoff shape for requests.
	Retry core.RetryPolicy
	// RequestTimeout is the per-attempt deadline for ordinary calls.
	RequestTimeout time.Duration
	// GenerateTimeout is the per-attempt deadline for summary generation.
	GenerateTimeout time.Duration
	// RefreshThreshold is the remaining token lifetime that triggers a
	// proactive renewal.
	RefreshThreshold time.Duration
	// StorageRetries bounds the credential-write retry loop.
	StorageRetries int
	// AllowedOrigins lists the web origins whose messages the external
	// channel accepts. Empty means no external sender is trusted.
	AllowedOrigins []string
	// EventBufferSize is the per-subscriber event channel buffer.
	EventBufferSize int
	// MessageTimeout bounds a single message dispatch.
	MessageTimeout time.Duration
	// Transcripts supplies transcripts for SummarizeVideo. Optional.
	Transcripts TranscriptSource
	// UserAgent is sent on every backend request when non-empty.
	UserAgent string
	// OnFailure receives terminal failure notifications after they are
	// published on the event bus. Optional.
	OnFailure func(api.Failure)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client bundles the session manager, request executor, credential
// store, event bus and message channel behind one surface. All methods
// are safe for concurrent use.
type Client struct {
	api         *api.Client
	session     *session.Manager
	events      *bus.MemBus
	storage     store.Store
	internal    *msg.LocalChannel
	external    *msg.Gate
	transcripts TranscriptSource
	onFailure   func(api.Failure)
	logger      *slog.Logger
}

// New assembles a Client from config. The session manager is installed
// as the executor's token source, terminal failures are published as
// request.failed events, and the message channel is wired with handlers
// for both internal and external message kinds.
func New(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storage := cfg.Store
	if storage == nil {
		storage = store.NewMemStore()
	}

	c := &Client{
		storage:     storage,
		transcripts: cfg.Transcripts,
		onFailure:   cfg.OnFailure,
		logger:      logger,
	}
	c.events = bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: cfg.EventBufferSize})

	apiClient, err := api.NewClient(api.Config{
		BaseURL:         cfg.BaseURL,
		HTTPClient:      cfg.HTTPClient,
		Retry:           cfg.Retry,
		Timeout:         cfg.RequestTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
		UserAgent:       cfg.UserAgent,
		OnFailure:       c.reportFailure,
		Logger:          logger,
	})
	if err != nil {
		_ = c.events.Close()
		return nil, err
	}
	manager, err := session.NewManager(session.ManagerConfig{
		Store:            storage,
		API:              apiClient,
		Bus:              c.events,
		RefreshThreshold: cfg.RefreshThreshold,
		StorageRetries:   cfg.StorageRetries,
		OnFailure:        c.reportFailure,
		Logger:           logger,
	})
	if err != nil {
		_ = c.events.Close()
		return nil, err
	}
	c.api = apiClient
	c.session = manager

	internal := msg.NewLocalChannel(msg.LocalChannelConfig{RequestTimeout: cfg.MessageTimeout})
	internal.Handle(msg.KindCheckAuthStatus, c.handleCheckAuth)
	internal.Handle(msg.KindRefreshToken, c.handleRefreshToken)
	internal.Handle(msg.KindLogout, c.handleLogout)
	internal.Handle(msg.KindExternalCheckAuth, c.handleCheckAuth)
	internal.Handle(msg.KindExternalAuthSuccess, c.handleExternalAuth)
	internal.Handle(msg.KindExternalLogout, c.handleLogout)
	c.internal = internal
	c.external = msg.NewGate(internal, cfg.AllowedOrigins)

	return c, nil
}

// Load hydrates the session from the credential store. Call once at
// startup, before serving requests.
func (c *Client) Load(ctx context.Context) error {
	return c.session.Load(ctx)
}

// Close releases the event bus and the credential store.
func (c *Client) Close() error {
	return errors.Join(c.events.Close(), c.storage.Close())
}

// Session exposes the session manager for collaborators that need the
// full surface, such as the monitor and the daemon handlers.
func (c *Client) Session() *session.Manager { return c.session }

// API exposes the request executor.
func (c *Client) API() *api.Client { return c.api }

// Bus exposes the event bus for subscribers such as the daemon's event
// stream.
func (c *Client) Bus() bus.EventBus { return c.events }

// Events subscribes to every event the client publishes.
func (c *Client) Events() bus.Subscription { return c.events.SubscribeAll() }

// Messages is the in-process message channel with all handlers wired.
func (c *Client) Messages() msg.Channel { return c.internal }

// External is the message channel for external web senders. Every
// message passes the origin allow-list before any handler runs.
func (c *Client) External() msg.Channel { return c.external }

// Login signs in with credentials and establishes the session.
func (c *Client) Login(ctx context.Context, email, password string) (core.User, error) {
	return c.session.Login(ctx, email, password)
}

// Logout ends the session, locally always and server-side best-effort.
func (c *Client) Logout(ctx context.Context) {
	c.session.Logout(ctx)
}

// Authenticated reports whether a currently valid session exists.
func (c *Client) Authenticated() bool {
	return c.session.Authenticated()
}

// CurrentUser returns the session's profile. ok is false when signed out.
func (c *Client) CurrentUser() (core.User, bool) {
	return c.session.User()
}

// LastKnownAuth returns the last persisted auth snapshot, for surfaces
// that render before the first backend round-trip completes.
func (c *Client) LastKnownAuth(ctx context.Context) (store.Snapshot, bool) {
	return c.session.LastKnown(ctx)
}

// RefreshSession renews the session immediately and returns the
// refreshed profile.
func (c *Client) RefreshSession(ctx context.Context) (core.User, error) {
	return c.session.Refresh(ctx)
}

// GenerateSummary runs server-side summarization over a transcript.
// The response's user payload, when present, is authoritative for the
// credit balance; without one the cached balance is decremented
// optimistically until the next server-provided profile.
func (c *Client) GenerateSummary(ctx context.Context, transcript core.Transcript, meta core.VideoMeta) (core.Summary, error) {
	result, err := c.api.GenerateSummary(ctx, api.GenerateSummaryRequest{
		Transcript: transcript,
		VideoMeta:  meta,
	})
	if err != nil {
		return core.Summary{}, err
	}
	if result.User != nil {
		c.session.ReconcileUser(ctx, *result.User)
	} else {
		c.session.SpendCredits(1)
	}
	return result.Summary, nil
}

// SummarizeVideo fetches the transcript for a video from the configured
// source and generates a summary from it.
func (c *Client) SummarizeVideo(ctx context.Context, videoID string) (core.Summary, error) {
	if c.transcripts == nil {
		return core.Summary{}, errors.New("knugget: no transcript source configured")
	}
	transcript, meta, err := c.transcripts.Fetch(ctx, videoID)
	if err != nil {
		return core.Summary{}, err
	}
	return c.GenerateSummary(ctx, transcript, meta)
}

// SaveSummary persists a summary server-side and returns the stored
// copy. Unlike credential writes, failures here are the caller's
// problem: persistence is the whole point of the call.
func (c *Client) SaveSummary(ctx context.Context, summary core.Summary) (core.Summary, error) {
	return c.api.SaveSummary(ctx, summary)
}

// ListSummaries fetches one page of saved summaries.
func (c *Client) ListSummaries(ctx context.Context, opts ListOptions) (SummaryPage, error) {
	return c.api.ListSummaries(ctx, opts)
}

// UpdateSummary replaces a stored summary.
func (c *Client) UpdateSummary(ctx context.Context, id string, summary core.Summary) (core.Summary, error) {
	return c.api.UpdateSummary(ctx, id, summary)
}

// DeleteSummary removes a stored summary.
func (c *Client) DeleteSummary(ctx context.Context, id string) error {
	return c.api.DeleteSummary(ctx, id)
}

// Profile fetches the account profile from the backend and reconciles
// the cached user with it.
func (c *Client) Profile(ctx context.Context) (core.User, error) {
	user, err := c.api.Me(ctx)
	if err != nil {
		return core.User{}, err
	}
	c.session.ReconcileUser(ctx, user)
	return user, nil
}

// Health probes backend liveness without authentication.
func (c *Client) Health(ctx context.Context) error {
	return c.api.Health(ctx)
}

// reportFailure publishes a terminal failure on the event bus and then
// hands it to the configured callback.
func (c *Client) reportFailure(f api.Failure) {
	c.events.Publish(bus.NewEvent(bus.EventRequestFailed).
		WithOperation(f.Operation).
		WithReason(string(f.Kind)).
		WithMessage(f.Message))
	if c.onFailure != nil {
		c.onFailure(f)
	}
}

func (c *Client) handleCheckAuth(ctx context.Context, _ msg.Message) (msg.Message, error) {
	return msg.NewMessage(msg.KindAuthStatusChanged, c.authStatus())
}

func (c *Client) handleRefreshToken(ctx context.Context, _ msg.Message) (msg.Message, error) {
	if _, err := c.session.Refresh(ctx); err != nil {
		return msg.Message{}, err
	}
	return msg.NewMessage(msg.KindAuthStatusChanged, c.authStatus())
}

func (c *Client) handleLogout(ctx context.Context, _ msg.Message) (msg.Message, error) {
	c.session.Logout(ctx)
	return msg.NewMessage(msg.KindAuthStatusChanged, msg.AuthStatusPayload{Authenticated: false})
}

func (c *Client) handleExternalAuth(ctx context.Context, m msg.Message) (msg.Message, error) {
	var rec core.AuthRecord
	if err := m.DecodePayload(&rec); err != nil {
		return msg.Message{}, err
	}
	if _, err := c.session.ApplyExternalAuth(ctx, rec); err != nil {
		return msg.Message{}, err
	}
	return msg.NewMessage(msg.KindAuthStatusChanged, c.authStatus())
}

func (c *Client) authStatus() msg.AuthStatusPayload {
	if user, ok := c.session.User(); ok {
		u := user
		return msg.AuthStatusPayload{Authenticated: true, User: &u}
	}
	return msg.AuthStatusPayload{Authenticated: false}
}
