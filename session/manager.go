// Package session owns the authentication record: loading it at
// startup, validating it, renewing it before expiry, and tearing it
// down when the backend stops accepting it.
//
// A Manager is the single source of truth for "am I authenticated, as
// whom, with what token" within one process. Concurrent token requests
// that need a renewal share one wire call, and every terminal session
// failure funnels through one forced-logout path so memory, store and
// event subscribers never disagree for long.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mrinal-mann/Knugget-new/api"
	"github.com/mrinal-mann/Knugget-new/bus"
	"github.com/mrinal-mann/Knugget-new/core"
	"github.com/mrinal-mann/Knugget-new/store"
)

// DefaultRefreshThreshold is the remaining token lifetime under which a
// renewal happens before the token is handed out.
const DefaultRefreshThreshold = 5 * time.Minute

const (
	defaultStorageRetries = 2
	storageRetryBaseDelay = 100 * time.Millisecond
	storageRetryMaxDelay  = time.Second
)

var (
	// ErrNotAuthenticated reports that no session exists.
	ErrNotAuthenticated = errors.New("session: not authenticated")
	// ErrSessionExpired reports a session that could not be renewed.
	ErrSessionExpired = errors.New("session: session expired")
	// ErrInvalidRecord reports an auth record failing structural validation.
	ErrInvalidRecord = errors.New("session: invalid auth record")
)

// ManagerConfig configures a Manager. Store and API are required.
type ManagerConfig struct {
	// Store persists the auth record across restarts.
	Store store.Store
	// API executes backend calls. The manager installs itself as the
	// client's token source so protected calls route through it.
	API *api.Client
	// Bus receives session events. Nil disables publishing.
	Bus bus.Publisher
	// RefreshThreshold is the remaining token lifetime that triggers a
	// proactive renewal. Defaults to DefaultRefreshThreshold.
	RefreshThreshold time.Duration
	// StorageRetries is how many times a failed credential write is
	// retried before the manager proceeds on memory alone. Defaults to
	// 2; negative disables retries.
	StorageRetries int
	// OnFailure receives a notification when a credential write was
	// abandoned and the session is running non-durable. Called
	// synchronously; implementations must not block.
	OnFailure func(api.Failure)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now and Sleep exist so tests can run deterministically.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager is the in-process owner of the auth record.
//
// It implements api.TokenSource: Token hands out the current access
// token, renewing it first when it is inside the refresh threshold, and
// HandleUnauthorized performs the one renewal granted after a 401. All
// session mutations replace the record wholesale.
type Manager struct {
	storage   store.Store
	client    *api.Client
	events    bus.Publisher
	threshold time.Duration
	retries   int
	onFailure func(api.Failure)
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	flight singleflight.Group

	mu  sync.RWMutex
	rec *core.AuthRecord
}

// NewManager creates a Manager and installs it as the API client's
// token source.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if cfg.API == nil {
		return nil, fmt.Errorf("session: api client is required")
	}
	m := &Manager{
		storage:   cfg.Store,
		client:    cfg.API,
		events:    cfg.Bus,
		threshold: cfg.RefreshThreshold,
		retries:   cfg.StorageRetries,
		onFailure: cfg.OnFailure,
		logger:    cfg.Logger,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}
	if m.threshold <= 0 {
		m.threshold = DefaultRefreshThreshold
	}
	if m.retries == 0 {
		m.retries = defaultStorageRetries
	}
	if m.retries < 0 {
		m.retries = 0
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = sleepContext
	}
	cfg.API.SetTokenSource(m)
	return m, nil
}

// Load hydrates the manager from the store. Corrupt, malformed or
// expired stored records are purged and the manager starts
// unauthenticated; only an unreadable store surfaces an error, and even
// then the manager stays usable in memory.
func (m *Manager) Load(ctx context.Context) error {
	rec, ok, err := m.storage.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			m.logger.Warn("purging corrupt auth record", "error", err)
			m.purge(ctx)
			return nil
		}
		return fmt.Errorf("session: load auth record: %w", err)
	}
	if !ok {
		return nil
	}
	if err := validateRecord(rec, m.now()); err != nil {
		m.logger.Info("purging unusable stored auth record", "error", err)
		m.purge(ctx)
		return nil
	}

	m.mu.Lock()
	clone := rec
	m.rec = &clone
	m.mu.Unlock()
	m.logger.Info("session restored",
		"user_id", rec.User.ID, "expires_in", rec.ExpiresIn(m.now()).Round(time.Second))
	return nil
}

// purge clears the store without touching events, for records that
// never became a live session.
func (m *Manager) purge(ctx context.Context) {
	if err := m.storage.Clear(ctx); err != nil {
		m.logger.Warn("could not clear stored auth record", "error", err)
	}
}

// Authenticated reports whether a currently valid session exists.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec != nil && m.rec.Valid(m.now())
}

// User returns the session's profile. ok is false when no valid
// session exists.
func (m *Manager) User() (core.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec == nil || !m.rec.Valid(m.now()) {
		return core.User{}, false
	}
	return m.rec.User, true
}

// LastKnown returns the last persisted auth snapshot, for surfaces that
// render before the first backend round-trip completes. It carries no
// tokens and never grants access.
func (m *Manager) LastKnown(ctx context.Context) (store.Snapshot, bool) {
	snap, ok, err := m.storage.LoadSnapshot(ctx)
	if err != nil {
		m.logger.Debug("could not load auth snapshot", "error", err)
		return store.Snapshot{}, false
	}
	return snap, ok
}

// current returns a copy of the held record, valid or not.
func (m *Manager) current() (core.AuthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec == nil {
		return core.AuthRecord{}, false
	}
	return *m.rec, true
}

// Token implements api.TokenSource. It returns the current access
// token, renewing it first when the remaining lifetime is inside the
// refresh threshold. Concurrent callers needing a renewal share one
// wire call.
func (m *Manager) Token(ctx context.Context) (string, error) {
	rec, ok := m.current()
	if !ok {
		return "", ErrNotAuthenticated
	}
	now := m.now()
	if rec.Valid(now) && rec.ExpiresIn(now) > m.threshold {
		return rec.AccessToken, nil
	}
	fresh, err := m.refresh(ctx, rec.AccessToken, false)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// HandleUnauthorized implements api.TokenSource. The backend rejected a
// token this manager considered fine, so one real renewal is forced
// regardless of the local expiry view.
func (m *Manager) HandleUnauthorized(ctx context.Context) (string, error) {
	rec, ok := m.current()
	if !ok {
		return "", ErrNotAuthenticated
	}
	fresh, err := m.refresh(ctx, rec.AccessToken, true)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// InvalidateSession implements api.SessionInvalidator: the executor saw
// a freshly renewed token rejected, so the session is finished.
func (m *Manager) InvalidateSession(ctx context.Context) {
	m.forceLogout(ctx, "renewed token rejected by server")
}

// Refresh renews the session now. Unlike the renewal inside Token it
// does not wait for the refresh threshold.
func (m *Manager) Refresh(ctx context.Context) (core.User, error) {
	rec, ok := m.current()
	if !ok {
		return core.User{}, ErrNotAuthenticated
	}
	fresh, err := m.refresh(ctx, rec.AccessToken, false)
	if err != nil {
		return core.User{}, err
	}
	return fresh.User, nil
}

// refresh coalesces concurrent renewal attempts into one wire call.
// staleToken is the token the caller last observed; if the record moved
// past it while waiting, the newer record is returned without another
// call. force treats even a still-valid record as unusable, for the
// case where the server already rejected it.
func (m *Manager) refresh(ctx context.Context, staleToken string, force bool) (core.AuthRecord, error) {
	ch := m.flight.DoChan("refresh", func() (any, error) {
		// detached so one caller's cancellation cannot fail the
		// renewal for everyone sharing it
		return m.doRefresh(context.WithoutCancel(ctx), staleToken, force)
	})
	select {
	case <-ctx.Done():
		return core.AuthRecord{}, api.NewError(api.KindCancelled, "request cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return core.AuthRecord{}, res.Err
		}
		return res.Val.(core.AuthRecord), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, staleToken string, force bool) (core.AuthRecord, error) {
	rec, ok := m.current()
	if !ok {
		return core.AuthRecord{}, ErrNotAuthenticated
	}
	if rec.AccessToken != staleToken {
		// an earlier flight already renewed past what the caller saw
		return rec, nil
	}

	if rec.RefreshToken == "" {
		if !force && rec.Valid(m.now()) {
			// nothing to renew with, but the token still works; hand
			// it out until it actually expires
			return rec, nil
		}
		m.forceLogout(ctx, "no refresh token")
		return core.AuthRecord{}, expiredError(ErrSessionExpired)
	}

	fresh, err := m.client.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed", "kind", api.KindOf(err), "error", err)
		m.forceLogout(ctx, "token refresh failed")
		return core.AuthRecord{}, expiredError(fmt.Errorf("%w: %w", ErrSessionExpired, err))
	}
	if err := validateRecord(fresh, m.now()); err != nil {
		m.forceLogout(ctx, "refresh returned an unusable record")
		return core.AuthRecord{}, expiredError(fmt.Errorf("%w: %w", ErrSessionExpired, err))
	}
	if fresh.LoginTime == 0 {
		fresh.LoginTime = rec.LoginTime
	}

	m.adopt(ctx, fresh)
	user := fresh.User
	m.publish(bus.NewEvent(bus.EventSessionRefreshed).WithUser(&user))
	m.logger.Debug("session renewed",
		"user_id", user.ID, "expires_in", fresh.ExpiresIn(m.now()).Round(time.Second))
	return fresh, nil
}

// Login exchanges credentials for a session. The server's record
// replaces any existing session wholesale.
func (m *Manager) Login(ctx context.Context, email, password string) (core.User, error) {
	rec, err := m.client.SignIn(ctx, email, password)
	if err != nil {
		return core.User{}, err
	}
	if err := validateRecord(rec, m.now()); err != nil {
		return core.User{}, err
	}
	if rec.LoginTime == 0 {
		rec.LoginTime = m.now().UnixMilli()
	}

	m.adopt(ctx, rec)
	user := rec.User
	m.publish(bus.NewEvent(bus.EventAuthChanged).WithUser(&user))
	m.logger.Info("signed in", "user_id", user.ID, "plan", user.Plan)
	return user, nil
}

// Logout ends the session. The server call is best-effort: local state
// is cleared and subscribers notified regardless of its outcome, and
// repeating a logout is a no-op.
func (m *Manager) Logout(ctx context.Context) {
	rec, ok := m.current()
	if !ok {
		return
	}
	if err := m.client.SignOut(ctx, rec.AccessToken); err != nil {
		m.logger.Warn("server-side logout failed", "error", err)
	}
	if _, cleared := m.clear(ctx); cleared {
		m.publish(bus.NewEvent(bus.EventLoggedOut).WithReason(bus.LogoutReasonUser))
		m.logger.Info("signed out", "user_id", rec.User.ID)
	}
}

// ApplyExternalAuth adopts a session minted outside this process, such
// as a companion website handing over its login. The record's shape is
// validated and its token proven against the backend before anything is
// stored; the profile the backend returns wins over the presented one.
func (m *Manager) ApplyExternalAuth(ctx context.Context, rec core.AuthRecord) (core.User, error) {
	if err := validateRecord(rec, m.now()); err != nil {
		return core.User{}, err
	}
	user, err := m.client.MeWithToken(ctx, rec.AccessToken)
	if err != nil {
		m.logger.Warn("external auth rejected", "kind", api.KindOf(err), "error", err)
		return core.User{}, err
	}

	rec.User = user
	if rec.LoginTime == 0 {
		rec.LoginTime = m.now().UnixMilli()
	}
	m.adopt(ctx, rec)
	u := user
	m.publish(bus.NewEvent(bus.EventAuthChanged).WithUser(&u))
	m.logger.Info("external session adopted", "user_id", user.ID)
	return user, nil
}

// Revalidate confirms the backend still accepts the session, renewing
// it when needed and reconciling the cached profile from the server's
// answer. Sessions revoked server-side are detected here and finalized
// through the forced-logout path.
func (m *Manager) Revalidate(ctx context.Context) error {
	if _, ok := m.current(); !ok {
		return nil
	}
	user, err := m.client.Me(ctx)
	if err != nil {
		return err
	}
	m.ReconcileUser(ctx, user)
	return nil
}

// SpendCredits optimistically decrements the cached credit balance
// after a spend so surfaces update without waiting for the backend. The
// guess lives only in memory; the next server-provided profile replaces
// it.
func (m *Manager) SpendCredits(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	if m.rec == nil {
		m.mu.Unlock()
		return
	}
	m.rec.User.Credits -= n
	if m.rec.User.Credits < 0 {
		m.rec.User.Credits = 0
	}
	user := m.rec.User
	m.mu.Unlock()
	m.publish(bus.NewEvent(bus.EventCreditsChanged).WithUser(&user))
}

// ReconcileUser replaces the cached profile with a server-provided one,
// which is authoritative over any optimistic local adjustment.
func (m *Manager) ReconcileUser(ctx context.Context, user core.User) {
	if user.ID == "" {
		return
	}
	m.mu.Lock()
	if m.rec == nil {
		m.mu.Unlock()
		return
	}
	creditsMoved := m.rec.User.Credits != user.Credits
	m.rec.User = user
	rec := *m.rec
	m.mu.Unlock()

	m.withStorageRetry(ctx, "session.persist", func(ctx context.Context) error {
		return m.storage.Save(ctx, rec)
	})
	m.saveSnapshot(ctx, store.Snapshot{Authenticated: true, User: user, UpdatedAt: m.now()})
	if creditsMoved {
		u := user
		m.publish(bus.NewEvent(bus.EventCreditsChanged).WithUser(&u))
	}
}

// adopt installs rec as the live session and persists it.
func (m *Manager) adopt(ctx context.Context, rec core.AuthRecord) {
	m.mu.Lock()
	clone := rec
	m.rec = &clone
	m.mu.Unlock()

	m.withStorageRetry(ctx, "session.persist", func(ctx context.Context) error {
		return m.storage.Save(ctx, rec)
	})
	m.saveSnapshot(ctx, store.Snapshot{Authenticated: true, User: rec.User, UpdatedAt: m.now()})
}

// clear drops the live session from memory and store, reporting whether
// one was actually present. The snapshot keeps the departed user so UI
// surfaces can still greet them after a restart.
func (m *Manager) clear(ctx context.Context) (core.User, bool) {
	m.mu.Lock()
	if m.rec == nil {
		m.mu.Unlock()
		return core.User{}, false
	}
	user := m.rec.User
	m.rec = nil
	m.mu.Unlock()

	m.withStorageRetry(ctx, "session.clear", func(ctx context.Context) error {
		return m.storage.Clear(ctx)
	})
	m.saveSnapshot(ctx, store.Snapshot{Authenticated: false, User: user, UpdatedAt: m.now()})
	return user, true
}

// forceLogout ends a session the system can no longer stand behind:
// expired without recovery, rejected by the backend, or revoked. It is
// distinguishable from a user logout so surfaces can explain it.
func (m *Manager) forceLogout(ctx context.Context, detail string) {
	user, cleared := m.clear(ctx)
	if !cleared {
		return
	}
	m.logger.Warn("session terminated", "user_id", user.ID, "detail", detail)
	m.publish(bus.NewEvent(bus.EventAuthFailed).
		WithReason(bus.LogoutReasonForced).
		WithMessage(api.UserMessage(expiredError(nil))))
	m.publish(bus.NewEvent(bus.EventLoggedOut).WithReason(bus.LogoutReasonForced))
}

// withStorageRetry runs a credential write with a short doubling
// backoff. When every attempt fails the session proceeds in memory only
// and the failure is logged and reported instead of failing the caller.
func (m *Manager) withStorageRetry(ctx context.Context, operation string, fn func(context.Context) error) {
	var err error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			delay := storageRetryBaseDelay << (attempt - 1)
			if delay > storageRetryMaxDelay {
				delay = storageRetryMaxDelay
			}
			if m.sleep(ctx, delay) != nil {
				break
			}
		}
		if err = fn(ctx); err == nil {
			return
		}
	}
	m.logger.Error("credential write abandoned, session is memory-only",
		"operation", operation, "retries", m.retries, "error", err)
	if m.onFailure != nil {
		m.onFailure(api.Failure{
			Operation: operation,
			Kind:      api.KindStorageFailure,
			Message:   api.UserMessage(api.NewError(api.KindStorageFailure, "", err)),
		})
	}
}

func (m *Manager) saveSnapshot(ctx context.Context, snap store.Snapshot) {
	if err := m.storage.SaveSnapshot(ctx, snap); err != nil {
		m.logger.Debug("could not save auth snapshot", "error", err)
	}
}

func (m *Manager) publish(event bus.Event) {
	if m.events == nil {
		return
	}
	m.events.Publish(event)
}

// validateRecord rejects records that cannot authenticate requests:
// missing token, missing user identity, or an expiry in the past.
func validateRecord(rec core.AuthRecord, now time.Time) error {
	switch {
	case strings.TrimSpace(rec.AccessToken) == "":
		return fmt.Errorf("%w: access token is empty", ErrInvalidRecord)
	case strings.TrimSpace(rec.User.ID) == "":
		return fmt.Errorf("%w: user id is empty", ErrInvalidRecord)
	case !rec.Expiry().After(now):
		return fmt.Errorf("%w: expired at %s", ErrInvalidRecord, rec.Expiry().UTC().Format(time.RFC3339))
	}
	return nil
}

// expiredError dresses a terminal session failure in the executor's
// vocabulary so pre-flight failures classify as a lost session rather
// than a missing login.
func expiredError(cause error) error {
	return api.NewError(api.KindSessionExpired, "session expired", cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ api.TokenSource        = (*Manager)(nil)
	_ api.SessionInvalidator = (*Manager)(nil)
)
