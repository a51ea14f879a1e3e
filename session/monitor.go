package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mrinal-mann/Knugget-new/api"
)

// DefaultCheckInterval is how often the monitor revalidates the session
// when no cron expression is configured.
const DefaultCheckInterval = 5 * time.Minute

// monitorCronParser accepts the standard 5-field cron syntax
// (minute hour dom month dow). Schedules are evaluated in UTC.
var monitorCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// MonitorConfig configures a Monitor. Manager is required.
type MonitorConfig struct {
	Manager *Manager
	// Interval between revalidations. Defaults to DefaultCheckInterval.
	Interval time.Duration
	// Cron, when set, replaces Interval with a 5-field UTC cron
	// schedule deciding when revalidations run.
	Cron string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now exists so tests can pin the clock.
	Now func() time.Time
}

// Monitor periodically revalidates the session against the backend so
// server-side revocation and silent expiry are noticed even when no
// user-initiated traffic is flowing. A failed revalidation takes the
// same forced-logout path as a rejected request.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a Monitor from config.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("session: monitor requires a manager")
	}
	m := &Monitor{
		manager:  cfg.Manager,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if m.interval <= 0 {
		m.interval = DefaultCheckInterval
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if expr := strings.TrimSpace(cfg.Cron); expr != "" {
		schedule, err := parseCronUTC(expr)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		m.schedule = schedule
	}
	return m, nil
}

// Start launches the check loop, running one revalidation immediately
// so a session revoked while the process was down is caught at boot.
// Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	// The loop runs until Stop; the caller's cancellation must not end it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		m.check(loopCtx)
		if m.schedule != nil {
			m.runCron(loopCtx)
			return
		}
		m.runInterval(loopCtx)
	}()
	return nil
}

// Stop halts the loop and waits for it to exit or ctx to expire.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single revalidation immediately.
func (m *Monitor) RunOnce(ctx context.Context) error {
	return m.manager.Revalidate(ctx)
}

func (m *Monitor) runInterval(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) runCron(ctx context.Context) {
	for {
		now := m.now().UTC()
		wait := m.schedule.Next(now).Sub(now)
		if wait <= 0 {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	if err := m.manager.Revalidate(ctx); err != nil {
		m.logger.Warn("session revalidation failed",
			"kind", api.KindOf(err), "error", err)
	}
}

// parseCronUTC parses a 5-field cron expression. Timezone prefixes are
// rejected: monitor schedules always run in UTC.
func parseCronUTC(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, errors.New("cron expression is empty")
	}
	if strings.HasPrefix(trimmed, "CRON_TZ=") || strings.HasPrefix(trimmed, "TZ=") {
		return nil, errors.New("cron timezone prefixes are not supported, schedules run in UTC")
	}
	// the parser pins a bare spec to the process-local zone
	schedule, err := monitorCronParser.Parse("CRON_TZ=UTC " + trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", trimmed, err)
	}
	return schedule, nil
}
