package msg

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Gate screens messages from external senders against an origin allow-list
// before they reach the wrapped channel. Senders whose origin is missing,
// malformed, or not on the list are rejected without the handler running.
type Gate struct {
	next    Channel
	allowed map[string]struct{}
}

// NewGate wraps next with an origin check. Allowed origins are matched
// exactly by scheme and host after normalization; entries that do not
// parse as origins are ignored.
func NewGate(next Channel, allowedOrigins []string) *Gate {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if normalized, ok := normalizeOrigin(origin); ok {
			allowed[normalized] = struct{}{}
		}
	}
	return &Gate{next: next, allowed: allowed}
}

// Request checks the message origin and forwards allowed messages to the
// wrapped channel.
func (g *Gate) Request(ctx context.Context, m Message) (Message, error) {
	normalized, ok := normalizeOrigin(m.Origin)
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrOriginNotAllowed, m.Origin)
	}
	if _, ok := g.allowed[normalized]; !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrOriginNotAllowed, m.Origin)
	}
	return g.next.Request(ctx, m)
}

// normalizeOrigin reduces an origin string to lowercase scheme://host.
// Anything beyond scheme and host (path, query, fragment, credentials)
// disqualifies the value: browser Origin headers never carry them.
func normalizeOrigin(origin string) (string, bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// Compile-time interface check.
var _ Channel = (*Gate)(nil)
