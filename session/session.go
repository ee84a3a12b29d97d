// Package session records question/answer exchanges keyed by session id.
// Appends are serialized per session so an exchange order, once observed,
// never changes.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/fabfab/paper-agent/chat"
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Record is one session: its ordered exchanges and the time of the latest.
type Record struct {
	SessionID   string
	Exchanges   []chat.Exchange
	LastUpdated time.Time
}

// Store is the session log. ListSessions orders by most recent exchange
// descending; ListExchanges returns the flat records external collaborators
// group client-side.
type Store interface {
	Append(ctx context.Context, exchange chat.Exchange) error
	Get(ctx context.Context, sessionID string) (Record, error)
	ListSessions(ctx context.Context) ([]Record, error)
	ListExchanges(ctx context.Context) ([]chat.Exchange, error)
}
