// Package session holds the dispatch layer's short-lived state: the token
// of a user's most recently submitted item, waiting for a consumption
// decision. Entries are TTL-bounded and never reach the durable ledger.
package session

import "context"

// Store keeps at most one pending item token per user.
type Store interface {
	// Put registers the user's pending item, replacing any previous one.
	Put(ctx context.Context, userID string, token string) error

	// Take removes and returns the user's pending item. The boolean is
	// false when nothing is pending or the entry expired.
	Take(ctx context.Context, userID string) (string, bool, error)
}
