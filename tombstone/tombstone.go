// Package tombstone remembers the ids of finalized sessions for a while, so
// that requests naming a closed session get a close frame instead of silently
// starting a new session under the same id.
package tombstone

import (
	"context"
	"time"
)

// Store records closed session ids with a time-to-live.
type Store interface {
	// Mark records id as closed for the store's TTL, refreshing any existing mark.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - id: The session id
	//
	// Returns:
	//   - An error if the backend write fails
	Mark(ctx context.Context, id string) error

	// IsClosed reports whether id carries an unexpired mark.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - id: The session id
	//
	// Returns:
	//   - true if the id was closed within the TTL
	//   - An error if the backend read fails
	IsClosed(ctx context.Context, id string) (bool, error)

	// Count returns the number of live marks. It backs the tombstone gauge.
	Count(ctx context.Context) (int, error)
}

// DefaultTTL is how long a closed id is remembered when no TTL is configured.
const DefaultTTL = time.Minute
