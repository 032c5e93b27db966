package audit

import (
	"context"
	"iter"
)

// Store is the backend contract. Implementations must make an appended
// REVOKED event visible to HasRevocation no later than to History, and must
// return History in append order for a stream.
type Store interface {
	Append(ctx context.Context, e Event) error
	HasRevocation(ctx context.Context, subjectID string) (bool, error)
	History(ctx context.Context, subjectID string) iter.Seq2[Event, error]
	Ping(ctx context.Context) error
	Close() error
	// Driver names the backend for logs and metrics.
	Driver() string
}

// Collect drains a history sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	var out []Event
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

