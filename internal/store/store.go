package store

import (
	"context"
	"errors"
)

// Collection names. Uniqueness on "id" is enforced at the application level
// by the monotonic id allocators; the store only promises durable documents.
const (
	Transactions = "txns"
	Tickets      = "tickets"
	Users        = "users"
)

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("store: document not found")

// Filter matches documents by JSON field equality. Keys may be dotted paths
// into nested objects ("wallet.account"). Wrap a value in Not to negate a
// single condition. All conditions must hold.
type Filter map[string]any

// Not negates the equality match for one filter key.
type Not struct {
	Value any
}

// Store is the persistence capability consumed by the ledger, the negotiation
// engine and the profile registry. Documents are plain structs with json
// tags; out parameters are pointers (FindAll takes a pointer to a slice).
type Store interface {
	Insert(ctx context.Context, collection string, doc any) error
	FindOne(ctx context.Context, collection string, filter Filter, out any) error
	FindAll(ctx context.Context, collection string, filter Filter, out any) error
	// Replace upserts: the first matching document is replaced, or doc is
	// inserted when nothing matches.
	Replace(ctx context.Context, collection string, filter Filter, doc any) error
	// UpdateFields sets individual (possibly dotted) fields on every
	// matching document.
	UpdateFields(ctx context.Context, collection string, filter Filter, fields map[string]any) error
	// MaxID returns the largest numeric "id" field in the collection, or -1
	// when the collection is empty.
	MaxID(ctx context.Context, collection string) (int64, error)
	Ping(ctx context.Context) error
	Close()
}
