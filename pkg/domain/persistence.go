package domain

import "context"

// Transaction is the mutable unit of work handed to RunInTransaction. All
// writes staged through it commit atomically or not at all.
type Transaction interface {
	// Create stores a new record. An empty ID is assigned by the store; a
	// provided ID conflicts if a live record already exists there. Version
	// numbering continues any prior history for the identity.
	Create(rec Record) (Record, error)
	// Update stores a new version of an existing live record.
	Update(rec Record) (Record, error)
	// Delete removes the live record, retaining its version history.
	Delete(typ, id string) error
	// Find returns the live record within the transactional state.
	Find(typ, id string) (Record, bool)
}

// PersistentStore is the narrow interface the ledger consumes. Read methods
// observe committed state only.
type PersistentStore interface {
	// RunInTransaction executes fn against a transactional copy of the
	// state, committing it if fn returns nil.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error
	// Get returns the live record.
	Get(ctx context.Context, typ, id string) (Record, error)
	// GetVersion returns a historical version of the record identity.
	GetVersion(ctx context.Context, typ, id string, version int) (Record, error)
	// List returns all live records of the given type.
	List(ctx context.Context, typ string) ([]Record, error)
	// FindIdentityByUsername resolves the identity record carrying the
	// username identifier. An internal error is returned when more than one
	// identity claims the same username.
	FindIdentityByUsername(ctx context.Context, username string) (Record, bool, error)
	// HeadersForIdentity returns the receipt headers whose focus names the
	// identity, ordered oldest first by last-updated time.
	HeadersForIdentity(ctx context.Context, identityID string) ([]Record, error)
	// RecordsOwnedBy returns all live records tagged with the owner
	// username.
	RecordsOwnedBy(ctx context.Context, username string) ([]Record, error)
}
