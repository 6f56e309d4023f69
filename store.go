package editqueue

import "context"

// EditStore reads and updates edit records.
type EditStore interface {
	// GetEdit returns ErrEditNotFound (possibly wrapped) when id does not exist.
	GetEdit(ctx context.Context, id string) (EditRequest, error)

	// UpdateEdit applies a partial update to an existing edit.
	UpdateEdit(ctx context.Context, id string, update EditUpdate) error
}

// UsageLedger tracks per-user monthly usage.
type UsageLedger interface {
	// Quota returns the user's allowance for the current month without modifying the ledger.
	Quota(ctx context.Context, userID string) (Quota, error)

	// IncrementUsage adds one request (free or paid) and cost to the current month
	// in a single atomic operation, rolling the month over first when needed.
	IncrementUsage(ctx context.Context, userID string, free bool, cost int64) error

	// Usage returns the user's ledger row for the current month.
	Usage(ctx context.Context, userID string) (Usage, error)
}

// Store is the persistence interface the queue depends on.
type Store interface {
	EditStore
	UsageLedger
}

// EditCatalog creates and lists edit records. It is used by the API layer, not by the Queue.
type EditCatalog interface {
	// CreateEdit stores e with status queued. An empty ID is replaced by a new UUID.
	CreateEdit(ctx context.Context, e EditRequest) (EditRequest, error)

	// ListUserEdits returns up to limit of the user's edits, newest first.
	ListUserEdits(ctx context.Context, userID string, limit int) ([]EditRequest, error)
}

// DefaultListLimit caps ListUserEdits when the caller passes limit <= 0.
const DefaultListLimit = 50

// EditRepository is an EditStore that can also create and list edits.
type EditRepository interface {
	EditStore
	EditCatalog
}

// Repository is a Store that can also create and list edits.
type Repository interface {
	Store
	EditCatalog
}

type combinedStore struct {
	EditRepository
	UsageLedger
}

// CombineStores builds a Repository from separate edit and ledger backends,
// e.g. edits in Postgres and usage counters in Redis.
func CombineStores(edits EditRepository, ledger UsageLedger) Repository {
	return combinedStore{EditRepository: edits, UsageLedger: ledger}
}
