package repo

import (
	"context"

	"gigflow/internal/domain"
	"gigflow/internal/events"
)

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

// Store is the transactional boundary for gig and bid mutations. fn runs with
// serializable isolation; a nil return commits, anything else rolls back and
// is returned unchanged.
type Store interface {
	WithTransaction(ctx context.Context, fn func(tx AssignmentTx) error) error
}

// AssignmentTx is the view of the store available inside a transaction.
type AssignmentTx interface {
	GetGig(ctx context.Context, id string) (domain.Gig, error)
	InsertGig(ctx context.Context, g domain.Gig) error
	// SaveGig persists g if its version still matches the stored one and
	// returns it with the bumped version. A mismatch is ErrConflict.
	SaveGig(ctx context.Context, g domain.Gig) (domain.Gig, error)

	GetBid(ctx context.Context, id string) (domain.Bid, error)
	// InsertBid fails with ErrConflict when the bidder already bid on the gig.
	InsertBid(ctx context.Context, b domain.Bid) error
	SaveBid(ctx context.Context, b domain.Bid) error
	// RejectOtherPendingBids moves every pending bid of gigID except
	// exceptBidID to rejected and returns how many changed.
	RejectOtherPendingBids(ctx context.Context, gigID, exceptBidID string) (int64, error)

	RecordEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error
}
