package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"gigflow/internal/config"
	"gigflow/internal/domain"
	"gigflow/internal/engine/auth"
	"gigflow/internal/events"
	"gigflow/internal/repo"
)

const (
	maxTitleLen       = 100
	maxDescriptionLen = 2000
	maxMessageLen     = 1000
	defaultTxTimeout  = 5 * time.Second
)

// Notifier delivers a named event to a user's live connections and reports
// whether any were registered.
type Notifier interface {
	Notify(userID, event string, payload any) bool
}

// Catalog serves reads outside transactions.
type Catalog interface {
	GetGig(ctx context.Context, id string) (domain.Gig, error)
	ListGigs(ctx context.Context, f repo.GigFilter) ([]domain.Gig, error)
	ListBidsForGig(ctx context.Context, gigID string) ([]domain.Bid, error)
	EventsForEntities(ctx context.Context, entityIDs []string, limit int) ([]domain.Event, error)
}

type Engine struct {
	Store    repo.Store
	Catalog  Catalog
	Notifier Notifier
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time
}

// New wires an engine over the SQLite store.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		Store:   r,
		Catalog: r,
		Config:  cfg,
		Logger:  slog.Default(),
		Now:     time.Now,
	}
}

// NewMemory wires an engine over an in-process store.
func NewMemory(cfg *config.Config) Engine {
	m := repo.NewMemStore()
	return Engine{
		Store:   m,
		Catalog: m,
		Config:  cfg,
		Logger:  slog.Default(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) txTimeout() time.Duration {
	if e.Config != nil && e.Config.Store.TxTimeout > 0 {
		return e.Config.Store.TxTimeout
	}
	return defaultTxTimeout
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, domain.ErrValidation)...)
}

type GigCreateOptions struct {
	OwnerID     string
	Title       string
	Description string
	Budget      int64
}

func (e Engine) CreateGig(ctx context.Context, opts GigCreateOptions) (domain.Gig, error) {
	title := strings.TrimSpace(opts.Title)
	desc := strings.TrimSpace(opts.Description)
	switch {
	case opts.OwnerID == "":
		return domain.Gig{}, validationf("owner is required")
	case title == "":
		return domain.Gig{}, validationf("title is required")
	case utf8.RuneCountInString(title) > maxTitleLen:
		return domain.Gig{}, validationf("title cannot be more than %d characters", maxTitleLen)
	case desc == "":
		return domain.Gig{}, validationf("description is required")
	case utf8.RuneCountInString(desc) > maxDescriptionLen:
		return domain.Gig{}, validationf("description cannot be more than %d characters", maxDescriptionLen)
	case opts.Budget < 1:
		return domain.Gig{}, validationf("budget must be at least 1")
	}
	now := e.timestamp()
	g := domain.Gig{
		ID:          uuid.NewString(),
		OwnerID:     opts.OwnerID,
		Title:       title,
		Description: desc,
		Budget:      opts.Budget,
		Status:      domain.GigOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.Store.WithTransaction(ctx, func(tx repo.AssignmentTx) error {
		if err := tx.InsertGig(ctx, g); err != nil {
			return err
		}
		return tx.RecordEvent(ctx, events.GigCreated, "gig", g.ID, g.OwnerID, events.EventPayload{
			"title":  g.Title,
			"budget": g.Budget,
		})
	})
	if err != nil {
		return domain.Gig{}, classify(err)
	}
	e.logger().Info("gig created", "gig_id", g.ID, "owner_id", g.OwnerID)
	return g, nil
}

func (e Engine) GetGig(ctx context.Context, id string) (domain.Gig, error) {
	g, err := e.Catalog.GetGig(ctx, id)
	if err != nil {
		return domain.Gig{}, classify(fmt.Errorf("gig %s: %w", id, err))
	}
	return g, nil
}

func (e Engine) ListGigs(ctx context.Context, f repo.GigFilter) ([]domain.Gig, error) {
	switch f.Status {
	case "", "all", domain.GigOpen, domain.GigAssigned:
	default:
		return nil, validationf("invalid status %q", f.Status)
	}
	items, err := e.Catalog.ListGigs(ctx, f)
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

type BidPlaceOptions struct {
	GigID    string
	BidderID string
	Message  string
}

// PlaceBid records a pending bid. The open check and the insert share one
// transaction, so no bid can land on a gig after it is assigned.
func (e Engine) PlaceBid(ctx context.Context, opts BidPlaceOptions) (domain.Bid, error) {
	msg := strings.TrimSpace(opts.Message)
	switch {
	case opts.GigID == "":
		return domain.Bid{}, validationf("gig_id is required")
	case opts.BidderID == "":
		return domain.Bid{}, validationf("bidder is required")
	case msg == "":
		return domain.Bid{}, validationf("please provide a message")
	case utf8.RuneCountInString(msg) > maxMessageLen:
		return domain.Bid{}, validationf("message cannot be more than %d characters", maxMessageLen)
	}
	now := e.timestamp()
	b := domain.Bid{
		ID:        uuid.NewString(),
		GigID:     opts.GigID,
		BidderID:  opts.BidderID,
		Message:   msg,
		Status:    domain.BidPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.Store.WithTransaction(ctx, func(tx repo.AssignmentTx) error {
		g, err := tx.GetGig(ctx, opts.GigID)
		if err != nil {
			return fmt.Errorf("gig %s: %w", opts.GigID, err)
		}
		if g.Status != domain.GigOpen {
			return validationf("gig %s is no longer accepting bids", g.ID)
		}
		if g.OwnerID == opts.BidderID {
			return validationf("you cannot bid on your own gig")
		}
		if err := tx.InsertBid(ctx, b); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return fmt.Errorf("you have already placed a bid on this gig: %w", domain.ErrConflict)
			}
			return err
		}
		return tx.RecordEvent(ctx, events.BidPlaced, "bid", b.ID, b.BidderID, events.EventPayload{"gig_id": b.GigID})
	})
	if err != nil {
		return domain.Bid{}, classify(err)
	}
	e.logger().Info("bid placed", "bid_id", b.ID, "gig_id", b.GigID, "bidder_id", b.BidderID)
	return b, nil
}

// ListBids returns the bids of a gig, newest first. Only the owner may see them.
func (e Engine) ListBids(ctx context.Context, gigID, actorID string) ([]domain.Bid, error) {
	g, err := e.GetGig(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if g.OwnerID != actorID {
		return nil, auth.ForbiddenError{Action: "view bids for", Resource: "gig " + g.ID}
	}
	items, err := e.Catalog.ListBidsForGig(ctx, g.ID)
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

// GigEvents returns the audit trail of a gig and its bids. Owner only.
func (e Engine) GigEvents(ctx context.Context, gigID, actorID string, limit int) ([]domain.Event, error) {
	bids, err := e.ListBids(ctx, gigID, actorID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(bids)+1)
	ids = append(ids, gigID)
	for _, b := range bids {
		ids = append(ids, b.ID)
	}
	items, err := e.Catalog.EventsForEntities(ctx, ids, limit)
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

// classify leaves taxonomy errors intact and marks anything else internal.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrInternal):
		return err
	default:
		return fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
}
