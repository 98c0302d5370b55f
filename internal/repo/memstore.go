package repo

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"gigflow/internal/domain"
	"gigflow/internal/events"
)

// MemStore is an in-process Store. Transactions run one at a time and work on
// a private copy of the data that replaces the shared state only on success.
type MemStore struct {
	mu     sync.Mutex
	gigs   map[string]domain.Gig
	bids   map[string]domain.Bid
	events []domain.Event
	Now    func() time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		gigs: make(map[string]domain.Gig),
		bids: make(map[string]domain.Bid),
	}
}

func (m *MemStore) now() string {
	if m.Now != nil {
		return m.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (m *MemStore) WithTransaction(ctx context.Context, fn func(tx AssignmentTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	tx := &memTx{
		gigs:   maps.Clone(m.gigs),
		bids:   maps.Clone(m.bids),
		nextID: int64(len(m.events)),
		now:    m.now(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: transaction timed out: %v", ErrConflict, err)
	}
	m.gigs = tx.gigs
	m.bids = tx.bids
	m.events = append(m.events, tx.events...)
	return nil
}

func (m *MemStore) GetGig(_ context.Context, id string) (domain.Gig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gigs[id]
	if !ok {
		return domain.Gig{}, ErrNotFound
	}
	return g, nil
}

func (m *MemStore) ListGigs(_ context.Context, f GigFilter) ([]domain.Gig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	search := strings.ToLower(strings.TrimSpace(f.Search))
	var res []domain.Gig
	for _, g := range m.gigs {
		switch {
		case f.Status == "" && g.Status != domain.GigOpen:
			continue
		case f.Status != "" && f.Status != "all" && g.Status != f.Status:
			continue
		case search != "" && !strings.Contains(strings.ToLower(g.Title), search):
			continue
		case f.OwnerID != "" && g.OwnerID != f.OwnerID:
			continue
		}
		res = append(res, g)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt == res[j].CreatedAt {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt > res[j].CreatedAt
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (m *MemStore) ListBidsForGig(_ context.Context, gigID string) ([]domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Bid
	for _, b := range m.bids {
		if b.GigID == gigID {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt == res[j].CreatedAt {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt > res[j].CreatedAt
	})
	return res, nil
}

func (m *MemStore) EventsForEntities(_ context.Context, entityIDs []string, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = true
	}
	var res []domain.Event
	for _, e := range m.events {
		if want[e.EntityID] {
			res = append(res, e)
			if limit > 0 && len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

type memTx struct {
	gigs   map[string]domain.Gig
	bids   map[string]domain.Bid
	events []domain.Event
	nextID int64
	now    string
}

func (t *memTx) GetGig(_ context.Context, id string) (domain.Gig, error) {
	g, ok := t.gigs[id]
	if !ok {
		return domain.Gig{}, ErrNotFound
	}
	return g, nil
}

func (t *memTx) InsertGig(_ context.Context, g domain.Gig) error {
	if _, ok := t.gigs[g.ID]; ok {
		return fmt.Errorf("gig %s exists: %w", g.ID, ErrConflict)
	}
	t.gigs[g.ID] = g
	return nil
}

func (t *memTx) SaveGig(_ context.Context, g domain.Gig) (domain.Gig, error) {
	cur, ok := t.gigs[g.ID]
	if !ok {
		return domain.Gig{}, ErrNotFound
	}
	if cur.Version != g.Version {
		return domain.Gig{}, fmt.Errorf("gig %s changed concurrently: %w", g.ID, ErrConflict)
	}
	if g.UpdatedAt == "" {
		g.UpdatedAt = t.now
	}
	g.Version++
	t.gigs[g.ID] = g
	return g, nil
}

func (t *memTx) GetBid(_ context.Context, id string) (domain.Bid, error) {
	b, ok := t.bids[id]
	if !ok {
		return domain.Bid{}, ErrNotFound
	}
	return b, nil
}

func (t *memTx) InsertBid(_ context.Context, b domain.Bid) error {
	if _, ok := t.gigs[b.GigID]; !ok {
		return fmt.Errorf("gig %s: %w", b.GigID, ErrNotFound)
	}
	for _, existing := range t.bids {
		if existing.ID == b.ID || (existing.GigID == b.GigID && existing.BidderID == b.BidderID) {
			return fmt.Errorf("bid by %s on gig %s exists: %w", b.BidderID, b.GigID, ErrConflict)
		}
	}
	t.bids[b.ID] = b
	return nil
}

func (t *memTx) SaveBid(_ context.Context, b domain.Bid) error {
	if _, ok := t.bids[b.ID]; !ok {
		return fmt.Errorf("bid %s: %w", b.ID, ErrNotFound)
	}
	if b.Status == domain.BidHired {
		for _, other := range t.bids {
			if other.GigID == b.GigID && other.ID != b.ID && other.Status == domain.BidHired {
				return fmt.Errorf("gig %s already has a hired bid: %w", b.GigID, ErrConflict)
			}
		}
	}
	if b.UpdatedAt == "" {
		b.UpdatedAt = t.now
	}
	t.bids[b.ID] = b
	return nil
}

func (t *memTx) RejectOtherPendingBids(_ context.Context, gigID, exceptBidID string) (int64, error) {
	var n int64
	for id, b := range t.bids {
		if b.GigID != gigID || id == exceptBidID || b.Status != domain.BidPending {
			continue
		}
		b.Status = domain.BidRejected
		b.UpdatedAt = t.now
		t.bids[id] = b
		n++
	}
	return n, nil
}

func (t *memTx) RecordEvent(_ context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	data, err := events.Encode(payload)
	if err != nil {
		return err
	}
	t.nextID++
	t.events = append(t.events, domain.Event{
		ID:         t.nextID,
		TS:         t.now,
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    data,
	})
	return nil
}
