package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"gigflow/internal/domain"
	"gigflow/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var _ Store = Repo{}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// WithTransaction runs fn inside an immediate SQLite transaction. The writer
// lock is taken at BEGIN, so two transactions touching the same gig never
// interleave; the second waits up to the busy timeout and then reads the
// committed state.
func (r Repo) WithTransaction(ctx context.Context, fn func(tx AssignmentTx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return translate(ctx, fmt.Errorf("begin: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{tx: tx, events: r.Events, now: r.now()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(ctx, fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// translate maps driver errors onto the domain taxonomy.
func translate(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: store busy: %v", ErrConflict, err)
		case sqlite3.SQLITE_CONSTRAINT:
			// extended codes are not guaranteed, fall back to the message
			msg := se.Error()
			switch {
			case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
				strings.Contains(msg, "UNIQUE constraint"):
				return fmt.Errorf("%w: %v", ErrConflict, err)
			case code == sqlite3.SQLITE_CONSTRAINT_CHECK, code == sqlite3.SQLITE_CONSTRAINT_NOTNULL,
				strings.Contains(msg, "CHECK constraint"), strings.Contains(msg, "NOT NULL constraint"):
				return fmt.Errorf("%w: %v", domain.ErrValidation, err)
			case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, strings.Contains(msg, "FOREIGN KEY constraint"):
				return fmt.Errorf("%w: %v", ErrNotFound, err)
			}
		}
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: transaction timed out: %v", ErrConflict, err)
	}
	return err
}

type sqlTx struct {
	tx     *sql.Tx
	events events.Writer
	now    string
}

const gigColumns = `id,owner_id,title,description,budget,status,version,created_at,updated_at`
const bidColumns = `id,gig_id,bidder_id,message,status,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanGig(row scanner) (domain.Gig, error) {
	var g domain.Gig
	err := row.Scan(&g.ID, &g.OwnerID, &g.Title, &g.Description, &g.Budget, &g.Status, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func scanBid(row scanner) (domain.Bid, error) {
	var b domain.Bid
	err := row.Scan(&b.ID, &b.GigID, &b.BidderID, &b.Message, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (t *sqlTx) GetGig(ctx context.Context, id string) (domain.Gig, error) {
	g, err := scanGig(t.tx.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id=?`, id))
	return g, translate(ctx, err)
}

func (t *sqlTx) InsertGig(ctx context.Context, g domain.Gig) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO gigs(`+gigColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		g.ID, g.OwnerID, g.Title, g.Description, g.Budget, g.Status, g.Version, g.CreatedAt, g.UpdatedAt)
	return translate(ctx, err)
}

func (t *sqlTx) SaveGig(ctx context.Context, g domain.Gig) (domain.Gig, error) {
	if g.UpdatedAt == "" {
		g.UpdatedAt = t.now
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE gigs SET title=?,description=?,budget=?,status=?,updated_at=?,version=version+1 WHERE id=? AND version=?`,
		g.Title, g.Description, g.Budget, g.Status, g.UpdatedAt, g.ID, g.Version)
	if err != nil {
		return domain.Gig{}, translate(ctx, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Gig{}, fmt.Errorf("gig %s changed concurrently: %w", g.ID, ErrConflict)
	}
	g.Version++
	return g, nil
}

func (t *sqlTx) GetBid(ctx context.Context, id string) (domain.Bid, error) {
	b, err := scanBid(t.tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=?`, id))
	return b, translate(ctx, err)
}

func (t *sqlTx) InsertBid(ctx context.Context, b domain.Bid) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO bids(`+bidColumns+`) VALUES (?,?,?,?,?,?,?)`,
		b.ID, b.GigID, b.BidderID, b.Message, b.Status, b.CreatedAt, b.UpdatedAt)
	return translate(ctx, err)
}

func (t *sqlTx) SaveBid(ctx context.Context, b domain.Bid) error {
	if b.UpdatedAt == "" {
		b.UpdatedAt = t.now
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE bids SET message=?,status=?,updated_at=? WHERE id=?`,
		b.Message, b.Status, b.UpdatedAt, b.ID)
	if err != nil {
		return translate(ctx, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bid %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

func (t *sqlTx) RejectOtherPendingBids(ctx context.Context, gigID, exceptBidID string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE bids SET status=?,updated_at=? WHERE gig_id=? AND status=? AND id<>?`,
		domain.BidRejected, t.now, gigID, domain.BidPending, exceptBidID)
	if err != nil {
		return 0, translate(ctx, err)
	}
	return res.RowsAffected()
}

func (t *sqlTx) RecordEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	return translate(ctx, t.events.Append(ctx, t.tx, evtType, entityKind, entityID, actorID, payload))
}

// Reads outside transactions.

// GigFilter narrows ListGigs. Status "" means open, "all" disables the filter.
type GigFilter struct {
	Search  string
	Status  string
	OwnerID string
	Limit   int
}

func (r Repo) GetGig(ctx context.Context, id string) (domain.Gig, error) {
	return scanGig(r.DB.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id=?`, id))
}

func (r Repo) ListGigs(ctx context.Context, f GigFilter) ([]domain.Gig, error) {
	var (
		clauses []string
		args    []any
	)
	switch f.Status {
	case "all":
	case "":
		clauses = append(clauses, "status=?")
		args = append(args, domain.GigOpen)
	default:
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		clauses = append(clauses, `title LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(s)+"%")
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	query := `SELECT ` + gigColumns + ` FROM gigs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gig
	for rows.Next() {
		g, err := scanGig(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) ListBidsForGig(ctx context.Context, gigID string) ([]domain.Bid, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE gig_id=? ORDER BY created_at DESC, id DESC`, gigID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
