package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	GigCreated   = "gig.created"
	GigAssigned  = "gig.assigned"
	BidPlaced    = "bid.placed"
	BidHired     = "bid.hired"
	BidsRejected = "bids.rejected"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Execer is satisfied by *sql.Tx and *sql.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes an audit row through tx so it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx Execer, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, data)
	return err
}

// Encode renders a payload as the JSON stored in payload_json.
func Encode(payload EventPayload) (string, error) {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
