package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gigflow/internal/domain"
	"gigflow/internal/engine/auth"
	"gigflow/internal/events"
	"gigflow/internal/repo"
)

type HireRequest struct {
	BidID   string
	ActorID string
}

type HireResult struct {
	Gig      domain.Gig `json:"gig"`
	Bid      domain.Bid `json:"bid"`
	Rejected int64      `json:"rejected"`
	// Notified reports whether the winner had a live connection.
	Notified bool `json:"notified"`
}

// Hire awards a gig to one bid. In a single transaction it moves the gig to
// assigned, the bid to hired and every other pending bid of the gig to
// rejected; once committed it notifies the winner.
//
// Errors wrap domain.ErrValidation, ErrNotFound, ErrForbidden, ErrConflict or
// ErrInternal. Conflict is the only retryable one and is never retried here.
// A started hire is not cancelled with ctx; it runs until commit, abort or the
// configured transaction timeout.
func (e Engine) Hire(ctx context.Context, req HireRequest) (HireResult, error) {
	bidID := strings.TrimSpace(req.BidID)
	if bidID == "" {
		return HireResult{}, validationf("bid id is required")
	}
	if strings.TrimSpace(req.ActorID) == "" {
		return HireResult{}, validationf("actor is required")
	}
	log := e.logger().With("bid_id", bidID, "actor_id", req.ActorID)

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.txTimeout())
	defer cancel()

	var res HireResult
	err := e.Store.WithTransaction(txCtx, func(tx repo.AssignmentTx) error {
		res = HireResult{}
		bid, err := tx.GetBid(txCtx, bidID)
		if err != nil {
			return fmt.Errorf("bid %s: %w", bidID, err)
		}
		gig, err := tx.GetGig(txCtx, bid.GigID)
		if errors.Is(err, domain.ErrNotFound) {
			log.Error("bid references missing gig", "gig_id", bid.GigID)
		}
		if err != nil {
			return fmt.Errorf("gig %s: %w", bid.GigID, err)
		}
		if gig.OwnerID != req.ActorID {
			return auth.ForbiddenError{Action: "hire for", Resource: "gig " + gig.ID}
		}
		// Checked inside the transaction: a competing hire that committed
		// first is visible here.
		if gig.Status == domain.GigAssigned {
			return fmt.Errorf("gig %s has already been assigned: %w", gig.ID, domain.ErrConflict)
		}
		if bid.Status != domain.BidPending {
			return fmt.Errorf("bid %s is %s: %w", bid.ID, bid.Status, domain.ErrConflict)
		}

		now := e.timestamp()
		gig.Status = domain.GigAssigned
		gig.UpdatedAt = now
		if gig, err = tx.SaveGig(txCtx, gig); err != nil {
			return err
		}
		bid.Status = domain.BidHired
		bid.UpdatedAt = now
		if err := tx.SaveBid(txCtx, bid); err != nil {
			return err
		}
		rejected, err := tx.RejectOtherPendingBids(txCtx, gig.ID, bid.ID)
		if err != nil {
			return err
		}

		if err := tx.RecordEvent(txCtx, events.GigAssigned, "gig", gig.ID, req.ActorID, events.EventPayload{
			"bid_id":    bid.ID,
			"bidder_id": bid.BidderID,
		}); err != nil {
			return err
		}
		if err := tx.RecordEvent(txCtx, events.BidHired, "bid", bid.ID, req.ActorID, events.EventPayload{"gig_id": gig.ID}); err != nil {
			return err
		}
		if rejected > 0 {
			if err := tx.RecordEvent(txCtx, events.BidsRejected, "gig", gig.ID, req.ActorID, events.EventPayload{
				"count":     rejected,
				"except_id": bid.ID,
			}); err != nil {
				return err
			}
		}
		res = HireResult{Gig: gig, Bid: bid, Rejected: rejected}
		return nil
	})
	if err != nil {
		err = classify(err)
		switch {
		case errors.Is(err, domain.ErrConflict):
			log.Warn("hire conflict", "error", err)
		case errors.Is(err, domain.ErrInternal):
			log.Error("hire failed", "error", err)
		default:
			log.Info("hire rejected", "error", err)
		}
		return HireResult{}, err
	}
	log.Info("hire committed", "gig_id", res.Gig.ID, "bidder_id", res.Bid.BidderID, "rejected", res.Rejected)

	res.Notified = e.notifyHired(res)
	return res, nil
}

// notifyHired runs after commit. Nothing it does can undo the hire.
func (e Engine) notifyHired(res HireResult) (delivered bool) {
	if e.Notifier == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger().Error("hire notification failed", "bid_id", res.Bid.ID, "panic", r)
			delivered = false
		}
	}()
	delivered = e.Notifier.Notify(res.Bid.BidderID, domain.EventHired, domain.HiredPayload{
		Title: res.Gig.Title,
		GigID: res.Gig.ID,
		BidID: res.Bid.ID,
	})
	if !delivered {
		e.logger().Info("hired bidder not connected", "bidder_id", res.Bid.BidderID, "gig_id", res.Gig.ID)
	}
	return delivered
}
