package audit

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gitpaid-dev/gitpaid/internal/db"
)

// Actions recorded in the audit log
const (
	ActionAccessKeyCreated = "access_key.created"
	ActionAccessKeyRevoked = "access_key.revoked"
	ActionPendingCreated   = "pending_payment.created"
	ActionPendingClaimed   = "pending_payment.claimed"
	ActionPendingCancelled = "pending_payment.cancelled"
	ActionPendingExpired   = "pending_payment.expired"
	ActionPayoutCreated    = "payout.created"
	ActionPayoutConfirmed  = "payout.confirmed"
	ActionPayoutFailed     = "payout.failed"
	ActionLiabilityWarning = "funder.liability_warning"
)

// Record appends an audit entry. Best-effort: a failed audit write is
// logged and never fails the money mutation it describes.
func Record(ctx context.Context, q db.Querier, chainID int64, actorID, action, subjectID string, detail map[string]any) {
	var detailJSON []byte
	if detail != nil {
		detailJSON, _ = json.Marshal(detail)
	}
	var chain any
	if chainID != 0 {
		chain = chainID
	}
	_, err := q.Exec(ctx,
		`INSERT INTO audit_log (chain_id, actor_id, action, subject_id, detail)
         VALUES ($1, $2, $3, $4, $5)`,
		chain, actorID, action, subjectID, detailJSON,
	)
	if err != nil {
		log.Printf("audit write failed (%s %s): %v", action, subjectID, err)
	}
}
