package claim

import (
	"context"
	"errors"
	"time"

	"github.com/gitpaid-dev/gitpaid/internal/accesskey"
	"github.com/gitpaid-dev/gitpaid/internal/broadcast"
	"github.com/gitpaid-dev/gitpaid/internal/chain"
	"github.com/gitpaid-dev/gitpaid/internal/payout"
	"github.com/gitpaid-dev/gitpaid/internal/pending"
)

// Outcome statuses for one payment in a claim batch.
const (
	OutcomeClaimed = "claimed"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Outcome reports what happened to a single pending payment. Failures
// are per item; a failed item never blocks or rolls back the rest of
// the batch.
type Outcome struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	PayoutID  string `json:"payout_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Recipient identifies the newly-registered user claiming their
// pending payments and the wallet the funds land in.
type Recipient struct {
	UserID        string
	ExternalID    int64
	WalletID      string
	WalletAddress string
}

type Keys interface {
	Get(ctx context.Context, scope chain.Scope, id string) (*accesskey.AccessKey, error)
}

type Limits interface {
	ValidateAndReserve(ctx context.Context, scope chain.Scope, keyID, tokenAddress string, amount int64) (*accesskey.AccessKey, error)
	Restore(ctx context.Context, scope chain.Scope, keyID, tokenAddress string, amount int64) error
}

type Ledger interface {
	ListPendingByRecipient(ctx context.Context, scope chain.Scope, externalID int64) ([]pending.Payment, error)
	MarkClaimed(ctx context.Context, scope chain.Scope, paymentID, claimingUserID, payoutID string) error
}

type Payouts interface {
	Create(ctx context.Context, scope chain.Scope, p payout.CreateParams) (*payout.Payout, error)
}

// Processor converts a recipient's pending payments into real payouts
// through their dedicated access keys.
type Processor struct {
	keys        Keys
	limits      Limits
	ledger      Ledger
	payouts     Payouts
	broadcaster broadcast.Broadcaster
}

func NewProcessor(keys Keys, limits Limits, ledger Ledger, payouts Payouts, b broadcast.Broadcaster) *Processor {
	return &Processor{keys: keys, limits: limits, ledger: ledger, payouts: payouts, broadcaster: b}
}

// ProcessAll claims every pending payment for the recipient, oldest
// first. Each payment is its own atomic unit: reserve the limit,
// broadcast, then record the payout and mark the row claimed. A
// broadcast failure leaves the payment pending for a later retry.
func (p *Processor) ProcessAll(ctx context.Context, scope chain.Scope, r Recipient) ([]Outcome, error) {
	payments, err := p.ledger.ListPendingByRecipient(ctx, scope, r.ExternalID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(payments))
	for i := range payments {
		outcomes = append(outcomes, p.processOne(ctx, scope, r, &payments[i]))
	}
	return outcomes, nil
}

func (p *Processor) processOne(ctx context.Context, scope chain.Scope, r Recipient, pay *pending.Payment) Outcome {
	out := Outcome{PaymentID: pay.ID, Status: OutcomeFailed}

	if !time.Now().Before(pay.ClaimExpiresAt) {
		out.Status = OutcomeSkipped
		out.Error = "claim window has passed"
		return out
	}

	key, err := p.keys.Get(ctx, scope, pay.AccessKeyID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if key.CreatedBy != pay.FunderID {
		// A payment may never spend through a key its funder did not
		// authorize, no matter how the row came to reference it.
		out.Status = OutcomeSkipped
		out.Error = "access key was not created by the payment's funder"
		return out
	}
	if key.EffectiveStatus(time.Now()) != accesskey.StatusActive {
		out.Status = OutcomeSkipped
		out.Error = "dedicated access key is " + key.EffectiveStatus(time.Now())
		return out
	}

	if _, err := p.limits.ValidateAndReserve(ctx, scope, pay.AccessKeyID, pay.TokenAddress, pay.Amount); err != nil {
		out.Error = err.Error()
		out.Retryable = isRetryable(err)
		return out
	}

	txHash, err := p.broadcaster.Broadcast(ctx, broadcast.Payload{
		ChainID:          scope.ChainID,
		AccessKeyID:      pay.AccessKeyID,
		AuthorizationSig: key.Signature,
		TokenAddress:     pay.TokenAddress,
		ToAddress:        r.WalletAddress,
		Amount:           pay.Amount,
		Reference:        pay.ID,
	})
	if err != nil {
		if errors.Is(err, broadcast.ErrNotBroadcast) {
			// Nothing left the process; put the limit back so the
			// retry is not starved.
			if rerr := p.limits.Restore(ctx, scope, pay.AccessKeyID, pay.TokenAddress, pay.Amount); rerr != nil {
				out.Error = err.Error() + "; restore failed: " + rerr.Error()
				return out
			}
			out.Retryable = true
		}
		out.Error = err.Error()
		return out
	}
	out.TxHash = txHash

	po, err := p.payouts.Create(ctx, scope, payout.CreateParams{
		Amount:            pay.Amount,
		TokenAddress:      pay.TokenAddress,
		PayerUserID:       pay.FunderID,
		RecipientWalletID: r.WalletID,
		RecipientUserID:   r.UserID,
		BountyID:          pay.BountyID,
		SubmissionID:      pay.SubmissionID,
		PendingPaymentID:  pay.ID,
		TxHash:            txHash,
	})
	if err != nil {
		out.Error = "broadcast succeeded but payout record failed: " + err.Error()
		return out
	}
	out.PayoutID = po.ID

	if err := p.ledger.MarkClaimed(ctx, scope, pay.ID, r.UserID, po.ID); err != nil {
		out.Error = "payout recorded but claim finalization failed: " + err.Error()
		return out
	}

	out.Status = OutcomeClaimed
	out.Error = ""
	return out
}

// isRetryable reports whether a reserve failure can resolve itself
// later (a raced spend may be restored; a revoked key will not).
func isRetryable(err error) bool {
	return errors.Is(err, accesskey.ErrInsufficientLimit)
}
