package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitpaid-dev/gitpaid/internal/audit"
	"github.com/gitpaid-dev/gitpaid/internal/broadcast"
	"github.com/gitpaid-dev/gitpaid/internal/chain"
	"github.com/gitpaid-dev/gitpaid/internal/claim"
	"github.com/gitpaid-dev/gitpaid/internal/payout"
	"github.com/gitpaid-dev/gitpaid/internal/pending"
)

// Worker owns the background side of settlement: claim retries,
// receipt polling, claim-window expiry, and liability warnings.
type Worker struct {
	pool      *pgxpool.Pool
	chains    *chain.AllowList
	processor *claim.Processor
	ledger    *pending.Ledger
	payouts   *payout.Store
	receipts  broadcast.ConfirmationSource
	balances  BalanceSource
}

// BalanceSource reports a wallet's on-chain holdings of a token, for
// the liability check.
type BalanceSource interface {
	Balance(ctx context.Context, chainID int64, address, tokenAddress string) (int64, error)
}

func NewWorker(pool *pgxpool.Pool, chains *chain.AllowList, processor *claim.Processor,
	ledger *pending.Ledger, payouts *payout.Store, receipts broadcast.ConfirmationSource,
	balances BalanceSource) *Worker {
	return &Worker{
		pool: pool, chains: chains, processor: processor,
		ledger: ledger, payouts: payouts, receipts: receipts, balances: balances,
	}
}

// Run blocks serving tasks until the server stops.
func (w *Worker) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskClaimRetry, w.handleClaimRetry)
	mux.HandleFunc(TaskSettlementPoll, w.handleSettlementPoll)
	mux.HandleFunc(TaskExpirySweep, w.handleExpirySweep)
	mux.HandleFunc(TaskLiabilityCheck, w.handleLiabilityCheck)

	server := asynq.NewServer(redisOpt(), asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"claims":     10,
			"settlement": 5,
			"default":    1,
		},
	})
	return server.Run(mux)
}

// RunScheduler registers the periodic tasks and blocks.
func RunScheduler(chains *chain.AllowList) error {
	scheduler := asynq.NewScheduler(redisOpt(), nil)
	for _, chainID := range chains.IDs() {
		b, _ := json.Marshal(ScopePayload{ChainID: chainID})
		entries := []struct {
			spec string
			task *asynq.Task
			opts []asynq.Option
		}{
			{"@every 2m", asynq.NewTask(TaskSettlementPoll, b), []asynq.Option{asynq.Queue("settlement")}},
			{"@every 1h", asynq.NewTask(TaskExpirySweep, b), nil},
			{"@every 24h", asynq.NewTask(TaskLiabilityCheck, b), nil},
		}
		for _, e := range entries {
			if _, err := scheduler.Register(e.spec, e.task, e.opts...); err != nil {
				return err
			}
		}
	}
	return scheduler.Run()
}

func (w *Worker) handleClaimRetry(ctx context.Context, t *asynq.Task) error {
	var p ClaimRetryPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	scope, err := w.chains.Resolve(p.ChainID)
	if err != nil {
		return err
	}

	outcomes, err := w.processor.ProcessAll(ctx, scope, claim.Recipient{
		UserID:        p.UserID,
		ExternalID:    p.ExternalID,
		WalletID:      p.WalletID,
		WalletAddress: p.WalletAddress,
	})
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o.Status == claim.OutcomeFailed && o.Retryable {
			// Still failing; let asynq's retry/backoff re-deliver.
			return errors.New("claim batch still has retryable failures")
		}
	}
	return nil
}

// handleSettlementPoll walks unsettled payouts on one chain and asks
// the relayer for receipts. A transaction with no receipt yet is left
// for the next poll.
func (w *Worker) handleSettlementPoll(ctx context.Context, t *asynq.Task) error {
	var p ScopePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	scope, err := w.chains.Resolve(p.ChainID)
	if err != nil {
		return err
	}

	unsettled, err := w.payouts.ListUnsettled(ctx, scope, 100)
	if err != nil {
		return err
	}
	for _, po := range unsettled {
		receipt, err := w.receipts.Receipt(ctx, scope.ChainID, po.TxHash)
		if err != nil {
			if errors.Is(err, broadcast.ErrReceiptPending) {
				continue
			}
			log.Printf("receipt lookup failed for payout %s: %v", po.ID, err)
			continue
		}

		if receipt.Success {
			err = w.payouts.MarkConfirmed(ctx, scope, po.ID, receipt.TxHash, receipt.BlockNumber, receipt.ReceiptHash)
		} else {
			msg := receipt.Error
			if msg == "" {
				msg = "transaction reverted"
			}
			err = w.payouts.MarkFailed(ctx, scope, po.ID, msg)
		}
		if err != nil && !errors.Is(err, payout.ErrAlreadySettled) {
			log.Printf("settlement update failed for payout %s: %v", po.ID, err)
		}
	}
	return nil
}

// handleExpirySweep cancels pending payments whose claim window has
// passed, revoking each dedicated key first.
func (w *Worker) handleExpirySweep(ctx context.Context, t *asynq.Task) error {
	var p ScopePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	scope, err := w.chains.Resolve(p.ChainID)
	if err != nil {
		return err
	}

	expired, err := w.ledger.ListExpired(ctx, scope, 100)
	if err != nil {
		return err
	}
	for _, pay := range expired {
		if err := w.ledger.CancelExpired(ctx, scope, pay.ID); err != nil &&
			!errors.Is(err, pending.ErrAlreadyResolved) {
			log.Printf("expiry cancel failed for payment %s: %v", pay.ID, err)
		}
	}
	return nil
}

// handleLiabilityCheck compares each funder's pending commitments with
// the owner wallet's actual holdings and records a warning when the
// promises exceed the balance.
func (w *Worker) handleLiabilityCheck(ctx context.Context, t *asynq.Task) error {
	var p ScopePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	scope, err := w.chains.Resolve(p.ChainID)
	if err != nil {
		return err
	}

	rows, err := w.pool.Query(ctx,
		`SELECT pp.funder_id, pp.token_address, SUM(pp.amount), MIN(ow.address)
         FROM pending_payments pp
         JOIN access_keys k ON k.id = pp.access_key_id
         JOIN wallets ow ON ow.id = k.owner_wallet_id
         WHERE pp.chain_id = $1 AND pp.status = 'pending'
         GROUP BY pp.funder_id, pp.token_address`,
		scope.ChainID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	type liability struct {
		funderID, token, address string
		total                    int64
	}
	var liabilities []liability
	for rows.Next() {
		var l liability
		if err := rows.Scan(&l.funderID, &l.token, &l.total, &l.address); err != nil {
			return err
		}
		liabilities = append(liabilities, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, l := range liabilities {
		balance, err := w.balances.Balance(ctx, scope.ChainID, l.address, l.token)
		if err != nil {
			log.Printf("balance lookup failed for funder %s: %v", l.funderID, err)
			continue
		}
		if l.total > balance {
			audit.Record(ctx, w.pool, scope.ChainID, "system", audit.ActionLiabilityWarning, l.funderID, map[string]any{
				"token_address": l.token,
				"committed":     l.total,
				"balance":       balance,
			})
		}
	}
	return nil
}
