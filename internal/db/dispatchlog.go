package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlabs/faucetbot/internal/faucet"
)

// DispatchEntry is one dispatch_log row, as listed by the operator API.
type DispatchEntry struct {
	Ref         uuid.UUID  `json:"request_ref"`
	Identity    string     `json:"identity"`
	Destination string     `json:"destination"`
	Amount      int64      `json:"amount"`
	State       string     `json:"state"`
	TxRef       string     `json:"tx_ref,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// MarkSubmitting transitions a queued row to submitting before the broadcast
// call starts, so a crash mid-submission is visible to recovery.
func (db *DB) MarkSubmitting(ctx context.Context, ref uuid.UUID) error {
	result, err := db.pool.Exec(ctx, `
		UPDATE dispatch_log SET state = $2 WHERE request_ref = $1 AND state = $3`,
		ref, faucet.StateSubmitting, faucet.StateQueued,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("request %s is not queued", ref)
	}
	return nil
}

// SetTxRef records the broadcast transaction hash as soon as the node accepts
// it; from this point the request can be reconciled after a crash.
func (db *DB) SetTxRef(ctx context.Context, ref uuid.UUID, txRef string) error {
	result, err := db.pool.Exec(ctx, `
		UPDATE dispatch_log SET tx_ref = $2 WHERE request_ref = $1`,
		ref, txRef,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("request %s not found", ref)
	}
	return nil
}

// CommitGrant finalizes a confirmed grant: the reservation moves from pending
// to granted-in-window and the log row closes, in one transaction, so a later
// admission check can never observe the grant half-applied.
func (db *DB) CommitGrant(ctx context.Context, ref uuid.UUID, txRef string, now time.Time) error {
	return db.closeRequest(ctx, ref, faucet.StateGranted, txRef, "", now, true)
}

// CloseConsumed closes a request as failed or unresolved while keeping its
// reservation counted against the window: the transaction was (or may have
// been) broadcast, so returning quota could enable a double grant.
func (db *DB) CloseConsumed(ctx context.Context, ref uuid.UUID, state, txRef, detail string, now time.Time) error {
	return db.closeRequest(ctx, ref, state, txRef, detail, now, true)
}

// RollbackReservation closes a request whose broadcast provably never
// happened and returns the reserved amount to the identity's quota.
func (db *DB) RollbackReservation(ctx context.Context, ref uuid.UUID, detail string, now time.Time) error {
	return db.closeRequest(ctx, ref, faucet.StateFailed, "", detail, now, false)
}

// closeRequest applies the quota movement and the terminal log-row update as
// one transaction. consume moves the pending amount into the window total;
// otherwise it is handed back.
func (db *DB) closeRequest(ctx context.Context, ref uuid.UUID, state, txRef, detail string, now time.Time, consume bool) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin close: %w", err)
	}
	defer tx.Rollback(ctx)

	var identity string
	var amount int64
	var prevState string
	if err := tx.QueryRow(ctx, `
		SELECT identity, amount, state FROM dispatch_log WHERE request_ref = $1 FOR UPDATE`,
		ref,
	).Scan(&identity, &amount, &prevState); err != nil {
		return fmt.Errorf("lock dispatch log row: %w", err)
	}
	if prevState != faucet.StateQueued && prevState != faucet.StateSubmitting {
		return fmt.Errorf("request %s already closed as %s", ref, prevState)
	}

	if consume {
		if _, err := tx.Exec(ctx, `
			UPDATE rate_limit_records
			SET pending_amount = GREATEST(pending_amount - $2, 0),
			    amount_in_window = amount_in_window + $2,
			    last_grant_time = $3
			WHERE identity = $1`,
			identity, amount, now,
		); err != nil {
			return fmt.Errorf("consume reservation: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE rate_limit_records
			SET pending_amount = GREATEST(pending_amount - $2, 0)
			WHERE identity = $1`,
			identity, amount,
		); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE dispatch_log
		SET state = $2, tx_ref = NULLIF($3, ''), error_detail = NULLIF($4, ''), closed_at = $5
		WHERE request_ref = $1`,
		ref, state, txRef, detail, now,
	); err != nil {
		return fmt.Errorf("close dispatch log row: %w", err)
	}

	return tx.Commit(ctx)
}

// OpenRequests returns queued and submitting rows in arrival order for crash
// recovery.
func (db *DB) OpenRequests(ctx context.Context) ([]faucet.OpenRequest, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT request_ref, identity, destination, amount, state,
		       COALESCE(tx_ref, ''), COALESCE(channel_id, ''), COALESCE(message_id, ''), created_at
		FROM dispatch_log
		WHERE state = $1 OR state = $2
		ORDER BY created_at`,
		faucet.StateQueued, faucet.StateSubmitting,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var open []faucet.OpenRequest
	for rows.Next() {
		var o faucet.OpenRequest
		var amount int64
		if err := rows.Scan(
			&o.Request.Ref, &o.Request.Identity, &o.Request.Destination, &amount,
			&o.State, &o.TxRef, &o.Request.ChannelID, &o.Request.MessageID, &o.Request.CreatedAt,
		); err != nil {
			return nil, err
		}
		o.Request.Amount = uint64(amount)
		open = append(open, o)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return open, nil
}

// RecentDispatches lists the newest dispatch_log rows for the operator API.
func (db *DB) RecentDispatches(ctx context.Context, limit int) ([]DispatchEntry, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT request_ref, identity, destination, amount, state,
		       COALESCE(tx_ref, ''), COALESCE(error_detail, ''), created_at, closed_at
		FROM dispatch_log
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []DispatchEntry
	for rows.Next() {
		var e DispatchEntry
		if err := rows.Scan(
			&e.Ref, &e.Identity, &e.Destination, &e.Amount, &e.State,
			&e.TxRef, &e.ErrorDetail, &e.CreatedAt, &e.ClosedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
