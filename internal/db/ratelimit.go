package db

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenlabs/faucetbot/internal/faucet"
)

// windowState is one identity's rate-limit record as read under a row lock.
type windowState struct {
	WindowStart time.Time
	Granted     int64
	Pending     int64
}

// applyWindow rolls the window forward if it has expired, then decides
// whether amount fits under cap counting both committed grants and
// outstanding reservations. When it does not fit it returns the time the
// current window ends, which is the earliest moment the identity can become
// eligible again.
func applyWindow(ws windowState, amount int64, now time.Time, window time.Duration, limit int64) (windowState, bool, time.Time) {
	if now.Sub(ws.WindowStart) >= window {
		ws.WindowStart = now
		ws.Granted = 0
	}
	if ws.Granted+ws.Pending+amount > limit {
		return ws, false, ws.WindowStart.Add(window)
	}
	ws.Pending += amount
	return ws, true, time.Time{}
}

// CheckAndReserve performs the admission-time quota check and, if it passes,
// reserves the amount and writes the queued dispatch_log row — all in one
// transaction under a row lock on the identity's record. A concurrent
// admission for the same identity blocks on the lock and then sees the
// reservation, so a burst can never collectively exceed the cap.
//
// On a cap violation it returns faucet.ErrCapExceeded together with the
// next-eligible time.
func (db *DB) CheckAndReserve(ctx context.Context, req faucet.Request, now time.Time, window time.Duration, limit uint64) (time.Time, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	// First contact with this identity creates its record.
	if _, err := tx.Exec(ctx, `
		INSERT INTO rate_limit_records (identity, window_start, amount_in_window, pending_amount)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (identity) DO NOTHING`,
		req.Identity, now,
	); err != nil {
		return time.Time{}, fmt.Errorf("ensure rate limit record: %w", err)
	}

	var ws windowState
	if err := tx.QueryRow(ctx, `
		SELECT window_start, amount_in_window, pending_amount
		FROM rate_limit_records
		WHERE identity = $1
		FOR UPDATE`,
		req.Identity,
	).Scan(&ws.WindowStart, &ws.Granted, &ws.Pending); err != nil {
		return time.Time{}, fmt.Errorf("lock rate limit record: %w", err)
	}

	ws, ok, next := applyWindow(ws, int64(req.Amount), now, window, int64(limit))
	if !ok {
		return next, faucet.ErrCapExceeded
	}

	if _, err := tx.Exec(ctx, `
		UPDATE rate_limit_records
		SET window_start = $2, amount_in_window = $3, pending_amount = $4
		WHERE identity = $1`,
		req.Identity, ws.WindowStart, ws.Granted, ws.Pending,
	); err != nil {
		return time.Time{}, fmt.Errorf("write reservation: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO dispatch_log (request_ref, identity, destination, amount, state, channel_id, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.Ref, req.Identity, req.Destination, int64(req.Amount), faucet.StateQueued,
		req.ChannelID, req.MessageID, req.CreatedAt,
	); err != nil {
		return time.Time{}, fmt.Errorf("write dispatch log row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("commit reserve: %w", err)
	}
	return time.Time{}, nil
}
