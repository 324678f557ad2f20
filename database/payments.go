package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Payment is a confirmed purchase of a credit package. ExternalID is the
// payment provider's identifier and makes fulfilment idempotent.
type Payment struct {
	ExternalID  string
	UserID      int64
	PackageID   string
	Credits     int
	AmountMinor int64
	Currency    string
}

// RecordPayment stores p and credits the user in one transaction. A payment
// that was already recorded leaves the balance untouched and reports
// applied=false.
func (d *Database) RecordPayment(ctx context.Context, p Payment) (balance int, applied bool, err error) {
	if p.Credits <= 0 {
		return 0, false, fmt.Errorf("payment %s carries no credits", p.ExternalID)
	}
	err = d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			d.insertIgnore()+" INTO payments (external_id, user_id, package_id, credits, amount_minor, currency) VALUES (?, ?, ?, ?, ?, ?)",
			p.ExternalID, p.UserID, p.PackageID, p.Credits, p.AmountMinor, p.Currency)
		if err != nil {
			return fmt.Errorf("failed to record payment %s: %w", p.ExternalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to record payment %s: %w", p.ExternalID, err)
		}
		applied = n > 0
		if applied {
			res, err = tx.ExecContext(ctx,
				"UPDATE users SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
				p.Credits, p.UserID)
			if err != nil {
				return fmt.Errorf("failed to credit user %d: %w", p.UserID, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("failed to credit user %d: %w", p.UserID, err)
			} else if n == 0 {
				return ErrNotFound
			}
			if err := insertLedger(ctx, tx, p.UserID, p.Credits, "payment:"+p.ExternalID); err != nil {
				return err
			}
		}
		err = tx.QueryRowContext(ctx, "SELECT balance FROM users WHERE id = ?", p.UserID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return balance, applied, err
}
