package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
)

// User is an account holding generation credits.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Balance   int       `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEntry is one balance change.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// EnsureUser creates the user with freeCredits on first sight and returns
// the stored row. created reports whether the row was new.
func (d *Database) EnsureUser(ctx context.Context, id int64, username string, freeCredits int) (user User, created bool, err error) {
	err = d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			d.insertIgnore()+" INTO users (id, username, balance) VALUES (?, ?, ?)",
			id, username, freeCredits)
		if err != nil {
			return fmt.Errorf("failed to insert user %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to insert user %d: %w", id, err)
		}
		created = n == 1
		if created && freeCredits > 0 {
			if err := insertLedger(ctx, tx, id, freeCredits, "welcome"); err != nil {
				return err
			}
		}
		user, err = scanUser(tx.QueryRowContext(ctx,
			"SELECT id, username, balance, created_at FROM users WHERE id = ?", id))
		return err
	})
	if created {
		log.WithFields(log.Fields{"user_id": id, "credits": freeCredits}).Info("user.created")
	}
	return user, created, err
}

// Balance is the user's current credit count. Unknown ids yield ErrNotFound.
func (d *Database) Balance(ctx context.Context, id int64) (int, error) {
	var balance int
	err := d.db.QueryRowContext(ctx, "SELECT balance FROM users WHERE id = ?", id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance of %d: %w", id, err)
	}
	return balance, nil
}

// Debit removes amount credits. The balance never goes negative: a short
// balance yields ErrInsufficientBalance and nothing changes.
func (d *Database) Debit(ctx context.Context, id int64, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND balance >= ?",
			amount, id, amount)
		if err != nil {
			return fmt.Errorf("failed to debit user %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to debit user %d: %w", id, err)
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = ?", id).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to look up user %d: %w", id, err)
			}
			return ErrInsufficientBalance
		}
		return insertLedger(ctx, tx, id, -amount, reason)
	})
}

// Credit adds amount credits and returns the new balance.
func (d *Database) Credit(ctx context.Context, id int64, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	var balance int
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			amount, id)
		if err != nil {
			return fmt.Errorf("failed to credit user %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to credit user %d: %w", id, err)
		} else if n == 0 {
			return ErrNotFound
		}
		if err := insertLedger(ctx, tx, id, amount, reason); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, "SELECT balance FROM users WHERE id = ?", id).Scan(&balance)
	})
	return balance, err
}

// Ledger lists the most recent balance changes, newest first.
func (d *Database) Ledger(ctx context.Context, id int64, limit int) ([]LedgerEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, user_id, delta, reason, created_at FROM credit_ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger of %d: %w", id, err)
	}
	defer rows.Close()

	entries := []LedgerEntry{}
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertLedger(ctx context.Context, tx *sql.Tx, id int64, delta int, reason string) error {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO credit_ledger (user_id, delta, reason) VALUES (?, ?, ?)", id, delta, reason)
	if err != nil {
		return fmt.Errorf("failed to record ledger entry for %d: %w", id, err)
	}
	logResult("insertLedger", res, true)
	return nil
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Balance, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}
