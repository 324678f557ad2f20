package database

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

var ctx = context.Background()

func q(s string) string { return regexp.QuoteMeta(s) }

func TestDebit(t *testing.T) {
	it(func() {
		testCases := []struct {
			name       string
			affected   int64
			userExists bool
			expectErr  error
		}{
			{name: "Enough credits", affected: 1},
			{name: "Short balance", affected: 0, userExists: true, expectErr: ErrInsufficientBalance},
			{name: "Unknown user", affected: 0, userExists: false, expectErr: ErrNotFound},
		}

		for _, tc := range testCases {
			setUp()
			mock.ExpectBegin()
			mock.ExpectExec(q("UPDATE users SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND balance >= ?")).
				WithArgs(1, int64(42), 1).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))
			if tc.affected == 1 {
				mock.ExpectExec(q("INSERT INTO credit_ledger (user_id, delta, reason) VALUES (?, ?, ?)")).
					WithArgs(int64(42), -1, "generation").
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			} else {
				rows := sqlmock.NewRows([]string{"1"})
				if tc.userExists {
					rows.AddRow(1)
				}
				mock.ExpectQuery(q("SELECT 1 FROM users WHERE id = ?")).WithArgs(int64(42)).WillReturnRows(rows)
				mock.ExpectRollback()
			}

			err := New(db, MySQL).Debit(ctx, 42, 1, "generation")
			if tc.expectErr == nil {
				assert.NoError(t, err, tc.name)
			} else {
				assert.ErrorIs(t, err, tc.expectErr, tc.name)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), tc.name)
		}
	})
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	it(func() {
		err := New(db, MySQL).Debit(ctx, 42, 0, "generation")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCredit(t *testing.T) {
	it(func() {
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE users SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?")).
			WithArgs(20, int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(q("INSERT INTO credit_ledger (user_id, delta, reason) VALUES (?, ?, ?)")).
			WithArgs(int64(7), 20, "package:optimal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(q("SELECT balance FROM users WHERE id = ?")).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(23))
		mock.ExpectCommit()

		balance, err := New(db, MySQL).Credit(ctx, 7, 20, "package:optimal")
		require.NoError(t, err)
		assert.Equal(t, 23, balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreditUnknownUser(t *testing.T) {
	it(func() {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users SET balance = balance \\+ (.+)").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := New(db, MySQL).Credit(ctx, 7, 1, "refund")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEnsureUser(t *testing.T) {
	it(func() {
		testCases := []struct {
			name     string
			dialect  Dialect
			insert   string
			affected int64
		}{
			{name: "New mysql user", dialect: MySQL, insert: "INSERT IGNORE INTO users", affected: 1},
			{name: "Existing sqlite user", dialect: SQLite, insert: "INSERT OR IGNORE INTO users", affected: 0},
		}

		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		for _, tc := range testCases {
			setUp()
			mock.ExpectBegin()
			mock.ExpectExec(q(tc.insert+" (id, username, balance) VALUES (?, ?, ?)")).
				WithArgs(int64(5), "anna", 3).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))
			if tc.affected == 1 {
				mock.ExpectExec(q("INSERT INTO credit_ledger")).
					WithArgs(int64(5), 3, "welcome").
					WillReturnResult(sqlmock.NewResult(1, 1))
			}
			mock.ExpectQuery(q("SELECT id, username, balance, created_at FROM users WHERE id = ?")).
				WithArgs(int64(5)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "username", "balance", "created_at"}).
					AddRow(5, "anna", 3, created))
			mock.ExpectCommit()

			user, isNew, err := New(db, tc.dialect).EnsureUser(ctx, 5, "anna", 3)
			require.NoError(t, err, tc.name)
			assert.Equal(t, tc.affected == 1, isNew, tc.name)
			assert.Equal(t, User{ID: 5, Username: "anna", Balance: 3, CreatedAt: created}, user, tc.name)
			assert.NoError(t, mock.ExpectationsWereMet(), tc.name)
		}
	})
}

func TestBalanceNotFound(t *testing.T) {
	it(func() {
		mock.ExpectQuery(q("SELECT balance FROM users WHERE id = ?")).
			WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))

		_, err := New(db, MySQL).Balance(ctx, 9)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBalance(t *testing.T) {
	it(func() {
		mock.ExpectQuery(q("SELECT balance FROM users WHERE id = ?")).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(4))

		balance, err := New(db, MySQL).Balance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 4, balance)
	})
}

func TestSaveAndGetGeneration(t *testing.T) {
	it(func() {
		g := &Generation{
			UserID: 3, Category: "electronics", PhotoAnalysis: "analysis", SpecText: "spec",
			QualityScore: 88, IsValid: true, Attempts: 2, VisionProvider: "gemini", TextProvider: "openai", TokensUsed: 900,
		}
		mock.ExpectExec(q("INSERT INTO generations")).
			WithArgs(int64(3), "electronics", "analysis", "spec", 88, true, 2, "gemini", "openai", 900).
			WillReturnResult(sqlmock.NewResult(11, 1))

		now := time.Now().UTC().Truncate(time.Second)
		mock.ExpectQuery(q("SELECT "+generationColumns+" FROM generations WHERE id = ?")).
			WithArgs(int64(11)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "category", "photo_analysis", "spec_text", "quality_score",
				"is_valid", "attempts", "vision_provider", "text_provider", "tokens_used", "regenerations", "created_at", "updated_at"}).
				AddRow(11, 3, "electronics", "analysis", nil, 88, true, 2, "gemini", "openai", 900, 0, now, now))

		d := New(db, MySQL)
		id, err := d.SaveGeneration(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, int64(11), id)
		assert.Equal(t, int64(11), g.ID)

		got, err := d.GetGeneration(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "analysis", got.PhotoAnalysis)
		assert.Equal(t, "", got.SpecText)
		assert.True(t, got.IsValid)
		assert.Equal(t, now, got.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetGenerationNotFound(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT (.+) FROM generations WHERE id = (.+)").
			WillReturnError(sql.ErrNoRows)

		_, err := New(db, MySQL).GetGeneration(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateGenerationSpec(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE generations SET spec_text = (.+) WHERE id = (.+)").
			WithArgs("new spec", 91, true, "gemini", 300, int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := New(db, MySQL).UpdateGenerationSpec(ctx, &Generation{ID: 4, SpecText: "new spec", QualityScore: 91, IsValid: true, TextProvider: "gemini", TokensUsed: 300})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestQueryErrorsAreWrapped(t *testing.T) {
	it(func() {
		boom := errors.New("connection reset")
		mock.ExpectQuery("SELECT (.+) FROM generations WHERE user_id = (.+)").WillReturnError(boom)

		_, err := New(db, MySQL).ListGenerations(ctx, 1, 0)
		assert.ErrorIs(t, err, boom)
	})
}

func TestSQLiteRoundTrip(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	d := New(conn, SQLite)
	require.NoError(t, d.Migrate(ctx))

	u, created, err := d.EnsureUser(ctx, 100, "boris", 3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 3, u.Balance)

	_, created, err = d.EnsureUser(ctx, 100, "boris", 3)
	require.NoError(t, err)
	assert.False(t, created)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Debit(ctx, 100, 1, "generation"))
	}
	assert.ErrorIs(t, d.Debit(ctx, 100, 1, "generation"), ErrInsufficientBalance)

	balance, err := d.Credit(ctx, 100, 1, "refund")
	require.NoError(t, err)
	assert.Equal(t, 1, balance)

	entries, err := d.Ledger(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, 1, entries[0].Delta)
	assert.Equal(t, "refund", entries[0].Reason)

	g := &Generation{UserID: 100, Category: "kids", PhotoAnalysis: "toy", SpecText: "v1", QualityScore: 70, Attempts: 1}
	id, err := d.SaveGeneration(ctx, g)
	require.NoError(t, err)

	g.SpecText, g.QualityScore, g.TokensUsed = "v2", 90, 50
	require.NoError(t, d.UpdateGenerationSpec(ctx, g))

	got, err := d.GetGeneration(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.SpecText)
	assert.Equal(t, 1, got.Regenerations)
	assert.False(t, got.CreatedAt.IsZero())

	list, err := d.ListGenerations(ctx, 100, 5)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	p := Payment{ExternalID: "cs_1", UserID: 100, PackageID: "start", Credits: 5, AmountMinor: 14900, Currency: "RUB"}
	balance, applied, err := d.RecordPayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 6, balance)

	balance, applied, err = d.RecordPayment(ctx, p)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 6, balance)
}

func TestRecordPaymentDuplicate(t *testing.T) {
	it(func() {
		mock.ExpectBegin()
		mock.ExpectExec(q("INSERT IGNORE INTO payments (external_id, user_id, package_id, credits, amount_minor, currency) VALUES (?, ?, ?, ?, ?, ?)")).
			WithArgs("cs_9", int64(7), "pro", 50, int64(69900), "RUB").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("SELECT balance FROM users WHERE id = ?")).WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(52))
		mock.ExpectCommit()

		balance, applied, err := New(db, MySQL).RecordPayment(ctx, Payment{
			ExternalID: "cs_9", UserID: 7, PackageID: "pro", Credits: 50, AmountMinor: 69900, Currency: "RUB",
		})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 52, balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRecordPaymentUnknownUserRollsBack(t *testing.T) {
	it(func() {
		mock.ExpectBegin()
		mock.ExpectExec(q("INSERT IGNORE INTO payments")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(q("UPDATE users SET balance = balance + ?")).WithArgs(5, int64(8)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, _, err := New(db, MySQL).RecordPayment(ctx, Payment{ExternalID: "cs_2", UserID: 8, PackageID: "start", Credits: 5})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
