package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"specbot/config"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Dialect names the SQL flavour of the connection.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// Database is the credit ledger and generation history store.
type Database struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open connection.
func New(db *sql.DB, dialect Dialect) *Database {
	return &Database{db: db, dialect: dialect}
}

// Open connects using the configured driver and waits for the server to
// answer a ping, backing off up to maxWait.
func Open(cfg *config.Config, maxWait time.Duration) (*Database, error) {
	var (
		driver, dsn string
		dialect     Dialect
	)
	switch cfg.DBDriver {
	case "mysql", "":
		driver, dialect = "mysql", MySQL
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=false",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	case "sqlite":
		driver, dialect = "sqlite", SQLite
		dsn = cfg.SQLitePath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == SQLite {
		// single writer
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	deadline := time.Now().Add(maxWait)
	wait := time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		pingErr := db.PingContext(ctx)
		cancel()
		if pingErr == nil {
			break
		}
		if time.Now().After(deadline) {
			db.Close()
			return nil, fmt.Errorf("database ping timeout after %v: %w", maxWait, pingErr)
		}
		log.Warnf("Database connection failed, retrying in %v: %v", wait, pingErr)
		time.Sleep(wait)
		wait *= 2
		if wait > 30*time.Second {
			wait = 30 * time.Second
		}
	}

	log.Infof("Connected to %s database", dialect)
	return New(db, dialect), nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Dialect() Dialect { return d.dialect }

// Ping reports whether the store is reachable.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// inTx runs fn in a transaction, rolling back on error.
func (d *Database) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// logResult warns when a statement expected to touch one row did not.
func logResult(msgPrefix string, r sql.Result, expectOne bool) {
	rows, err := r.RowsAffected()
	if err != nil {
		log.Errorf("%s: failed to get status of db op: %v", msgPrefix, err)
		return
	}
	if expectOne && rows != 1 {
		log.Warnf("%s: expected to affect 1 row, affected %d", msgPrefix, rows)
	}
}
