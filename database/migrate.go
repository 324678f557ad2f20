package database

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT NOT NULL PRIMARY KEY,
		username VARCHAR(255) NOT NULL DEFAULT '',
		balance INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS credit_ledger (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		delta INT NOT NULL,
		reason VARCHAR(255) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_credit_ledger_user (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS generations (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		category VARCHAR(64) NOT NULL,
		photo_analysis TEXT,
		spec_text MEDIUMTEXT,
		quality_score INT NOT NULL DEFAULT 0,
		is_valid BOOLEAN NOT NULL DEFAULT FALSE,
		attempts INT NOT NULL DEFAULT 0,
		vision_provider VARCHAR(64) NOT NULL DEFAULT '',
		text_provider VARCHAR(64) NOT NULL DEFAULT '',
		tokens_used INT NOT NULL DEFAULT 0,
		regenerations INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_generations_user (user_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		external_id VARCHAR(255) NOT NULL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		package_id VARCHAR(64) NOT NULL,
		credits INT NOT NULL,
		amount_minor BIGINT NOT NULL,
		currency VARCHAR(8) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_payments_user (user_id)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER NOT NULL PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		balance INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS credit_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_ledger_user ON credit_ledger(user_id)`,
	`CREATE TABLE IF NOT EXISTS generations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		category TEXT NOT NULL,
		photo_analysis TEXT,
		spec_text TEXT,
		quality_score INTEGER NOT NULL DEFAULT 0,
		is_valid BOOLEAN NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		vision_provider TEXT NOT NULL DEFAULT '',
		text_provider TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		regenerations INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generations_user ON generations(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS payments (
		external_id TEXT NOT NULL PRIMARY KEY,
		user_id INTEGER NOT NULL,
		package_id TEXT NOT NULL,
		credits INTEGER NOT NULL,
		amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id)`,
}

// Migrate creates the tables if they do not exist.
func (d *Database) Migrate(ctx context.Context) error {
	schema := mysqlSchema
	if d.dialect == SQLite {
		schema = sqliteSchema
	}
	for i, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	log.Infof("%s schema verified (%d statements)", d.dialect, len(schema))
	return nil
}

func (d *Database) insertIgnore() string {
	if d.dialect == SQLite {
		return "INSERT OR IGNORE"
	}
	return "INSERT IGNORE"
}
