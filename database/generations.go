package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Generation is a stored specification together with the analysis it was
// built from, so it can be regenerated without another vision call.
type Generation struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Category       string    `json:"category"`
	PhotoAnalysis  string    `json:"photo_analysis"`
	SpecText       string    `json:"spec_text"`
	QualityScore   int       `json:"quality_score"`
	IsValid        bool      `json:"is_valid"`
	Attempts       int       `json:"attempts"`
	VisionProvider string    `json:"vision_provider"`
	TextProvider   string    `json:"text_provider"`
	TokensUsed     int       `json:"tokens_used"`
	Regenerations  int       `json:"regenerations"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const generationColumns = "id, user_id, category, photo_analysis, spec_text, quality_score, is_valid, attempts, vision_provider, text_provider, tokens_used, regenerations, created_at, updated_at"

// SaveGeneration inserts g and returns its id.
func (d *Database) SaveGeneration(ctx context.Context, g *Generation) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO generations (user_id, category, photo_analysis, spec_text, quality_score, is_valid, attempts, vision_provider, text_provider, tokens_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.UserID, g.Category, g.PhotoAnalysis, g.SpecText, g.QualityScore, g.IsValid,
		g.Attempts, g.VisionProvider, g.TextProvider, g.TokensUsed)
	if err != nil {
		return 0, fmt.Errorf("failed to save generation for %d: %w", g.UserID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read generation id: %w", err)
	}
	g.ID = id
	return id, nil
}

// GetGeneration returns ErrNotFound for unknown ids.
func (d *Database) GetGeneration(ctx context.Context, id int64) (Generation, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+generationColumns+" FROM generations WHERE id = ?", id)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, ErrNotFound
	}
	return g, err
}

// UpdateGenerationSpec replaces the specification after a regeneration.
func (d *Database) UpdateGenerationSpec(ctx context.Context, g *Generation) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE generations SET spec_text = ?, quality_score = ?, is_valid = ?, text_provider = ?,
		tokens_used = tokens_used + ?, regenerations = regenerations + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		g.SpecText, g.QualityScore, g.IsValid, g.TextProvider, g.TokensUsed, g.ID)
	if err != nil {
		return fmt.Errorf("failed to update generation %d: %w", g.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update generation %d: %w", g.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListGenerations returns the user's newest generations first.
func (d *Database) ListGenerations(ctx context.Context, userID int64, limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+generationColumns+" FROM generations WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations of %d: %w", userID, err)
	}
	defer rows.Close()

	list := []Generation{}
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(s scanner) (Generation, error) {
	var (
		g        Generation
		analysis sql.NullString
		spec     sql.NullString
	)
	err := s.Scan(&g.ID, &g.UserID, &g.Category, &analysis, &spec, &g.QualityScore, &g.IsValid,
		&g.Attempts, &g.VisionProvider, &g.TextProvider, &g.TokensUsed, &g.Regenerations,
		&g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, err
	}
	if err != nil {
		return Generation{}, fmt.Errorf("failed to scan generation: %w", err)
	}
	g.PhotoAnalysis = analysis.String
	g.SpecText = spec.String
	return g, nil
}
