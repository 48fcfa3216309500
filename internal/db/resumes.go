package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/job-autopilot/internal/types"
)

// ResumeExists reports whether a resume with the given ID exists.
func (db *DB) ResumeExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM resumes WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check resume: %w", err)
	}
	return exists, nil
}

// CoverLetterExists reports whether a cover letter with the given ID exists.
func (db *DB) CoverLetterExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM cover_letters WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check cover letter: %w", err)
	}
	return exists, nil
}

// GetResume loads a resume document. Returns nil without error when no resume
// with the given ID exists.
func (db *DB) GetResume(ctx context.Context, id string) (*types.Resume, error) {
	var resume types.Resume
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, content FROM resumes WHERE id = $1`, id,
	).Scan(&resume.ID, &resume.Name, &resume.Content)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get resume: %w", err)
	}
	return &resume, nil
}

// GetCoverLetter loads a cover letter document. Returns nil without error when
// no cover letter with the given ID exists.
func (db *DB) GetCoverLetter(ctx context.Context, id string) (*types.CoverLetter, error) {
	var letter types.CoverLetter
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, content FROM cover_letters WHERE id = $1`, id,
	).Scan(&letter.ID, &letter.Name, &letter.Content)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cover letter: %w", err)
	}
	return &letter, nil
}
