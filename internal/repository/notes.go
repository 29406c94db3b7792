package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/dochmccrum/sanity/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const noteColumns = "id, title, content, folder_id, updated_at, is_deleted, is_canvas"

// SaveNote upserts a note row with a server-assigned timestamp and returns
// the stored row
func (s *postgresStore) SaveNote(ctx context.Context, note *models.Note) (*models.Note, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO notes (id, title, content, folder_id, updated_at, is_deleted, is_canvas)
		VALUES ($1, $2, $3, $4, now(), $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			folder_id = EXCLUDED.folder_id,
			updated_at = now(),
			is_deleted = EXCLUDED.is_deleted,
			is_canvas = EXCLUDED.is_canvas
		RETURNING `+noteColumns,
		note.ID, note.Title, note.Content, note.FolderID, note.IsDeleted, note.IsCanvas)

	saved, err := scanNote(row)
	if err != nil {
		s.logger.Error("Failed to save note", zap.String("note_id", note.ID.String()), zap.Error(err))
		return nil, wrapErr(err)
	}
	return saved, nil
}

// GetNote fetches a note by ID regardless of deletion state
func (s *postgresStore) GetNote(ctx context.Context, id uuid.UUID) (*models.Note, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1`, id)
	note, err := scanNote(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return note, nil
}

// ListNotes returns non-deleted notes, optionally filtered by folder.
// byFolder with a nil folderID selects notes outside any folder.
func (s *postgresStore) ListNotes(ctx context.Context, folderID *uuid.UUID, byFolder bool) ([]models.Note, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case byFolder && folderID == nil:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+noteColumns+` FROM notes WHERE folder_id IS NULL AND is_deleted = false ORDER BY updated_at DESC`)
	case byFolder:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+noteColumns+` FROM notes WHERE folder_id = $1 AND is_deleted = false ORDER BY updated_at DESC`, *folderID)
	default:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+noteColumns+` FROM notes WHERE is_deleted = false ORDER BY updated_at DESC`)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

// SoftDeleteNote flags the note deleted and bumps its timestamp
func (s *postgresStore) SoftDeleteNote(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET is_deleted = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Transaction-scoped note operations

// UpsertNoteIfNewer applies last-writer-wins: the incoming row lands only
// when its timestamp strictly exceeds the stored one. Duplicate pushes of
// the same timestamp are therefore idempotent.
func (t *postgresTx) UpsertNoteIfNewer(ctx context.Context, note *models.Note) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notes (id, title, content, folder_id, updated_at, is_deleted, is_canvas)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			folder_id = EXCLUDED.folder_id,
			updated_at = EXCLUDED.updated_at,
			is_deleted = EXCLUDED.is_deleted,
			is_canvas = EXCLUDED.is_canvas
		WHERE notes.updated_at < EXCLUDED.updated_at`,
		note.ID, note.Title, note.Content, note.FolderID, note.UpdatedAt, note.IsDeleted, note.IsCanvas)
	return wrapErr(err)
}

// ListAllNotes returns every note row, deleted ones included
func (t *postgresTx) ListAllNotes(ctx context.Context) ([]models.Note, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+noteColumns+` FROM notes`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

// ListNotesSince returns notes updated strictly after since
func (t *postgresTx) ListNotesSince(ctx context.Context, since time.Time) ([]models.Note, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE updated_at > $1`, since)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(r rowScanner) (*models.Note, error) {
	var n models.Note
	if err := r.Scan(&n.ID, &n.Title, &n.Content, &n.FolderID, &n.UpdatedAt, &n.IsDeleted, &n.IsCanvas); err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNotes(rows *sql.Rows) ([]models.Note, error) {
	notes := make([]models.Note, 0)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		notes = append(notes, *n)
	}
	return notes, wrapErr(rows.Err())
}
