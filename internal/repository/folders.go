package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/dochmccrum/sanity/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const folderColumns = "id, name, parent_id, created_at, updated_at, is_deleted"

// SaveFolder upserts a folder; a re-save revives a soft-deleted folder
func (s *postgresStore) SaveFolder(ctx context.Context, input *models.FolderInput) (*models.Folder, error) {
	id := uuid.New()
	if input.ID != nil {
		id = *input.ID
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO folders (id, name, parent_id, created_at, updated_at, is_deleted)
		VALUES ($1, $2, $3, now(), now(), false)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			parent_id = EXCLUDED.parent_id,
			updated_at = now(),
			is_deleted = false
		RETURNING `+folderColumns,
		id, input.Name, input.ParentID)

	folder, err := scanFolder(row)
	if err != nil {
		s.logger.Error("Failed to save folder", zap.String("folder_id", id.String()), zap.Error(err))
		return nil, wrapErr(err)
	}
	return folder, nil
}

// GetFolder fetches a folder by ID regardless of deletion state
func (s *postgresStore) GetFolder(ctx context.Context, id uuid.UUID) (*models.Folder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE id = $1`, id)
	folder, err := scanFolder(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return folder, nil
}

// ListFolders returns non-deleted folders, optionally filtered by parent.
// byParent with a nil parentID selects root folders.
func (s *postgresStore) ListFolders(ctx context.Context, parentID *uuid.UUID, byParent bool) ([]models.Folder, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case byParent && parentID == nil:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+folderColumns+` FROM folders WHERE parent_id IS NULL AND is_deleted = false ORDER BY created_at ASC`)
	case byParent:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+folderColumns+` FROM folders WHERE parent_id = $1 AND is_deleted = false ORDER BY created_at ASC`, *parentID)
	default:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+folderColumns+` FROM folders WHERE is_deleted = false ORDER BY created_at ASC`)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectFolders(rows)
}

// RecursiveSoftDeleteFolder soft-deletes the folder subtree and every note
// inside it in one transaction, bumping timestamps so peers pick up the
// deletions on their next sync.
func (s *postgresStore) RecursiveSoftDeleteFolder(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT id FROM folders WHERE id = $1
			UNION ALL
			SELECT f.id FROM folders f
			JOIN descendants d ON f.parent_id = d.id
		)
		UPDATE folders
		SET is_deleted = true, updated_at = now()
		WHERE id IN (SELECT id FROM descendants)`, id)
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

	if _, err := tx.ExecContext(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT id FROM folders WHERE id = $1
			UNION ALL
			SELECT f.id FROM folders f
			JOIN descendants d ON f.parent_id = d.id
		)
		UPDATE notes
		SET is_deleted = true, updated_at = now()
		WHERE folder_id IN (SELECT id FROM descendants)`, id); err != nil {
		return wrapErr(err)
	}

	return wrapErr(tx.Commit())
}

// Transaction-scoped folder operations

// UpsertFolderIfNewer applies last-writer-wins on updated_at
func (t *postgresTx) UpsertFolderIfNewer(ctx context.Context, folder *models.Folder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO folders (id, name, parent_id, created_at, updated_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			parent_id = EXCLUDED.parent_id,
			updated_at = EXCLUDED.updated_at,
			is_deleted = EXCLUDED.is_deleted
		WHERE folders.updated_at < EXCLUDED.updated_at`,
		folder.ID, folder.Name, folder.ParentID, folder.CreatedAt, folder.UpdatedAt, folder.IsDeleted)
	return wrapErr(err)
}

// ListAllFolders returns every folder row, deleted ones included
func (t *postgresTx) ListAllFolders(ctx context.Context) ([]models.Folder, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+folderColumns+` FROM folders`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectFolders(rows)
}

// ListFoldersSince returns folders updated strictly after since
func (t *postgresTx) ListFoldersSince(ctx context.Context, since time.Time) ([]models.Folder, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE updated_at > $1`, since)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectFolders(rows)
}

func scanFolder(r rowScanner) (*models.Folder, error) {
	var f models.Folder
	if err := r.Scan(&f.ID, &f.Name, &f.ParentID, &f.CreatedAt, &f.UpdatedAt, &f.IsDeleted); err != nil {
		return nil, err
	}
	return &f, nil
}

func collectFolders(rows *sql.Rows) ([]models.Folder, error) {
	folders := make([]models.Folder, 0)
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		folders = append(folders, *f)
	}
	return folders, wrapErr(rows.Err())
}
