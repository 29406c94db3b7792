// Package repository provides the data access layer over Postgres
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dochmccrum/sanity/internal/config"
	"github.com/dochmccrum/sanity/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Sentinel errors surfaced by store operations
var (
	ErrNotFound = errors.New("repository: not found")
	ErrConflict = errors.New("repository: conflict")
)

// Store defines the persistence operations the sync core depends on
type Store interface {
	// Documents
	GetDocument(ctx context.Context, noteID uuid.UUID) (*models.DocumentState, error)
	ListDocuments(ctx context.Context) ([]models.DocumentState, error)
	ListDocumentsExcluding(ctx context.Context, ids []uuid.UUID) ([]models.DocumentState, error)

	// Notes
	SaveNote(ctx context.Context, note *models.Note) (*models.Note, error)
	GetNote(ctx context.Context, id uuid.UUID) (*models.Note, error)
	ListNotes(ctx context.Context, folderID *uuid.UUID, byFolder bool) ([]models.Note, error)
	SoftDeleteNote(ctx context.Context, id uuid.UUID) error

	// Folders
	SaveFolder(ctx context.Context, folder *models.FolderInput) (*models.Folder, error)
	GetFolder(ctx context.Context, id uuid.UUID) (*models.Folder, error)
	ListFolders(ctx context.Context, parentID *uuid.UUID, byParent bool) ([]models.Folder, error)
	RecursiveSoftDeleteFolder(ctx context.Context, id uuid.UUID) error

	// Begin opens a transaction-scoped view for merge and sync work
	Begin(ctx context.Context) (Tx, error)

	HealthCheck() error
	Close() error
}

// Tx is a transaction-scoped store. The document row lock taken by
// LockDocument is held until Commit or Rollback, which is what serializes
// merges per note.
type Tx interface {
	// LockDocument acquires an exclusive row lock on the document row and
	// returns the current encoded state, nil when no row exists yet.
	LockDocument(ctx context.Context, noteID uuid.UUID) ([]byte, error)
	// UpsertDocument writes a new snapshot pair with updated_at = now()
	UpsertDocument(ctx context.Context, noteID uuid.UUID, docState, stateVector []byte) (time.Time, error)

	GetDocument(ctx context.Context, noteID uuid.UUID) (*models.DocumentState, error)
	ListDocuments(ctx context.Context) ([]models.DocumentState, error)
	ListDocumentsExcluding(ctx context.Context, ids []uuid.UUID) ([]models.DocumentState, error)

	// UpsertNoteIfNewer applies the row only when its updated_at strictly
	// exceeds the stored value; first-time inserts always succeed.
	UpsertNoteIfNewer(ctx context.Context, note *models.Note) error
	ListAllNotes(ctx context.Context) ([]models.Note, error)
	ListNotesSince(ctx context.Context, since time.Time) ([]models.Note, error)

	UpsertFolderIfNewer(ctx context.Context, folder *models.Folder) error
	ListAllFolders(ctx context.Context) ([]models.Folder, error)
	ListFoldersSince(ctx context.Context, since time.Time) ([]models.Folder, error)

	Commit() error
	Rollback() error
}

// postgresStore implements Store over database/sql with lib/pq
type postgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// New connects to Postgres, bootstraps the schema and returns the store
func New(cfg *config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &postgresStore{db: db, logger: logger}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}

	logger.Info("Database connection established")
	return s, nil
}

// createTables creates the necessary database tables
func (s *postgresStore) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			folder_id UUID,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			is_deleted BOOLEAN NOT NULL DEFAULT false,
			is_canvas BOOLEAN NOT NULL DEFAULT false
		);`,
		`CREATE TABLE IF NOT EXISTS folders (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			parent_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			is_deleted BOOLEAN NOT NULL DEFAULT false
		);`,
		`CREATE TABLE IF NOT EXISTS crdt_states (
			note_id UUID PRIMARY KEY,
			ydoc_state BYTEA NOT NULL,
			state_vector BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_updated_at ON notes(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_folder_id ON notes(folder_id);`,
		`CREATE INDEX IF NOT EXISTS idx_folders_parent_id ON folders(parent_id);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("execute %q: %w", query[:40], err)
		}
	}
	return nil
}

// Begin opens a transaction-scoped store view
func (s *postgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &postgresTx{tx: tx, logger: s.logger}, nil
}

// HealthCheck checks database connectivity
func (s *postgresStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *postgresStore) Close() error {
	return s.db.Close()
}

// wrapErr maps driver errors onto the store's sentinel kinds
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Detail)
	}
	return err
}
