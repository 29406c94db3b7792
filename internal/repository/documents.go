package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dochmccrum/sanity/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const documentColumns = "note_id, ydoc_state, state_vector, updated_at"

// GetDocument returns the latest committed document row
func (s *postgresStore) GetDocument(ctx context.Context, noteID uuid.UUID) (*models.DocumentState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM crdt_states WHERE note_id = $1`, noteID)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return doc, nil
}

// ListDocuments returns every stored document row
func (s *postgresStore) ListDocuments(ctx context.Context) ([]models.DocumentState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM crdt_states`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// ListDocumentsExcluding returns every document row whose note is not in
// the given ID set
func (s *postgresStore) ListDocumentsExcluding(ctx context.Context, ids []uuid.UUID) ([]models.DocumentState, error) {
	if len(ids) == 0 {
		return s.ListDocuments(ctx)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM crdt_states WHERE note_id <> ALL($1::uuid[])`,
		pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// postgresTx is the transaction-scoped store view
type postgresTx struct {
	tx     *sql.Tx
	logger *zap.Logger
}

// LockDocument takes the per-note row lock that serializes merges. The lock
// is held until the transaction ends. A missing row returns nil state
// without creating one.
func (t *postgresTx) LockDocument(ctx context.Context, noteID uuid.UUID) ([]byte, error) {
	var state []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT ydoc_state FROM crdt_states WHERE note_id = $1 FOR UPDATE`, noteID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return state, nil
}

// UpsertDocument commits a new snapshot pair with a server-assigned mtime
func (t *postgresTx) UpsertDocument(ctx context.Context, noteID uuid.UUID, docState, stateVector []byte) (time.Time, error) {
	var updatedAt time.Time
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO crdt_states (note_id, ydoc_state, state_vector, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (note_id) DO UPDATE SET
			ydoc_state = EXCLUDED.ydoc_state,
			state_vector = EXCLUDED.state_vector,
			updated_at = now()
		RETURNING updated_at`,
		noteID, docState, stateVector).Scan(&updatedAt)
	if err != nil {
		t.logger.Error("Failed to upsert document", zap.String("note_id", noteID.String()), zap.Error(err))
		return time.Time{}, wrapErr(err)
	}
	return updatedAt, nil
}

func (t *postgresTx) GetDocument(ctx context.Context, noteID uuid.UUID) (*models.DocumentState, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM crdt_states WHERE note_id = $1`, noteID)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return doc, nil
}

func (t *postgresTx) ListDocuments(ctx context.Context) ([]models.DocumentState, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+documentColumns+` FROM crdt_states`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

func (t *postgresTx) ListDocumentsExcluding(ctx context.Context, ids []uuid.UUID) ([]models.DocumentState, error) {
	if len(ids) == 0 {
		return t.ListDocuments(ctx)
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM crdt_states WHERE note_id <> ALL($1::uuid[])`,
		pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (t *postgresTx) Commit() error {
	return wrapErr(t.tx.Commit())
}

func (t *postgresTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return wrapErr(err)
}

func scanDocument(r rowScanner) (*models.DocumentState, error) {
	var d models.DocumentState
	if err := r.Scan(&d.NoteID, &d.DocState, &d.StateVector, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDocuments(rows *sql.Rows) ([]models.DocumentState, error) {
	docs := make([]models.DocumentState, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		docs = append(docs, *d)
	}
	return docs, wrapErr(rows.Err())
}
