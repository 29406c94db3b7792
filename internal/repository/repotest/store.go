// Package repotest provides an in-memory Store for exercising services
// without Postgres. It mirrors the SQL semantics the services rely on:
// last-writer-wins conditional upserts, server-assigned document mtimes and
// recursive folder soft delete.
package repotest

import (
	"context"
	"sync"
	"time"

	"github.com/dochmccrum/sanity/internal/models"
	"github.com/dochmccrum/sanity/internal/repository"
	"github.com/google/uuid"
)

// Store is the in-memory test double
type Store struct {
	mu      sync.Mutex
	notes   map[uuid.UUID]models.Note
	folders map[uuid.UUID]models.Folder
	docs    map[uuid.UUID]models.DocumentState
	now     time.Time
}

var _ repository.Store = (*Store)(nil)

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		notes:   make(map[uuid.UUID]models.Note),
		folders: make(map[uuid.UUID]models.Folder),
		docs:    make(map[uuid.UUID]models.DocumentState),
		now:     time.Now().UTC(),
	}
}

// tick advances the fake clock so successive writes get distinct mtimes.
// Callers hold s.mu.
func (s *Store) tick() time.Time {
	s.now = s.now.Add(time.Millisecond)
	return s.now
}

// SeedDocumentRow installs a raw document row, bypassing the merge path
func (s *Store) SeedDocumentRow(noteID uuid.UUID, docState, stateVector []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[noteID] = models.DocumentState{
		NoteID:      noteID,
		DocState:    docState,
		StateVector: stateVector,
		UpdatedAt:   s.tick(),
	}
}

func (s *Store) GetDocument(_ context.Context, noteID uuid.UUID) (*models.DocumentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[noteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (s *Store) ListDocuments(_ context.Context) ([]models.DocumentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DocumentState, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) ListDocumentsExcluding(_ context.Context, ids []uuid.UUID) ([]models.DocumentState, error) {
	excluded := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		excluded[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DocumentState, 0, len(s.docs))
	for id, d := range s.docs {
		if !excluded[id] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) SaveNote(_ context.Context, note *models.Note) (*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *note
	saved.UpdatedAt = s.tick()
	s.notes[saved.ID] = saved
	return &saved, nil
}

func (s *Store) GetNote(_ context.Context, id uuid.UUID) (*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &n, nil
}

func (s *Store) ListNotes(_ context.Context, folderID *uuid.UUID, byFolder bool) ([]models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Note, 0)
	for _, n := range s.notes {
		if n.IsDeleted {
			continue
		}
		if byFolder {
			if folderID == nil {
				if n.FolderID != nil {
					continue
				}
			} else if n.FolderID == nil || *n.FolderID != *folderID {
				continue
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) SoftDeleteNote(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return repository.ErrNotFound
	}
	n.IsDeleted = true
	n.UpdatedAt = s.tick()
	s.notes[id] = n
	return nil
}

func (s *Store) SaveFolder(_ context.Context, input *models.FolderInput) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	if input.ID != nil {
		id = *input.ID
	}
	now := s.tick()
	folder, ok := s.folders[id]
	if !ok {
		folder = models.Folder{ID: id, CreatedAt: now}
	}
	folder.Name = input.Name
	folder.ParentID = input.ParentID
	folder.UpdatedAt = now
	folder.IsDeleted = false
	s.folders[id] = folder
	return &folder, nil
}

func (s *Store) GetFolder(_ context.Context, id uuid.UUID) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &f, nil
}

func (s *Store) ListFolders(_ context.Context, parentID *uuid.UUID, byParent bool) ([]models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Folder, 0)
	for _, f := range s.folders {
		if f.IsDeleted {
			continue
		}
		if byParent {
			if parentID == nil {
				if f.ParentID != nil {
					continue
				}
			} else if f.ParentID == nil || *f.ParentID != *parentID {
				continue
			}
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) RecursiveSoftDeleteFolder(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[id]; !ok {
		return repository.ErrNotFound
	}

	subtree := map[uuid.UUID]bool{id: true}
	for {
		grew := false
		for _, f := range s.folders {
			if f.ParentID != nil && subtree[*f.ParentID] && !subtree[f.ID] {
				subtree[f.ID] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	now := s.tick()
	for fid := range subtree {
		f := s.folders[fid]
		f.IsDeleted = true
		f.UpdatedAt = now
		s.folders[fid] = f
	}
	for nid, n := range s.notes {
		if n.FolderID != nil && subtree[*n.FolderID] {
			n.IsDeleted = true
			n.UpdatedAt = now
			s.notes[nid] = n
		}
	}
	return nil
}

func (s *Store) Begin(_ context.Context) (repository.Tx, error) {
	return &tx{store: s}, nil
}

func (s *Store) HealthCheck() error { return nil }
func (s *Store) Close() error       { return nil }

// tx applies operations directly to the backing store; tests never need
// rollback semantics.
type tx struct {
	store *Store
}

func (t *tx) LockDocument(_ context.Context, noteID uuid.UUID) ([]byte, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	d, ok := t.store.docs[noteID]
	if !ok {
		return nil, nil
	}
	return d.DocState, nil
}

func (t *tx) UpsertDocument(_ context.Context, noteID uuid.UUID, docState, stateVector []byte) (time.Time, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	now := t.store.tick()
	t.store.docs[noteID] = models.DocumentState{
		NoteID:      noteID,
		DocState:    docState,
		StateVector: stateVector,
		UpdatedAt:   now,
	}
	return now, nil
}

func (t *tx) GetDocument(ctx context.Context, noteID uuid.UUID) (*models.DocumentState, error) {
	return t.store.GetDocument(ctx, noteID)
}

func (t *tx) ListDocuments(ctx context.Context) ([]models.DocumentState, error) {
	return t.store.ListDocuments(ctx)
}

func (t *tx) ListDocumentsExcluding(ctx context.Context, ids []uuid.UUID) ([]models.DocumentState, error) {
	return t.store.ListDocumentsExcluding(ctx, ids)
}

func (t *tx) UpsertNoteIfNewer(_ context.Context, note *models.Note) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	existing, ok := t.store.notes[note.ID]
	if ok && !note.UpdatedAt.After(existing.UpdatedAt) {
		return nil
	}
	t.store.notes[note.ID] = *note
	return nil
}

func (t *tx) ListAllNotes(_ context.Context) ([]models.Note, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make([]models.Note, 0, len(t.store.notes))
	for _, n := range t.store.notes {
		out = append(out, n)
	}
	return out, nil
}

func (t *tx) ListNotesSince(_ context.Context, since time.Time) ([]models.Note, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make([]models.Note, 0)
	for _, n := range t.store.notes {
		if n.UpdatedAt.After(since) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *tx) UpsertFolderIfNewer(_ context.Context, folder *models.Folder) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	existing, ok := t.store.folders[folder.ID]
	if ok && !folder.UpdatedAt.After(existing.UpdatedAt) {
		return nil
	}
	t.store.folders[folder.ID] = *folder
	return nil
}

func (t *tx) ListAllFolders(_ context.Context) ([]models.Folder, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make([]models.Folder, 0, len(t.store.folders))
	for _, f := range t.store.folders {
		out = append(out, f)
	}
	return out, nil
}

func (t *tx) ListFoldersSince(_ context.Context, since time.Time) ([]models.Folder, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make([]models.Folder, 0)
	for _, f := range t.store.folders {
		if f.UpdatedAt.After(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (t *tx) Commit() error   { return nil }
func (t *tx) Rollback() error { return nil }
