package services

import (
	"context"

	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/dochmccrum/sanity/internal/hub"
	"github.com/dochmccrum/sanity/internal/models"
	"github.com/dochmccrum/sanity/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NoteService implements the note metadata operations behind the REST
// surface
type NoteService struct {
	store  repository.Store
	merges *MergeService
	hub    *hub.Hub
	logger *zap.Logger
}

// NewNoteService creates a new note service
func NewNoteService(store repository.Store, merges *MergeService, h *hub.Hub, logger *zap.Logger) *NoteService {
	return &NoteService{store: store, merges: merges, hub: h, logger: logger}
}

// List returns non-deleted notes, optionally filtered by folder
func (s *NoteService) List(ctx context.Context, folderID *uuid.UUID, byFolder bool) ([]models.Note, error) {
	notes, err := s.store.ListNotes(ctx, folderID, byFolder)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}
	return notes, nil
}

// Get returns one note; absent and soft-deleted notes both read as not
// found
func (s *NoteService) Get(ctx context.Context, id uuid.UUID) (*models.Note, error) {
	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, errors.NewNotFoundError("Note not found")
		}
		return nil, errors.NewStorageError(err.Error())
	}
	if note.IsDeleted {
		return nil, errors.NewNotFoundError("Note not found")
	}
	return note, nil
}

// Save upserts a note, seeds CRDT state from legacy content for non-canvas
// notes that have no CRDT state yet, and broadcasts the stored row to
// streaming peers. Without a client-supplied updated_at the server assigns
// the timestamp; with one the save is a last-writer-wins write.
func (s *NoteService) Save(ctx context.Context, input *models.NoteInput) (*models.Note, error) {
	note := &models.Note{
		ID:      uuid.New(),
		Title:   input.Title,
		Content: input.Content,
	}
	if input.ID != nil {
		note.ID = *input.ID
	}
	note.FolderID = input.FolderID
	if input.IsDeleted != nil {
		note.IsDeleted = *input.IsDeleted
	}
	if input.IsCanvas != nil {
		note.IsCanvas = *input.IsCanvas
	}

	var saved *models.Note
	if input.UpdatedAt != nil {
		// Client supplied its own mtime: apply last-writer-wins and
		// return whatever row won.
		note.UpdatedAt = *input.UpdatedAt
		tx, err := s.store.Begin(ctx)
		if err != nil {
			return nil, errors.NewStorageError(err.Error())
		}
		defer tx.Rollback()
		if err := tx.UpsertNoteIfNewer(ctx, note); err != nil {
			return nil, errors.NewStorageError(err.Error())
		}
		if err := tx.Commit(); err != nil {
			return nil, errors.NewStorageError(err.Error())
		}
		saved, err = s.store.GetNote(ctx, note.ID)
		if err != nil {
			return nil, errors.NewStorageError(err.Error())
		}
	} else {
		var err error
		saved, err = s.store.SaveNote(ctx, note)
		if err != nil {
			return nil, errors.NewStorageError(err.Error())
		}
	}

	// One-way seeding: legacy content becomes the initial document for
	// non-canvas notes that have no CRDT state yet.
	if saved.Content != "" && !saved.IsCanvas {
		if err := s.merges.SeedDocument(ctx, saved.ID, saved.Content); err != nil {
			s.logger.Warn("Failed to seed document from content",
				zap.String("note_id", saved.ID.String()),
				zap.Error(err),
			)
		}
	}

	s.hub.BroadcastMetadata(saved)
	return saved, nil
}

// Delete soft-deletes a note and broadcasts the tombstoned row
func (s *NoteService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.SoftDeleteNote(ctx, id); err != nil {
		if err == repository.ErrNotFound {
			return errors.NewNotFoundError("Note not found")
		}
		return errors.NewStorageError(err.Error())
	}

	if note, err := s.store.GetNote(ctx, id); err == nil {
		s.hub.BroadcastMetadata(note)
	} else {
		s.logger.Warn("Deleted note not readable for broadcast",
			zap.String("note_id", id.String()),
			zap.Error(err),
		)
	}
	return nil
}
