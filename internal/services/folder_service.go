package services

import (
	"context"

	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/dochmccrum/sanity/internal/models"
	"github.com/dochmccrum/sanity/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FolderService implements the folder hierarchy operations behind the REST
// surface
type FolderService struct {
	store  repository.Store
	logger *zap.Logger
}

// NewFolderService creates a new folder service
func NewFolderService(store repository.Store, logger *zap.Logger) *FolderService {
	return &FolderService{store: store, logger: logger}
}

// List returns non-deleted folders, optionally filtered by parent
func (s *FolderService) List(ctx context.Context, parentID *uuid.UUID, byParent bool) ([]models.Folder, error) {
	folders, err := s.store.ListFolders(ctx, parentID, byParent)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}
	return folders, nil
}

// Get returns one folder; soft-deleted folders read as not found
func (s *FolderService) Get(ctx context.Context, id uuid.UUID) (*models.Folder, error) {
	folder, err := s.store.GetFolder(ctx, id)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, errors.NewNotFoundError("Folder not found")
		}
		return nil, errors.NewStorageError(err.Error())
	}
	if folder.IsDeleted {
		return nil, errors.NewNotFoundError("Folder not found")
	}
	return folder, nil
}

// Save upserts a folder; saving a previously deleted folder revives it
func (s *FolderService) Save(ctx context.Context, input *models.FolderInput) (*models.Folder, error) {
	folder, err := s.store.SaveFolder(ctx, input)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}
	return folder, nil
}

// Delete soft-deletes the folder, its transitive children and every note
// placed in the subtree
func (s *FolderService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.RecursiveSoftDeleteFolder(ctx, id); err != nil {
		if err == repository.ErrNotFound {
			return errors.NewNotFoundError("Folder not found")
		}
		return errors.NewStorageError(err.Error())
	}
	s.logger.Info("Folder subtree deleted", zap.String("folder_id", id.String()))
	return nil
}
