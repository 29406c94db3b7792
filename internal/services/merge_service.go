package services

import (
	"context"
	"time"

	"github.com/dochmccrum/sanity/internal/crdt"
	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/dochmccrum/sanity/internal/hub"
	"github.com/dochmccrum/sanity/internal/repository"
	"github.com/dochmccrum/sanity/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MergeService is the merge coordinator: for any note at most one merge
// executes at a time, serialized by the document row lock taken inside the
// merge transaction.
type MergeService struct {
	store   repository.Store
	hub     *hub.Hub
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// MergeResult carries the post-merge snapshot pair
type MergeResult struct {
	Snapshot    []byte
	StateVector []byte
	UpdatedAt   time.Time
}

// NewMergeService creates a new merge coordinator
func NewMergeService(store repository.Store, h *hub.Hub, logger *zap.Logger, m *metrics.Metrics) *MergeService {
	return &MergeService{store: store, hub: h, logger: logger, metrics: m}
}

// Merge combines one incoming update with the stored document and publishes
// the incoming delta to the hub after commit. A publish failure cannot roll
// the merge back.
func (s *MergeService) Merge(ctx context.Context, noteID uuid.UUID, update []byte) (*MergeResult, error) {
	start := time.Now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.record("error", start)
		return nil, errors.NewStorageError(err.Error())
	}
	defer tx.Rollback()

	result, err := s.MergeInTx(ctx, tx, noteID, update)
	if err != nil {
		s.record("error", start)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		s.record("error", start)
		return nil, errors.NewStorageError(err.Error())
	}

	s.record("ok", start)
	s.hub.BroadcastUpdate(noteID, update)
	return result, nil
}

// MergeInTx runs the merge procedure inside an existing transaction. The
// caller owns commit and any post-commit publishing; the batch sync handler
// uses this to merge several pushes under one transaction.
func (s *MergeService) MergeInTx(ctx context.Context, tx repository.Tx, noteID uuid.UUID, update []byte) (*MergeResult, error) {
	incoming, err := crdt.DecodeUpdate(update)
	if err != nil {
		s.logger.Warn("Rejecting malformed update",
			zap.String("note_id", noteID.String()),
			zap.Error(err),
		)
		return nil, errors.NewInvalidUpdateError(err.Error())
	}

	prior, err := tx.LockDocument(ctx, noteID)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}

	doc := crdt.NewDoc()
	if prior != nil {
		priorUpdate, err := crdt.DecodeUpdate(prior)
		if err != nil {
			// A corrupt stored snapshot is treated as empty; the incoming
			// update re-seeds the document.
			s.logger.Error("Stored document state undecodable, reseeding",
				zap.String("note_id", noteID.String()),
				zap.Error(err),
			)
		} else {
			doc.ApplyUpdate(priorUpdate)
		}
	}

	doc.ApplyUpdate(incoming)

	snapshot := doc.EncodeSnapshot()
	stateVector := doc.EncodeStateVector()

	updatedAt, err := tx.UpsertDocument(ctx, noteID, snapshot, stateVector)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}

	s.logger.Debug("Merged document update",
		zap.String("note_id", noteID.String()),
		zap.Int("update_bytes", len(update)),
		zap.Int("snapshot_bytes", len(snapshot)),
	)

	return &MergeResult{
		Snapshot:    snapshot,
		StateVector: stateVector,
		UpdatedAt:   updatedAt,
	}, nil
}

// SeedDocument stores a server-built document for a note that has no CRDT
// state yet. Existing state is never overwritten.
func (s *MergeService) SeedDocument(ctx context.Context, noteID uuid.UUID, content string) error {
	seeded := crdt.SeedFromText(content)
	if seeded.Len() == 0 {
		return nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return errors.NewStorageError(err.Error())
	}
	defer tx.Rollback()

	prior, err := tx.LockDocument(ctx, noteID)
	if err != nil {
		return errors.NewStorageError(err.Error())
	}
	if prior != nil {
		// One-way seeding only.
		return nil
	}

	if _, err := tx.UpsertDocument(ctx, noteID, seeded.EncodeSnapshot(), seeded.EncodeStateVector()); err != nil {
		return errors.NewStorageError(err.Error())
	}
	if err := tx.Commit(); err != nil {
		return errors.NewStorageError(err.Error())
	}

	s.logger.Info("Seeded document from legacy content", zap.String("note_id", noteID.String()))
	return nil
}

func (s *MergeService) record(status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordMerge(status, time.Since(start))
	}
}
