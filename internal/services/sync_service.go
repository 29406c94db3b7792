package services

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/dochmccrum/sanity/internal/crdt"
	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/dochmccrum/sanity/internal/hub"
	"github.com/dochmccrum/sanity/internal/models"
	"github.com/dochmccrum/sanity/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SyncService implements the batch sync protocol: ingest pushed updates and
// metadata, compute per-note diffs against advertised state vectors, and
// gather documents and metadata the client is missing. The whole exchange
// runs in one transaction so diff computation sees the pushed updates.
type SyncService struct {
	store  repository.Store
	merges *MergeService
	hub    *hub.Hub
	logger *zap.Logger
}

// NewSyncService creates a new sync protocol handler
func NewSyncService(store repository.Store, merges *MergeService, h *hub.Hub, logger *zap.Logger) *SyncService {
	return &SyncService{store: store, merges: merges, hub: h, logger: logger}
}

type decodedPush struct {
	noteID uuid.UUID
	update []byte
}

// SyncCRDT handles one differential document sync exchange
func (s *SyncService) SyncCRDT(ctx context.Context, req *models.CrdtSyncRequest) (*models.CrdtSyncResponse, error) {
	// Validate every identifier and blob before touching storage.
	pushes := make([]decodedPush, 0, len(req.Updates))
	for key, b64 := range req.Updates {
		noteID, err := uuid.Parse(key)
		if err != nil {
			return nil, errors.NewBadRequestError("Malformed note ID: " + key)
		}
		update, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, errors.NewBadRequestError("Malformed base64 update for note " + key)
		}
		pushes = append(pushes, decodedPush{noteID: noteID, update: update})
	}

	vectors := make(map[uuid.UUID]crdt.StateVector, len(req.StateVectors))
	for key, b64 := range req.StateVectors {
		noteID, err := uuid.Parse(key)
		if err != nil {
			return nil, errors.NewBadRequestError("Malformed note ID: " + key)
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, errors.NewBadRequestError("Malformed base64 state vector for note " + key)
		}
		sv, err := crdt.DecodeStateVector(raw)
		if err != nil {
			return nil, errors.NewBadRequestError("Malformed state vector for note " + key)
		}
		vectors[noteID] = sv
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}
	defer tx.Rollback()

	// Step 1: merge pushed updates. Any failure aborts the whole batch.
	for _, push := range pushes {
		if _, err := s.merges.MergeInTx(ctx, tx, push.noteID, push.update); err != nil {
			return nil, err
		}
	}

	// Step 2: last-writer-wins metadata ingestion. Individual losses are
	// silent by design; a storage error on one row is logged and does not
	// abort the batch.
	for i := range req.Metadata {
		if err := tx.UpsertNoteIfNewer(ctx, &req.Metadata[i]); err != nil {
			s.logger.Error("Failed to upsert pushed metadata",
				zap.String("note_id", req.Metadata[i].ID.String()),
				zap.Error(err),
			)
		}
	}

	resp := &models.CrdtSyncResponse{
		Updates:  make(map[string]string),
		Metadata: make([]models.Note, 0),
	}

	// Step 3: per-note diffs for advertised state vectors. Echo
	// suppression falls out of the state-vector math: a note pushed above
	// is already covered by the vector the client sent alongside it.
	for noteID, clientSV := range vectors {
		stored, err := tx.GetDocument(ctx, noteID)
		if err != nil {
			if err == repository.ErrNotFound {
				continue
			}
			return nil, errors.NewStorageError(err.Error())
		}
		doc, ok := s.decodeStored(stored)
		if !ok {
			continue
		}
		if diff := doc.Diff(clientSV); diff != nil {
			resp.Updates[noteID.String()] = base64.StdEncoding.EncodeToString(diff)
		}
	}

	// Step 4: full snapshots for documents the client did not mention.
	// Notes pushed in step 1 are excluded by ID as well: a client may push
	// without advertising a state vector, and its own content must not come
	// straight back.
	pushedSet := make(map[uuid.UUID]bool, len(pushes))
	for _, push := range pushes {
		pushedSet[push.noteID] = true
	}
	mentioned := make([]uuid.UUID, 0, len(vectors)+len(pushedSet))
	for noteID := range vectors {
		mentioned = append(mentioned, noteID)
	}
	for noteID := range pushedSet {
		if _, advertised := vectors[noteID]; !advertised {
			mentioned = append(mentioned, noteID)
		}
	}
	unknown, err := tx.ListDocumentsExcluding(ctx, mentioned)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}
	for i := range unknown {
		resp.Updates[unknown[i].NoteID.String()] = base64.StdEncoding.EncodeToString(unknown[i].DocState)
	}

	// Step 5: metadata the client lacks or holds stale.
	clientKnown := make(map[uuid.UUID]time.Time, len(req.Metadata))
	for i := range req.Metadata {
		clientKnown[req.Metadata[i].ID] = req.Metadata[i].UpdatedAt
	}
	serverNotes, err := tx.ListAllNotes(ctx)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}
	docs, err := tx.ListDocuments(ctx)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}
	docsByNote := make(map[uuid.UUID][]byte, len(docs))
	for i := range docs {
		docsByNote[docs[i].NoteID] = docs[i].DocState
	}
	for i := range serverNotes {
		note := serverNotes[i]
		known, has := clientKnown[note.ID]
		if has && !note.UpdatedAt.After(known) {
			continue
		}
		resp.Metadata = append(resp.Metadata, note)
		// Attach the snapshot unless it is already in the response or the
		// client itself just pushed this note's content.
		if state, hasDoc := docsByNote[note.ID]; hasDoc && !pushedSet[note.ID] {
			if _, present := resp.Updates[note.ID.String()]; !present {
				resp.Updates[note.ID.String()] = base64.StdEncoding.EncodeToString(state)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewStorageError(err.Error())
	}

	// Post-commit fan-out of the incoming deltas, best effort.
	for _, push := range pushes {
		s.hub.BroadcastUpdate(push.noteID, push.update)
	}

	resp.ServerTime = time.Now().UTC()
	return resp, nil
}

// UpsertMetadata applies one last-writer-wins metadata row outside a batch,
// as pushed by streaming peers
func (s *SyncService) UpsertMetadata(ctx context.Context, note *models.Note) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return errors.NewStorageError(err.Error())
	}
	defer tx.Rollback()

	if err := tx.UpsertNoteIfNewer(ctx, note); err != nil {
		return errors.NewStorageError(err.Error())
	}
	if err := tx.Commit(); err != nil {
		return errors.NewStorageError(err.Error())
	}
	return nil
}

// GetDocumentState returns the stored snapshot pair for one note, or nil
// when no document exists yet
func (s *SyncService) GetDocumentState(ctx context.Context, noteID uuid.UUID) (*models.DocumentState, error) {
	doc, err := s.store.GetDocument(ctx, noteID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, nil
		}
		return nil, errors.NewStorageError(err.Error())
	}
	return doc, nil
}

// SyncNotes handles the legacy metadata sync: LWW-ingest pushed rows, pull
// rows newer than since, and suppress echoes of the push set by ID.
func (s *SyncService) SyncNotes(ctx context.Context, req *models.SyncNotesRequest) (*models.SyncNotesResponse, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}
	defer tx.Rollback()

	pushed := make(map[uuid.UUID]bool, len(req.Notes))
	for i := range req.Notes {
		if err := tx.UpsertNoteIfNewer(ctx, &req.Notes[i]); err != nil {
			s.logger.Error("Failed to upsert note during sync",
				zap.String("note_id", req.Notes[i].ID.String()),
				zap.Error(err),
			)
			return nil, errors.NewStorageError(err.Error())
		}
		pushed[req.Notes[i].ID] = true
	}

	var all []models.Note
	if req.Since != nil {
		all, err = tx.ListNotesSince(ctx, *req.Since)
	} else {
		all, err = tx.ListAllNotes(ctx)
	}
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}

	pulled := make([]models.Note, 0, len(all))
	for _, note := range all {
		if !pushed[note.ID] {
			pulled = append(pulled, note)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewStorageError(err.Error())
	}

	return &models.SyncNotesResponse{Pulled: pulled, LastSync: time.Now().UTC()}, nil
}

// SyncFolders handles folder hierarchy sync: LWW-ingest pushed folders,
// pull rows newer than since plus any folders the client does not know it
// has, and suppress echoes of the push set.
func (s *SyncService) SyncFolders(ctx context.Context, req *models.SyncFoldersRequest) (*models.SyncFoldersResponse, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, errors.NewStorageError(err.Error())
	}
	defer tx.Rollback()

	pushed := make(map[uuid.UUID]bool, len(req.Folders))
	for i := range req.Folders {
		if err := tx.UpsertFolderIfNewer(ctx, &req.Folders[i]); err != nil {
			s.logger.Error("Failed to upsert folder during sync",
				zap.String("folder_id", req.Folders[i].ID.String()),
				zap.Error(err),
			)
			return nil, errors.NewStorageError(err.Error())
		}
		pushed[req.Folders[i].ID] = true
	}

	merged := make(map[uuid.UUID]models.Folder)
	if req.Since != nil {
		updated, err := tx.ListFoldersSince(ctx, *req.Since)
		if err != nil {
			return nil, errors.NewStorageError(err.Error())
		}
		for _, f := range updated {
			merged[f.ID] = f
		}
		// Folders the client holds no copy of at all, regardless of age.
		if len(req.KnownFolderIDs) > 0 {
			known := make(map[uuid.UUID]bool, len(req.KnownFolderIDs))
			for _, id := range req.KnownFolderIDs {
				known[id] = true
			}
			all, err := tx.ListAllFolders(ctx)
			if err != nil {
				return nil, errors.NewStorageError(err.Error())
			}
			for _, f := range all {
				if !known[f.ID] {
					if _, present := merged[f.ID]; !present {
						merged[f.ID] = f
					}
				}
			}
		}
	} else {
		all, err := tx.ListAllFolders(ctx)
		if err != nil {
			return nil, errors.NewStorageError(err.Error())
		}
		for _, f := range all {
			merged[f.ID] = f
		}
	}

	pulled := make([]models.Folder, 0, len(merged))
	for id, f := range merged {
		if !pushed[id] {
			pulled = append(pulled, f)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewStorageError(err.Error())
	}

	s.logger.Info("Folder sync completed",
		zap.Int("pushed", len(req.Folders)),
		zap.Int("pulled", len(pulled)),
	)

	return &models.SyncFoldersResponse{Pulled: pulled, LastSync: time.Now().UTC()}, nil
}

// decodeStored decodes a stored snapshot, logging and skipping corrupt rows
func (s *SyncService) decodeStored(stored *models.DocumentState) (*crdt.Doc, bool) {
	u, err := crdt.DecodeUpdate(stored.DocState)
	if err != nil {
		s.logger.Error("Stored document state undecodable",
			zap.String("note_id", stored.NoteID.String()),
			zap.Error(err),
		)
		return nil, false
	}
	doc := crdt.NewDoc()
	doc.ApplyUpdate(u)
	return doc, true
}
