// Package models defines data models for the application
package models

import (
	"time"

	"github.com/google/uuid"
)

// Note represents note metadata, reconciled by last-writer-wins on UpdatedAt
type Note struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Title     string     `json:"title" db:"title"`
	Content   string     `json:"content" db:"content"`
	FolderID  *uuid.UUID `json:"folder_id" db:"folder_id"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	IsDeleted bool       `json:"is_deleted" db:"is_deleted"`
	IsCanvas  bool       `json:"is_canvas" db:"is_canvas"`
}

// Folder represents a node in the folder forest
type Folder struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	ParentID  *uuid.UUID `json:"parent_id" db:"parent_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	IsDeleted bool       `json:"is_deleted" db:"is_deleted"`
}

// DocumentState holds the stored CRDT snapshot for a note.
// DocState and StateVector are always written as a pair produced from the
// same post-merge document.
type DocumentState struct {
	NoteID      uuid.UUID `json:"note_id" db:"note_id"`
	DocState    []byte    `json:"ydoc_state" db:"ydoc_state"`
	StateVector []byte    `json:"state_vector" db:"state_vector"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Request/response DTOs

// LoginRequest carries credentials for token issuance
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
}

// LoginResponse returns the signed token
type LoginResponse struct {
	Token string `json:"token"`
}

// NoteInput is the body of POST /notes; the ID is client-generated when
// present. A client-supplied timestamp turns the save into a conditional
// last-writer-wins write; without one the server assigns now().
type NoteInput struct {
	ID        *uuid.UUID `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	FolderID  *uuid.UUID `json:"folder_id"`
	IsDeleted *bool      `json:"is_deleted"`
	IsCanvas  *bool      `json:"is_canvas"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// FolderInput is the body of POST /folders
type FolderInput struct {
	ID       *uuid.UUID `json:"id"`
	Name     string     `json:"name" binding:"required"`
	ParentID *uuid.UUID `json:"parent_id"`
}

// SyncNotesRequest is the legacy metadata sync request
type SyncNotesRequest struct {
	Since *time.Time `json:"since"`
	Notes []Note     `json:"notes"`
}

// SyncNotesResponse returns rows the client lacks or holds stale
type SyncNotesResponse struct {
	Pulled   []Note    `json:"pulled"`
	LastSync time.Time `json:"last_sync"`
}

// SyncFoldersRequest is the folder hierarchy sync request
type SyncFoldersRequest struct {
	Since   *time.Time `json:"since"`
	Folders []Folder   `json:"folders"`
	// IDs of all folders the client currently has, used to discover
	// folders it is missing entirely.
	KnownFolderIDs []uuid.UUID `json:"known_folder_ids"`
}

// SyncFoldersResponse returns folder rows newer than since plus unknown ones
type SyncFoldersResponse struct {
	Pulled   []Folder  `json:"pulled"`
	LastSync time.Time `json:"last_sync"`
}

// CrdtSyncRequest is the differential document sync request. Map keys are
// note IDs; values are base64-encoded CRDT blobs.
type CrdtSyncRequest struct {
	StateVectors map[string]string `json:"state_vectors"`
	Updates      map[string]string `json:"updates"`
	Metadata     []Note            `json:"metadata"`
}

// CrdtSyncResponse carries per-note diffs or full snapshots plus metadata
// the client lacks or holds an older version of
type CrdtSyncResponse struct {
	Updates    map[string]string `json:"updates"`
	Metadata   []Note            `json:"metadata"`
	ServerTime time.Time         `json:"server_time"`
}

// CrdtStateResponse is the body of GET /crdt/:note_id
type CrdtStateResponse struct {
	NoteID      uuid.UUID `json:"note_id"`
	YdocState   string    `json:"ydoc_state"`
	StateVector string    `json:"state_vector"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeleteResponse acknowledges a soft delete
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}
