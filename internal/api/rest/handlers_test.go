package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dochmccrum/sanity/internal/config"
	"github.com/dochmccrum/sanity/internal/hub"
	"github.com/dochmccrum/sanity/internal/models"
	"github.com/dochmccrum/sanity/internal/repository/repotest"
	"github.com/dochmccrum/sanity/internal/services"
	"github.com/dochmccrum/sanity/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRouter(t *testing.T) (*gin.Engine, *repotest.Store) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	store := repotest.New()
	h := hub.New(64, logger, metrics.NewMetrics())
	merges := services.NewMergeService(store, h, logger, metrics.NewMetrics())
	syncs := services.NewSyncService(store, merges, h, logger)
	notes := services.NewNoteService(store, merges, h, logger)
	folders := services.NewFolderService(store, logger)
	auth := services.NewAuthService(config.AuthConfig{
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
		Issuer:    "sanity-test",
	}, logger)

	handler := NewHandler(auth, notes, folders, syncs, logger)
	router := gin.New()
	api := router.Group("/api")
	handler.SetupRoutes(api)
	return router, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestLogin(t *testing.T) {
	router, _ := newRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/auth", models.LoginRequest{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[models.LoginResponse](t, w)
	assert.NotEmpty(t, resp.Token)

	w = doJSON(t, router, http.MethodPost, "/api/auth", map[string]string{"username": "", "password": ""})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNotesCRUD(t *testing.T) {
	router, _ := newRouter(t)

	// Empty list.
	w := doJSON(t, router, http.MethodGet, "/api/notes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]models.Note](t, w))

	// Create.
	w = doJSON(t, router, http.MethodPost, "/api/notes", models.NoteInput{Title: "first", Content: "body"})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeBody[models.Note](t, w)
	assert.Equal(t, "first", created.Title)
	assert.NotEqual(t, uuid.Nil, created.ID)

	// Read back.
	w = doJSON(t, router, http.MethodGet, "/api/notes/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "first", decodeBody[models.Note](t, w).Title)

	// Delete, then read 404.
	w = doJSON(t, router, http.MethodDelete, "/api/notes/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[models.DeleteResponse](t, w).Deleted)

	w = doJSON(t, router, http.MethodGet, "/api/notes/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotes_BadUUID(t *testing.T) {
	router, _ := newRouter(t)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/api/notes/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodDelete, "/api/notes/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/api/notes?folder_id=bogus", nil).Code)
}

func TestNotes_FolderFilter(t *testing.T) {
	router, _ := newRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/folders", models.FolderInput{Name: "inbox"})
	require.Equal(t, http.StatusOK, w.Code)
	folder := decodeBody[models.Folder](t, w)

	doJSON(t, router, http.MethodPost, "/api/notes", models.NoteInput{Title: "filed", FolderID: &folder.ID})
	doJSON(t, router, http.MethodPost, "/api/notes", models.NoteInput{Title: "loose"})

	w = doJSON(t, router, http.MethodGet, "/api/notes?folder_id="+folder.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	filed := decodeBody[[]models.Note](t, w)
	require.Len(t, filed, 1)
	assert.Equal(t, "filed", filed[0].Title)

	// Explicit null selects unfiled notes.
	w = doJSON(t, router, http.MethodGet, "/api/notes?folder_id=null", nil)
	require.Equal(t, http.StatusOK, w.Code)
	loose := decodeBody[[]models.Note](t, w)
	require.Len(t, loose, 1)
	assert.Equal(t, "loose", loose[0].Title)
}

// Deleting a folder chain removes every folder and note in the subtree from
// the read paths and surfaces tombstones on the folder sync path.
func TestFolderCascadeDelete(t *testing.T) {
	router, _ := newRouter(t)
	before := time.Now().UTC().Add(-time.Minute)

	f := decodeBody[models.Folder](t, doJSON(t, router, http.MethodPost, "/api/folders", models.FolderInput{Name: "F"}))
	g := decodeBody[models.Folder](t, doJSON(t, router, http.MethodPost, "/api/folders", models.FolderInput{Name: "G", ParentID: &f.ID}))
	hf := decodeBody[models.Folder](t, doJSON(t, router, http.MethodPost, "/api/folders", models.FolderInput{Name: "H", ParentID: &g.ID}))
	n := decodeBody[models.Note](t, doJSON(t, router, http.MethodPost, "/api/notes", models.NoteInput{Title: "N", FolderID: &hf.ID}))

	w := doJSON(t, router, http.MethodDelete, "/api/folders/"+f.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/folders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]models.Folder](t, w))

	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/api/notes/"+n.ID.String(), nil).Code)

	w = doJSON(t, router, http.MethodPost, "/api/sync/folders", models.SyncFoldersRequest{Since: &before})
	require.Equal(t, http.StatusOK, w.Code)
	pulled := decodeBody[models.SyncFoldersResponse](t, w).Pulled
	require.Len(t, pulled, 3)
	for _, folder := range pulled {
		assert.True(t, folder.IsDeleted)
	}
}

func TestFolders_BadParent(t *testing.T) {
	router, _ := newRouter(t)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/api/folders?parent_id=junk", nil).Code)
}

// Concurrent metadata saves with client mtimes resolve to the later writer
// regardless of arrival order.
func TestNotes_MetadataLWW(t *testing.T) {
	router, _ := newRouter(t)
	id := uuid.New()
	earlier := time.Now().UTC()
	later := earlier.Add(time.Second)

	w := doJSON(t, router, http.MethodPost, "/api/notes", models.NoteInput{ID: &id, Title: "t-plus-one", UpdatedAt: &later})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, router, http.MethodPost, "/api/notes", models.NoteInput{ID: &id, Title: "t", UpdatedAt: &earlier})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/notes/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t-plus-one", decodeBody[models.Note](t, w).Title)
}

func TestSyncCRDT_Endpoint(t *testing.T) {
	router, _ := newRouter(t)
	noteID := "11111111-1111-1111-1111-111111111111"

	// Malformed ID rejected.
	w := doJSON(t, router, http.MethodPost, "/api/sync/crdt", models.CrdtSyncRequest{
		Updates: map[string]string{"garbage": "QQ=="},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Malformed base64 rejected.
	w = doJSON(t, router, http.MethodPost, "/api/sync/crdt", models.CrdtSyncRequest{
		Updates: map[string]string{noteID: "!!!"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCrdtState_Endpoint(t *testing.T) {
	router, store := newRouter(t)
	noteID := uuid.New()

	// No document yet: JSON null.
	w := doJSON(t, router, http.MethodGet, "/api/crdt/"+noteID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())

	store.SeedDocumentRow(noteID, []byte{0x53, 0x59}, []byte{0x53, 0x59})
	w = doJSON(t, router, http.MethodGet, "/api/crdt/"+noteID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decodeBody[models.CrdtStateResponse](t, w)
	assert.Equal(t, noteID, state.NoteID)
	assert.NotEmpty(t, state.YdocState)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/api/crdt/oops", nil).Code)
}

func TestSyncNotes_Endpoint(t *testing.T) {
	router, _ := newRouter(t)
	now := time.Now().UTC()
	pushed := models.Note{ID: uuid.New(), Title: "pushed", UpdatedAt: now}

	w := doJSON(t, router, http.MethodPost, "/api/sync", models.SyncNotesRequest{Notes: []models.Note{pushed}})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[models.SyncNotesResponse](t, w)
	// Echo suppression: the pushed row does not come back.
	assert.Empty(t, resp.Pulled)
	assert.False(t, resp.LastSync.IsZero())

	// A second client pulling everything sees it.
	w = doJSON(t, router, http.MethodPost, "/api/sync", models.SyncNotesRequest{})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeBody[models.SyncNotesResponse](t, w)
	require.Len(t, resp.Pulled, 1)
	assert.Equal(t, "pushed", resp.Pulled[0].Title)
}
