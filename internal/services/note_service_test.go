package services

import (
	"context"
	"testing"
	"time"

	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/dochmccrum/sanity/internal/hub"
	"github.com/dochmccrum/sanity/internal/models"
	"github.com/dochmccrum/sanity/internal/repository/repotest"
	"github.com/dochmccrum/sanity/pkg/metrics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newNoteFixture(t *testing.T) (*NoteService, *FolderService, *repotest.Store, *hub.Hub) {
	logger := zaptest.NewLogger(t)
	store := repotest.New()
	h := hub.New(16, logger, metrics.NewMetrics())
	merges := NewMergeService(store, h, logger, metrics.NewMetrics())
	return NewNoteService(store, merges, h, logger), NewFolderService(store, logger), store, h
}

func TestNoteSave_SeedsDocumentFromContent(t *testing.T) {
	notes, _, store, _ := newNoteFixture(t)

	saved, err := notes.Save(context.Background(), &models.NoteInput{
		Title:   "groceries",
		Content: "<ul><li>milk</li></ul>",
	})
	require.NoError(t, err)

	doc, err := store.GetDocument(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.DocState)
}

func TestNoteSave_CanvasNotSeeded(t *testing.T) {
	notes, _, store, _ := newNoteFixture(t)
	canvas := true

	saved, err := notes.Save(context.Background(), &models.NoteInput{
		Title:    "sketch",
		Content:  "canvas payload",
		IsCanvas: &canvas,
	})
	require.NoError(t, err)

	_, err = store.GetDocument(context.Background(), saved.ID)
	assert.Error(t, err)
}

func TestNoteSave_BroadcastsMetadata(t *testing.T) {
	notes, _, _, h := newNoteFixture(t)
	recv := h.Subscribe()
	defer recv.Close()

	saved, err := notes.Save(context.Background(), &models.NoteInput{Title: "announce"})
	require.NoError(t, err)

	msg := <-recv.C()
	assert.Equal(t, hub.KindNoteMetadata, msg.Kind)
	assert.Equal(t, saved.ID, msg.Meta.ID)
	assert.Equal(t, "announce", msg.Meta.Title)
}

func TestNoteDelete_BroadcastsTombstone(t *testing.T) {
	notes, _, _, h := newNoteFixture(t)

	saved, err := notes.Save(context.Background(), &models.NoteInput{Title: "doomed"})
	require.NoError(t, err)

	recv := h.Subscribe()
	defer recv.Close()

	require.NoError(t, notes.Delete(context.Background(), saved.ID))

	msg := <-recv.C()
	require.Equal(t, hub.KindNoteMetadata, msg.Kind)
	assert.True(t, msg.Meta.IsDeleted)
}

func TestNoteGet_DeletedReadsNotFound(t *testing.T) {
	notes, _, _, _ := newNoteFixture(t)

	saved, err := notes.Save(context.Background(), &models.NoteInput{Title: "gone"})
	require.NoError(t, err)
	require.NoError(t, notes.Delete(context.Background(), saved.ID))

	_, err = notes.Get(context.Background(), saved.ID)
	require.Error(t, err)
	apiErr, ok := errors.IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, errors.NotFound, apiErr.Code)
}

func TestNoteDelete_Missing(t *testing.T) {
	notes, _, _, _ := newNoteFixture(t)
	err := notes.Delete(context.Background(), uuid.New())
	require.Error(t, err)
	apiErr, ok := errors.IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, errors.NotFound, apiErr.Code)
}

// Client-stamped saves resolve by last-writer-wins regardless of arrival
// order.
func TestNoteSave_ClientTimestampLWW(t *testing.T) {
	notes, _, _, _ := newNoteFixture(t)
	ctx := context.Background()
	id := uuid.New()
	earlier := time.Now().UTC()
	later := earlier.Add(time.Second)

	_, err := notes.Save(ctx, &models.NoteInput{ID: &id, Title: "winner", UpdatedAt: &later})
	require.NoError(t, err)
	final, err := notes.Save(ctx, &models.NoteInput{ID: &id, Title: "loser", UpdatedAt: &earlier})
	require.NoError(t, err)

	assert.Equal(t, "winner", final.Title)

	got, err := notes.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "winner", got.Title)
}

// Folder cascade: deleting the root of a chain tombstones every folder and
// note beneath it.
func TestFolderDelete_Cascade(t *testing.T) {
	notes, folders, store, _ := newNoteFixture(t)
	ctx := context.Background()

	f, err := folders.Save(ctx, &models.FolderInput{Name: "F"})
	require.NoError(t, err)
	g, err := folders.Save(ctx, &models.FolderInput{Name: "G", ParentID: &f.ID})
	require.NoError(t, err)
	hFolder, err := folders.Save(ctx, &models.FolderInput{Name: "H", ParentID: &g.ID})
	require.NoError(t, err)

	note, err := notes.Save(ctx, &models.NoteInput{Title: "N", FolderID: &hFolder.ID})
	require.NoError(t, err)

	require.NoError(t, folders.Delete(ctx, f.ID))

	for _, id := range []uuid.UUID{f.ID, g.ID, hFolder.ID} {
		_, err := folders.Get(ctx, id)
		require.Error(t, err, "folder %s should read deleted", id)
	}
	_, err = notes.Get(ctx, note.ID)
	require.Error(t, err)

	// The raw rows survive as tombstones for sync.
	raw, err := store.GetFolder(ctx, hFolder.ID)
	require.NoError(t, err)
	assert.True(t, raw.IsDeleted)
}

func TestFolderSave_RevivesDeleted(t *testing.T) {
	_, folders, _, _ := newNoteFixture(t)
	ctx := context.Background()

	f, err := folders.Save(ctx, &models.FolderInput{Name: "cycle"})
	require.NoError(t, err)
	require.NoError(t, folders.Delete(ctx, f.ID))

	revived, err := folders.Save(ctx, &models.FolderInput{ID: &f.ID, Name: "cycle"})
	require.NoError(t, err)
	assert.False(t, revived.IsDeleted)

	got, err := folders.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "cycle", got.Name)
}
