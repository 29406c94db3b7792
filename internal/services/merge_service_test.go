package services

import (
	"context"
	"testing"

	"github.com/dochmccrum/sanity/internal/crdt"
	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/dochmccrum/sanity/internal/hub"
	"github.com/dochmccrum/sanity/internal/repository/repotest"
	"github.com/dochmccrum/sanity/pkg/metrics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMergeFixture(t *testing.T) (*MergeService, *repotest.Store, *hub.Hub) {
	logger := zaptest.NewLogger(t)
	store := repotest.New()
	h := hub.New(16, logger, metrics.NewMetrics())
	return NewMergeService(store, h, logger, metrics.NewMetrics()), store, h
}

func encodeDocWith(client uint64, text string) []byte {
	doc := crdt.NewDoc()
	doc.AppendText(client, text)
	return doc.EncodeSnapshot()
}

func TestMerge_SeedsNewDocument(t *testing.T) {
	svc, store, _ := newMergeFixture(t)
	noteID := uuid.New()
	update := encodeDocWith(1, "first write")

	result, err := svc.Merge(context.Background(), noteID, update)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Snapshot)
	assert.NotEmpty(t, result.StateVector)

	stored, err := store.GetDocument(context.Background(), noteID)
	require.NoError(t, err)
	assert.Equal(t, result.Snapshot, stored.DocState)
	assert.Equal(t, result.StateVector, stored.StateVector)
}

func TestMerge_Idempotent(t *testing.T) {
	svc, store, _ := newMergeFixture(t)
	noteID := uuid.New()
	update := encodeDocWith(1, "same update")

	_, err := svc.Merge(context.Background(), noteID, update)
	require.NoError(t, err)
	first, err := store.GetDocument(context.Background(), noteID)
	require.NoError(t, err)

	_, err = svc.Merge(context.Background(), noteID, update)
	require.NoError(t, err)
	second, err := store.GetDocument(context.Background(), noteID)
	require.NoError(t, err)

	assert.Equal(t, first.DocState, second.DocState)
	assert.Equal(t, first.StateVector, second.StateVector)
}

func TestMerge_Commutative(t *testing.T) {
	u1 := encodeDocWith(1, "from client one ")
	u2 := encodeDocWith(2, "from client two")

	run := func(order ...[]byte) []byte {
		svc, store, _ := newMergeFixture(t)
		noteID := uuid.New()
		for _, u := range order {
			_, err := svc.Merge(context.Background(), noteID, u)
			require.NoError(t, err)
		}
		stored, err := store.GetDocument(context.Background(), noteID)
		require.NoError(t, err)
		return stored.DocState
	}

	assert.Equal(t, run(u1, u2), run(u2, u1))
}

func TestMerge_MalformedUpdateRejected(t *testing.T) {
	svc, store, _ := newMergeFixture(t)
	noteID := uuid.New()

	_, err := svc.Merge(context.Background(), noteID, []byte("not an update"))
	require.Error(t, err)
	apiErr, ok := errors.IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, errors.InvalidUpdate, apiErr.Code)

	// Nothing was stored.
	_, err = store.GetDocument(context.Background(), noteID)
	assert.Error(t, err)
}

func TestMerge_CorruptPriorStateReseeds(t *testing.T) {
	svc, store, _ := newMergeFixture(t)
	noteID := uuid.New()
	store.SeedDocumentRow(noteID, []byte("garbage"), nil)

	update := encodeDocWith(1, "fresh")
	result, err := svc.Merge(context.Background(), noteID, update)
	require.NoError(t, err)

	u, err := crdt.DecodeUpdate(result.Snapshot)
	require.NoError(t, err)
	doc := crdt.NewDoc()
	doc.ApplyUpdate(u)
	assert.Equal(t, "fresh", doc.Text())
}

func TestMerge_PublishesIncomingDelta(t *testing.T) {
	svc, _, h := newMergeFixture(t)
	recv := h.Subscribe()
	defer recv.Close()

	noteID := uuid.New()
	update := encodeDocWith(1, "broadcast me")
	_, err := svc.Merge(context.Background(), noteID, update)
	require.NoError(t, err)

	msg := <-recv.C()
	assert.Equal(t, hub.KindUpdate, msg.Kind)
	assert.Equal(t, noteID, msg.NoteID)
	// The hub carries the incoming delta, not the merged snapshot.
	assert.Equal(t, b64(update), msg.Payload)
}

func TestSeedDocument_DoesNotOverwrite(t *testing.T) {
	svc, store, _ := newMergeFixture(t)
	noteID := uuid.New()

	_, err := svc.Merge(context.Background(), noteID, encodeDocWith(7, "client content"))
	require.NoError(t, err)
	before, err := store.GetDocument(context.Background(), noteID)
	require.NoError(t, err)

	require.NoError(t, svc.SeedDocument(context.Background(), noteID, "<p>legacy</p>"))

	after, err := store.GetDocument(context.Background(), noteID)
	require.NoError(t, err)
	assert.Equal(t, before.DocState, after.DocState)
}

func TestSeedDocument_CreatesFromHTML(t *testing.T) {
	svc, store, _ := newMergeFixture(t)
	noteID := uuid.New()

	require.NoError(t, svc.SeedDocument(context.Background(), noteID, "<h1>Title</h1> body"))

	stored, err := store.GetDocument(context.Background(), noteID)
	require.NoError(t, err)
	u, err := crdt.DecodeUpdate(stored.DocState)
	require.NoError(t, err)
	doc := crdt.NewDoc()
	doc.ApplyUpdate(u)
	assert.Equal(t, "Title body", doc.Text())
}

func TestSeedDocument_EmptyContentNoop(t *testing.T) {
	svc, store, _ := newMergeFixture(t)
	noteID := uuid.New()

	require.NoError(t, svc.SeedDocument(context.Background(), noteID, "<div></div>"))
	_, err := store.GetDocument(context.Background(), noteID)
	assert.Error(t, err)
}
