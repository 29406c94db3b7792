package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUpdate_Idempotent(t *testing.T) {
	src := NewDoc()
	src.AppendText(1, "hello")
	blob := src.EncodeSnapshot()

	u, err := DecodeUpdate(blob)
	require.NoError(t, err)

	doc := NewDoc()
	doc.ApplyUpdate(u)
	once := doc.EncodeSnapshot()

	doc.ApplyUpdate(u)
	twice := doc.EncodeSnapshot()

	assert.Equal(t, once, twice)
	assert.Equal(t, "hello", doc.Text())
}

func TestApplyUpdate_Commutative(t *testing.T) {
	a := NewDoc()
	a.AppendText(1, "alpha ")
	ua, err := DecodeUpdate(a.EncodeSnapshot())
	require.NoError(t, err)

	b := NewDoc()
	b.AppendText(2, "beta")
	ub, err := DecodeUpdate(b.EncodeSnapshot())
	require.NoError(t, err)

	ab := NewDoc()
	ab.ApplyUpdate(ua)
	ab.ApplyUpdate(ub)

	ba := NewDoc()
	ba.ApplyUpdate(ub)
	ba.ApplyUpdate(ua)

	assert.Equal(t, ab.EncodeSnapshot(), ba.EncodeSnapshot())
	assert.Equal(t, ab.Text(), ba.Text())
}

func TestDiff_Minimal(t *testing.T) {
	server := NewDoc()
	server.AppendText(1, "a")
	clientKnows := server.StateVector()
	server.AppendText(1, "b")
	server.AppendText(2, "c")

	diff := server.Diff(clientKnows)
	require.NotNil(t, diff)

	u, err := DecodeUpdate(diff)
	require.NoError(t, err)
	// Only the two ops the client is missing.
	assert.Len(t, u.Ops, 2)

	client := NewDoc()
	client.AppendText(1, "a")
	client.ApplyUpdate(u)
	assert.Equal(t, server.EncodeSnapshot(), client.EncodeSnapshot())
}

func TestDiff_EmptyWhenCaughtUp(t *testing.T) {
	server := NewDoc()
	server.AppendText(1, "content")
	assert.Nil(t, server.Diff(server.StateVector()))
}

func TestDiff_FullForEmptyPeer(t *testing.T) {
	server := NewDoc()
	server.AppendText(1, "x")
	server.AppendText(2, "y")

	diff := server.Diff(make(StateVector))
	u, err := DecodeUpdate(diff)
	require.NoError(t, err)
	assert.Len(t, u.Ops, 2)
}

func TestConvergence_MutualExchange(t *testing.T) {
	a := NewDoc()
	a.AppendText(1, "left ")
	b := NewDoc()
	b.AppendText(2, "right")

	diffForB := a.Diff(b.StateVector())
	diffForA := b.Diff(a.StateVector())

	ua, err := DecodeUpdate(diffForA)
	require.NoError(t, err)
	a.ApplyUpdate(ua)

	ub, err := DecodeUpdate(diffForB)
	require.NoError(t, err)
	b.ApplyUpdate(ub)

	assert.Equal(t, a.EncodeSnapshot(), b.EncodeSnapshot())
	assert.Equal(t, a.Text(), b.Text())
}

func TestDeleteRun_Tombstones(t *testing.T) {
	doc := NewDoc()
	first := doc.AppendText(1, "dead ")
	doc.AppendText(1, "alive")
	require.NotNil(t, doc.DeleteRun(1, first.ID))

	assert.Equal(t, "alive", doc.Text())

	// The tombstone travels with the snapshot.
	u, err := DecodeUpdate(doc.EncodeSnapshot())
	require.NoError(t, err)
	other := NewDoc()
	other.ApplyUpdate(u)
	assert.Equal(t, "alive", other.Text())
}

func TestDeleteRun_UnknownTarget(t *testing.T) {
	doc := NewDoc()
	assert.Nil(t, doc.DeleteRun(1, OpID{Client: 9, Clock: 9}))
}

func TestInsertTextAt_Ordering(t *testing.T) {
	doc := NewDoc()
	doc.AppendText(1, "b")
	doc.InsertTextAt(1, 0, "a")
	doc.AppendText(1, "c")
	assert.Equal(t, "abc", doc.Text())
}

func TestConcurrentInserts_DeterministicOrder(t *testing.T) {
	// Two clients insert at the same position; every replica must render
	// the same total order regardless of arrival order.
	a := NewDoc()
	a.InsertTextAt(1, 0, "one")
	b := NewDoc()
	b.InsertTextAt(2, 0, "two")

	ua, err := DecodeUpdate(a.EncodeSnapshot())
	require.NoError(t, err)
	ub, err := DecodeUpdate(b.EncodeSnapshot())
	require.NoError(t, err)

	x := NewDoc()
	x.ApplyUpdate(ua)
	x.ApplyUpdate(ub)
	y := NewDoc()
	y.ApplyUpdate(ub)
	y.ApplyUpdate(ua)

	assert.Equal(t, x.Text(), y.Text())
}

func TestStateVector_RoundTrip(t *testing.T) {
	doc := NewDoc()
	doc.AppendText(5, "abc")
	doc.AppendText(5, "def")
	doc.AppendText(9, "ghi")

	sv, err := DecodeStateVector(doc.EncodeStateVector())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sv[5])
	assert.Equal(t, uint64(1), sv[9])
}

func TestDecodeStateVector_Empty(t *testing.T) {
	sv, err := DecodeStateVector(nil)
	require.NoError(t, err)
	assert.Empty(t, sv)
}

func TestDecodeUpdate_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":        {},
		"short":        {magic0, magic1},
		"bad magic":    {0x00, 0x01, formatVersion, blobUpdate, 0},
		"bad version":  {magic0, magic1, 99, blobUpdate, 0},
		"wrong type":   {magic0, magic1, formatVersion, blobStateVector, 0},
		"truncated op": {magic0, magic1, formatVersion, blobUpdate, 1, OpInsert},
		"trailing":     append(NewDoc().EncodeSnapshot(), 0xFF),
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeUpdate(blob)
			require.Error(t, err)
			var de *DecodeError
			assert.ErrorAs(t, err, &de)
		})
	}
}

func TestDecodeUpdate_DoesNotMutateOnFailure(t *testing.T) {
	doc := NewDoc()
	doc.AppendText(1, "stable")
	before := doc.EncodeSnapshot()

	_, err := DecodeUpdate([]byte{magic0, magic1, formatVersion, blobUpdate, 2, OpInsert})
	require.Error(t, err)

	assert.Equal(t, before, doc.EncodeSnapshot())
}

func TestSeedFromText(t *testing.T) {
	doc := SeedFromText("<p>Hello <b>world</b></p>")
	assert.Equal(t, "Hello world", doc.Text())
	assert.Equal(t, 1, doc.Len())
}

func TestSeedFromText_EmptyAfterStrip(t *testing.T) {
	doc := SeedFromText("<div></div>")
	assert.Equal(t, 0, doc.Len())
	assert.Equal(t, "", doc.Text())
}

func TestStripHTML_Entities(t *testing.T) {
	assert.Equal(t, "a & b < c", StripHTML("a &amp; b &lt; c"))
	assert.Equal(t, "x y", StripHTML("x&nbsp;y"))
}

func TestSnapshot_CanonicalAcrossReplicas(t *testing.T) {
	// Same op set inserted in different orders encodes identically.
	a := NewDoc()
	a.AppendText(3, "m")
	a.AppendText(7, "n")

	blob := a.EncodeSnapshot()
	u, err := DecodeUpdate(blob)
	require.NoError(t, err)

	b := NewDoc()
	// Reverse application order.
	for i := len(u.Ops) - 1; i >= 0; i-- {
		b.ApplyUpdate(&Update{Ops: []*Op{u.Ops[i]}})
	}
	assert.Equal(t, blob, b.EncodeSnapshot())
}
