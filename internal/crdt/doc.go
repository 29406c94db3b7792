// Package crdt implements the conflict-free document engine: an op-based
// text CRDT with per-client logical clocks, tombstone deletes and a compact
// binary update format. Storage and protocol code treat the encoded blobs as
// opaque; everything format-specific lives behind this package.
package crdt

import (
	"sort"
)

// OpID globally identifies an operation by its origin client and that
// client's logical clock at emission time.
type OpID struct {
	Client uint64
	Clock  uint64
}

// Op kinds
const (
	OpInsert byte = 1
	OpDelete byte = 2
)

// Op is a single document operation: either a text run inserted at a
// fractional position, or a tombstone over a previously inserted run.
type Op struct {
	ID     OpID
	Kind   byte
	Pos    float64 // insert: fractional ordering position
	Text   string  // insert: the run content
	Target OpID    // delete: the insert being tombstoned
}

// StateVector summarizes which operations a replica has observed as the
// maximum clock seen per client. It is sufficient for a peer to compute the
// minimum set of operations the replica is missing.
type StateVector map[uint64]uint64

// Covers reports whether the vector includes the given operation ID.
func (sv StateVector) Covers(id OpID) bool {
	return sv[id.Client] >= id.Clock
}

// Clone returns a copy of the vector.
func (sv StateVector) Clone() StateVector {
	c := make(StateVector, len(sv))
	for k, v := range sv {
		c[k] = v
	}
	return c
}

// Doc is one replica of a document: the set of all observed operations.
// Merging is a set union keyed by OpID, which makes it commutative and
// idempotent; rendering orders runs deterministically so converged op sets
// produce identical text and identical snapshot bytes.
type Doc struct {
	ops map[OpID]*Op
	sv  StateVector
}

// NewDoc creates an empty document.
func NewDoc() *Doc {
	return &Doc{
		ops: make(map[OpID]*Op),
		sv:  make(StateVector),
	}
}

// Update is a decoded set of operations applicable to any replica.
type Update struct {
	Ops []*Op
}

// IsEmpty reports whether the update carries no operations.
func (u *Update) IsEmpty() bool {
	return u == nil || len(u.Ops) == 0
}

// ApplyUpdate merges the update's operations into the document. Operations
// already present are skipped, so applying the same update twice is a no-op
// and application order across updates does not matter.
func (d *Doc) ApplyUpdate(u *Update) {
	if u == nil {
		return
	}
	for _, op := range u.Ops {
		if _, seen := d.ops[op.ID]; seen {
			continue
		}
		cp := *op
		d.ops[op.ID] = &cp
		if d.sv[op.ID.Client] < op.ID.Clock {
			d.sv[op.ID.Client] = op.ID.Clock
		}
	}
}

// StateVector returns a copy of the document's state vector.
func (d *Doc) StateVector() StateVector {
	return d.sv.Clone()
}

// Diff returns the encoded minimum update sufficient to bring a peer
// advertising the given state vector up to this document, or nil when the
// peer already has everything.
func (d *Doc) Diff(peer StateVector) []byte {
	var missing []*Op
	for id, op := range d.ops {
		if !peer.Covers(id) {
			missing = append(missing, op)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return encodeOps(missing)
}

// EncodeSnapshot produces the complete encoded document: an update carrying
// every observed operation in canonical order. Two converged replicas encode
// byte-identical snapshots.
func (d *Doc) EncodeSnapshot() []byte {
	ops := make([]*Op, 0, len(d.ops))
	for _, op := range d.ops {
		ops = append(ops, op)
	}
	return encodeOps(ops)
}

// EncodeStateVector produces the peer-exchangeable state vector encoding.
func (d *Doc) EncodeStateVector() []byte {
	return EncodeStateVector(d.sv)
}

// Len returns the number of observed operations.
func (d *Doc) Len() int {
	return len(d.ops)
}

// nextClock allocates the next clock value for a client on this replica.
func (d *Doc) nextClock(client uint64) uint64 {
	return d.sv[client] + 1
}

// visibleRuns returns the non-tombstoned insert runs in render order:
// ascending position, ties broken by descending client then ascending clock.
func (d *Doc) visibleRuns() []*Op {
	deleted := make(map[OpID]bool)
	for _, op := range d.ops {
		if op.Kind == OpDelete {
			deleted[op.Target] = true
		}
	}
	var runs []*Op
	for _, op := range d.ops {
		if op.Kind == OpInsert && !deleted[op.ID] {
			runs = append(runs, op)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		if a.ID.Client != b.ID.Client {
			return a.ID.Client > b.ID.Client
		}
		return a.ID.Clock < b.ID.Clock
	})
	return runs
}

// Text renders the current document content.
func (d *Doc) Text() string {
	var out []byte
	for _, run := range d.visibleRuns() {
		out = append(out, run.Text...)
	}
	return string(out)
}

// AppendText inserts a run after all current content on behalf of client and
// returns the created operation.
func (d *Doc) AppendText(client uint64, text string) *Op {
	runs := d.visibleRuns()
	pos := 1.0
	if n := len(runs); n > 0 {
		pos = runs[n-1].Pos + 1.0
	}
	return d.insertRun(client, pos, text)
}

// InsertTextAt inserts a run before the index-th visible run. An index at or
// beyond the run count appends.
func (d *Doc) InsertTextAt(client uint64, index int, text string) *Op {
	runs := d.visibleRuns()
	if index >= len(runs) {
		return d.AppendText(client, text)
	}
	if index < 0 {
		index = 0
	}
	var pos float64
	if index == 0 {
		pos = runs[0].Pos - 1.0
	} else {
		pos = (runs[index-1].Pos + runs[index].Pos) / 2.0
	}
	return d.insertRun(client, pos, text)
}

// DeleteRun tombstones the run with the given ID on behalf of client and
// returns the created operation, or nil when the target is not a known run.
func (d *Doc) DeleteRun(client uint64, target OpID) *Op {
	t, ok := d.ops[target]
	if !ok || t.Kind != OpInsert {
		return nil
	}
	op := &Op{
		ID:     OpID{Client: client, Clock: d.nextClock(client)},
		Kind:   OpDelete,
		Target: target,
	}
	d.ops[op.ID] = op
	d.sv[client] = op.ID.Clock
	return op
}

func (d *Doc) insertRun(client uint64, pos float64, text string) *Op {
	op := &Op{
		ID:   OpID{Client: client, Clock: d.nextClock(client)},
		Kind: OpInsert,
		Pos:  pos,
		Text: text,
	}
	d.ops[op.ID] = op
	d.sv[client] = op.ID.Clock
	return op
}

// EncodeOps encodes the given operations as a self-contained update blob.
// Used to ship freshly created local operations to peers.
func EncodeOps(ops []*Op) []byte {
	return encodeOps(ops)
}
