package crdt

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Blob layout: a two-byte magic, a format version, a type tag, then
// uvarint-framed payload. Updates carry their ops in canonical (client,
// clock) order so equal op sets encode to equal bytes.
const (
	magic0 = 0x53 // 'S'
	magic1 = 0x59 // 'Y'

	formatVersion = 1

	blobUpdate      = 0x01
	blobStateVector = 0x02

	// maxRunLen bounds a single decoded run; anything larger is treated
	// as a corrupt blob rather than an allocation request.
	maxRunLen = 16 << 20
)

// DecodeError reports a malformed blob. Decoding fails closed: no partial
// state escapes a failed decode.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("crdt: malformed blob: %s", e.Reason)
}

func decodeErr(format string, args ...interface{}) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

func encodeOps(ops []*Op) []byte {
	sorted := make([]*Op, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ID.Client != sorted[j].ID.Client {
			return sorted[i].ID.Client < sorted[j].ID.Client
		}
		return sorted[i].ID.Clock < sorted[j].ID.Clock
	})

	buf := make([]byte, 0, 16+len(sorted)*16)
	buf = append(buf, magic0, magic1, formatVersion, blobUpdate)
	buf = binary.AppendUvarint(buf, uint64(len(sorted)))
	for _, op := range sorted {
		buf = append(buf, op.Kind)
		buf = binary.AppendUvarint(buf, op.ID.Client)
		buf = binary.AppendUvarint(buf, op.ID.Clock)
		switch op.Kind {
		case OpInsert:
			buf = binary.AppendUvarint(buf, math.Float64bits(op.Pos))
			buf = binary.AppendUvarint(buf, uint64(len(op.Text)))
			buf = append(buf, op.Text...)
		case OpDelete:
			buf = binary.AppendUvarint(buf, op.Target.Client)
			buf = binary.AppendUvarint(buf, op.Target.Clock)
		}
	}
	return buf
}

// DecodeUpdate parses a self-contained update blob.
func DecodeUpdate(data []byte) (*Update, error) {
	r, err := newReader(data, blobUpdate)
	if err != nil {
		return nil, err
	}
	n, err := r.uvarint("op count")
	if err != nil {
		return nil, err
	}
	u := &Update{Ops: make([]*Op, 0, n)}
	for i := uint64(0); i < n; i++ {
		kind, err := r.byte("op kind")
		if err != nil {
			return nil, err
		}
		client, err := r.uvarint("client")
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint("clock")
		if err != nil {
			return nil, err
		}
		if clock == 0 {
			return nil, decodeErr("zero clock for client %d", client)
		}
		op := &Op{ID: OpID{Client: client, Clock: clock}, Kind: kind}
		switch kind {
		case OpInsert:
			posBits, err := r.uvarint("position")
			if err != nil {
				return nil, err
			}
			op.Pos = math.Float64frombits(posBits)
			if math.IsNaN(op.Pos) || math.IsInf(op.Pos, 0) {
				return nil, decodeErr("non-finite position")
			}
			textLen, err := r.uvarint("run length")
			if err != nil {
				return nil, err
			}
			if textLen > maxRunLen {
				return nil, decodeErr("run length %d exceeds limit", textLen)
			}
			text, err := r.bytes(int(textLen), "run")
			if err != nil {
				return nil, err
			}
			op.Text = string(text)
		case OpDelete:
			tc, err := r.uvarint("target client")
			if err != nil {
				return nil, err
			}
			tk, err := r.uvarint("target clock")
			if err != nil {
				return nil, err
			}
			op.Target = OpID{Client: tc, Clock: tk}
		default:
			return nil, decodeErr("unknown op kind %d", kind)
		}
		u.Ops = append(u.Ops, op)
	}
	if !r.done() {
		return nil, decodeErr("trailing bytes after %d ops", n)
	}
	return u, nil
}

// EncodeStateVector encodes a state vector in ascending client order.
func EncodeStateVector(sv StateVector) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := make([]byte, 0, 8+len(clients)*8)
	buf = append(buf, magic0, magic1, formatVersion, blobStateVector)
	buf = binary.AppendUvarint(buf, uint64(len(clients)))
	for _, c := range clients {
		buf = binary.AppendUvarint(buf, c)
		buf = binary.AppendUvarint(buf, sv[c])
	}
	return buf
}

// DecodeStateVector parses a state vector blob. An empty or nil input
// decodes as an empty vector, matching a peer that has observed nothing.
func DecodeStateVector(data []byte) (StateVector, error) {
	if len(data) == 0 {
		return make(StateVector), nil
	}
	r, err := newReader(data, blobStateVector)
	if err != nil {
		return nil, err
	}
	n, err := r.uvarint("entry count")
	if err != nil {
		return nil, err
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		client, err := r.uvarint("client")
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint("clock")
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	if !r.done() {
		return nil, decodeErr("trailing bytes after %d entries", n)
	}
	return sv, nil
}

type reader struct {
	data []byte
	off  int
}

func newReader(data []byte, wantType byte) (*reader, error) {
	if len(data) < 4 {
		return nil, decodeErr("blob too short (%d bytes)", len(data))
	}
	if data[0] != magic0 || data[1] != magic1 {
		return nil, decodeErr("bad magic %#x%#x", data[0], data[1])
	}
	if data[2] != formatVersion {
		return nil, decodeErr("unsupported format version %d", data[2])
	}
	if data[3] != wantType {
		return nil, decodeErr("blob type %#x, want %#x", data[3], wantType)
	}
	return &reader{data: data, off: 4}, nil
}

func (r *reader) byte(what string) (byte, error) {
	if r.off >= len(r.data) {
		return 0, decodeErr("truncated before %s", what)
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) uvarint(what string) (uint64, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		return 0, decodeErr("truncated %s", what)
	}
	r.off += n
	return v, nil
}

func (r *reader) bytes(n int, what string) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, decodeErr("truncated %s", what)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) done() bool {
	return r.off == len(r.data)
}
