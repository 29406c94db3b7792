// Package hub provides the in-memory fan-out channel that multicasts
// committed updates to streaming sessions.
package hub

import (
	"encoding/base64"
	"sync"

	"github.com/dochmccrum/sanity/internal/models"
	"github.com/dochmccrum/sanity/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind tags the message union carried on the broadcast channel
type Kind string

const (
	KindUpdate       Kind = "update"
	KindNoteMetadata Kind = "note_metadata"
)

// Message is one broadcast item: either a document delta or a metadata row
type Message struct {
	Kind    Kind
	NoteID  uuid.UUID
	Payload string       // base64 update blob for KindUpdate
	Meta    *models.Note // set for KindNoteMetadata
}

// Receiver is one subscriber's handle on the broadcast channel. Each
// receiver is single-consumer; messages published before Subscribe are not
// seen.
type Receiver struct {
	ch   chan Message
	hub  *Hub
	once sync.Once
}

// C returns the receive channel
func (r *Receiver) C() <-chan Message {
	return r.ch
}

// Close unsubscribes the receiver
func (r *Receiver) Close() {
	r.once.Do(func() {
		r.hub.unsubscribe(r)
	})
}

// Hub owns the subscriber registry. Publishing never blocks: a subscriber
// whose buffer is full loses its oldest message, and the next sync request
// reconciles whatever it missed.
type Hub struct {
	mu        sync.RWMutex
	receivers map[*Receiver]struct{}
	capacity  int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a hub whose receivers buffer up to capacity messages
func New(capacity int, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Hub{
		receivers: make(map[*Receiver]struct{}),
		capacity:  capacity,
		logger:    logger,
		metrics:   m,
	}
}

// Subscribe returns a new independent receiver
func (h *Hub) Subscribe() *Receiver {
	r := &Receiver{
		ch:  make(chan Message, h.capacity),
		hub: h,
	}
	h.mu.Lock()
	h.receivers[r] = struct{}{}
	n := len(h.receivers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetSubscribers(n)
	}
	return r
}

func (h *Hub) unsubscribe(r *Receiver) {
	h.mu.Lock()
	delete(h.receivers, r)
	n := len(h.receivers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetSubscribers(n)
	}
}

// Broadcast publishes to every live receiver without blocking. A full
// receiver drops its oldest buffered message to make room.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for r := range h.receivers {
		select {
		case r.ch <- msg:
			continue
		default:
		}
		// Buffer full: evict the oldest entry, then retry once. The
		// receiver may have drained concurrently, so both selects stay
		// non-blocking.
		select {
		case <-r.ch:
			if h.metrics != nil {
				h.metrics.RecordDropped()
			}
			h.logger.Debug("Dropped oldest message for slow subscriber")
		default:
		}
		select {
		case r.ch <- msg:
		default:
			if h.metrics != nil {
				h.metrics.RecordDropped()
			}
		}
	}

	if h.metrics != nil {
		h.metrics.RecordBroadcast()
	}
}

// BroadcastUpdate wraps a raw update blob and publishes it
func (h *Hub) BroadcastUpdate(noteID uuid.UUID, update []byte) {
	h.Broadcast(Message{
		Kind:    KindUpdate,
		NoteID:  noteID,
		Payload: base64.StdEncoding.EncodeToString(update),
	})
}

// BroadcastMetadata publishes a metadata row to every subscriber
func (h *Hub) BroadcastMetadata(note *models.Note) {
	h.Broadcast(Message{
		Kind:   KindNoteMetadata,
		NoteID: note.ID,
		Meta:   note,
	})
}

// Subscribers returns the current subscriber count
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.receivers)
}
