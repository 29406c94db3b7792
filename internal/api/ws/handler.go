// Package ws provides the streaming sessions that carry real-time sync
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/dochmccrum/sanity/internal/hub"
	"github.com/dochmccrum/sanity/internal/models"
	"github.com/dochmccrum/sanity/internal/services"
	"github.com/dochmccrum/sanity/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// FrameType tags streaming frames
type FrameType string

const (
	// Client to server
	TypeSubscribe   FrameType = "subscribe"
	TypeUnsubscribe FrameType = "unsubscribe"
	TypeUpdate      FrameType = "update"
	TypeSyncRequest FrameType = "sync_request"

	// Both directions
	TypeNoteMetadata FrameType = "note_metadata"

	// Server to client
	TypeSyncResponse FrameType = "sync_response"
	TypeError        FrameType = "error"
)

// maxProtocolErrors closes a session that keeps sending unparseable frames
const maxProtocolErrors = 8

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Frame is one streaming message. Binary payloads are base64 inside the
// JSON payload field; structured payloads are plain JSON objects.
type Frame struct {
	Type    FrameType        `json:"type"`
	NoteID  string           `json:"note_id,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	Error   *errors.APIError `json:"error,omitempty"`
}

// Handler upgrades connections and runs streaming sessions
type Handler struct {
	hub          *hub.Hub
	mergeService *services.MergeService
	syncService  *services.SyncService
	upgrader     websocket.Upgrader
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewHandler creates a new streaming handler
func NewHandler(
	h *hub.Hub,
	mergeService *services.MergeService,
	syncService *services.SyncService,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		hub:          h,
		mergeService: mergeService,
		syncService:  syncService,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		metrics: m,
	}
}

// session is one duplex streaming connection: a reader task dispatching
// inbound frames and a writer task draining the hub receiver and the local
// response channel.
type session struct {
	id      uuid.UUID
	conn    *websocket.Conn
	handler *Handler

	recv      *hub.Receiver
	responses chan *Frame
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.RWMutex
	subscriptions map[uuid.UUID]bool

	protocolErrors int
}

// HandleWebSocket upgrades the request and runs the session tasks
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	s := &session{
		id:            uuid.New(),
		conn:          conn,
		handler:       h,
		recv:          h.hub.Subscribe(),
		responses:     make(chan *Frame, 32),
		done:          make(chan struct{}),
		subscriptions: make(map[uuid.UUID]bool),
	}

	if h.metrics != nil {
		h.metrics.SessionOpened()
	}
	h.logger.Info("Streaming session opened",
		zap.String("session_id", s.id.String()),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	go s.writePump()
	go s.readPump()
}

// close tears the session down once, from whichever pump fails first
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.recv.Close()
		s.conn.Close()
		if s.handler.metrics != nil {
			s.handler.metrics.SessionClosed()
		}
		s.handler.logger.Info("Streaming session closed",
			zap.String("session_id", s.id.String()),
		)
	})
}

// readPump consumes inbound frames and dispatches by kind. It owns the
// subscription set's writes.
func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.handler.logger.Warn("Streaming read failed", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Unparseable frames are dropped; a peer that keeps sending
			// them gets disconnected.
			s.protocolErrors++
			if s.protocolErrors >= maxProtocolErrors {
				s.handler.logger.Warn("Closing session after repeated protocol errors",
					zap.String("session_id", s.id.String()),
				)
				return
			}
			continue
		}

		if !s.handleFrame(&frame) {
			return
		}
	}
}

// handleFrame dispatches one frame; returning false closes the session
func (s *session) handleFrame(frame *Frame) bool {
	if s.handler.metrics != nil {
		s.handler.metrics.RecordFrame(string(frame.Type))
	}

	switch frame.Type {
	case TypeSubscribe:
		return s.handleSubscription(frame, true)
	case TypeUnsubscribe:
		return s.handleSubscription(frame, false)
	case TypeUpdate:
		return s.handleUpdate(frame)
	case TypeNoteMetadata:
		return s.handleMetadata(frame)
	case TypeSyncRequest:
		return s.handleSyncRequest(frame)
	default:
		// Unknown kinds are ignored.
		return true
	}
}

func (s *session) handleSubscription(frame *Frame, subscribe bool) bool {
	noteID, err := uuid.Parse(frame.NoteID)
	if err != nil {
		s.sendError(errors.NewBadRequestError("Malformed note ID"))
		return true
	}

	s.mu.Lock()
	if subscribe {
		s.subscriptions[noteID] = true
	} else {
		delete(s.subscriptions, noteID)
	}
	s.mu.Unlock()

	s.handler.logger.Debug("Subscription changed",
		zap.String("session_id", s.id.String()),
		zap.String("note_id", noteID.String()),
		zap.Bool("subscribed", subscribe),
	)
	return true
}

// handleUpdate merges a pushed delta. The merge coordinator publishes the
// delta to the hub after commit; this session's own receiver sees the echo
// too, and the idempotent merge makes the replay harmless on the peer.
func (s *session) handleUpdate(frame *Frame) bool {
	noteID, err := uuid.Parse(frame.NoteID)
	if err != nil {
		s.sendError(errors.NewBadRequestError("Malformed note ID"))
		return false
	}

	var payload string
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(errors.NewBadRequestError("Malformed update payload"))
		return false
	}
	update, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		s.sendError(errors.NewBadRequestError("Malformed base64 payload"))
		return false
	}

	if _, err := s.handler.mergeService.Merge(s.ctx(), noteID, update); err != nil {
		s.sendError(errors.FromError(err))
		return false
	}
	return true
}

func (s *session) handleMetadata(frame *Frame) bool {
	var note models.Note
	if err := json.Unmarshal(frame.Payload, &note); err != nil {
		s.sendError(errors.NewBadRequestError("Malformed metadata payload"))
		return false
	}

	if err := s.handler.syncService.UpsertMetadata(s.ctx(), &note); err != nil {
		s.sendError(errors.FromError(err))
		return false
	}

	s.handler.hub.BroadcastMetadata(&note)
	return true
}

// handleSyncRequest runs the full batch sync and answers over the local
// response channel, not the hub.
func (s *session) handleSyncRequest(frame *Frame) bool {
	var req models.CrdtSyncRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.sendError(errors.NewBadRequestError("Malformed sync payload"))
		return false
	}

	resp, err := s.handler.syncService.SyncCRDT(s.ctx(), &req)
	if err != nil {
		s.sendError(errors.FromError(err))
		return false
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		s.handler.logger.Error("Failed to encode sync response", zap.Error(err))
		return false
	}
	s.respond(&Frame{Type: TypeSyncResponse, Payload: payload})
	return true
}

// writePump drains the hub receiver and the local response channel, filters
// hub traffic by the subscription set, and keeps the connection alive.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.recv.C():
			frame, ok := s.filter(msg)
			if !ok {
				continue
			}
			if !s.write(frame) {
				return
			}

		case frame := <-s.responses:
			if !s.write(frame) {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

// filter applies the outbound policy: updates only for subscribed notes,
// metadata unconditionally, everything else dropped.
func (s *session) filter(msg hub.Message) (*Frame, bool) {
	switch msg.Kind {
	case hub.KindUpdate:
		s.mu.RLock()
		subscribed := s.subscriptions[msg.NoteID]
		s.mu.RUnlock()
		if !subscribed {
			return nil, false
		}
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, false
		}
		return &Frame{Type: TypeUpdate, NoteID: msg.NoteID.String(), Payload: payload}, true

	case hub.KindNoteMetadata:
		payload, err := json.Marshal(msg.Meta)
		if err != nil {
			return nil, false
		}
		return &Frame{Type: TypeNoteMetadata, NoteID: msg.NoteID.String(), Payload: payload}, true

	default:
		return nil, false
	}
}

func (s *session) write(frame *Frame) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.handler.logger.Warn("Streaming write failed",
			zap.String("session_id", s.id.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *session) respond(frame *Frame) {
	select {
	case s.responses <- frame:
	case <-s.done:
	}
}

func (s *session) sendError(apiErr *errors.APIError) {
	s.respond(&Frame{Type: TypeError, Error: apiErr})
}

func (s *session) ctx() context.Context {
	return context.Background()
}
