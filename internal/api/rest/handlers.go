// Package rest provides the request/response API handlers
package rest

import (
	"encoding/base64"
	"net/http"

	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/dochmccrum/sanity/internal/models"
	"github.com/dochmccrum/sanity/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler handles REST API requests
type Handler struct {
	authService   *services.AuthService
	noteService   *services.NoteService
	folderService *services.FolderService
	syncService   *services.SyncService
	logger        *zap.Logger
}

// NewHandler creates a new REST API handler
func NewHandler(
	authService *services.AuthService,
	noteService *services.NoteService,
	folderService *services.FolderService,
	syncService *services.SyncService,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		authService:   authService,
		noteService:   noteService,
		folderService: folderService,
		syncService:   syncService,
		logger:        logger,
	}
}

// SetupRoutes configures all REST API routes
func (h *Handler) SetupRoutes(router *gin.RouterGroup) {
	router.POST("/auth", h.Login)

	notes := router.Group("/notes")
	{
		notes.GET("", h.ListNotes)
		notes.POST("", h.SaveNote)
		notes.GET("/:id", h.GetNote)
		notes.DELETE("/:id", h.DeleteNote)
	}

	folders := router.Group("/folders")
	{
		folders.GET("", h.ListFolders)
		folders.POST("", h.SaveFolder)
		folders.GET("/:id", h.GetFolder)
		folders.DELETE("/:id", h.DeleteFolder)
	}

	sync := router.Group("/sync")
	{
		sync.POST("", h.SyncNotes)
		sync.POST("/folders", h.SyncFolders)
		sync.POST("/crdt", h.SyncCRDT)
	}

	router.GET("/crdt/:note_id", h.GetCrdtState)
}

// Login issues a bearer token for valid credentials
func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewUnauthorizedError("Empty credentials"))
		return
	}

	token, err := h.authService.Login(req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.LoginResponse{Token: token})
}

// ListNotes returns non-deleted notes, optionally scoped to a folder
func (h *Handler) ListNotes(c *gin.Context) {
	folderID, byFolder, err := optionalUUIDQuery(c, "folder_id")
	if err != nil {
		respondError(c, err)
		return
	}

	notes, svcErr := h.noteService.List(c.Request.Context(), folderID, byFolder)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, notes)
}

// GetNote returns a single note
func (h *Handler) GetNote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, errors.NewBadRequestError("Malformed note ID"))
		return
	}

	note, svcErr := h.noteService.Get(c.Request.Context(), id)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, note)
}

// SaveNote upserts a note and broadcasts the stored row
func (h *Handler) SaveNote(c *gin.Context) {
	var input models.NoteInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, errors.NewBadRequestError("Malformed note payload"))
		return
	}

	note, err := h.noteService.Save(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

// DeleteNote soft-deletes a note
func (h *Handler) DeleteNote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, errors.NewBadRequestError("Malformed note ID"))
		return
	}

	if svcErr := h.noteService.Delete(c.Request.Context(), id); svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, models.DeleteResponse{Deleted: true})
}

// ListFolders returns non-deleted folders, optionally scoped to a parent
func (h *Handler) ListFolders(c *gin.Context) {
	parentID, byParent, err := optionalUUIDQuery(c, "parent_id")
	if err != nil {
		respondError(c, err)
		return
	}

	folders, svcErr := h.folderService.List(c.Request.Context(), parentID, byParent)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, folders)
}

// GetFolder returns a single folder
func (h *Handler) GetFolder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, errors.NewBadRequestError("Malformed folder ID"))
		return
	}

	folder, svcErr := h.folderService.Get(c.Request.Context(), id)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, folder)
}

// SaveFolder upserts a folder
func (h *Handler) SaveFolder(c *gin.Context) {
	var input models.FolderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, errors.NewBadRequestError("Malformed folder payload"))
		return
	}

	folder, err := h.folderService.Save(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, folder)
}

// DeleteFolder soft-deletes the folder subtree and the notes inside it
func (h *Handler) DeleteFolder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, errors.NewBadRequestError("Malformed folder ID"))
		return
	}

	if svcErr := h.folderService.Delete(c.Request.Context(), id); svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, models.DeleteResponse{Deleted: true})
}

// SyncNotes handles the legacy metadata sync exchange
func (h *Handler) SyncNotes(c *gin.Context) {
	var req models.SyncNotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewBadRequestError("Malformed sync payload"))
		return
	}

	resp, err := h.syncService.SyncNotes(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SyncFolders handles the folder hierarchy sync exchange
func (h *Handler) SyncFolders(c *gin.Context) {
	var req models.SyncFoldersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewBadRequestError("Malformed sync payload"))
		return
	}

	resp, err := h.syncService.SyncFolders(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SyncCRDT handles the differential document sync exchange
func (h *Handler) SyncCRDT(c *gin.Context) {
	var req models.CrdtSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewBadRequestError("Malformed sync payload"))
		return
	}

	resp, err := h.syncService.SyncCRDT(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetCrdtState returns the stored snapshot pair for one note, or null when
// no document exists yet
func (h *Handler) GetCrdtState(c *gin.Context) {
	noteID, err := uuid.Parse(c.Param("note_id"))
	if err != nil {
		respondError(c, errors.NewBadRequestError("Malformed note ID"))
		return
	}

	state, svcErr := h.syncService.GetDocumentState(c.Request.Context(), noteID)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	if state == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, models.CrdtStateResponse{
		NoteID:      state.NoteID,
		YdocState:   base64.StdEncoding.EncodeToString(state.DocState),
		StateVector: base64.StdEncoding.EncodeToString(state.StateVector),
		UpdatedAt:   state.UpdatedAt,
	})
}

// optionalUUIDQuery parses a query parameter that may be absent, empty,
// "null", or a UUID. Empty and "null" explicitly select the no-parent case.
func optionalUUIDQuery(c *gin.Context, name string) (*uuid.UUID, bool, error) {
	raw, present := c.GetQuery(name)
	if !present {
		return nil, false, nil
	}
	if raw == "" || raw == "null" {
		return nil, true, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, false, errors.NewBadRequestError("Malformed " + name)
	}
	return &id, true, nil
}

func respondError(c *gin.Context, err error) {
	apiErr := errors.FromError(err)
	if requestID := c.GetString("request_id"); requestID != "" {
		apiErr.WithRequestID(requestID)
	}
	c.JSON(apiErr.HTTPStatus(), apiErr)
}
