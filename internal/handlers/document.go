package handlers

import (
  "fmt"
  "net/http"

  "github.com/gin-gonic/gin"
  "github.com/google/uuid"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/services"
)

type DocumentHandler struct {
  log *logger.Logger
  svc services.DocumentService
}

func NewDocumentHandler(baseLog *logger.Logger, svc services.DocumentService) *DocumentHandler {
  log := baseLog.With("handler", "DocumentHandler")
  return &DocumentHandler{log: log, svc: svc}
}

// Upload accepts a raw agreement text and queues it for ingestion.
func (h *DocumentHandler) Upload(c *gin.Context) {
  var in services.UploadInput
  if err := c.ShouldBindJSON(&in); err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_body", err)
    return
  }
  doc, run, err := h.svc.Upload(c.Request.Context(), in)
  if err != nil {
    RespondError(c, http.StatusBadRequest, "upload_failed", err)
    return
  }
  RespondAccepted(c, gin.H{
    "document": doc,
    "run_id":   run.ID,
  })
}

func (h *DocumentHandler) List(c *gin.Context) {
  docs, err := h.svc.List(c.Request.Context())
  if err != nil {
    RespondError(c, http.StatusInternalServerError, "list_failed", err)
    return
  }
  RespondOK(c, gin.H{"documents": docs})
}

func (h *DocumentHandler) Get(c *gin.Context) {
  id, err := uuid.Parse(c.Param("id"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_id", err)
    return
  }
  doc, err := h.svc.Get(c.Request.Context(), id)
  if err != nil {
    RespondError(c, http.StatusInternalServerError, "get_failed", err)
    return
  }
  if doc == nil {
    RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("document %s not found", id))
    return
  }
  RespondOK(c, gin.H{"document": doc})
}

func (h *DocumentHandler) Status(c *gin.Context) {
  id, err := uuid.Parse(c.Param("id"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_id", err)
    return
  }
  status, err := h.svc.Status(c.Request.Context(), id)
  if err != nil {
    RespondError(c, http.StatusInternalServerError, "status_failed", err)
    return
  }
  if status == nil {
    RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("document %s not found", id))
    return
  }
  RespondOK(c, status)
}

func (h *DocumentHandler) Reprocess(c *gin.Context) {
  id, err := uuid.Parse(c.Param("id"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_id", err)
    return
  }
  run, err := h.svc.Reprocess(c.Request.Context(), id)
  if err != nil {
    RespondError(c, http.StatusInternalServerError, "reprocess_failed", err)
    return
  }
  if run == nil {
    RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("document %s not found", id))
    return
  }
  RespondAccepted(c, gin.H{"run_id": run.ID, "status": run.Status})
}
