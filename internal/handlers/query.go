package handlers

import (
  "net/http"

  "github.com/gin-gonic/gin"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/services"
)

type QueryHandler struct {
  log       *logger.Logger
  retriever services.RetrieverService
}

func NewQueryHandler(baseLog *logger.Logger, retriever services.RetrieverService) *QueryHandler {
  log := baseLog.With("handler", "QueryHandler")
  return &QueryHandler{log: log, retriever: retriever}
}

type queryRequest struct {
  Question            string  `json:"question"`
  MaxResults          int     `json:"max_results"`
  SimilarityThreshold float64 `json:"similarity_threshold"`
}

// Ask answers a natural-language question over the ingested agreements. The
// question itself is never logged in plaintext; the logger hashes it.
func (h *QueryHandler) Ask(c *gin.Context) {
  var req queryRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_body", err)
    return
  }
  result, err := h.retriever.Query(c.Request.Context(), services.QueryInput{
    Question:            req.Question,
    MaxResults:          req.MaxResults,
    SimilarityThreshold: req.SimilarityThreshold,
  })
  if err != nil {
    RespondError(c, http.StatusBadRequest, "query_failed", err)
    return
  }
  h.log.Info("Query answered", "question", req.Question, "grounded", result.Grounded, "sources", len(result.Sources))
  RespondOK(c, result)
}
