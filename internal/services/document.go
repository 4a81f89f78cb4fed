package services

import (
  "context"
  "encoding/json"
  "fmt"
  "strings"
  "time"

  "github.com/google/uuid"
  "gorm.io/gorm"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/repos"
  "github.com/caowijzer/caowijzer-backend/internal/types"
)

type UploadInput struct {
  Name         string `json:"name"`
  CategoryType string `json:"category_type"`
  Content      string `json:"content"`
}

// DocumentStatus is the ingestion progress view for one document.
type DocumentStatus struct {
  DocumentID      string          `json:"document_id"`
  Status          string          `json:"status"`
  Progress        int             `json:"progress"`
  PhasesCompleted []string        `json:"phases_completed"`
  Statistics      json.RawMessage `json:"statistics,omitempty"`
  Warnings        []string        `json:"warnings,omitempty"`
  ErrorMessage    string          `json:"error_message,omitempty"`
  ErrorPhase      string          `json:"error_phase,omitempty"`
  CompletedAt     string          `json:"completed_at,omitempty"`
}

type DocumentService interface {
  Upload(ctx context.Context, in UploadInput) (*types.Document, *types.IngestionRun, error)
  List(ctx context.Context) ([]*types.Document, error)
  Get(ctx context.Context, id uuid.UUID) (*types.Document, error)
  Status(ctx context.Context, id uuid.UUID) (*DocumentStatus, error)
  Reprocess(ctx context.Context, id uuid.UUID) (*types.IngestionRun, error)
}

type documentService struct {
  db  *gorm.DB
  log *logger.Logger

  docRepo  repos.DocumentRepo
  runRepo  repos.IngestionRunRepo
  pipeline IngestionPipelineService
}

func NewDocumentService(
  db *gorm.DB,
  baseLog *logger.Logger,
  docRepo repos.DocumentRepo,
  runRepo repos.IngestionRunRepo,
  pipeline IngestionPipelineService,
) DocumentService {
  log := baseLog.With("service", "DocumentService")
  return &documentService{
    db:       db,
    log:      log,
    docRepo:  docRepo,
    runRepo:  runRepo,
    pipeline: pipeline,
  }
}

func (s *documentService) Upload(ctx context.Context, in UploadInput) (*types.Document, *types.IngestionRun, error) {
  name := strings.TrimSpace(in.Name)
  if name == "" {
    return nil, nil, fmt.Errorf("name required")
  }
  if strings.TrimSpace(in.Content) == "" {
    return nil, nil, fmt.Errorf("content required")
  }

  doc := &types.Document{
    ID:           uuid.New(),
    Name:         name,
    CategoryType: strings.ToLower(strings.TrimSpace(in.CategoryType)),
    Status:       types.PhaseUploaded,
    Content:      in.Content,
  }
  if _, err := s.docRepo.Create(ctx, nil, []*types.Document{doc}); err != nil {
    return nil, nil, fmt.Errorf("create document: %w", err)
  }

  run, err := s.pipeline.EnqueueDocument(ctx, doc.ID)
  if err != nil {
    return nil, nil, fmt.Errorf("enqueue ingestion: %w", err)
  }
  s.log.Info("Document uploaded", "document_id", doc.ID, "name", name, "run_id", run.ID)
  return doc, run, nil
}

func (s *documentService) List(ctx context.Context) ([]*types.Document, error) {
  return s.docRepo.List(ctx, nil)
}

func (s *documentService) Get(ctx context.Context, id uuid.UUID) (*types.Document, error) {
  return s.docRepo.GetByID(ctx, nil, id)
}

func (s *documentService) Status(ctx context.Context, id uuid.UUID) (*DocumentStatus, error) {
  doc, err := s.docRepo.GetByID(ctx, nil, id)
  if err != nil {
    return nil, err
  }
  if doc == nil {
    return nil, nil
  }

  out := &DocumentStatus{
    DocumentID:      doc.ID.String(),
    Status:          doc.Status,
    PhasesCompleted: PhasesCompleted(doc.Status),
    ErrorMessage:    doc.ErrorMessage,
    ErrorPhase:      doc.ErrorPhase,
  }
  if len(doc.Statistics) > 0 {
    out.Statistics = json.RawMessage(doc.Statistics)
  }
  if doc.CompletedAt != nil {
    out.CompletedAt = doc.CompletedAt.UTC().Format(time.RFC3339)
  }

  run, err := s.runRepo.GetLatestByDocumentID(ctx, nil, id)
  if err != nil {
    return nil, err
  }
  if run != nil {
    out.Progress = run.Progress
    if len(run.Warnings) > 0 {
      var warnings []string
      if jErr := json.Unmarshal(run.Warnings, &warnings); jErr == nil {
        out.Warnings = warnings
      }
    }
  }
  return out, nil
}

func (s *documentService) Reprocess(ctx context.Context, id uuid.UUID) (*types.IngestionRun, error) {
  doc, err := s.docRepo.GetByID(ctx, nil, id)
  if err != nil {
    return nil, err
  }
  if doc == nil {
    return nil, nil
  }
  run, err := s.pipeline.EnqueueDocument(ctx, id)
  if err != nil {
    return nil, fmt.Errorf("enqueue ingestion: %w", err)
  }
  s.log.Info("Document reprocess requested", "document_id", id, "run_id", run.ID)
  return run, nil
}
