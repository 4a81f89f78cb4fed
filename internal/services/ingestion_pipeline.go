package services

import (
  "context"
  "fmt"
  "runtime"
  "time"

  "github.com/google/uuid"
  "golang.org/x/sync/semaphore"
  "gorm.io/datatypes"
  "gorm.io/gorm"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/repos"
  "github.com/caowijzer/caowijzer-backend/internal/types"
  "github.com/caowijzer/caowijzer-backend/internal/utils"
)

type IngestionPipelineService interface {
  EnqueueDocument(ctx context.Context, documentID uuid.UUID) (*types.IngestionRun, error)
  StartWorker(ctx context.Context)
}

type ingestionPipelineService struct {
  db  *gorm.DB
  log *logger.Logger

  docRepo   repos.DocumentRepo
  chunkRepo repos.DocumentChunkRepo
  runRepo   repos.IngestionRunRepo

  extractor StructureExtractorService
  builder   GraphBuilderService
  ai        AIClient

  maxConcurrent  int64
  embedBatchSize int
  memorySoftMB   int
}

func NewIngestionPipelineService(
  db *gorm.DB,
  baseLog *logger.Logger,
  docRepo repos.DocumentRepo,
  chunkRepo repos.DocumentChunkRepo,
  runRepo repos.IngestionRunRepo,
  extractor StructureExtractorService,
  builder GraphBuilderService,
  ai AIClient,
) IngestionPipelineService {
  log := baseLog.With("service", "IngestionPipelineService")

  defaultWorkers := runtime.GOMAXPROCS(0)
  if defaultWorkers > 4 {
    // Capped for memory safety: each in-flight document holds its chunk set
    // and embedding buffers.
    defaultWorkers = 4
  }
  maxConcurrent := utils.GetEnvAsInt("PIPELINE_MAX_CONCURRENT", defaultWorkers, log)
  if maxConcurrent < 1 {
    maxConcurrent = 1
  }

  return &ingestionPipelineService{
    db:             db,
    log:            log,
    docRepo:        docRepo,
    chunkRepo:      chunkRepo,
    runRepo:        runRepo,
    extractor:      extractor,
    builder:        builder,
    ai:             ai,
    maxConcurrent:  int64(maxConcurrent),
    embedBatchSize: utils.GetEnvAsInt("EMBED_BATCH_SIZE", 64, log),
    memorySoftMB:   utils.GetEnvAsInt("PIPELINE_MEMORY_SOFT_MB", 0, log),
  }
}

func (ips *ingestionPipelineService) EnqueueDocument(ctx context.Context, documentID uuid.UUID) (*types.IngestionRun, error) {
  var run *types.IngestionRun

  err := ips.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
    doc, err := ips.docRepo.GetByID(ctx, tx, documentID)
    if err != nil {
      return fmt.Errorf("load document: %w", err)
    }
    if doc == nil {
      return fmt.Errorf("document not found")
    }

    existing, err := ips.runRepo.GetLatestByDocumentID(ctx, tx, documentID)
    if err != nil {
      return fmt.Errorf("load latest run: %w", err)
    }
    if existing != nil && (existing.Status == "queued" || existing.Status == "running") {
      run = existing
      return nil
    }

    now := time.Now()
    run = &types.IngestionRun{
      ID:         uuid.New(),
      DocumentID: documentID,
      Status:     "queued",
      Phase:      types.PhaseUploaded,
      Progress:   0,
      Attempts:   0,
      Warnings:   datatypes.JSON([]byte(`[]`)),
      Stats:      datatypes.JSON([]byte(`{}`)),
      CreatedAt:  now,
      UpdatedAt:  now,
    }
    if _, err := ips.runRepo.Create(ctx, tx, []*types.IngestionRun{run}); err != nil {
      return fmt.Errorf("create ingestion run: %w", err)
    }

    // Reset the document's phase record for the fresh attempt.
    return ips.docRepo.SetPhase(ctx, tx, documentID, types.PhaseUploaded, map[string]interface{}{
      "error_message": "",
      "error_phase":   "",
      "completed_at":  nil,
    })
  })
  if err != nil {
    return nil, err
  }
  return run, nil
}

func (ips *ingestionPipelineService) StartWorker(ctx context.Context) {
  sem := semaphore.NewWeighted(ips.maxConcurrent)

  go func() {
    ticker := time.NewTicker(1 * time.Second)
    defer ticker.Stop()

    // A failed run stays failed; the worker only picks up queued runs and
    // crash-orphaned running ones. Retrying a fatal failure takes an explicit
    // reprocess request.
    staleRunning := 2 * time.Minute

    for {
      select {
      case <-ctx.Done():
        return
      case <-ticker.C:
        // Acquire before claiming so a claimed run never waits unheartbeated
        // behind a full pool.
        if err := sem.Acquire(ctx, 1); err != nil {
          return
        }
        run, err := ips.runRepo.ClaimNextRunnable(ctx, ips.db, staleRunning)
        if err != nil {
          ips.log.Warn("ClaimNextRunnable failed", "error", err)
          sem.Release(1)
          continue
        }
        if run == nil {
          sem.Release(1)
          continue
        }
        go func(r *types.IngestionRun) {
          defer sem.Release(1)
          ips.processRun(ctx, r)
        }(run)
      }
    }
  }()
}

func (ips *ingestionPipelineService) processRun(ctx context.Context, run *types.IngestionRun) {
  runID := run.ID
  docID := run.DocumentID

  stats := map[string]any{}
  warnings := []string{}

  done := make(chan struct{})
  defer close(done)
  go func() {
    hb := time.NewTicker(30 * time.Second)
    defer hb.Stop()
    for {
      select {
      case <-done:
        return
      case <-hb.C:
        if hbErr := ips.runRepo.Heartbeat(ctx, nil, runID); hbErr != nil {
          ips.log.Debug("Heartbeat write failed", "run_id", runID, "error", hbErr)
        }
      }
    }
  }()

  fail := func(phase string, err error) {
    ips.log.Error("Pipeline phase failed", "document_id", docID, "phase", phase, "error", err)
    now := time.Now()
    if uErr := ips.runRepo.UpdateFields(ctx, nil, runID, map[string]any{
      "status":        "failed",
      "phase":         phase,
      "error":         err.Error(),
      "warnings":      datatypes.JSON(mustJSON(warnings)),
      "stats":         datatypes.JSON(mustJSON(stats)),
      "last_error_at": now,
      "locked_at":     nil,
      "updated_at":    now,
    }); uErr != nil {
      ips.log.Error("Could not persist run failure", "run_id", runID, "error", uErr)
    }
    if uErr := ips.docRepo.SetPhase(ctx, nil, docID, types.PhaseError, map[string]interface{}{
      "error_message": err.Error(),
      "error_phase":   phase,
      "statistics":    datatypes.JSON(mustJSON(stats)),
    }); uErr != nil {
      ips.log.Error("Could not persist document error state", "document_id", docID, "error", uErr)
    }
  }

  // Each transition persists phase + statistics before the phase runs; this
  // is the durability boundary a manual retry resumes from.
  progress := func(phase string, pct int) {
    now := time.Now()
    if uErr := ips.runRepo.UpdateFields(ctx, nil, runID, map[string]any{
      "phase":        phase,
      "progress":     pct,
      "stats":        datatypes.JSON(mustJSON(stats)),
      "heartbeat_at": now,
      "updated_at":   now,
    }); uErr != nil {
      ips.log.Warn("Could not persist run progress", "run_id", runID, "phase", phase, "error", uErr)
    }
    if uErr := ips.docRepo.SetPhase(ctx, nil, docID, phase, map[string]interface{}{
      "statistics": datatypes.JSON(mustJSON(stats)),
    }); uErr != nil {
      ips.log.Warn("Could not persist document phase", "document_id", docID, "phase", phase, "error", uErr)
    }
  }

  doc, err := ips.docRepo.GetByID(ctx, nil, docID)
  if err != nil {
    fail(types.PhaseChunking, fmt.Errorf("load document: %w", err))
    return
  }
  if doc == nil {
    fail(types.PhaseChunking, fmt.Errorf("document %s not found", docID))
    return
  }

  // 1) CHUNKING (fatal on failure)
  progress(types.PhaseChunking, 10)
  chunks := chunkDocumentText(doc.ID, doc.Content)
  if len(chunks) == 0 {
    fail(types.PhaseChunking, fmt.Errorf("no text content to chunk"))
    return
  }
  stats["total_chunks"] = len(chunks)

  // 2) EMBEDDING (fatal on failure); fixed-size batches, buffers released
  // between batches, paused under memory pressure.
  progress(types.PhaseEmbedding, 30)
  batchSize := ips.embedBatchSize
  if batchSize < 1 {
    batchSize = 64
  }
  for start := 0; start < len(chunks); start += batchSize {
    if err := ips.waitForMemory(ctx); err != nil {
      fail(types.PhaseEmbedding, err)
      return
    }

    end := start + batchSize
    if end > len(chunks) {
      end = len(chunks)
    }
    batch := chunks[start:end]
    inputs := make([]string, len(batch))
    for i, ch := range batch {
      inputs[i] = ch.Text
    }

    vecs, err := ips.ai.Embed(ctx, inputs, EmbedModeDocument)
    if err != nil {
      fail(types.PhaseEmbedding, fmt.Errorf("embed batch at %d: %w", start, err))
      return
    }
    for i, ch := range batch {
      ch.Embedding = datatypes.JSON(mustJSON(vecs[i]))
    }
    inputs = nil
    vecs = nil
  }

  // 3) SAVING CHUNKS: reprocessing replaces, never appends.
  progress(types.PhaseSavingChunks, 55)
  if err := ips.chunkRepo.DeleteByDocumentID(ctx, nil, doc.ID); err != nil {
    fail(types.PhaseSavingChunks, fmt.Errorf("clear prior chunks: %w", err))
    return
  }
  if _, err := ips.chunkRepo.Create(ctx, nil, chunks); err != nil {
    fail(types.PhaseSavingChunks, fmt.Errorf("save chunks: %w", err))
    return
  }

  // 4) STRUCTURE ANALYSIS: extraction failure degrades to fallback inside
  // the extractor and is only ever a warning here.
  progress(types.PhaseAnalyzingStructure, 70)
  segments := make([]string, len(chunks))
  for i, ch := range chunks {
    segments[i] = ch.Text
  }
  extraction, err := ips.extractor.Extract(ctx, doc.Name, doc.CategoryType, segments)
  if err != nil {
    warnings = append(warnings, fmt.Sprintf("structure extraction failed: %v", err))
    extraction = fallbackExtraction(doc.Name, doc.CategoryType, segments)
  }
  warnings = append(warnings, extraction.Validation.Warnings...)
  stats["analysis_tokens"] = extraction.TokensUsed
  stats["coverage_percentage"] = extraction.Validation.CoveragePercentage
  if uErr := ips.docRepo.UpdateFields(ctx, nil, doc.ID, map[string]interface{}{
    "analysis":        datatypes.JSON(mustJSON(extraction)),
    "analysis_tokens": extraction.TokensUsed,
  }); uErr != nil {
    ips.log.Warn("Could not persist structure analysis", "document_id", doc.ID, "error", uErr)
  }

  // 5) GRAPH BUILD: builder-level failure is fatal, single-entity errors are
  // aggregated warnings.
  progress(types.PhaseBuildingGraph, 85)
  chunkRefs := make(map[int]ChunkRef, len(chunks))
  for _, ch := range chunks {
    chunkRefs[ch.Index] = ChunkRef{ID: ch.ID, TokenCount: ch.TokenCount}
  }
  buildResult := ips.builder.Build(ctx, BuildInput{
    DocumentID:      doc.ID,
    DocumentName:    doc.Name,
    CategoryType:    doc.CategoryType,
    Extraction:      extraction,
    ChunkIDsByIndex: chunkRefs,
  })
  warnings = append(warnings, buildResult.Warnings...)
  warnings = append(warnings, buildResult.Errors...)
  stats["graph_articles"] = buildResult.ArticlesCreated
  stats["graph_relations"] = buildResult.RelationsCreated
  stats["graph_chunks_linked"] = buildResult.ChunksLinked
  stats["graph_nodes"] = buildResult.ArticlesCreated + buildResult.ChunksLinked + 1
  if !buildResult.Success {
    fail(types.PhaseBuildingGraph, fmt.Errorf("graph build failed: %v", buildResult.Errors))
    return
  }

  // 6) VALIDATION (non-fatal): an invalid or erroring validation pass flips
  // the completion flavor, never the run outcome.
  progress(types.PhaseValidating, 95)
  finalPhase := types.PhaseComplete
  validation, err := ips.builder.Validate(ctx, doc.ID, doc.Name)
  if err != nil {
    warnings = append(warnings, fmt.Sprintf("graph validation failed: %v", err))
    finalPhase = types.PhaseCompleteWithWarnings
  } else if validation != nil {
    warnings = append(warnings, validation.Warnings...)
    if !validation.Valid {
      finalPhase = types.PhaseCompleteWithWarnings
    }
  }

  now := time.Now()
  if uErr := ips.docRepo.SetPhase(ctx, nil, doc.ID, finalPhase, map[string]interface{}{
    "statistics":   datatypes.JSON(mustJSON(stats)),
    "completed_at": now,
  }); uErr != nil {
    ips.log.Error("Could not persist document completion", "document_id", doc.ID, "error", uErr)
  }
  if uErr := ips.runRepo.UpdateFields(ctx, nil, runID, map[string]any{
    "status":       "succeeded",
    "phase":        finalPhase,
    "progress":     100,
    "error":        "",
    "warnings":     datatypes.JSON(mustJSON(warnings)),
    "stats":        datatypes.JSON(mustJSON(stats)),
    "locked_at":    nil,
    "heartbeat_at": now,
    "updated_at":   now,
  }); uErr != nil {
    ips.log.Error("Could not persist run completion", "run_id", runID, "error", uErr)
  }
  ips.log.Info("Pipeline run complete", "document_id", docID, "phase", finalPhase, "warnings", len(warnings))
}

// waitForMemory pauses (not fails) while process heap usage exceeds the soft
// limit, resuming once it drops. Disabled when PIPELINE_MEMORY_SOFT_MB <= 0.
func (ips *ingestionPipelineService) waitForMemory(ctx context.Context) error {
  if ips.memorySoftMB <= 0 {
    return nil
  }
  for {
    var ms runtime.MemStats
    runtime.ReadMemStats(&ms)
    usedMB := int(ms.HeapAlloc / (1024 * 1024))
    if usedMB < ips.memorySoftMB {
      return nil
    }
    ips.log.Warn("Pausing embedding for memory pressure", "heap_mb", usedMB, "soft_limit_mb", ips.memorySoftMB)
    runtime.GC()
    select {
    case <-ctx.Done():
      return ctx.Err()
    case <-time.After(2 * time.Second):
    }
  }
}

// PhasesCompleted returns the prefix of the canonical phase sequence a
// document at the given status has passed through.
func PhasesCompleted(status string) []string {
  if status == types.PhaseCompleteWithWarnings {
    status = types.PhaseComplete
  }
  out := []string{}
  for _, p := range types.PhaseSequence {
    if p == status {
      break
    }
    out = append(out, p)
  }
  return out
}
