package services

import (
  "context"
  "fmt"
  "strings"
  "testing"
  "time"

  "github.com/google/uuid"
  "gorm.io/gorm"

  "github.com/caowijzer/caowijzer-backend/internal/types"
)

// phaseRecordingDocRepo remembers every phase transition in order.
type phaseRecordingDocRepo struct {
  stubDocumentRepo
  phases   []string
  writeErr error
}

func (r *phaseRecordingDocRepo) SetPhase(_ context.Context, _ *gorm.DB, _ uuid.UUID, phase string, _ map[string]interface{}) error {
  r.phases = append(r.phases, phase)
  return r.writeErr
}

type stubRunRepo struct {
  runs     map[uuid.UUID]*types.IngestionRun
  updates  []map[string]interface{}
  writeErr error
}

func (s *stubRunRepo) Create(_ context.Context, _ *gorm.DB, runs []*types.IngestionRun) ([]*types.IngestionRun, error) {
  for _, r := range runs {
    s.runs[r.ID] = r
  }
  return runs, nil
}

func (s *stubRunRepo) GetByID(_ context.Context, _ *gorm.DB, id uuid.UUID) (*types.IngestionRun, error) {
  return s.runs[id], nil
}

func (s *stubRunRepo) GetLatestByDocumentID(_ context.Context, _ *gorm.DB, documentID uuid.UUID) (*types.IngestionRun, error) {
  var latest *types.IngestionRun
  for _, r := range s.runs {
    if r.DocumentID != documentID {
      continue
    }
    if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
      latest = r
    }
  }
  return latest, nil
}

func (s *stubRunRepo) ClaimNextRunnable(_ context.Context, _ *gorm.DB, _ time.Duration) (*types.IngestionRun, error) {
  for _, r := range s.runs {
    if r.Status == "queued" {
      r.Status = "running"
      r.Attempts++
      return r, nil
    }
  }
  return nil, nil
}

func (s *stubRunRepo) UpdateFields(_ context.Context, _ *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
  s.updates = append(s.updates, updates)
  if r, ok := s.runs[id]; ok {
    if v, ok := updates["status"].(string); ok {
      r.Status = v
    }
    if v, ok := updates["phase"].(string); ok {
      r.Phase = v
    }
    if v, ok := updates["progress"].(int); ok {
      r.Progress = v
    }
  }
  return s.writeErr
}

func (s *stubRunRepo) Heartbeat(_ context.Context, _ *gorm.DB, _ uuid.UUID) error {
  return nil
}

func newPipelineFixture(t *testing.T, ai AIClient, doc *types.Document) (*ingestionPipelineService, *phaseRecordingDocRepo, *stubChunkRepo, *stubRunRepo, *types.IngestionRun) {
  t.Helper()
  log := testLogger(t)

  docRepo := &phaseRecordingDocRepo{stubDocumentRepo: stubDocumentRepo{docs: map[uuid.UUID]*types.Document{doc.ID: doc}}}
  chunkRepo := &stubChunkRepo{}
  runRepo := &stubRunRepo{runs: map[uuid.UUID]*types.IngestionRun{}}

  run := &types.IngestionRun{
    ID:         uuid.New(),
    DocumentID: doc.ID,
    Status:     "running",
    Phase:      types.PhaseUploaded,
    CreatedAt:  time.Now(),
  }
  runRepo.runs[run.ID] = run

  svc := &ingestionPipelineService{
    log:            log,
    docRepo:        docRepo,
    chunkRepo:      chunkRepo,
    runRepo:        runRepo,
    extractor:      NewStructureExtractorService(log, ai),
    builder:        NewGraphBuilderService(log, nil),
    ai:             ai,
    maxConcurrent:  1,
    embedBatchSize: 2,
  }
  return svc, docRepo, chunkRepo, runRepo, run
}

func caoTestContent() string {
  var b strings.Builder
  for i := 1; i <= 5; i++ {
    b.WriteString(fmt.Sprintf("Artikel %d Bepaling\n", i))
    b.WriteString(strings.Repeat("De werkgever en werknemer komen het volgende overeen. ", 3))
    b.WriteString("\n")
  }
  return b.String()
}

func TestProcessRunHappyPathPhases(t *testing.T) {
  doc := &types.Document{ID: uuid.New(), Name: "cao-test.txt", CategoryType: "bedrijfstak", Content: caoTestContent()}
  // Extraction errors so the fallback path runs; the run must still succeed.
  ai := &stubAIClient{
    jsonFn: func(context.Context, string, string, string, map[string]any) (map[string]any, int, error) {
      return nil, 0, fmt.Errorf("extraction unavailable")
    },
  }
  svc, docRepo, chunkRepo, runRepo, run := newPipelineFixture(t, ai, doc)

  svc.processRun(context.Background(), run)

  if got := runRepo.runs[run.ID].Status; got != "succeeded" {
    t.Fatalf("run should succeed, got %q", got)
  }
  if len(chunkRepo.chunks) != 5 {
    t.Fatalf("expected 5 persisted chunks, got %d", len(chunkRepo.chunks))
  }
  if ai.embedCalls != 3 {
    t.Fatalf("5 chunks at batch size 2 should take 3 embed calls, got %d", ai.embedCalls)
  }
  for i, ch := range chunkRepo.chunks {
    if len(ch.Embedding) == 0 {
      t.Fatalf("chunk %d saved without embedding", i)
    }
  }

  // Every transition is a member of the canonical sequence, in order, ending
  // on a completion phase.
  want := []string{
    types.PhaseChunking,
    types.PhaseEmbedding,
    types.PhaseSavingChunks,
    types.PhaseAnalyzingStructure,
    types.PhaseBuildingGraph,
    types.PhaseValidating,
    types.PhaseComplete,
  }
  if len(docRepo.phases) != len(want) {
    t.Fatalf("expected %d phase transitions, got %v", len(want), docRepo.phases)
  }
  for i, p := range want {
    if docRepo.phases[i] != p {
      t.Fatalf("transition %d should be %q, got %q", i, p, docRepo.phases[i])
    }
  }
}

func TestProcessRunEmptyDocumentFailsAtChunking(t *testing.T) {
  doc := &types.Document{ID: uuid.New(), Name: "leeg.txt", Content: "   "}
  svc, docRepo, _, runRepo, run := newPipelineFixture(t, &stubAIClient{}, doc)

  svc.processRun(context.Background(), run)

  if got := runRepo.runs[run.ID].Status; got != "failed" {
    t.Fatalf("run should fail, got %q", got)
  }
  if got := runRepo.runs[run.ID].Phase; got != types.PhaseChunking {
    t.Fatalf("failure phase should be chunking, got %q", got)
  }
  last := docRepo.phases[len(docRepo.phases)-1]
  if last != types.PhaseError {
    t.Fatalf("document should end in error, got %q", last)
  }
}

func TestProcessRunEmbeddingFailureIsFatal(t *testing.T) {
  doc := &types.Document{ID: uuid.New(), Name: "cao-test.txt", Content: caoTestContent()}
  ai := &stubAIClient{
    embedFn: func(context.Context, []string, string) ([][]float32, error) {
      return nil, fmt.Errorf("embedding backend down")
    },
  }
  svc, docRepo, chunkRepo, runRepo, run := newPipelineFixture(t, ai, doc)

  svc.processRun(context.Background(), run)

  if got := runRepo.runs[run.ID].Status; got != "failed" {
    t.Fatalf("run should fail, got %q", got)
  }
  if got := runRepo.runs[run.ID].Phase; got != types.PhaseEmbedding {
    t.Fatalf("failure phase should be embedding, got %q", got)
  }
  if len(chunkRepo.chunks) != 0 {
    t.Fatalf("no chunks should be persisted after an embedding failure")
  }
  last := docRepo.phases[len(docRepo.phases)-1]
  if last != types.PhaseError {
    t.Fatalf("document should end in error, got %q", last)
  }
}

func TestProcessRunReplacesPriorChunks(t *testing.T) {
  doc := &types.Document{ID: uuid.New(), Name: "cao-test.txt", Content: caoTestContent()}
  ai := &stubAIClient{
    jsonFn: func(context.Context, string, string, string, map[string]any) (map[string]any, int, error) {
      return nil, 0, fmt.Errorf("extraction unavailable")
    },
  }
  svc, _, chunkRepo, _, run := newPipelineFixture(t, ai, doc)

  // A stale chunk set from an earlier ingestion of the same document.
  chunkRepo.chunks = []*types.DocumentChunk{
    embeddedChunk(doc.ID, 0, "verouderd fragment", []float32{1}),
    embeddedChunk(doc.ID, 1, "nog een verouderd fragment", []float32{1}),
  }

  svc.processRun(context.Background(), run)

  if len(chunkRepo.chunks) != 5 {
    t.Fatalf("reprocessing should replace, not append; got %d chunks", len(chunkRepo.chunks))
  }
  for _, ch := range chunkRepo.chunks {
    if strings.Contains(ch.Text, "verouderd") {
      t.Fatalf("stale chunk survived reprocessing")
    }
  }
}

func TestProcessRunSurvivesPersistenceWriteFailures(t *testing.T) {
  doc := &types.Document{ID: uuid.New(), Name: "cao-test.txt", CategoryType: "bedrijfstak", Content: caoTestContent()}
  ai := &stubAIClient{
    jsonFn: func(context.Context, string, string, string, map[string]any) (map[string]any, int, error) {
      return nil, 0, fmt.Errorf("extraction unavailable")
    },
  }
  svc, docRepo, chunkRepo, runRepo, run := newPipelineFixture(t, ai, doc)

  // Phase and progress bookkeeping writes fail; the pipeline logs them and
  // keeps processing rather than aborting mid-run.
  docRepo.writeErr = fmt.Errorf("connection reset by peer")
  runRepo.writeErr = fmt.Errorf("connection reset by peer")

  svc.processRun(context.Background(), run)

  if len(chunkRepo.chunks) != 5 {
    t.Fatalf("chunks should still be persisted, got %d", len(chunkRepo.chunks))
  }
  last := docRepo.phases[len(docRepo.phases)-1]
  if last != types.PhaseComplete {
    t.Fatalf("pipeline should still run to completion, got %q", last)
  }
}

func TestPhasesCompleted(t *testing.T) {
  if got := PhasesCompleted(types.PhaseUploaded); len(got) != 0 {
    t.Fatalf("uploaded has no completed phases, got %v", got)
  }
  got := PhasesCompleted(types.PhaseBuildingGraph)
  want := []string{types.PhaseUploaded, types.PhaseChunking, types.PhaseEmbedding, types.PhaseSavingChunks, types.PhaseAnalyzingStructure}
  if len(got) != len(want) {
    t.Fatalf("expected %v, got %v", want, got)
  }
  for i := range want {
    if got[i] != want[i] {
      t.Fatalf("expected %v, got %v", want, got)
    }
  }

  full := PhasesCompleted(types.PhaseComplete)
  if len(full) != len(types.PhaseSequence)-1 {
    t.Fatalf("complete should report all prior phases, got %v", full)
  }
  withWarnings := PhasesCompleted(types.PhaseCompleteWithWarnings)
  if len(withWarnings) != len(full) {
    t.Fatalf("complete_with_warnings should mirror complete, got %v", withWarnings)
  }
}
