package services

import (
  "context"
  "fmt"
  "strings"
  "testing"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
)

// stubAIClient scripts the three outbound call kinds per test.
type stubAIClient struct {
  embedFn    func(ctx context.Context, inputs []string, mode string) ([][]float32, error)
  jsonFn     func(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, int, error)
  textFn     func(ctx context.Context, system, user string) (string, error)
  embedCalls int
}

func (s *stubAIClient) Embed(ctx context.Context, inputs []string, mode string) ([][]float32, error) {
  s.embedCalls++
  if s.embedFn != nil {
    return s.embedFn(ctx, inputs, mode)
  }
  out := make([][]float32, len(inputs))
  for i := range inputs {
    out[i] = []float32{1, 0, 0}
  }
  return out, nil
}

func (s *stubAIClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, int, error) {
  if s.jsonFn != nil {
    return s.jsonFn(ctx, system, user, schemaName, schema)
  }
  return nil, 0, fmt.Errorf("not scripted")
}

func (s *stubAIClient) GenerateText(ctx context.Context, system, user string) (string, error) {
  if s.textFn != nil {
    return s.textFn(ctx, system, user)
  }
  return "", fmt.Errorf("not scripted")
}

func testLogger(t *testing.T) *logger.Logger {
  t.Helper()
  log, err := logger.New("test")
  if err != nil {
    t.Fatalf("init logger: %v", err)
  }
  return log
}

func TestExtractFallsBackWhenServiceFails(t *testing.T) {
  ai := &stubAIClient{
    jsonFn: func(context.Context, string, string, string, map[string]any) (map[string]any, int, error) {
      return nil, 0, fmt.Errorf("upstream unavailable")
    },
  }
  svc := NewStructureExtractorService(testLogger(t), ai)

  segments := []string{
    "Artikel 3 Vakantie\nDe werknemer heeft recht op vakantie met behoud van loon.",
    "Algemene bepalingen over de looptijd van deze overeenkomst.",
  }
  out, err := svc.Extract(context.Background(), "cao-metaal.txt", "bedrijfstak", segments)
  if err != nil {
    t.Fatalf("fallback path must not error: %v", err)
  }
  if !out.Fallback {
    t.Fatalf("expected fallback extraction")
  }
  if len(out.Articles) != len(segments) {
    t.Fatalf("fallback should produce one article per segment, got %d", len(out.Articles))
  }
  if out.Articles[0].Number != "3" {
    t.Fatalf("article number should come from the header, got %q", out.Articles[0].Number)
  }
  if out.Articles[1].Number != "2" {
    t.Fatalf("headerless segment should be position-numbered, got %q", out.Articles[1].Number)
  }
  if len(out.Relations) != 0 {
    t.Fatalf("fallback never extracts relations")
  }
  if len(out.Validation.Warnings) == 0 {
    t.Fatalf("fallback must carry coverage warnings")
  }
  for i, a := range out.Articles {
    if len(a.ChunkIndices) != 1 || a.ChunkIndices[0] != i {
      t.Fatalf("article %d should map to its own segment, got %v", i, a.ChunkIndices)
    }
  }
}

func TestExtractParsesServiceOutput(t *testing.T) {
  ai := &stubAIClient{
    jsonFn: func(_ context.Context, _ string, user string, schemaName string, _ map[string]any) (map[string]any, int, error) {
      if schemaName != "cao_structure" {
        t.Fatalf("unexpected schema name %q", schemaName)
      }
      if !strings.Contains(user, "[0]") {
        t.Fatalf("prompt should carry indexed segments")
      }
      return map[string]any{
        "metadata": map[string]any{"name": "", "type": "", "version": "2024", "effective_date": "2024-01-01", "sector": "metaal", "description": ""},
        "articles": []any{
          map[string]any{"number": "1", "title": "Looptijd", "section": "A", "tags": []any{"duur"}, "chunk_indices": []any{0.0}},
        },
        "relations": []any{},
        "validation": map[string]any{
          "estimated_total_articles": 1.0,
          "coverage_percentage":      100.0,
          "warnings":                 []any{},
        },
      }, 321, nil
    },
  }
  svc := NewStructureExtractorService(testLogger(t), ai)

  out, err := svc.Extract(context.Background(), "cao-metaal.txt", "bedrijfstak", []string{"Artikel 1 Looptijd. Deze overeenkomst loopt tot eind 2024."})
  if err != nil {
    t.Fatalf("extract: %v", err)
  }
  if out.Fallback {
    t.Fatalf("successful extraction should not be flagged fallback")
  }
  if out.TokensUsed != 321 {
    t.Fatalf("tokens not propagated, got %d", out.TokensUsed)
  }
  // Empty metadata backfills from the document.
  if out.Metadata.Name != "cao-metaal.txt" || out.Metadata.Type != "bedrijfstak" {
    t.Fatalf("metadata not backfilled: %+v", out.Metadata)
  }
  if len(out.Articles) != 1 || out.Articles[0].ChunkIndices[0] != 0 {
    t.Fatalf("unexpected articles: %+v", out.Articles)
  }
}

func TestExtractEmptyInput(t *testing.T) {
  svc := NewStructureExtractorService(testLogger(t), &stubAIClient{})
  if _, err := svc.Extract(context.Background(), "x", "", nil); err == nil {
    t.Fatalf("expected error for empty segment list")
  }
}

func TestWindowSegments(t *testing.T) {
  segs := []string{strings.Repeat("a", 400), strings.Repeat("b", 400), strings.Repeat("c", 400)}

  kept, truncated := windowSegments(segs, 1000)
  if truncated {
    t.Fatalf("300 tokens should fit a 1000 token budget")
  }
  if len(kept) != 3 {
    t.Fatalf("expected all segments kept, got %d", len(kept))
  }

  kept, truncated = windowSegments(segs, 150)
  if !truncated {
    t.Fatalf("expected truncation")
  }
  if len(kept) != 1 {
    t.Fatalf("expected 1 segment within budget, got %d", len(kept))
  }

  // A single oversized segment is clipped, not dropped.
  kept, truncated = windowSegments([]string{strings.Repeat("x", 4000)}, 100)
  if !truncated || len(kept) != 1 {
    t.Fatalf("oversized segment should be clipped and kept")
  }
  if len(kept[0]) > 400 {
    t.Fatalf("clip should respect the budget, got %d chars", len(kept[0]))
  }
}
