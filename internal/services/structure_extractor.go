package services

import (
  "context"
  "encoding/json"
  "fmt"
  "strings"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/types"
  "github.com/caowijzer/caowijzer-backend/internal/utils"
)

// StructureExtractorService turns an ordered sequence of document segments
// into the structured article/relation shape the graph builder consumes. It
// is a pure transformation plus one outbound reasoning call; any failure of
// that call degrades to deterministic fallback segmentation.
type StructureExtractorService interface {
  Extract(ctx context.Context, documentName string, categoryType string, segments []string) (*types.StructureExtraction, error)
}

type structureExtractorService struct {
  log *logger.Logger
  ai  AIClient

  maxInputTokens int
}

func NewStructureExtractorService(baseLog *logger.Logger, ai AIClient) StructureExtractorService {
  log := baseLog.With("service", "StructureExtractorService")
  return &structureExtractorService{
    log:            log,
    ai:             ai,
    maxInputTokens: utils.GetEnvAsInt("EXTRACT_MAX_INPUT_TOKENS", 24000, log),
  }
}

func (s *structureExtractorService) Extract(ctx context.Context, documentName string, categoryType string, segments []string) (*types.StructureExtraction, error) {
  if len(segments) == 0 {
    return nil, fmt.Errorf("no segments to extract from")
  }

  windowed, truncated := windowSegments(segments, s.maxInputTokens)

  result, err := s.callReasoningService(ctx, documentName, categoryType, windowed, truncated, len(segments))
  if err != nil || len(result.Articles) == 0 {
    if err != nil {
      s.log.Warn("Structure extraction failed, using fallback segmentation", "document", documentName, "error", err)
    } else {
      s.log.Warn("Structure extraction returned no articles, using fallback segmentation", "document", documentName)
    }
    return fallbackExtraction(documentName, categoryType, segments), nil
  }
  if truncated {
    result.Validation.Warnings = append(result.Validation.Warnings,
      fmt.Sprintf("input truncated to %d of %d segments; coverage reduced", len(windowed), len(segments)))
  }
  return result, nil
}

// windowSegments caps the input at roughly budget tokens, keeping whole
// segments. The tail is never dropped silently; the caller records reduced
// coverage when truncated.
func windowSegments(segments []string, budgetTokens int) ([]string, bool) {
  if budgetTokens <= 0 {
    return segments, false
  }
  used := 0
  for i, seg := range segments {
    used += estimateTokens(seg)
    if used > budgetTokens {
      if i == 0 {
        // A single oversized segment is clipped rather than dropped.
        clipped := segments[0]
        maxChars := budgetTokens * 4
        if len(clipped) > maxChars {
          clipped = clipped[:maxChars]
        }
        return []string{clipped}, true
      }
      return segments[:i], true
    }
  }
  return segments, false
}

func extractionSchema() map[string]any {
  stringArray := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
  return map[string]any{
    "type": "object",
    "properties": map[string]any{
      "metadata": map[string]any{
        "type": "object",
        "properties": map[string]any{
          "name":           map[string]any{"type": "string"},
          "type":           map[string]any{"type": "string"},
          "version":        map[string]any{"type": "string"},
          "effective_date": map[string]any{"type": "string"},
          "sector":         map[string]any{"type": "string"},
          "description":    map[string]any{"type": "string"},
        },
        "required":             []string{"name", "type", "version", "effective_date", "sector", "description"},
        "additionalProperties": false,
      },
      "articles": map[string]any{
        "type": "array",
        "items": map[string]any{
          "type": "object",
          "properties": map[string]any{
            "number":        map[string]any{"type": "string"},
            "title":         map[string]any{"type": "string"},
            "section":       map[string]any{"type": "string"},
            "tags":          stringArray,
            "chunk_indices": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
          },
          "required":             []string{"number", "title", "section", "tags", "chunk_indices"},
          "additionalProperties": false,
        },
      },
      "relations": map[string]any{
        "type": "array",
        "items": map[string]any{
          "type": "object",
          "properties": map[string]any{
            "source_article": map[string]any{"type": "string"},
            "target_article": map[string]any{"type": "string"},
            "type":           map[string]any{"type": "string"},
            "description":    map[string]any{"type": "string"},
            "confidence":     map[string]any{"type": "number"},
          },
          "required":             []string{"source_article", "target_article", "type", "description", "confidence"},
          "additionalProperties": false,
        },
      },
      "validation": map[string]any{
        "type": "object",
        "properties": map[string]any{
          "estimated_total_articles": map[string]any{"type": "integer"},
          "coverage_percentage":      map[string]any{"type": "number"},
          "warnings":                 stringArray,
        },
        "required":             []string{"estimated_total_articles", "coverage_percentage", "warnings"},
        "additionalProperties": false,
      },
    },
    "required":             []string{"metadata", "articles", "relations", "validation"},
    "additionalProperties": false,
  }
}

func (s *structureExtractorService) callReasoningService(
  ctx context.Context,
  documentName string,
  categoryType string,
  segments []string,
  truncated bool,
  totalSegments int,
) (*types.StructureExtraction, error) {
  profile := CategoryProfileFor(categoryType, s.log)

  var b strings.Builder
  b.WriteString(fmt.Sprintf("Document: %s\nCategory: %s (%s)\n", documentName, profile.Label, profile.Description))
  if len(profile.Hints) > 0 {
    b.WriteString("Extraction hints:\n")
    for _, h := range profile.Hints {
      b.WriteString("- " + h + "\n")
    }
  }
  if truncated {
    b.WriteString(fmt.Sprintf("\nNOTE: only the first %d of %d segments are included; estimate coverage accordingly.\n", len(segments), totalSegments))
  }
  b.WriteString("\nSegments (index: text):\n")
  for i, seg := range segments {
    b.WriteString(fmt.Sprintf("[%d] %s\n", i, seg))
  }
  b.WriteString("\nExtract the agreement metadata, every article with its chunk indices, and cross-references between articles.")

  system := "You analyze Dutch collective labor agreements (CAO). You extract article structure exactly as present in the text. " +
    "Each article lists the segment indices its text came from. Relations only between articles you extracted. " +
    "Report honest coverage and warnings."

  obj, tokens, err := s.ai.GenerateJSON(ctx, system, b.String(), "cao_structure", extractionSchema())
  if err != nil {
    return nil, err
  }

  var out types.StructureExtraction
  if err := json.Unmarshal(mustJSON(obj), &out); err != nil {
    return nil, fmt.Errorf("unexpected extraction shape: %w", err)
  }
  out.TokensUsed = tokens
  if strings.TrimSpace(out.Metadata.Name) == "" {
    out.Metadata.Name = documentName
  }
  if strings.TrimSpace(out.Metadata.Type) == "" {
    out.Metadata.Type = categoryType
  }
  return &out, nil
}

// fallbackExtraction is the deterministic recovery path: one article per
// segment, numbered from recognizable headers where present, with no
// relations and an explicit coverage warning. It never returns an empty
// article list for non-empty input.
func fallbackExtraction(documentName string, categoryType string, segments []string) *types.StructureExtraction {
  articles := make([]types.ExtractedArticle, 0, len(segments))
  for i, seg := range segments {
    number := fmt.Sprintf("%d", i+1)
    title := firstLine(seg)
    if m := articleHeaderRe.FindStringSubmatch(seg); len(m) == 3 {
      number = m[2]
    }
    articles = append(articles, types.ExtractedArticle{
      Number:       number,
      Title:        truncate(title, 200),
      Section:      "",
      Tags:         []string{},
      ChunkIndices: []int{i},
    })
  }
  return &types.StructureExtraction{
    Metadata: types.AgreementMetadata{
      Name: documentName,
      Type: categoryType,
    },
    Articles:  articles,
    Relations: []types.ExtractedRelation{},
    Validation: types.ExtractionValidation{
      EstimatedTotalArticles: len(articles),
      CoveragePercentage:     100,
      Warnings: []string{
        "structure extraction service unavailable; pattern-based fallback segmentation used",
        "cross-references were not extracted",
      },
    },
    Fallback: true,
  }
}

func firstLine(s string) string {
  s = strings.TrimSpace(s)
  if idx := strings.IndexByte(s, '\n'); idx >= 0 {
    return strings.TrimSpace(s[:idx])
  }
  return s
}
