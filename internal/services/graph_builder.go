package services

import (
  "context"
  "fmt"
  "strings"

  "github.com/google/uuid"

  "github.com/caowijzer/caowijzer-backend/internal/graph"
  "github.com/caowijzer/caowijzer-backend/internal/graphdb"
  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/types"
  "github.com/caowijzer/caowijzer-backend/internal/utils"
)

// ChunkRef points a chunk index at its persisted relational row.
type ChunkRef struct {
  ID         uuid.UUID
  TokenCount int
}

type BuildInput struct {
  DocumentID      uuid.UUID
  DocumentName    string
  CategoryType    string
  Extraction      *types.StructureExtraction
  ChunkIDsByIndex map[int]ChunkRef
}

type GraphBuilderService interface {
  Build(ctx context.Context, in BuildInput) *types.BuildResult
  Validate(ctx context.Context, documentID uuid.UUID, documentName string) (*types.GraphValidation, error)
}

type graphBuilderService struct {
  log    *logger.Logger
  client *graphdb.Client

  maxWarningCategories int
}

func NewGraphBuilderService(baseLog *logger.Logger, client *graphdb.Client) GraphBuilderService {
  log := baseLog.With("service", "GraphBuilderService")
  return &graphBuilderService{
    log:    log,
    client: client,
    // Policy, not law: one anomaly category is tolerable, two or more means
    // the build is structurally off.
    maxWarningCategories: utils.GetEnvAsInt("GRAPH_VALIDATION_MAX_CATEGORIES", 2, log),
  }
}

func (s *graphBuilderService) Build(ctx context.Context, in BuildInput) *types.BuildResult {
  result := &types.BuildResult{
    Success:  true,
    Errors:   []string{},
    Warnings: []string{},
  }
  if in.Extraction == nil {
    result.Success = false
    result.Errors = append(result.Errors, "no extraction result to build from")
    return result
  }
  if s.client == nil || s.client.Driver == nil {
    result.Warnings = append(result.Warnings, "graph store not configured; build skipped")
    return result
  }

  agreementName := strings.TrimSpace(in.Extraction.Metadata.Name)
  if agreementName == "" {
    agreementName = in.DocumentName
  }

  graph.EnsureSchema(ctx, s.client, s.log)

  nodeID, err := graph.UpsertAgreement(ctx, s.client, s.log, in.DocumentID, agreementName, in.Extraction.Metadata, in.CategoryType)
  if err != nil {
    // The agreement node is the anchor; without it nothing below can attach.
    result.Success = false
    result.Errors = append(result.Errors, fmt.Sprintf("upsert agreement: %v", err))
    return result
  }
  result.NodeID = nodeID

  known := map[string]bool{}
  for _, a := range in.Extraction.Articles {
    if a.Number != "" {
      known[a.Number] = true
    }
  }

  created, err := graph.UpsertArticles(ctx, s.client, s.log, in.DocumentID, agreementName, in.Extraction.Articles)
  if err != nil {
    result.Errors = append(result.Errors, fmt.Sprintf("upsert articles: %v", err))
    s.log.Warn("Article upsert failed", "document", in.DocumentName, "error", err)
  }
  result.ArticlesCreated = created

  links := make([]graph.ChunkLink, 0)
  for _, a := range in.Extraction.Articles {
    for _, idx := range a.ChunkIndices {
      ref, ok := in.ChunkIDsByIndex[idx]
      if !ok {
        result.Warnings = append(result.Warnings, fmt.Sprintf("article %s references unknown chunk index %d", a.Number, idx))
        continue
      }
      links = append(links, graph.ChunkLink{
        ArticleNumber: a.Number,
        ChunkID:       ref.ID,
        Index:         idx,
        TokenCount:    ref.TokenCount,
      })
    }
  }
  linked, err := graph.LinkChunks(ctx, s.client, s.log, in.DocumentID, agreementName, links)
  if err != nil {
    result.Errors = append(result.Errors, fmt.Sprintf("link chunks: %v", err))
    s.log.Warn("Chunk linking failed", "document", in.DocumentName, "error", err)
  }
  result.ChunksLinked = linked

  grouped, relWarnings := resolveRelations(in.Extraction.Relations, known)
  result.Warnings = append(result.Warnings, relWarnings...)
  relCreated, err := graph.UpsertRelations(ctx, s.client, s.log, agreementName, grouped)
  if err != nil {
    result.Errors = append(result.Errors, fmt.Sprintf("upsert relations: %v", err))
    s.log.Warn("Relation upsert failed", "document", in.DocumentName, "error", err)
  }
  result.RelationsCreated = relCreated

  return result
}

func (s *graphBuilderService) Validate(ctx context.Context, documentID uuid.UUID, documentName string) (*types.GraphValidation, error) {
  v, err := graph.ValidateAgreement(ctx, s.client, s.log, documentID, documentName)
  if err != nil {
    return nil, err
  }
  v.Valid = distinctWarningCategories(v) < s.maxWarningCategories
  return v, nil
}

func distinctWarningCategories(v *types.GraphValidation) int {
  n := 0
  if v.OrphanArticles > 0 {
    n++
  }
  if v.OrphanChunks > 0 {
    n++
  }
  if v.CrossBoundaryRelations > 0 {
    n++
  }
  return n
}

// resolveRelations keeps only relations whose endpoints were both extracted
// in this build, grouped by whitelisted relation type. Unresolved pairs are
// warnings, never failures.
func resolveRelations(rels []types.ExtractedRelation, known map[string]bool) (map[string][]graph.RelationRow, []string) {
  grouped := map[string][]graph.RelationRow{}
  warnings := []string{}
  for _, r := range rels {
    if r.SourceArticle == "" || r.TargetArticle == "" {
      warnings = append(warnings, "relation with empty endpoint skipped")
      continue
    }
    if !known[r.SourceArticle] || !known[r.TargetArticle] {
      warnings = append(warnings, fmt.Sprintf("relation %s -> %s references an article not in this build", r.SourceArticle, r.TargetArticle))
      continue
    }
    relType := mapRelationType(r.Type)
    grouped[relType] = append(grouped[relType], graph.RelationRow{
      SourceNumber: r.SourceArticle,
      TargetNumber: r.TargetArticle,
      RawType:      r.Type,
      Description:  r.Description,
      Confidence:   r.Confidence,
    })
  }
  return grouped, warnings
}

// mapRelationType normalizes free-form extractor types onto the whitelist;
// anything unrecognized lands on RELATES_TO with the raw string kept as a
// property.
func mapRelationType(raw string) string {
  switch {
  case strings.Contains(strings.ToLower(raw), "refer"), strings.Contains(strings.ToLower(raw), "verwijs"):
    return graph.RelReferences
  case strings.Contains(strings.ToLower(raw), "depend"), strings.Contains(strings.ToLower(raw), "afhankelijk"):
    return graph.RelDependsOn
  case strings.Contains(strings.ToLower(raw), "appli"), strings.Contains(strings.ToLower(raw), "toepass"):
    return graph.RelAppliesTo
  default:
    return graph.RelRelatesTo
  }
}
