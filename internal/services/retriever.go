package services

import (
  "context"
  "crypto/sha256"
  "encoding/hex"
  "encoding/json"
  "fmt"
  "sort"
  "strings"
  "time"

  "github.com/google/uuid"
  "github.com/redis/go-redis/v9"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/repos"
  "github.com/caowijzer/caowijzer-backend/internal/types"
  "github.com/caowijzer/caowijzer-backend/internal/utils"
)

// NoAnswerFallback is the fixed reply when nothing in the index clears the
// similarity threshold. The system never fabricates an answer.
const NoAnswerFallback = "Helaas kan ik geen relevante informatie vinden in de beschikbare documenten voor uw vraag."

const groundingInstruction = "Je beantwoordt vragen over Nederlandse CAO's UITSLUITEND op basis van de meegeleverde fragmenten. " +
  "Gebruik geen kennis van buiten de fragmenten. Als de fragmenten het antwoord niet bevatten, zeg dat dan expliciet. " +
  "Verwijs naar artikelnummers waar mogelijk."

type QueryInput struct {
  Question            string
  MaxResults          int
  SimilarityThreshold float64
}

type QuerySource struct {
  DocumentID    string  `json:"document_id"`
  DocumentName  string  `json:"document_name"`
  ChunkID       string  `json:"chunk_id"`
  ChunkIndex    int     `json:"chunk_index"`
  Similarity    float64 `json:"similarity"`
}

type QueryResult struct {
  Answer   string        `json:"answer"`
  Sources  []QuerySource `json:"sources"`
  Grounded bool          `json:"grounded"`
}

type RetrieverService interface {
  Query(ctx context.Context, in QueryInput) (*QueryResult, error)
}

type retrieverService struct {
  log       *logger.Logger
  ai        AIClient
  docRepo   repos.DocumentRepo
  chunkRepo repos.DocumentChunkRepo
  cache     *redis.Client

  defaultThreshold float64
  contextTokens    int
  cacheTTL         time.Duration
}

func NewRetrieverService(
  baseLog *logger.Logger,
  ai AIClient,
  docRepo repos.DocumentRepo,
  chunkRepo repos.DocumentChunkRepo,
  cache *redis.Client,
) RetrieverService {
  log := baseLog.With("service", "RetrieverService")
  return &retrieverService{
    log:              log,
    ai:               ai,
    docRepo:          docRepo,
    chunkRepo:        chunkRepo,
    cache:            cache,
    defaultThreshold: utils.GetEnvAsFloat("RETRIEVER_SIMILARITY_THRESHOLD", 0.65, log),
    contextTokens:    utils.GetEnvAsInt("RETRIEVER_CONTEXT_TOKENS", 2000, log),
    cacheTTL:         time.Duration(utils.GetEnvAsInt("RETRIEVER_CACHE_TTL_SECONDS", 600, log)) * time.Second,
  }
}

type scoredChunk struct {
  Chunk      *types.DocumentChunk
  Similarity float64
}

func (s *retrieverService) Query(ctx context.Context, in QueryInput) (*QueryResult, error) {
  question := strings.TrimSpace(in.Question)
  if question == "" {
    return nil, fmt.Errorf("question required")
  }
  maxResults := in.MaxResults
  if maxResults <= 0 {
    maxResults = 5
  }
  threshold := in.SimilarityThreshold
  if threshold <= 0 {
    threshold = s.defaultThreshold
  }

  qVec, err := s.queryEmbedding(ctx, question)
  if err != nil {
    return nil, fmt.Errorf("embed query: %w", err)
  }

  chunks, err := s.chunkRepo.ListEmbeddedByDocumentIDs(ctx, nil, nil)
  if err != nil {
    return nil, fmt.Errorf("load indexed chunks: %w", err)
  }

  hits := scoreChunks(chunks, qVec, threshold, maxResults)
  if len(hits) == 0 {
    s.log.Info("No results above threshold", "question", question, "threshold", threshold)
    return &QueryResult{
      Answer:   NoAnswerFallback,
      Sources:  []QuerySource{},
      Grounded: false,
    }, nil
  }

  sources, hits := s.validateCitations(ctx, hits)
  if len(hits) == 0 {
    return &QueryResult{
      Answer:   NoAnswerFallback,
      Sources:  []QuerySource{},
      Grounded: false,
    }, nil
  }

  contextText := buildContext(hits, s.contextTokens)

  answer, genErr := s.ai.GenerateText(ctx, groundingInstruction,
    fmt.Sprintf("Fragmenten:\n%s\n\nVraag: %s", contextText, question))
  if genErr != nil {
    // Degrade to the assembled context verbatim; still grounded, just
    // unformatted.
    s.log.Warn("Answer generation failed, returning raw context", "error", genErr)
    answer = contextText
  }

  return &QueryResult{
    Answer:   answer,
    Sources:  sources,
    Grounded: true,
  }, nil
}

func (s *retrieverService) queryEmbedding(ctx context.Context, question string) ([]float32, error) {
  var cacheKey string
  if s.cache != nil {
    sum := sha256.Sum256([]byte(question))
    cacheKey = "caowijzer:qemb:" + hex.EncodeToString(sum[:])
    if raw, err := s.cache.Get(ctx, cacheKey).Bytes(); err == nil {
      var vec []float32
      if jErr := json.Unmarshal(raw, &vec); jErr == nil && len(vec) > 0 {
        return vec, nil
      }
    }
  }

  vecs, err := s.ai.Embed(ctx, []string{question}, EmbedModeQuery)
  if err != nil {
    return nil, err
  }
  vec := vecs[0]

  if s.cache != nil && cacheKey != "" {
    if err := s.cache.Set(ctx, cacheKey, mustJSON(vec), s.cacheTTL).Err(); err != nil {
      s.log.Debug("Query embedding cache write failed", "error", err)
    }
  }
  return vec, nil
}

// scoreChunks filters at the threshold, sorts descending and truncates. The
// sort is stable so equal similarities keep retrieval order.
func scoreChunks(chunks []*types.DocumentChunk, qVec []float32, threshold float64, maxResults int) []scoredChunk {
  hits := make([]scoredChunk, 0, len(chunks))
  for _, ch := range chunks {
    if ch == nil {
      continue
    }
    vec, ok := parseEmbedding(ch.Embedding)
    if !ok {
      continue
    }
    sim := cosine(vec, qVec)
    if sim >= threshold {
      hits = append(hits, scoredChunk{Chunk: ch, Similarity: sim})
    }
  }
  sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
  if len(hits) > maxResults {
    hits = hits[:maxResults]
  }
  return hits
}

// buildContext concatenates whole results until the token budget would be
// exceeded; it never truncates mid-result.
func buildContext(hits []scoredChunk, budgetTokens int) string {
  var b strings.Builder
  used := 0
  for _, h := range hits {
    cost := estimateTokens(h.Chunk.Text) + 8
    if used+cost > budgetTokens && b.Len() > 0 {
      break
    }
    b.WriteString(fmt.Sprintf("[chunk %s]\n%s\n\n", h.Chunk.ID.String(), h.Chunk.Text))
    used += cost
  }
  return strings.TrimSpace(b.String())
}

// validateCitations re-checks every candidate source against the index before
// it is returned; a citation whose document is gone is dropped, not invented.
func (s *retrieverService) validateCitations(ctx context.Context, hits []scoredChunk) ([]QuerySource, []scoredChunk) {
  docNames := map[uuid.UUID]string{}
  sources := make([]QuerySource, 0, len(hits))
  kept := make([]scoredChunk, 0, len(hits))
  for _, h := range hits {
    name, ok := docNames[h.Chunk.DocumentID]
    if !ok {
      doc, err := s.docRepo.GetByID(ctx, nil, h.Chunk.DocumentID)
      if err != nil || doc == nil {
        s.log.Warn("Dropping citation for unindexed document", "document_id", h.Chunk.DocumentID, "error", err)
        docNames[h.Chunk.DocumentID] = ""
        continue
      }
      name = doc.Name
      docNames[h.Chunk.DocumentID] = name
    }
    if name == "" {
      continue
    }
    kept = append(kept, h)
    sources = append(sources, QuerySource{
      DocumentID:   h.Chunk.DocumentID.String(),
      DocumentName: name,
      ChunkID:      h.Chunk.ID.String(),
      ChunkIndex:   h.Chunk.Index,
      Similarity:   h.Similarity,
    })
  }
  return sources, kept
}
