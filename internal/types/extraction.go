package types

// Interchange format between the structure extractor and the graph builder.
// The reasoning service returns this shape (schema-constrained); the fallback
// chunker fabricates it locally.

type AgreementMetadata struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Version       string `json:"version"`
	EffectiveDate string `json:"effective_date"`
	Sector        string `json:"sector"`
	Description   string `json:"description"`
}

// ExtractedArticle carries its own chunk index list first-class so the graph
// builder never has to reconstruct the article/chunk mapping heuristically.
type ExtractedArticle struct {
	Number       string   `json:"number"`
	Title        string   `json:"title"`
	Section      string   `json:"section"`
	Tags         []string `json:"tags"`
	ChunkIndices []int    `json:"chunk_indices"`
}

type ExtractedRelation struct {
	SourceArticle string  `json:"source_article"`
	TargetArticle string  `json:"target_article"`
	Type          string  `json:"type"`
	Description   string  `json:"description"`
	Confidence    float64 `json:"confidence"`
}

type ExtractionValidation struct {
	EstimatedTotalArticles int      `json:"estimated_total_articles"`
	CoveragePercentage     float64  `json:"coverage_percentage"`
	Warnings               []string `json:"warnings"`
}

type StructureExtraction struct {
	Metadata   AgreementMetadata    `json:"metadata"`
	Articles   []ExtractedArticle   `json:"articles"`
	Relations  []ExtractedRelation  `json:"relations"`
	Validation ExtractionValidation `json:"validation"`
	TokensUsed int                  `json:"tokens_used"`
	Fallback   bool                 `json:"fallback"`
}

// BuildResult reports what one graph build pass actually wrote.
type BuildResult struct {
	Success          bool     `json:"success"`
	NodeID           string   `json:"node_id"`
	ArticlesCreated  int      `json:"articles_created"`
	RelationsCreated int      `json:"relations_created"`
	ChunksLinked     int      `json:"chunks_linked"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
}

// GraphValidation is the integrity report for one document's subgraph.
type GraphValidation struct {
	OrphanArticles         int      `json:"orphan_articles"`
	OrphanChunks           int      `json:"orphan_chunks"`
	CrossBoundaryRelations int      `json:"cross_boundary_relations"`
	Warnings               []string `json:"warnings"`
	Valid                  bool     `json:"valid"`
}
