package graph

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/caowijzer/caowijzer-backend/internal/graphdb"
	"github.com/caowijzer/caowijzer-backend/internal/logger"
	"github.com/caowijzer/caowijzer-backend/internal/types"
)

// Relationship types are a fixed whitelist. Raw extractor type strings are
// stored as a property; they never reach the Cypher text itself.
const (
	RelReferences = "REFERENCES"
	RelDependsOn  = "DEPENDS_ON"
	RelAppliesTo  = "APPLIES_TO"
	RelRelatesTo  = "RELATES_TO"
)

var relationQueries = map[string]string{
	RelReferences: `
UNWIND $rels AS r
MATCH (src:Article {agreement_name: $agreement_name, number: r.source_number})
MATCH (dst:Article {agreement_name: $agreement_name, number: r.target_number})
MERGE (src)-[e:REFERENCES]->(dst)
SET e.type = r.type,
    e.description = r.description,
    e.confidence = r.confidence,
    e.synced_at = r.synced_at
`,
	RelDependsOn: `
UNWIND $rels AS r
MATCH (src:Article {agreement_name: $agreement_name, number: r.source_number})
MATCH (dst:Article {agreement_name: $agreement_name, number: r.target_number})
MERGE (src)-[e:DEPENDS_ON]->(dst)
SET e.type = r.type,
    e.description = r.description,
    e.confidence = r.confidence,
    e.synced_at = r.synced_at
`,
	RelAppliesTo: `
UNWIND $rels AS r
MATCH (src:Article {agreement_name: $agreement_name, number: r.source_number})
MATCH (dst:Article {agreement_name: $agreement_name, number: r.target_number})
MERGE (src)-[e:APPLIES_TO]->(dst)
SET e.type = r.type,
    e.description = r.description,
    e.confidence = r.confidence,
    e.synced_at = r.synced_at
`,
	RelRelatesTo: `
UNWIND $rels AS r
MATCH (src:Article {agreement_name: $agreement_name, number: r.source_number})
MATCH (dst:Article {agreement_name: $agreement_name, number: r.target_number})
MERGE (src)-[e:RELATES_TO]->(dst)
SET e.type = r.type,
    e.description = r.description,
    e.confidence = r.confidence,
    e.synced_at = r.synced_at
`,
}

func writeSession(ctx context.Context, client *graphdb.Client) neo4j.SessionWithContext {
	return client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
}

// EnsureSchema is best-effort; a failed constraint never blocks a build.
func EnsureSchema(ctx context.Context, client *graphdb.Client, log *logger.Logger) {
	if client == nil || client.Driver == nil {
		return
	}
	session := writeSession(ctx, client)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT agreement_name_unique IF NOT EXISTS FOR (a:Agreement) REQUIRE a.name IS UNIQUE`,
		`CREATE CONSTRAINT article_identity_unique IF NOT EXISTS FOR (ar:Article) REQUIRE (ar.agreement_name, ar.number) IS UNIQUE`,
		`CREATE CONSTRAINT chunk_id_unique IF NOT EXISTS FOR (ch:Chunk) REQUIRE ch.id IS UNIQUE`,
	}
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			if log != nil {
				log.Warn("neo4j schema init failed (continuing)", "error", err)
			}
		} else {
			_, _ = res.Consume(ctx)
		}
	}
}

// UpsertAgreement looks the agreement up by name and updates its mutable
// fields in place, creating it when absent. Returns the node element id.
func UpsertAgreement(
	ctx context.Context,
	client *graphdb.Client,
	log *logger.Logger,
	documentID uuid.UUID,
	name string,
	meta types.AgreementMetadata,
	categoryType string,
) (string, error) {
	if client == nil || client.Driver == nil {
		return "", nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	props := map[string]any{
		"name":           name,
		"category_type":  categoryType,
		"version":        meta.Version,
		"effective_date": meta.EffectiveDate,
		"sector":         meta.Sector,
		"description":    truncateString(meta.Description, 900),
		"document_id":    documentID.String(),
		"synced_at":      now,
	}

	session := writeSession(ctx, client)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (a:Agreement {name: $name})
SET a += $props
RETURN elementId(a) AS node_id
`, map[string]any{"name": name, "props": props})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		id, _ := rec.Get("node_id")
		return id, nil
	})
	if err != nil {
		return "", err
	}
	nodeID, _ := out.(string)
	return nodeID, nil
}

// UpsertArticles merges one :Article per row keyed by (agreement_name, number)
// and attaches each to its agreement with CONTAINS_ARTICLE.
func UpsertArticles(
	ctx context.Context,
	client *graphdb.Client,
	log *logger.Logger,
	documentID uuid.UUID,
	agreementName string,
	articles []types.ExtractedArticle,
) (int, error) {
	if client == nil || client.Driver == nil {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows := make([]map[string]any, 0, len(articles))
	for _, a := range articles {
		if a.Number == "" {
			continue
		}
		rows = append(rows, map[string]any{
			"agreement_name": agreementName,
			"number":         a.Number,
			"title":          truncateString(a.Title, 400),
			"section":        truncateString(a.Section, 400),
			"tags":           a.Tags,
			"document_id":    documentID.String(),
			"synced_at":      now,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	session := writeSession(ctx, client)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $articles AS art
MERGE (ar:Article {agreement_name: art.agreement_name, number: art.number})
SET ar += art
WITH ar, art
MERGE (a:Agreement {name: art.agreement_name})
MERGE (a)-[:CONTAINS_ARTICLE]->(ar)
`, map[string]any{"articles": rows})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ChunkLink binds one relational chunk row to its owning article.
type ChunkLink struct {
	ArticleNumber string
	ChunkID       uuid.UUID
	Index         int
	TokenCount    int
}

func LinkChunks(
	ctx context.Context,
	client *graphdb.Client,
	log *logger.Logger,
	documentID uuid.UUID,
	agreementName string,
	links []ChunkLink,
) (int, error) {
	if client == nil || client.Driver == nil {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows := make([]map[string]any, 0, len(links))
	for _, l := range links {
		if l.ArticleNumber == "" || l.ChunkID == uuid.Nil {
			continue
		}
		rows = append(rows, map[string]any{
			"agreement_name": agreementName,
			"number":         l.ArticleNumber,
			"chunk_id":       l.ChunkID.String(),
			"index":          l.Index,
			"token_count":    l.TokenCount,
			"document_id":    documentID.String(),
			"synced_at":      now,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	session := writeSession(ctx, client)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $links AS l
MATCH (ar:Article {agreement_name: l.agreement_name, number: l.number})
MERGE (ch:Chunk {id: l.chunk_id})
SET ch.index = l.index,
    ch.token_count = l.token_count,
    ch.document_id = l.document_id,
    ch.synced_at = l.synced_at
MERGE (ar)-[:CONTAINS_CHUNK]->(ch)
`, map[string]any{"links": rows})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// RelationRow is a resolved relation: both endpoints exist in this build.
type RelationRow struct {
	SourceNumber string
	TargetNumber string
	RawType      string
	Description  string
	Confidence   float64
}

// UpsertRelations merges resolved relations grouped by whitelisted type.
func UpsertRelations(
	ctx context.Context,
	client *graphdb.Client,
	log *logger.Logger,
	agreementName string,
	grouped map[string][]RelationRow,
) (int, error) {
	if client == nil || client.Driver == nil {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	session := writeSession(ctx, client)
	defer session.Close(ctx)

	total := 0
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for relType, rels := range grouped {
			query, ok := relationQueries[relType]
			if !ok {
				if log != nil {
					log.Warn("skipping non-whitelisted relation type", "type", relType)
				}
				continue
			}
			if len(rels) == 0 {
				continue
			}
			rows := make([]map[string]any, 0, len(rels))
			for _, r := range rels {
				rows = append(rows, map[string]any{
					"source_number": r.SourceNumber,
					"target_number": r.TargetNumber,
					"type":          truncateString(r.RawType, 120),
					"description":   truncateString(r.Description, 900),
					"confidence":    r.Confidence,
					"synced_at":     now,
				})
			}
			res, err := tx.Run(ctx, query, map[string]any{
				"agreement_name": agreementName,
				"rels":           rows,
			})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
			total += len(rows)
		}
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func truncateString(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
