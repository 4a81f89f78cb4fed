package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/caowijzer/caowijzer-backend/internal/graphdb"
	"github.com/caowijzer/caowijzer-backend/internal/logger"
	"github.com/caowijzer/caowijzer-backend/internal/types"
)

// ValidateAgreement checks one document's subgraph for orphaned articles,
// orphaned chunks and relations crossing the document boundary. The caller
// applies the validity policy over the distinct warning categories.
func ValidateAgreement(
	ctx context.Context,
	client *graphdb.Client,
	log *logger.Logger,
	documentID uuid.UUID,
	agreementName string,
) (*types.GraphValidation, error) {
	out := &types.GraphValidation{Warnings: []string{}}
	if client == nil || client.Driver == nil {
		return out, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	params := map[string]any{
		"document_id":    documentID.String(),
		"agreement_name": agreementName,
	}

	countOne := func(tx neo4j.ManagedTransaction, query string) (int64, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return 0, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return 0, err
		}
		raw, _ := rec.Get("n")
		n, _ := raw.(int64)
		return n, nil
	}

	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		orphanArticles, err := countOne(tx, `
MATCH (ar:Article {document_id: $document_id})
WHERE NOT (:Agreement)-[:CONTAINS_ARTICLE]->(ar)
RETURN count(ar) AS n
`)
		if err != nil {
			return nil, err
		}
		out.OrphanArticles = int(orphanArticles)

		orphanChunks, err := countOne(tx, `
MATCH (ch:Chunk {document_id: $document_id})
WHERE NOT (:Article)-[:CONTAINS_CHUNK]->(ch)
RETURN count(ch) AS n
`)
		if err != nil {
			return nil, err
		}
		out.OrphanChunks = int(orphanChunks)

		crossBoundary, err := countOne(tx, `
MATCH (src:Article {document_id: $document_id})-[r:REFERENCES|DEPENDS_ON|APPLIES_TO|RELATES_TO]->(dst:Article)
WHERE dst.document_id <> $document_id
RETURN count(r) AS n
`)
		if err != nil {
			return nil, err
		}
		out.CrossBoundaryRelations = int(crossBoundary)

		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if out.OrphanArticles > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d article(s) without an owning agreement", out.OrphanArticles))
	}
	if out.OrphanChunks > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d chunk(s) without an owning article", out.OrphanChunks))
	}
	if out.CrossBoundaryRelations > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d relation(s) crossing the document boundary", out.CrossBoundaryRelations))
	}
	return out, nil
}
