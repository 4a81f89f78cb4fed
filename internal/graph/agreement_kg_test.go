package graph

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/caowijzer/caowijzer-backend/internal/graphdb"
	"github.com/caowijzer/caowijzer-backend/internal/logger"
	"github.com/caowijzer/caowijzer-backend/internal/types"
)

func graphTestClient(t *testing.T) *graphdb.Client {
	t.Helper()

	uri := strings.TrimSpace(os.Getenv("TEST_NEO4J_URI"))
	if uri == "" {
		t.Skip("set TEST_NEO4J_URI to run graph integration tests")
	}

	user := strings.TrimSpace(os.Getenv("TEST_NEO4J_USER"))
	if user == "" {
		user = "neo4j"
	}
	password := os.Getenv("TEST_NEO4J_PASSWORD")

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		t.Fatalf("init neo4j driver: %v", err)
	}
	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		t.Fatalf("neo4j connectivity: %v", err)
	}
	t.Cleanup(func() {
		_ = driver.Close(context.Background())
	})

	return &graphdb.Client{
		Driver:   driver,
		Database: strings.TrimSpace(os.Getenv("TEST_NEO4J_DATABASE")),
	}
}

func graphTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

// countSubgraph returns the node and relationship counts of one document's
// subgraph.
func countSubgraph(ctx context.Context, t *testing.T, client *graphdb.Client, documentID string) (int64, int64) {
	t.Helper()

	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (n {document_id: $id})
OPTIONAL MATCH (n)-[r]->(m {document_id: $id})
RETURN count(DISTINCT n) AS nodes, count(DISTINCT r) AS rels
`, map[string]any{"id": documentID})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		nodes, _ := rec.Get("nodes")
		rels, _ := rec.Get("rels")
		return []int64{nodes.(int64), rels.(int64)}, nil
	})
	if err != nil {
		t.Fatalf("count subgraph: %v", err)
	}
	counts := out.([]int64)
	return counts[0], counts[1]
}

func cleanupSubgraph(client *graphdb.Client, documentID string) {
	ctx := context.Background()
	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)
	_, _ = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (n {document_id: $id}) DETACH DELETE n`, map[string]any{"id": documentID})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
}

// Rebuilding an unchanged document must MERGE onto the existing subgraph, not
// duplicate it: node and relationship counts stay identical across passes.
func TestAgreementGraphRebuildIsIdempotent(t *testing.T) {
	client := graphTestClient(t)
	log := graphTestLogger(t)
	ctx := context.Background()

	documentID := uuid.New()
	agreementName := fmt.Sprintf("CAO Metaal Test %s", documentID.String()[:8])
	t.Cleanup(func() { cleanupSubgraph(client, documentID.String()) })

	meta := types.AgreementMetadata{
		Name:          agreementName,
		Version:       "2026",
		EffectiveDate: "2026-01-01",
		Sector:        "metaal",
		Description:   "Testovereenkomst voor de metaalsector.",
	}
	articles := []types.ExtractedArticle{
		{Number: "1", Title: "Looptijd", Section: "Algemeen", Tags: []string{"looptijd"}},
		{Number: "2", Title: "Loon", Section: "Beloning", Tags: []string{"loon"}},
	}
	links := []ChunkLink{
		{ArticleNumber: "1", ChunkID: uuid.New(), Index: 0, TokenCount: 120},
		{ArticleNumber: "2", ChunkID: uuid.New(), Index: 1, TokenCount: 140},
	}
	relations := map[string][]RelationRow{
		RelReferences: {
			{SourceNumber: "2", TargetNumber: "1", RawType: "verwijst_naar", Description: "Loon verwijst naar de looptijd.", Confidence: 0.9},
		},
	}

	build := func() {
		if _, err := UpsertAgreement(ctx, client, log, documentID, agreementName, meta, "bedrijfstak"); err != nil {
			t.Fatalf("UpsertAgreement: %v", err)
		}
		if _, err := UpsertArticles(ctx, client, log, documentID, agreementName, articles); err != nil {
			t.Fatalf("UpsertArticles: %v", err)
		}
		if _, err := LinkChunks(ctx, client, log, documentID, agreementName, links); err != nil {
			t.Fatalf("LinkChunks: %v", err)
		}
		if _, err := UpsertRelations(ctx, client, log, agreementName, relations); err != nil {
			t.Fatalf("UpsertRelations: %v", err)
		}
	}

	build()
	// 1 agreement + 2 articles + 2 chunks; 2 CONTAINS_ARTICLE +
	// 2 CONTAINS_CHUNK + 1 REFERENCES.
	nodes1, rels1 := countSubgraph(ctx, t, client, documentID.String())
	if nodes1 != 5 {
		t.Fatalf("first build should create 5 nodes, got %d", nodes1)
	}
	if rels1 != 5 {
		t.Fatalf("first build should create 5 relationships, got %d", rels1)
	}

	build()
	nodes2, rels2 := countSubgraph(ctx, t, client, documentID.String())
	if nodes2 != nodes1 || rels2 != rels1 {
		t.Fatalf("rebuild must not grow the subgraph: nodes %d -> %d, relationships %d -> %d",
			nodes1, nodes2, rels1, rels2)
	}
}

func TestValidateAgreementCleanSubgraph(t *testing.T) {
	client := graphTestClient(t)
	log := graphTestLogger(t)
	ctx := context.Background()

	documentID := uuid.New()
	agreementName := fmt.Sprintf("CAO Bouw Test %s", documentID.String()[:8])
	t.Cleanup(func() { cleanupSubgraph(client, documentID.String()) })

	meta := types.AgreementMetadata{Name: agreementName, Version: "2026"}
	articles := []types.ExtractedArticle{
		{Number: "1", Title: "Werkingssfeer"},
	}
	links := []ChunkLink{
		{ArticleNumber: "1", ChunkID: uuid.New(), Index: 0, TokenCount: 80},
	}

	if _, err := UpsertAgreement(ctx, client, log, documentID, agreementName, meta, "bedrijfstak"); err != nil {
		t.Fatalf("UpsertAgreement: %v", err)
	}
	if _, err := UpsertArticles(ctx, client, log, documentID, agreementName, articles); err != nil {
		t.Fatalf("UpsertArticles: %v", err)
	}
	if _, err := LinkChunks(ctx, client, log, documentID, agreementName, links); err != nil {
		t.Fatalf("LinkChunks: %v", err)
	}

	report, err := ValidateAgreement(ctx, client, log, documentID, agreementName)
	if err != nil {
		t.Fatalf("ValidateAgreement: %v", err)
	}
	if report.OrphanArticles != 0 || report.OrphanChunks != 0 || report.CrossBoundaryRelations != 0 {
		t.Fatalf("clean subgraph reported issues: %+v", report)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("clean subgraph should carry no warnings, got %v", report.Warnings)
	}
}
