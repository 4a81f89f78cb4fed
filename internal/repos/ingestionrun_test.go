package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/caowijzer/caowijzer-backend/internal/repos/testutil"
	"github.com/caowijzer/caowijzer-backend/internal/types"
)

func TestIngestionRunRepoClaim(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewIngestionRunRepo(db, testutil.Logger(t))

	doc := seedDocument(t, tx, "CAO Schoonmaak 2026")

	run := &types.IngestionRun{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		Status:     "queued",
		Phase:      types.PhaseUploaded,
		Warnings:   datatypes.JSON([]byte(`[]`)),
		Stats:      datatypes.JSON([]byte(`{}`)),
	}
	if _, err := repo.Create(ctx, tx, []*types.IngestionRun{run}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(ctx, tx, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil || claimed.ID != run.ID {
		t.Fatalf("expected to claim the queued run, got %v", claimed)
	}

	// The claim marked it running with a fresh heartbeat, so nothing else is
	// runnable.
	again, err := repo.ClaimNextRunnable(ctx, tx, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable second: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no second claim, got %v", again.ID)
	}

	if err := repo.Heartbeat(ctx, tx, run.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	latest, err := repo.GetLatestByDocumentID(ctx, tx, doc.ID)
	if err != nil || latest == nil || latest.ID != run.ID {
		t.Fatalf("GetLatestByDocumentID: err=%v latest=%v", err, latest)
	}
}

func TestIngestionRunRepoFailedRunIsTerminal(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewIngestionRunRepo(db, testutil.Logger(t))

	doc := seedDocument(t, tx, "CAO Vervoer 2026")

	// A fatally failed run, well past any conceivable backoff window.
	longAgo := time.Now().Add(-24 * time.Hour)
	run := &types.IngestionRun{
		ID:          uuid.New(),
		DocumentID:  doc.ID,
		Status:      "failed",
		Phase:       types.PhaseEmbedding,
		Attempts:    1,
		Error:       "embedding backend down",
		LastErrorAt: &longAgo,
		Warnings:    datatypes.JSON([]byte(`[]`)),
		Stats:       datatypes.JSON([]byte(`{}`)),
	}
	if _, err := repo.Create(ctx, tx, []*types.IngestionRun{run}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The worker must never pick it back up; only an explicit reprocess (a
	// new queued run) restarts the document.
	claimed, err := repo.ClaimNextRunnable(ctx, tx, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed != nil {
		t.Fatalf("failed run was reclaimed: %v", claimed.ID)
	}
}

func TestIngestionRunRepoStaleRunningIsReclaimed(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewIngestionRunRepo(db, testutil.Logger(t))

	doc := seedDocument(t, tx, "CAO Zorg 2026")

	stale := time.Now().Add(-10 * time.Minute)
	run := &types.IngestionRun{
		ID:          uuid.New(),
		DocumentID:  doc.ID,
		Status:      "running",
		Phase:       types.PhaseChunking,
		Attempts:    1,
		LockedAt:    &stale,
		HeartbeatAt: &stale,
		Warnings:    datatypes.JSON([]byte(`[]`)),
		Stats:       datatypes.JSON([]byte(`{}`)),
	}
	if _, err := repo.Create(ctx, tx, []*types.IngestionRun{run}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(ctx, tx, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil || claimed.ID != run.ID {
		t.Fatalf("expected crash-orphaned run to be reclaimed, got %v", claimed)
	}
}
