package repos

import (
  "context"
  "errors"
  "time"

  "github.com/google/uuid"
  "gorm.io/gorm"
  "gorm.io/gorm/clause"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/types"
)

type IngestionRunRepo interface {
  Create(ctx context.Context, tx *gorm.DB, runs []*types.IngestionRun) ([]*types.IngestionRun, error)
  GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.IngestionRun, error)
  GetLatestByDocumentID(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) (*types.IngestionRun, error)

  // Claims the next run that is runnable:
  // - status=queued
  // - OR status=running but heartbeat is stale (crash recovery)
  // Failed runs are terminal; a new run only exists after an explicit
  // reprocess request.
  ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleRunning time.Duration) (*types.IngestionRun, error)

  UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
  Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type ingestionRunRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewIngestionRunRepo(db *gorm.DB, baseLog *logger.Logger) IngestionRunRepo {
  repoLog := baseLog.With("repo", "IngestionRunRepo")
  return &ingestionRunRepo{db: db, log: repoLog}
}

func (r *ingestionRunRepo) Create(ctx context.Context, tx *gorm.DB, runs []*types.IngestionRun) ([]*types.IngestionRun, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if len(runs) == 0 {
    return []*types.IngestionRun{}, nil
  }
  if err := transaction.WithContext(ctx).Create(&runs).Error; err != nil {
    return nil, err
  }
  return runs, nil
}

func (r *ingestionRunRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.IngestionRun, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if id == uuid.Nil {
    return nil, nil
  }
  var run types.IngestionRun
  err := transaction.WithContext(ctx).
    Where("id = ?", id).
    Limit(1).
    Find(&run).Error
  if err != nil {
    return nil, err
  }
  if run.ID == uuid.Nil {
    return nil, nil
  }
  return &run, nil
}

func (r *ingestionRunRepo) GetLatestByDocumentID(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) (*types.IngestionRun, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if documentID == uuid.Nil {
    return nil, nil
  }

  var run types.IngestionRun
  err := transaction.WithContext(ctx).
    Where("document_id = ?", documentID).
    Order("created_at DESC").
    Limit(1).
    Find(&run).Error
  if err != nil {
    return nil, err
  }
  if run.ID == uuid.Nil {
    return nil, nil
  }
  return &run, nil
}

func (r *ingestionRunRepo) ClaimNextRunnable(
  ctx context.Context,
  tx *gorm.DB,
  staleRunning time.Duration,
) (*types.IngestionRun, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }

  now := time.Now()
  staleCutoff := now.Add(-staleRunning)

  var claimed *types.IngestionRun

  err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
    var run types.IngestionRun

    q := txx.
      Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
      Where(`
        (
          status = ?
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, "queued", "running", staleCutoff).
      Order("created_at ASC")

    qErr := q.First(&run).Error
    if errors.Is(qErr, gorm.ErrRecordNotFound) {
      return nil
    }
    if qErr != nil {
      return qErr
    }

    // Claim it: mark running, increment attempts, set lock/heartbeat.
    uErr := txx.Model(&types.IngestionRun{}).
      Where("id = ?", run.ID).
      Updates(map[string]interface{}{
        "status":       "running",
        "attempts":     gorm.Expr("attempts + 1"),
        "locked_at":    now,
        "heartbeat_at": now,
        "updated_at":   now,
      }).Error
    if uErr != nil {
      return uErr
    }

    claimed = &run
    return nil
  })

  if err != nil {
    return nil, err
  }
  return claimed, nil
}

func (r *ingestionRunRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if id == uuid.Nil {
    return nil
  }
  if updates == nil {
    updates = map[string]interface{}{}
  }
  if _, ok := updates["updated_at"]; !ok {
    updates["updated_at"] = time.Now()
  }
  return transaction.WithContext(ctx).
    Model(&types.IngestionRun{}).
    Where("id = ?", id).
    Updates(updates).Error
}

func (r *ingestionRunRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if id == uuid.Nil {
    return nil
  }
  now := time.Now()
  return transaction.WithContext(ctx).
    Model(&types.IngestionRun{}).
    Where("id = ? AND status = ?", id, "running").
    Updates(map[string]interface{}{
      "heartbeat_at": now,
      "updated_at":   now,
    }).Error
}
