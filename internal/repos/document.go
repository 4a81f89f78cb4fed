package repos

import (
  "context"
  "time"

  "github.com/google/uuid"
  "gorm.io/gorm"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/types"
)

type DocumentRepo interface {
  Create(ctx context.Context, tx *gorm.DB, docs []*types.Document) ([]*types.Document, error)
  GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error)
  List(ctx context.Context, tx *gorm.DB) ([]*types.Document, error)
  UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error

  // SetPhase persists the new pipeline phase plus any phase-specific fields in
  // a single update. This is the durability boundary between phases.
  SetPhase(ctx context.Context, tx *gorm.DB, id uuid.UUID, phase string, extra map[string]interface{}) error
}

type documentRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
  repoLog := baseLog.With("repo", "DocumentRepo")
  return &documentRepo{db: db, log: repoLog}
}

func (r *documentRepo) Create(ctx context.Context, tx *gorm.DB, docs []*types.Document) ([]*types.Document, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if len(docs) == 0 {
    return []*types.Document{}, nil
  }
  if err := transaction.WithContext(ctx).Create(&docs).Error; err != nil {
    return nil, err
  }
  return docs, nil
}

func (r *documentRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if id == uuid.Nil {
    return nil, nil
  }
  var doc types.Document
  err := transaction.WithContext(ctx).
    Where("id = ?", id).
    Limit(1).
    Find(&doc).Error
  if err != nil {
    return nil, err
  }
  if doc.ID == uuid.Nil {
    return nil, nil
  }
  return &doc, nil
}

func (r *documentRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.Document, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var results []*types.Document
  if err := transaction.WithContext(ctx).
    Order("created_at DESC").
    Find(&results).Error; err != nil {
    return nil, err
  }
  return results, nil
}

func (r *documentRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
    Model(&types.Document{}).
    Where("id = ?", id).
    Updates(updates).Error
}

func (r *documentRepo) SetPhase(ctx context.Context, tx *gorm.DB, id uuid.UUID, phase string, extra map[string]interface{}) error {
  updates := map[string]interface{}{
    "status": phase,
  }
  for k, v := range extra {
    updates[k] = v
  }
  return r.UpdateFields(ctx, tx, id, updates)
}
