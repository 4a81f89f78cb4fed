package repos

import (
  "context"
  "time"

  "github.com/google/uuid"
  "gorm.io/datatypes"
  "gorm.io/gorm"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/types"
)

type DocumentChunkRepo interface {
  Create(ctx context.Context, tx *gorm.DB, chunks []*types.DocumentChunk) ([]*types.DocumentChunk, error)
  ListByDocumentID(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) ([]*types.DocumentChunk, error)
  ListEmbeddedByDocumentIDs(ctx context.Context, tx *gorm.DB, documentIDs []uuid.UUID) ([]*types.DocumentChunk, error)
  // DeleteByDocumentID hard-deletes a document's chunks; reprocessing replaces
  // prior chunks instead of appending duplicates.
  DeleteByDocumentID(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) error
  UpdateEmbedding(ctx context.Context, tx *gorm.DB, id uuid.UUID, embedding datatypes.JSON) error
  CountByDocumentID(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) (int64, error)
}

type documentChunkRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewDocumentChunkRepo(db *gorm.DB, baseLog *logger.Logger) DocumentChunkRepo {
  repoLog := baseLog.With("repo", "DocumentChunkRepo")
  return &documentChunkRepo{db: db, log: repoLog}
}

func (r *documentChunkRepo) Create(ctx context.Context, tx *gorm.DB, chunks []*types.DocumentChunk) ([]*types.DocumentChunk, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if len(chunks) == 0 {
    return []*types.DocumentChunk{}, nil
  }

  // Keep batches small because Text is large
  const batchSize = 100

  if err := transaction.WithContext(ctx).CreateInBatches(chunks, batchSize).Error; err != nil {
    return nil, err
  }
  return chunks, nil
}

func (r *documentChunkRepo) ListByDocumentID(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) ([]*types.DocumentChunk, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var results []*types.DocumentChunk
  if documentID == uuid.Nil {
    return results, nil
  }
  if err := transaction.WithContext(ctx).
    Where("document_id = ?", documentID).
    Order("index ASC").
    Find(&results).Error; err != nil {
    return nil, err
  }
  return results, nil
}

func (r *documentChunkRepo) ListEmbeddedByDocumentIDs(ctx context.Context, tx *gorm.DB, documentIDs []uuid.UUID) ([]*types.DocumentChunk, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var results []*types.DocumentChunk
  q := transaction.WithContext(ctx).
    Where("embedding IS NOT NULL").
    Order("document_id, index ASC")
  if len(documentIDs) > 0 {
    q = q.Where("document_id IN ?", documentIDs)
  }
  if err := q.Find(&results).Error; err != nil {
    return nil, err
  }
  return results, nil
}

func (r *documentChunkRepo) DeleteByDocumentID(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if documentID == uuid.Nil {
    return nil
  }
  return transaction.WithContext(ctx).
    Unscoped().
    Where("document_id = ?", documentID).
    Delete(&types.DocumentChunk{}).Error
}

func (r *documentChunkRepo) UpdateEmbedding(ctx context.Context, tx *gorm.DB, id uuid.UUID, embedding datatypes.JSON) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if id == uuid.Nil {
    return nil
  }
  return transaction.WithContext(ctx).
    Model(&types.DocumentChunk{}).
    Where("id = ?", id).
    Updates(map[string]interface{}{
      "embedding":  embedding,
      "updated_at": time.Now(),
    }).Error
}

func (r *documentChunkRepo) CountByDocumentID(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) (int64, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var count int64
  if documentID == uuid.Nil {
    return 0, nil
  }
  if err := transaction.WithContext(ctx).
    Model(&types.DocumentChunk{}).
    Where("document_id = ?", documentID).
    Count(&count).Error; err != nil {
    return 0, err
  }
  return count, nil
}
