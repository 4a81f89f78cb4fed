package types

import (
  "time"
  "github.com/google/uuid"
  "gorm.io/datatypes"
)

type DocumentChunk struct {
  ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
  DocumentID uuid.UUID      `gorm:"type:uuid;not null;index" json:"document_id"`
  Document   *Document      `gorm:"constraint:OnDelete:CASCADE;foreignKey:DocumentID;references:ID" json:"document,omitempty"`
  Index      int            `gorm:"column:index;not null" json:"index"`
  Text       string         `gorm:"column:text;not null" json:"text"`
  TokenCount int            `gorm:"column:token_count;not null;default:0" json:"token_count"`
  Embedding  datatypes.JSON `gorm:"type:jsonb;column:embedding" json:"embedding"`
  Metadata   datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata"`
  CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
  UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (DocumentChunk) TableName() string {
  return "document_chunk"
}
