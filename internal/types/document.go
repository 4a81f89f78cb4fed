package types

import (
	"time"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Pipeline phases, in canonical order. A document's status is always one of
// these or PhaseError.
const (
	PhaseUploaded             = "uploaded"
	PhaseChunking             = "chunking"
	PhaseEmbedding            = "embedding"
	PhaseSavingChunks         = "saving_chunks"
	PhaseAnalyzingStructure   = "analyzing_structure"
	PhaseBuildingGraph        = "building_graph"
	PhaseValidating           = "validating"
	PhaseComplete             = "complete"
	PhaseCompleteWithWarnings = "complete_with_warnings"
	PhaseError                = "error"
)

// PhaseSequence is the linear happy path; error branches off any phase.
var PhaseSequence = []string{
	PhaseUploaded,
	PhaseChunking,
	PhaseEmbedding,
	PhaseSavingChunks,
	PhaseAnalyzingStructure,
	PhaseBuildingGraph,
	PhaseValidating,
	PhaseComplete,
}

type Document struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name           string         `gorm:"column:name;not null;index" json:"name"`
	CategoryType   string         `gorm:"column:category_type" json:"category_type"`
	Status         string         `gorm:"column:status;not null;default:'uploaded';index" json:"status"`
	Content        string         `gorm:"column:content" json:"-"`
	ErrorMessage   string         `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorPhase     string         `gorm:"column:error_phase" json:"error_phase,omitempty"`
	Statistics     datatypes.JSON `gorm:"type:jsonb;column:statistics" json:"statistics"`
	Analysis       datatypes.JSON `gorm:"type:jsonb;column:analysis" json:"analysis,omitempty"`
	AnalysisTokens int            `gorm:"column:analysis_tokens;not null;default:0" json:"analysis_tokens"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Document) TableName() string { return "document" }
