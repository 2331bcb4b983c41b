package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StructureEvent is the audit trail of structural mutations.
// Rows are written by the event worker after the mutation committed.
type StructureEvent struct {
	EventID   uuid.UUID      `gorm:"column:event_id;type:uuid;primaryKey" json:"event_id"`
	Type      string         `gorm:"column:type;type:varchar(40);not null" json:"type"`
	ProjectID int64          `gorm:"column:project_id;not null;index" json:"project_id"`
	NodeKind  string         `gorm:"column:node_kind;type:varchar(20)" json:"node_kind"`
	NodeID    int64          `gorm:"column:node_id" json:"node_id"`
	Payload   datatypes.JSON `gorm:"column:payload" json:"payload"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (StructureEvent) TableName() string {
	return "structure_events"
}

// BeforeCreate sets event_id if not already set (DBs without default uuid).
func (e *StructureEvent) BeforeCreate(tx *gorm.DB) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	return nil
}
