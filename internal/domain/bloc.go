package domain

import "time"

// Bloc is an optional sub-package of an Ouvrage. OuvrageID is nil for standalone blocs.
// PU is nil when Quantity is zero.
type Bloc struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ProjectID   int64     `gorm:"column:project_id;not null;index" json:"project_id"`
	OuvrageID   *int64    `gorm:"column:ouvrage_id;index" json:"ouvrage_id"`
	Name        string    `gorm:"column:name;not null" json:"name"`
	Unit        string    `gorm:"column:unit;size:16" json:"unit"`
	Quantity    float64   `gorm:"column:quantity;type:decimal(18,4);not null;default:0" json:"quantity"`
	PU          *float64  `gorm:"column:pu;type:decimal(18,4)" json:"pu"`
	Total       float64   `gorm:"column:total;type:decimal(18,2);not null;default:0" json:"total"`
	Designation *string   `gorm:"column:designation;size:64" json:"designation"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Bloc) TableName() string {
	return "blocs"
}
