package domain

import "time"

// LotCatalog is the reusable lot label shared across projects ("Gros oeuvre", "Plomberie", ...).
type LotCatalog struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Label           string    `gorm:"column:label;not null" json:"label"`
	NormalizedLabel string    `gorm:"column:normalized_label;not null;uniqueIndex" json:"-"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
}

func (LotCatalog) TableName() string {
	return "lot_catalog"
}

// LotPerProject links a project to a catalog lot and holds the lot aggregates.
type LotPerProject struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID    int64     `gorm:"column:project_id;not null;uniqueIndex:idx_lot_project_catalog" json:"project_id"`
	LotCatalogID int64     `gorm:"column:lot_catalog_id;not null;uniqueIndex:idx_lot_project_catalog" json:"lot_catalog_id"`
	Total        float64   `gorm:"column:total;type:decimal(18,2);not null;default:0" json:"total"`
	SellTotal    float64   `gorm:"column:sell_total;type:decimal(18,2);not null;default:0" json:"sell_total"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (LotPerProject) TableName() string {
	return "lot_per_project"
}
