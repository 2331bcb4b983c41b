package domain

import "time"

// Ouvrage is a work package inside a project lot.
// ID is allocated by the identifier arbiter: it shares its numeric space with Bloc.
type Ouvrage struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ProjectID   int64     `gorm:"column:project_id;not null;index" json:"project_id"`
	LotID       int64     `gorm:"column:lot_id;not null;index" json:"lot_id"`
	Name        string    `gorm:"column:name;not null" json:"name"`
	Designation *string   `gorm:"column:designation;size:64" json:"designation"`
	Total       float64   `gorm:"column:total;type:decimal(18,2);not null;default:0" json:"total"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Ouvrage) TableName() string {
	return "ouvrages"
}
