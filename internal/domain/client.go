package domain

import "time"

// Client carries the margin rates applied to every project it owns.
// Client CRUD lives outside this service; the engine only reads the rates.
type Client struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name           string    `gorm:"column:name;not null" json:"name"`
	GrossMarginPct float64   `gorm:"column:gross_margin_pct;type:decimal(7,3);not null;default:0" json:"gross_margin_pct"`
	NetMarginPct   float64   `gorm:"column:net_margin_pct;type:decimal(7,3);not null;default:0" json:"net_margin_pct"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Client) TableName() string {
	return "clients"
}
