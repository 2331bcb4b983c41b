package domain

import "time"

// Project is the root of an estimate. Cost and SellPrice are aggregates
// maintained by the pricing rollup; never write them directly.
type Project struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"column:name;not null" json:"name"`
	ClientID  *int64    `gorm:"column:client_id;index" json:"client_id"`
	Cost      float64   `gorm:"column:cost;type:decimal(18,2);not null;default:0" json:"cost"`
	SellPrice float64   `gorm:"column:sell_price;type:decimal(18,2);not null;default:0" json:"sell_price"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Project) TableName() string {
	return "projects"
}
