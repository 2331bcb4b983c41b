package domain

import "time"

// Article is a priced line item. Its position in the tree is given by LinkID only.
type Article struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID        int64     `gorm:"column:project_id;not null;index" json:"project_id"`
	LinkID           int64     `gorm:"column:link_id;not null;index" json:"link_id"`
	CatalogArticleID *int64    `gorm:"column:catalog_article_id" json:"catalog_article_id"`
	Name             string    `gorm:"column:name" json:"name"`
	Unit             string    `gorm:"column:unit;size:16" json:"unit"`
	Quantity         float64   `gorm:"column:quantity;type:decimal(18,4);not null;default:0" json:"quantity"`
	UnitPrice        float64   `gorm:"column:unit_price;type:decimal(18,4);not null;default:0" json:"unit_price"`
	TaxRate          float64   `gorm:"column:tax_rate;type:decimal(7,3);not null;default:0" json:"tax_rate"`
	TotalExclTax     float64   `gorm:"column:total_excl_tax;type:decimal(18,2);not null;default:0" json:"total_excl_tax"`
	TotalInclTax     float64   `gorm:"column:total_incl_tax;type:decimal(18,2);not null;default:0" json:"total_incl_tax"`
	Location         string    `gorm:"column:location" json:"location"`
	Description      string    `gorm:"column:description;type:text" json:"description"`
	Designation      *string   `gorm:"column:designation;size:64" json:"designation"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Article) TableName() string {
	return "articles"
}
