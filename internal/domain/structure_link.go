package domain

import (
	"strconv"
	"time"
)

// StructureLink maps an (Ouvrage, Bloc) pair to the single id referenced by articles.
// PairKey is the canonical text form of the pair and carries the uniqueness constraint,
// since (ouvrage_id, bloc_id) with NULLs cannot be made unique portably.
type StructureLink struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID int64     `gorm:"column:project_id;not null;index" json:"project_id"`
	OuvrageID *int64    `gorm:"column:ouvrage_id;index" json:"ouvrage_id"`
	BlocID    *int64    `gorm:"column:bloc_id;index" json:"bloc_id"`
	PairKey   string    `gorm:"column:pair_key;size:64;not null;uniqueIndex" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (StructureLink) TableName() string {
	return "structure_links"
}

// LinkPairKey returns the canonical key of an (ouvrage, bloc) pair, e.g. "o:12|b:-".
func LinkPairKey(ouvrageID, blocID *int64) string {
	return "o:" + optionalID(ouvrageID) + "|b:" + optionalID(blocID)
}

func optionalID(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}
