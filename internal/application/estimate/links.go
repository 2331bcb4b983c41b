package estimate

import (
	"errors"

	"chiffrage-backend/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// findOrCreateLink returns the structure link of (ouvrageID, blocID), creating it on
// first reference. A non-nil bloc must be owned by ouvrageID (nil for a standalone bloc).
func findOrCreateLink(tx *gorm.DB, projectID int64, ouvrageID, blocID *int64) (*domain.StructureLink, error) {
	if blocID != nil {
		var bloc domain.Bloc
		if err := tx.Where("id = ?", *blocID).First(&bloc).Error; err != nil {
			return nil, notFound(err, ErrBlocNotFound)
		}
		if bloc.ProjectID != projectID {
			return nil, ErrCrossProject
		}
		if !sameID(bloc.OuvrageID, ouvrageID) {
			return nil, ErrBlocOuvrageMismatch
		}
	}

	key := domain.LinkPairKey(ouvrageID, blocID)
	link, err := findLink(tx, key)
	if err != nil || link != nil {
		return link, err
	}

	link = &domain.StructureLink{
		ProjectID: projectID,
		OuvrageID: ouvrageID,
		BlocID:    blocID,
		PairKey:   key,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair_key"}},
		DoNothing: true,
	}).Create(link)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return findLink(tx, key)
	}
	return link, nil
}

// findLink looks a link up by pair key; nil, nil when absent.
func findLink(tx *gorm.DB, key string) (*domain.StructureLink, error) {
	var link domain.StructureLink
	err := tx.Where("pair_key = ?", key).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// deleteLinks removes links matching the condition together with their articles.
func deleteLinks(tx *gorm.DB, query string, args ...interface{}) error {
	var linkIDs []int64
	if err := tx.Model(&domain.StructureLink{}).Where(query, args...).Pluck("id", &linkIDs).Error; err != nil {
		return err
	}
	if len(linkIDs) == 0 {
		return nil
	}
	if err := tx.Where("link_id IN ?", linkIDs).Delete(&domain.Article{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", linkIDs).Delete(&domain.StructureLink{}).Error
}

// rekeyLinks rewrites pair keys after a node id or parent changed.
func rekeyLinks(tx *gorm.DB, query string, args ...interface{}) error {
	var links []domain.StructureLink
	if err := tx.Where(query, args...).Find(&links).Error; err != nil {
		return err
	}
	for _, l := range links {
		key := domain.LinkPairKey(l.OuvrageID, l.BlocID)
		if key == l.PairKey {
			continue
		}
		if err := tx.Model(&domain.StructureLink{}).Where("id = ?", l.ID).Update("pair_key", key).Error; err != nil {
			return err
		}
	}
	return nil
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func ptr[T any](v T) *T {
	return &v
}
