package estimate

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LotRef designates a lot either by catalog identifier or by label.
// ID wins when both are set.
type LotRef struct {
	ID    int64
	Label string
}

// ParseLotRef reads a path or form value: digits are a catalog id, anything else a label.
func ParseLotRef(s string) LotRef {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return LotRef{ID: id}
	}
	return LotRef{Label: s}
}

func (r LotRef) empty() bool {
	return r.ID <= 0 && normalizeLabel(r.Label) == ""
}

// normalizeLabel is the catalog key: lower case, single spaces.
func normalizeLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// resolveCatalogLot returns the catalog entry for ref, creating it from the label
// when allowed. Creation is an idempotent upsert on the normalized label.
func resolveCatalogLot(tx *gorm.DB, ref LotRef, allowCreate bool) (*domain.LotCatalog, error) {
	if ref.empty() {
		return nil, ErrLotRefRequired
	}
	var lot domain.LotCatalog
	if ref.ID > 0 {
		if err := tx.Where("id = ?", ref.ID).First(&lot).Error; err != nil {
			return nil, notFound(err, ErrLotNotFound)
		}
		return &lot, nil
	}

	key := normalizeLabel(ref.Label)
	err := tx.Where("normalized_label = ?", key).First(&lot).Error
	if err == nil {
		return &lot, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if !allowCreate {
		return nil, ErrLotNotFound
	}

	lot = domain.LotCatalog{Label: strings.TrimSpace(ref.Label), NormalizedLabel: key}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "normalized_label"}},
		DoNothing: true,
	}).Create(&lot)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// another project created the label first
		lot = domain.LotCatalog{}
		if err := tx.Where("normalized_label = ?", key).First(&lot).Error; err != nil {
			return nil, err
		}
	}
	return &lot, nil
}

// resolveLot returns the project lot for ref, creating the catalog entry and the
// project lot when allowCreate is set.
func resolveLot(tx *gorm.DB, projectID int64, ref LotRef, allowCreate bool) (*domain.LotPerProject, error) {
	catalog, err := resolveCatalogLot(tx, ref, allowCreate)
	if err != nil {
		return nil, err
	}
	var lot domain.LotPerProject
	err = forUpdate(tx).Where("project_id = ? AND lot_catalog_id = ?", projectID, catalog.ID).First(&lot).Error
	if err == nil {
		return &lot, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if !allowCreate {
		return nil, ErrLotNotFound
	}
	lot = domain.LotPerProject{ProjectID: projectID, LotCatalogID: catalog.ID}
	if err := tx.Create(&lot).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}

// lotsWithContent lists the project lots holding at least one ouvrage, in lot order.
// A lot's 1-based position in this list is its designation prefix.
func lotsWithContent(tx *gorm.DB, projectID int64) ([]domain.LotPerProject, error) {
	var lots []domain.LotPerProject
	err := tx.Where("project_id = ? AND EXISTS (SELECT 1 FROM ouvrages o WHERE o.lot_id = lot_per_project.id)", projectID).
		Order("id ASC").
		Find(&lots).Error
	return lots, err
}

// DeleteLot removes a lot from a project with all its ouvrages, blocs, articles and links.
// The catalog entry is kept: it is shared with other projects.
func (s *Service) DeleteLot(ctx context.Context, projectID int64, ref LotRef) error {
	return s.mutate(ctx, "delete_lot", projectID, func(m *mutation) error {
		lot, err := resolveLot(m.tx, projectID, ref, false)
		if err != nil {
			return err
		}
		var ouvrageIDs []int64
		if err := m.tx.Model(&domain.Ouvrage{}).Where("lot_id = ?", lot.ID).Order("id ASC").Pluck("id", &ouvrageIDs).Error; err != nil {
			return err
		}
		for _, id := range ouvrageIDs {
			if err := deleteOuvrageTree(m, id); err != nil {
				return err
			}
		}
		if err := m.tx.Where("id = ?", lot.ID).Delete(&domain.LotPerProject{}).Error; err != nil {
			return err
		}
		m.dirty.forgetLot(lot.ID)
		m.emit(events.LotDeleted, "lot", lot.ID, map[string]interface{}{
			"lot_catalog_id": lot.LotCatalogID,
			"ouvrages":       len(ouvrageIDs),
		})
		return nil
	})
}
