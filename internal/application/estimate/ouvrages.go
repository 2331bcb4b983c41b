package estimate

import (
	"context"
	"strings"

	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/domain"
	"chiffrage-backend/internal/pkg/designation"

	"gorm.io/gorm"
)

type CreateOuvrageInput struct {
	Lot         LotRef
	Name        string
	Designation *string
}

type DuplicateOuvrageInput struct {
	Name        string
	Designation *string
}

// CreateOuvrage adds an ouvrage to a project lot, creating the lot on first use.
// A supplied designation is kept verbatim and triggers a numbering pass of the lot.
func (s *Service) CreateOuvrage(ctx context.Context, projectID int64, in CreateOuvrageInput) (*domain.Ouvrage, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	start := designation.Normalize(in.Designation)
	if start != nil {
		if _, _, err := parseStart(*start); err != nil {
			return nil, err
		}
	}

	var created domain.Ouvrage
	err := s.mutate(ctx, "create_ouvrage", projectID, func(m *mutation) error {
		lot, err := resolveLot(m.tx, projectID, in.Lot, true)
		if err != nil {
			return err
		}
		if start != nil {
			if err := ensureOuvrageDesignationFree(m.tx, projectID, *start); err != nil {
				return err
			}
		}

		o, err := s.insertOuvrage(m.tx, domain.Ouvrage{ProjectID: projectID, LotID: lot.ID, Name: name})
		if err != nil {
			return err
		}
		if start != nil {
			opts := RenumberOptions{TargetOuvrageID: &o.ID, StartDesignation: *start}
			if err := s.numberer(m.tx).run(projectID, opts); err != nil {
				return err
			}
		}
		m.dirty.ouvrage(&o.ID)
		if err := m.tx.Where("id = ?", o.ID).First(&created).Error; err != nil {
			return err
		}
		m.emit(events.OuvrageCreated, string(KindOuvrage), created.ID, map[string]interface{}{
			"lot_id":      lot.ID,
			"name":        created.Name,
			"designation": created.Designation,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// insertOuvrage allocates an id, inserts the row and its anchor link.
func (s *Service) insertOuvrage(tx *gorm.DB, o domain.Ouvrage) (*domain.Ouvrage, error) {
	id, err := s.Arbiter.Allocate(tx, KindOuvrage)
	if err != nil {
		return nil, err
	}
	o.ID = id
	if err := tx.Create(&o).Error; err != nil {
		return nil, err
	}
	if o.ID, err = s.Arbiter.Reconcile(tx, KindOuvrage, id); err != nil {
		return nil, err
	}
	if _, err := findOrCreateLink(tx, o.ProjectID, &o.ID, nil); err != nil {
		return nil, err
	}
	return &o, nil
}

// insertBloc allocates an id, inserts the row and its anchor link.
func (s *Service) insertBloc(tx *gorm.DB, b domain.Bloc) (*domain.Bloc, *domain.StructureLink, error) {
	id, err := s.Arbiter.Allocate(tx, KindBloc)
	if err != nil {
		return nil, nil, err
	}
	b.ID = id
	if err := tx.Create(&b).Error; err != nil {
		return nil, nil, err
	}
	if b.ID, err = s.Arbiter.Reconcile(tx, KindBloc, id); err != nil {
		return nil, nil, err
	}
	link, err := findOrCreateLink(tx, b.ProjectID, b.OuvrageID, &b.ID)
	if err != nil {
		return nil, nil, err
	}
	return &b, link, nil
}

// ensureOuvrageDesignationFree checks the ouvrage part of a start designation
// against every ouvrage of the project.
func ensureOuvrageDesignationFree(tx *gorm.DB, projectID int64, start string) error {
	ouvragePart, _, err := parseStart(start)
	if err != nil {
		return err
	}
	var count int64
	if err := tx.Model(&domain.Ouvrage{}).Where("project_id = ? AND designation = ?", projectID, ouvragePart).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errorf(ErrConflict, "Designation %s already exists in this project", ouvragePart)
	}
	return nil
}

// DuplicateOuvrage deep-copies an ouvrage with its blocs and articles into the same lot.
// With a two-segment designation the copies are rebased under it; otherwise the
// numbering pass anchored on the copy assigns them.
func (s *Service) DuplicateOuvrage(ctx context.Context, projectID, sourceID int64, in DuplicateOuvrageInput) (*domain.Ouvrage, error) {
	start := designation.Normalize(in.Designation)
	if start != nil {
		if _, _, err := parseStart(*start); err != nil {
			return nil, err
		}
	}

	var dup domain.Ouvrage
	err := s.mutate(ctx, "duplicate_ouvrage", projectID, func(m *mutation) error {
		var src domain.Ouvrage
		if err := forUpdate(m.tx).Where("id = ? AND project_id = ?", sourceID, projectID).First(&src).Error; err != nil {
			return notFound(err, ErrOuvrageNotFound)
		}
		if start != nil {
			if err := ensureOuvrageDesignationFree(m.tx, projectID, *start); err != nil {
				return err
			}
		}

		name := strings.TrimSpace(in.Name)
		if name == "" {
			name = src.Name
		}
		// rebase only when the copy takes a plain ouvrage designation
		rebase := func(*string) *string { return nil }
		var ownDesignation *string
		if start != nil && designation.Depth(*start) == 2 {
			ownDesignation = start
			if src.Designation != nil {
				from, to := *src.Designation, *start
				rebase = func(d *string) *string {
					if d == nil {
						return nil
					}
					if r, ok := designation.Rebase(*d, from, to); ok {
						return &r
					}
					return nil
				}
			}
		}

		o, err := s.insertOuvrage(m.tx, domain.Ouvrage{
			ProjectID:   projectID,
			LotID:       src.LotID,
			Name:        name,
			Designation: ownDesignation,
		})
		if err != nil {
			return err
		}

		direct, err := directArticles(m.tx, src.ID)
		if err != nil {
			return err
		}
		anchor, err := findOrCreateLink(m.tx, projectID, &o.ID, nil)
		if err != nil {
			return err
		}
		if err := copyArticles(m.tx, direct, anchor, rebase); err != nil {
			return err
		}

		var blocs []domain.Bloc
		if err := m.tx.Where("ouvrage_id = ?", src.ID).Order("id ASC").Find(&blocs).Error; err != nil {
			return err
		}
		for _, b := range blocs {
			nb, link, err := s.insertBloc(m.tx, domain.Bloc{
				ProjectID:   projectID,
				OuvrageID:   &o.ID,
				Name:        b.Name,
				Unit:        b.Unit,
				Quantity:    b.Quantity,
				Designation: rebase(b.Designation),
			})
			if err != nil {
				return err
			}
			articles, err := blocArticles(m.tx, b.ID)
			if err != nil {
				return err
			}
			if err := copyArticles(m.tx, articles, link, rebase); err != nil {
				return err
			}
			m.dirty.bloc(&nb.ID)
		}

		opts := RenumberOptions{TargetOuvrageID: &o.ID}
		if start != nil {
			opts.StartDesignation = *start
		}
		if err := s.numberer(m.tx).run(projectID, opts); err != nil {
			return err
		}
		m.dirty.ouvrage(&o.ID)
		if err := m.tx.Where("id = ?", o.ID).First(&dup).Error; err != nil {
			return err
		}
		m.emit(events.OuvrageDuplicated, string(KindOuvrage), dup.ID, map[string]interface{}{
			"source_id":   src.ID,
			"blocs":       len(blocs),
			"designation": dup.Designation,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dup, nil
}

func copyArticles(tx *gorm.DB, src []domain.Article, link *domain.StructureLink, rebase func(*string) *string) error {
	for _, a := range src {
		c := domain.Article{
			ProjectID:        link.ProjectID,
			LinkID:           link.ID,
			CatalogArticleID: a.CatalogArticleID,
			Name:             a.Name,
			Unit:             a.Unit,
			Quantity:         a.Quantity,
			UnitPrice:        a.UnitPrice,
			TaxRate:          a.TaxRate,
			Location:         a.Location,
			Description:      a.Description,
			Designation:      rebase(a.Designation),
		}
		c.TotalExclTax, c.TotalInclTax = ArticleTotals(c.Quantity, c.UnitPrice, c.TaxRate)
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
	}
	return nil
}

// DeleteOuvrage removes an ouvrage with its blocs, articles and links.
func (s *Service) DeleteOuvrage(ctx context.Context, id int64) error {
	projectID, err := s.projectOf(ctx, &domain.Ouvrage{}, id, ErrOuvrageNotFound)
	if err != nil {
		return err
	}
	return s.mutate(ctx, "delete_ouvrage", projectID, func(m *mutation) error {
		if err := deleteOuvrageTree(m, id); err != nil {
			return err
		}
		m.emit(events.OuvrageDeleted, string(KindOuvrage), id, nil)
		return nil
	})
}

func deleteOuvrageTree(m *mutation, id int64) error {
	var o domain.Ouvrage
	if err := forUpdate(m.tx).Where("id = ? AND project_id = ?", id, m.projectID).First(&o).Error; err != nil {
		return notFound(err, ErrOuvrageNotFound)
	}
	if err := deleteLinks(m.tx, "ouvrage_id = ?", id); err != nil {
		return err
	}
	var blocIDs []int64
	if err := m.tx.Model(&domain.Bloc{}).Where("ouvrage_id = ?", id).Pluck("id", &blocIDs).Error; err != nil {
		return err
	}
	if len(blocIDs) > 0 {
		if err := m.tx.Where("id IN ?", blocIDs).Delete(&domain.Bloc{}).Error; err != nil {
			return err
		}
	}
	for _, b := range blocIDs {
		m.dirty.forgetBloc(b)
	}
	if err := m.tx.Where("id = ?", id).Delete(&domain.Ouvrage{}).Error; err != nil {
		return err
	}
	m.dirty.forgetOuvrage(id)
	m.dirty.lot(o.LotID)
	return nil
}
