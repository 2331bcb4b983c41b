package estimate

import (
	"context"
	"strings"

	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/domain"
	"chiffrage-backend/internal/pkg/designation"

	"gorm.io/gorm"
)

// AddArticleInput places a line item under an ouvrage, one of its blocs, or a
// standalone bloc (OuvrageID nil).
type AddArticleInput struct {
	OuvrageID        *int64
	BlocID           *int64
	CatalogArticleID *int64
	Name             string
	Unit             string
	Quantity         float64
	UnitPrice        float64
	TaxRate          float64
	Location         string
	Description      string
	Designation      *string
}

// ArticleUpdate holds the fields to change; nil means unchanged.
type ArticleUpdate struct {
	Name        *string
	Unit        *string
	Quantity    *float64
	UnitPrice   *float64
	TaxRate     *float64
	Location    *string
	Description *string
	Designation *string
}

func validateAmounts(quantity, unitPrice, taxRate float64) error {
	switch {
	case quantity < 0:
		return ErrNegativeQuantity
	case unitPrice < 0:
		return ErrNegativePrice
	case taxRate < 0 || taxRate > 100:
		return ErrInvalidTaxRate
	}
	return nil
}

// AddArticle inserts a line item, or merges its quantity into an identical line
// (same catalog article, unit price and tax rate) already present at the link.
func (s *Service) AddArticle(ctx context.Context, projectID int64, in AddArticleInput) (*domain.Article, error) {
	if in.OuvrageID == nil && in.BlocID == nil {
		return nil, errorf(ErrInvalid, "An ouvrage or a bloc is required")
	}
	if err := validateAmounts(in.Quantity, in.UnitPrice, in.TaxRate); err != nil {
		return nil, err
	}
	d := designation.Normalize(in.Designation)
	if d != nil && !designation.Valid(*d) {
		return nil, ErrMalformedDesignation
	}

	var out domain.Article
	err := s.mutate(ctx, "add_article", projectID, func(m *mutation) error {
		if in.OuvrageID != nil {
			var o domain.Ouvrage
			if err := forUpdate(m.tx).Where("id = ?", *in.OuvrageID).First(&o).Error; err != nil {
				return notFound(err, ErrOuvrageNotFound)
			}
			if o.ProjectID != projectID {
				return ErrCrossProject
			}
		}
		link, err := findOrCreateLink(m.tx, projectID, in.OuvrageID, in.BlocID)
		if err != nil {
			return err
		}
		if link.BlocID != nil {
			if err := requireBlocDesignation(m.tx, *link.BlocID); err != nil {
				return err
			}
		}
		m.dirty.bloc(link.BlocID)
		m.dirty.ouvrage(link.OuvrageID)

		var taken map[string]bool
		var parent *string
		if d != nil {
			if taken, err = articleSiblingDesignations(m.tx, link); err != nil {
				return err
			}
			if parent, err = linkParentDesignation(m.tx, link); err != nil {
				return err
			}
		}

		merged, err := mergeArticle(m.tx, link, in)
		if err != nil {
			return err
		}
		if merged != nil {
			if d != nil {
				if err := claimMergedDesignation(m.tx, merged, *d, parent, taken); err != nil {
					return err
				}
			}
			out = *merged
			m.emit(events.ArticleMerged, "article", out.ID, map[string]interface{}{
				"added_quantity": in.Quantity,
				"quantity":       out.Quantity,
			})
			return nil
		}

		if d != nil {
			if err := checkDesignation(*d, parent, taken); err != nil {
				return err
			}
		}
		a := domain.Article{
			ProjectID:        projectID,
			LinkID:           link.ID,
			CatalogArticleID: in.CatalogArticleID,
			Name:             strings.TrimSpace(in.Name),
			Unit:             strings.TrimSpace(in.Unit),
			Quantity:         in.Quantity,
			UnitPrice:        in.UnitPrice,
			TaxRate:          in.TaxRate,
			Location:         in.Location,
			Description:      in.Description,
			Designation:      d,
		}
		a.TotalExclTax, a.TotalInclTax = ArticleTotals(a.Quantity, a.UnitPrice, a.TaxRate)
		if err := m.tx.Create(&a).Error; err != nil {
			return err
		}
		if a.Designation == nil {
			if err := s.numberer(m.tx).assignNewArticle(&a, link); err != nil {
				return err
			}
		}
		out = a
		m.emit(events.ArticleAdded, "article", a.ID, map[string]interface{}{
			"link_id":        link.ID,
			"designation":    a.Designation,
			"total_incl_tax": a.TotalInclTax,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func requireBlocDesignation(tx *gorm.DB, blocID int64) error {
	var b domain.Bloc
	if err := tx.Where("id = ?", blocID).First(&b).Error; err != nil {
		return notFound(err, ErrBlocNotFound)
	}
	if b.Designation == nil {
		return ErrBlocDesignationMissing
	}
	return nil
}

// mergeArticle accumulates the quantity into an identical line at the link.
// Returns nil when there is none or when the input has no catalog article.
func mergeArticle(tx *gorm.DB, link *domain.StructureLink, in AddArticleInput) (*domain.Article, error) {
	if in.CatalogArticleID == nil {
		return nil, nil
	}
	var candidates []domain.Article
	err := forUpdate(tx).
		Where("link_id = ? AND catalog_article_id = ?", link.ID, *in.CatalogArticleID).
		Order("id ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		a := &candidates[i]
		if round4(a.UnitPrice) != round4(in.UnitPrice) || round4(a.TaxRate) != round4(in.TaxRate) {
			continue
		}
		a.Quantity = round4(a.Quantity + in.Quantity)
		if err := tx.Model(&domain.Article{}).Where("id = ?", a.ID).Update("quantity", a.Quantity).Error; err != nil {
			return nil, err
		}
		if err := recomputeArticle(tx, a); err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, nil
}

// claimMergedDesignation reconciles a designation supplied with a line that was merged
// into an existing one. The existing line keeps its own designation: a different one
// is a conflict. An unnumbered line takes the supplied designation.
func claimMergedDesignation(tx *gorm.DB, merged *domain.Article, d string, parent *string, taken map[string]bool) error {
	if merged.Designation != nil {
		if *merged.Designation != d {
			return ErrMergedDesignation
		}
		return nil
	}
	if err := checkDesignation(d, parent, taken); err != nil {
		return err
	}
	if err := tx.Model(&domain.Article{}).Where("id = ? AND designation IS NULL", merged.ID).Update("designation", d).Error; err != nil {
		return err
	}
	merged.Designation = &d
	return nil
}

// articleSiblingDesignations returns the designations an article at link must not reuse.
func articleSiblingDesignations(tx *gorm.DB, link *domain.StructureLink) (map[string]bool, error) {
	if link.BlocID != nil {
		siblings, err := blocArticles(tx, *link.BlocID)
		if err != nil {
			return nil, err
		}
		return designationSet(siblings), nil
	}
	if link.OuvrageID != nil {
		return ouvrageChildDesignations(tx, *link.OuvrageID)
	}
	return map[string]bool{}, nil
}

// UpdateArticle changes the fields of a line item and refreshes totals up the tree.
// An assigned designation cannot be changed.
func (s *Service) UpdateArticle(ctx context.Context, id int64, upd ArticleUpdate) (*domain.Article, error) {
	projectID, err := s.projectOf(ctx, &domain.Article{}, id, ErrArticleNotFound)
	if err != nil {
		return nil, err
	}

	var out domain.Article
	err = s.mutate(ctx, "update_article", projectID, func(m *mutation) error {
		var a domain.Article
		if err := forUpdate(m.tx).Where("id = ?", id).First(&a).Error; err != nil {
			return notFound(err, ErrArticleNotFound)
		}
		var link domain.StructureLink
		if err := m.tx.Where("id = ?", a.LinkID).First(&link).Error; err != nil {
			return err
		}

		changes := map[string]interface{}{}
		if upd.Name != nil {
			a.Name = strings.TrimSpace(*upd.Name)
			changes["name"] = a.Name
		}
		if upd.Unit != nil {
			a.Unit = strings.TrimSpace(*upd.Unit)
			changes["unit"] = a.Unit
		}
		if upd.Quantity != nil {
			a.Quantity = *upd.Quantity
			changes["quantity"] = a.Quantity
		}
		if upd.UnitPrice != nil {
			a.UnitPrice = *upd.UnitPrice
			changes["unit_price"] = a.UnitPrice
		}
		if upd.TaxRate != nil {
			a.TaxRate = *upd.TaxRate
			changes["tax_rate"] = a.TaxRate
		}
		if upd.Location != nil {
			a.Location = *upd.Location
			changes["location"] = a.Location
		}
		if upd.Description != nil {
			a.Description = *upd.Description
			changes["description"] = a.Description
		}
		if err := validateAmounts(a.Quantity, a.UnitPrice, a.TaxRate); err != nil {
			return err
		}
		if d := designation.Normalize(upd.Designation); d != nil {
			switch {
			case a.Designation != nil && *a.Designation == *d:
			case a.Designation != nil:
				return ErrDesignationAssigned
			default:
				taken, err := articleSiblingDesignations(m.tx, &link)
				if err != nil {
					return err
				}
				parent, err := linkParentDesignation(m.tx, &link)
				if err != nil {
					return err
				}
				if err := checkDesignation(*d, parent, taken); err != nil {
					return err
				}
				a.Designation = d
				changes["designation"] = *d
			}
		}

		if len(changes) > 0 {
			if err := m.tx.Model(&domain.Article{}).Where("id = ?", a.ID).Updates(changes).Error; err != nil {
				return err
			}
		}
		if err := recomputeArticle(m.tx, &a); err != nil {
			return err
		}
		m.dirty.bloc(link.BlocID)
		m.dirty.ouvrage(link.OuvrageID)
		m.emit(events.ArticleUpdated, "article", a.ID, changes)
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteArticle removes a line item. Its bloc or ouvrage and their links stay.
func (s *Service) DeleteArticle(ctx context.Context, id int64) error {
	projectID, err := s.projectOf(ctx, &domain.Article{}, id, ErrArticleNotFound)
	if err != nil {
		return err
	}
	return s.mutate(ctx, "delete_article", projectID, func(m *mutation) error {
		var a domain.Article
		if err := forUpdate(m.tx).Where("id = ?", id).First(&a).Error; err != nil {
			return notFound(err, ErrArticleNotFound)
		}
		var link domain.StructureLink
		if err := m.tx.Where("id = ?", a.LinkID).First(&link).Error; err != nil {
			return err
		}
		if err := m.tx.Where("id = ?", id).Delete(&domain.Article{}).Error; err != nil {
			return err
		}
		m.dirty.bloc(link.BlocID)
		m.dirty.ouvrage(link.OuvrageID)
		m.emit(events.ArticleDeleted, "article", id, map[string]interface{}{
			"link_id":     link.ID,
			"designation": a.Designation,
		})
		return nil
	})
}
