package estimate

import (
	"context"
	"strings"

	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/domain"
	"chiffrage-backend/internal/pkg/designation"

	"gorm.io/gorm"
)

// CreateBlocInput describes a new bloc. A nil OuvrageID creates a standalone bloc.
type CreateBlocInput struct {
	OuvrageID   *int64
	Name        string
	Unit        string
	Quantity    float64
	Designation *string
}

func (in CreateBlocInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return ErrNameRequired
	}
	if in.Quantity < 0 {
		return ErrNegativeQuantity
	}
	return nil
}

// CreateBloc adds a bloc under an ouvrage, or standalone. Without a designation
// the bloc stays unassigned until the next numbering pass.
func (s *Service) CreateBloc(ctx context.Context, projectID int64, in CreateBlocInput) (*domain.Bloc, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	d := designation.Normalize(in.Designation)

	var created domain.Bloc
	err := s.mutate(ctx, "create_bloc", projectID, func(m *mutation) error {
		var parent *string
		if in.OuvrageID != nil {
			var o domain.Ouvrage
			if err := forUpdate(m.tx).Where("id = ?", *in.OuvrageID).First(&o).Error; err != nil {
				return notFound(err, ErrOuvrageNotFound)
			}
			if o.ProjectID != projectID {
				return ErrCrossProject
			}
			parent = o.Designation
		}
		if d != nil {
			taken, err := blocSiblingDesignations(m.tx, projectID, in.OuvrageID)
			if err != nil {
				return err
			}
			if err := checkDesignation(*d, parent, taken); err != nil {
				return err
			}
		}

		b, _, err := s.insertBloc(m.tx, domain.Bloc{
			ProjectID:   projectID,
			OuvrageID:   in.OuvrageID,
			Name:        strings.TrimSpace(in.Name),
			Unit:        strings.TrimSpace(in.Unit),
			Quantity:    in.Quantity,
			Designation: d,
		})
		if err != nil {
			return err
		}
		m.dirty.bloc(&b.ID)
		if err := m.tx.Where("id = ?", b.ID).First(&created).Error; err != nil {
			return err
		}
		m.emit(events.BlocCreated, string(KindBloc), created.ID, map[string]interface{}{
			"ouvrage_id":  created.OuvrageID,
			"designation": created.Designation,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// blocSiblingDesignations returns the designations a bloc under ouvrageID must
// not reuse. Standalone blocs only compete with each other.
func blocSiblingDesignations(tx *gorm.DB, projectID int64, ouvrageID *int64) (map[string]bool, error) {
	if ouvrageID != nil {
		return ouvrageChildDesignations(tx, *ouvrageID)
	}
	var ds []string
	err := tx.Model(&domain.Bloc{}).
		Where("project_id = ? AND ouvrage_id IS NULL AND designation IS NOT NULL", projectID).
		Pluck("designation", &ds).Error
	return toSet(ds), err
}

// MoveBloc attaches a bloc to another ouvrage of the same lot. Its designation and
// those of its articles are kept; a clash with the target's children is a conflict.
func (s *Service) MoveBloc(ctx context.Context, blocID, targetOuvrageID int64) (*domain.Bloc, error) {
	projectID, err := s.projectOf(ctx, &domain.Bloc{}, blocID, ErrBlocNotFound)
	if err != nil {
		return nil, err
	}

	var moved domain.Bloc
	err = s.mutate(ctx, "move_bloc", projectID, func(m *mutation) error {
		var b domain.Bloc
		if err := forUpdate(m.tx).Where("id = ?", blocID).First(&b).Error; err != nil {
			return notFound(err, ErrBlocNotFound)
		}
		var target domain.Ouvrage
		if err := forUpdate(m.tx).Where("id = ?", targetOuvrageID).First(&target).Error; err != nil {
			return notFound(err, ErrOuvrageNotFound)
		}
		if target.ProjectID != projectID {
			return ErrCrossProject
		}
		if b.OuvrageID != nil {
			if *b.OuvrageID == target.ID {
				moved = b
				return nil
			}
			var current domain.Ouvrage
			if err := m.tx.Where("id = ?", *b.OuvrageID).First(&current).Error; err != nil {
				return notFound(err, ErrOuvrageNotFound)
			}
			if current.LotID != target.LotID {
				return ErrCrossLotMove
			}
		}
		if b.Designation != nil {
			taken, err := ouvrageChildDesignations(m.tx, target.ID)
			if err != nil {
				return err
			}
			if taken[*b.Designation] {
				return ErrDesignationTaken
			}
		}

		if err := m.tx.Model(&domain.Bloc{}).Where("id = ?", b.ID).Update("ouvrage_id", target.ID).Error; err != nil {
			return err
		}
		if err := m.tx.Model(&domain.StructureLink{}).Where("bloc_id = ?", b.ID).Update("ouvrage_id", target.ID).Error; err != nil {
			return err
		}
		if err := rekeyLinks(m.tx, "bloc_id = ?", b.ID); err != nil {
			return err
		}

		m.dirty.ouvrage(b.OuvrageID)
		m.dirty.ouvrage(&target.ID)
		m.dirty.bloc(&b.ID)
		m.emit(events.BlocMoved, string(KindBloc), b.ID, map[string]interface{}{
			"from_ouvrage_id": b.OuvrageID,
			"to_ouvrage_id":   target.ID,
		})
		return m.tx.Where("id = ?", b.ID).First(&moved).Error
	})
	if err != nil {
		return nil, err
	}
	return &moved, nil
}

// DeleteBloc removes a bloc, its articles and its links.
func (s *Service) DeleteBloc(ctx context.Context, id int64) error {
	projectID, err := s.projectOf(ctx, &domain.Bloc{}, id, ErrBlocNotFound)
	if err != nil {
		return err
	}
	return s.mutate(ctx, "delete_bloc", projectID, func(m *mutation) error {
		var b domain.Bloc
		if err := forUpdate(m.tx).Where("id = ? AND project_id = ?", id, projectID).First(&b).Error; err != nil {
			return notFound(err, ErrBlocNotFound)
		}
		if err := deleteLinks(m.tx, "bloc_id = ?", id); err != nil {
			return err
		}
		if err := m.tx.Where("id = ?", id).Delete(&domain.Bloc{}).Error; err != nil {
			return err
		}
		m.dirty.forgetBloc(id)
		m.dirty.ouvrage(b.OuvrageID)
		m.emit(events.BlocDeleted, string(KindBloc), id, map[string]interface{}{
			"ouvrage_id": b.OuvrageID,
		})
		return nil
	})
}
