package estimate

import (
	"context"
	"database/sql"

	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/domain"
	"chiffrage-backend/internal/infrastructure/database"

	"gorm.io/gorm"
)

// ProjectTree is the read model of a project estimate.
type ProjectTree struct {
	Project           domain.Project `json:"project"`
	MarginCoefficient float64        `json:"margin_coefficient"`
	Lots              []LotNode      `json:"lots"`
	StandaloneBlocs   []BlocNode     `json:"standalone_blocs"`
}

type LotNode struct {
	domain.LotPerProject
	Label    string        `json:"label"`
	Index    int           `json:"index"`
	Ouvrages []OuvrageNode `json:"ouvrages"`
}

type OuvrageNode struct {
	domain.Ouvrage
	Articles []domain.Article `json:"articles"`
	Blocs    []BlocNode       `json:"blocs"`
}

type BlocNode struct {
	domain.Bloc
	Articles []domain.Article `json:"articles"`
}

// structureRows is every row of one project tree, read from a single snapshot.
type structureRows struct {
	project     domain.Project
	coefficient float64
	lots        []domain.LotPerProject
	labels      map[int64]string
	ouvrages    []domain.Ouvrage
	blocs       []domain.Bloc
	links       []domain.StructureLink
	articles    []domain.Article
}

func readStructure(tx *gorm.DB, projectID int64) (*structureRows, error) {
	r := structureRows{labels: map[int64]string{}}
	if err := tx.Where("id = ?", projectID).First(&r.project).Error; err != nil {
		return nil, notFound(err, ErrProjectNotFound)
	}
	c, err := projectMarginCoefficient(tx, projectID)
	if err != nil {
		return nil, err
	}
	r.coefficient = c

	if err := tx.Where("project_id = ?", projectID).Order("id ASC").Find(&r.lots).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("project_id = ?", projectID).Order("id ASC").Find(&r.ouvrages).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("project_id = ?", projectID).Order("id ASC").Find(&r.blocs).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("project_id = ?", projectID).Find(&r.links).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("project_id = ?", projectID).Order("id ASC").Find(&r.articles).Error; err != nil {
		return nil, err
	}

	if len(r.lots) > 0 {
		catalogIDs := make([]int64, 0, len(r.lots))
		for _, l := range r.lots {
			catalogIDs = append(catalogIDs, l.LotCatalogID)
		}
		var catalog []domain.LotCatalog
		if err := tx.Where("id IN ?", catalogIDs).Find(&catalog).Error; err != nil {
			return nil, err
		}
		for _, c := range catalog {
			r.labels[c.ID] = c.Label
		}
	}
	return &r, nil
}

// snapshotOptions makes the structure read one consistent snapshot on Postgres.
// SQLite runs on a single connection, where a plain transaction already is one.
func snapshotOptions(db *gorm.DB) []*sql.TxOptions {
	if !database.IsPostgres(db) {
		return nil
	}
	return []*sql.TxOptions{{Isolation: sql.LevelRepeatableRead, ReadOnly: true}}
}

// GetStructure returns the committed tree of a project. It takes no lock.
// Lot Index is the lot's position among lots with content, 0 for an empty lot.
func (s *Service) GetStructure(ctx context.Context, projectID int64) (*ProjectTree, error) {
	db := s.DB.WithContext(ctx)
	var r *structureRows
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		r, err = readStructure(tx, projectID)
		return err
	}, snapshotOptions(db)...)
	if err != nil {
		return nil, err
	}

	tree := ProjectTree{Project: r.project, MarginCoefficient: r.coefficient}
	lots, ouvrages, blocs, links, articles, labels := r.lots, r.ouvrages, r.blocs, r.links, r.articles, r.labels

	linkByID := make(map[int64]domain.StructureLink, len(links))
	for _, l := range links {
		linkByID[l.ID] = l
	}
	directByOuvrage := map[int64][]domain.Article{}
	byBloc := map[int64][]domain.Article{}
	for _, a := range articles {
		l, ok := linkByID[a.LinkID]
		switch {
		case !ok:
		case l.BlocID != nil:
			byBloc[*l.BlocID] = append(byBloc[*l.BlocID], a)
		case l.OuvrageID != nil:
			directByOuvrage[*l.OuvrageID] = append(directByOuvrage[*l.OuvrageID], a)
		}
	}

	blocsByOuvrage := map[int64][]BlocNode{}
	for _, b := range blocs {
		node := BlocNode{Bloc: b, Articles: orEmpty(byBloc[b.ID])}
		if b.OuvrageID == nil {
			tree.StandaloneBlocs = append(tree.StandaloneBlocs, node)
			continue
		}
		blocsByOuvrage[*b.OuvrageID] = append(blocsByOuvrage[*b.OuvrageID], node)
	}

	ouvragesByLot := map[int64][]OuvrageNode{}
	for _, o := range ouvrages {
		ouvragesByLot[o.LotID] = append(ouvragesByLot[o.LotID], OuvrageNode{
			Ouvrage:  o,
			Articles: orEmpty(directByOuvrage[o.ID]),
			Blocs:    blocsByOuvrage[o.ID],
		})
	}

	index := 0
	for _, l := range lots {
		node := LotNode{LotPerProject: l, Label: labels[l.LotCatalogID], Ouvrages: ouvragesByLot[l.ID]}
		if len(node.Ouvrages) > 0 {
			index++
			node.Index = index
		}
		tree.Lots = append(tree.Lots, node)
	}
	return &tree, nil
}

func orEmpty(articles []domain.Article) []domain.Article {
	if articles == nil {
		return []domain.Article{}
	}
	return articles
}

// Recalculate recomputes every article, bloc, ouvrage and lot of a project and
// returns the refreshed project totals.
func (s *Service) Recalculate(ctx context.Context, projectID int64) (*domain.Project, error) {
	var project domain.Project
	err := s.mutate(ctx, "recalculate", projectID, func(m *mutation) error {
		if err := s.recalculateAll(m); err != nil {
			return err
		}
		m.emit(events.ProjectRecomputed, "project", projectID, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.DB.WithContext(ctx).Where("id = ?", projectID).First(&project).Error; err != nil {
		return nil, notFound(err, ErrProjectNotFound)
	}
	return &project, nil
}
