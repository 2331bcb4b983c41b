package estimate

import (
	"context"

	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/domain"
	"chiffrage-backend/internal/pkg/designation"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// RenumberOptions scopes a numbering pass.
//
// LotID restricts the pass to one project lot. TargetOuvrageID anchors the pass on an
// ouvrage that must receive StartDesignation: two segments name the ouvrage itself,
// a third seeds its first bloc and a fourth the first article of that bloc. A target
// implies its lot as scope.
type RenumberOptions struct {
	LotID            *int64
	TargetOuvrageID  *int64
	StartDesignation string
}

// Renumber assigns designations to every node of the project that has none.
// Assigned designations are never changed.
func (s *Service) Renumber(ctx context.Context, projectID int64, opts RenumberOptions) error {
	return s.mutate(ctx, "renumber", projectID, func(m *mutation) error {
		n := s.numberer(m.tx)
		if err := n.run(projectID, opts); err != nil {
			return err
		}
		m.emit(events.ProjectRenumbered, "project", projectID, map[string]interface{}{
			"assigned": n.assigned,
		})
		return nil
	})
}

// numberer is one numbering pass. It only runs inside a guarded mutation, so the
// project lock is already held; rows are additionally locked as they are read.
type numberer struct {
	tx          *gorm.DB
	maxAttempts int
	assigned    int
}

func (s *Service) numberer(tx *gorm.DB) *numberer {
	return &numberer{tx: tx, maxAttempts: s.MaxDesignationAttempts}
}

// seed is the part of a start designation below the ouvrage level.
type seed struct {
	bloc    string
	article string
}

func parseStart(start string) (ouvrage string, sd seed, err error) {
	if start == "" {
		return "", seed{}, nil
	}
	segs, err := designation.Parse(start)
	if err != nil || len(segs) < 2 || len(segs) > 4 {
		return "", seed{}, ErrMalformedDesignation
	}
	ouvrage = designation.Format(segs[:2]...)
	if len(segs) >= 3 {
		sd.bloc = designation.Format(segs[:3]...)
	}
	if len(segs) == 4 {
		sd.article = start
	}
	return ouvrage, sd, nil
}

func (n *numberer) run(projectID int64, opts RenumberOptions) error {
	startOuvrage, sd, err := parseStart(opts.StartDesignation)
	if err != nil {
		return err
	}

	scopeLot := opts.LotID
	var target *domain.Ouvrage
	if opts.TargetOuvrageID != nil {
		var o domain.Ouvrage
		if err := n.tx.Where("id = ? AND project_id = ?", *opts.TargetOuvrageID, projectID).First(&o).Error; err != nil {
			return notFound(err, ErrOuvrageNotFound)
		}
		target = &o
		if scopeLot == nil {
			scopeLot = &o.LotID
		} else if *scopeLot != o.LotID {
			return ErrCrossLotMove
		}
	}

	lots, err := lotsWithContent(n.tx, projectID)
	if err != nil {
		return err
	}
	taken, err := n.ouvrageDesignations(projectID)
	if err != nil {
		return err
	}
	for i, lot := range lots {
		if scopeLot != nil && lot.ID != *scopeLot {
			continue
		}
		if err := n.numberLot(lot.ID, i+1, taken, target, startOuvrage, sd); err != nil {
			return err
		}
	}
	if scopeLot == nil && target == nil {
		return n.numberStandaloneBlocs(projectID, len(lots)+1)
	}
	return nil
}

func (n *numberer) ouvrageDesignations(projectID int64) (map[string]bool, error) {
	var ds []string
	err := n.tx.Model(&domain.Ouvrage{}).
		Where("project_id = ? AND designation IS NOT NULL", projectID).
		Pluck("designation", &ds).Error
	return toSet(ds), err
}

// numberLot numbers the ouvrages of one lot in creation order, then their content.
func (n *numberer) numberLot(lotID int64, lotIndex int, taken map[string]bool, target *domain.Ouvrage, startOuvrage string, sd seed) error {
	var ouvrages []domain.Ouvrage
	if err := forUpdate(n.tx).Where("lot_id = ?", lotID).Order("id ASC").Find(&ouvrages).Error; err != nil {
		return err
	}

	// the target's start designation is reserved before anything else is numbered
	for _, o := range ouvrages {
		if target != nil && o.ID == target.ID && startOuvrage != "" && o.Designation == nil {
			if taken[startOuvrage] {
				return ErrDesignationTaken
			}
			taken[startOuvrage] = true
		}
	}

	running := 1
	for i := range ouvrages {
		o := &ouvrages[i]
		isTarget := target != nil && o.ID == target.ID
		switch {
		case o.Designation != nil:
		case isTarget && startOuvrage != "":
			// used verbatim, does not consume a running index
			if err := n.assignOuvrage(o, startOuvrage); err != nil {
				return err
			}
		default:
			d, ord, err := n.nextFree(taken, func(k int) string { return designation.Format(lotIndex, k) }, running)
			if err != nil {
				return err
			}
			if err := n.assignOuvrage(o, d); err != nil {
				return err
			}
			running = ord + 1
		}
	}

	for i := range ouvrages {
		o := &ouvrages[i]
		var s seed
		if target != nil && o.ID == target.ID {
			s = sd
		}
		if err := n.numberOuvrageContent(o, s); err != nil {
			return err
		}
	}
	return nil
}

// numberOuvrageContent numbers direct articles first (D.1..D.N), then blocs
// (D.N+1...), then each bloc's articles.
func (n *numberer) numberOuvrageContent(o *domain.Ouvrage, sd seed) error {
	if o.Designation == nil {
		return nil
	}
	od := *o.Designation

	direct, err := directArticles(forUpdate(n.tx, "articles"), o.ID)
	if err != nil {
		return err
	}
	var blocs []domain.Bloc
	if err := forUpdate(n.tx).Where("ouvrage_id = ?", o.ID).Order("id ASC").Find(&blocs).Error; err != nil {
		return err
	}

	taken := map[string]bool{}
	for _, a := range direct {
		markTaken(taken, a.Designation)
	}
	for _, b := range blocs {
		markTaken(taken, b.Designation)
	}
	child := func(k int) string { return designation.Child(od, k) }

	next := 1
	for i := range direct {
		a := &direct[i]
		if a.Designation != nil {
			continue
		}
		d, ord, err := n.nextFree(taken, child, maxInt(i+1, next))
		if err != nil {
			return err
		}
		if err := n.assignArticle(a, d); err != nil {
			return err
		}
		next = ord + 1
	}

	next = maxInt(next, len(direct)+1)
	for i := range blocs {
		b := &blocs[i]
		if b.Designation == nil {
			if err := n.numberBloc(b, i, sd.bloc, taken, child, len(direct)+i+1, &next); err != nil {
				return err
			}
		}
		articleSeed := ""
		if i == 0 {
			articleSeed = sd.article
		}
		if err := n.numberBlocArticles(b, articleSeed); err != nil {
			return err
		}
	}
	return nil
}

// numberBloc assigns one unassigned bloc. The first bloc takes the seed when given,
// and the running counter continues after it.
func (n *numberer) numberBloc(b *domain.Bloc, position int, seedDesignation string, taken map[string]bool, child func(int) string, ordinal int, next *int) error {
	if position == 0 && seedDesignation != "" && !taken[seedDesignation] {
		if err := n.assignBloc(b, seedDesignation); err != nil {
			return err
		}
		taken[seedDesignation] = true
		if last, ok := designation.Last(seedDesignation); ok {
			*next = last + 1
		}
		return nil
	}
	d, ord, err := n.nextFree(taken, child, maxInt(ordinal, *next))
	if err != nil {
		return err
	}
	if err := n.assignBloc(b, d); err != nil {
		return err
	}
	*next = ord + 1
	return nil
}

// numberBlocArticles numbers B.1, B.2... skipping articles that already carry one.
func (n *numberer) numberBlocArticles(b *domain.Bloc, seedDesignation string) error {
	if b.Designation == nil {
		return nil
	}
	bd := *b.Designation
	articles, err := blocArticles(forUpdate(n.tx, "articles"), b.ID)
	if err != nil {
		return err
	}
	taken := map[string]bool{}
	for _, a := range articles {
		markTaken(taken, a.Designation)
	}
	child := func(k int) string { return designation.Child(bd, k) }

	next := 1
	seedUsed := false
	for i := range articles {
		a := &articles[i]
		if a.Designation != nil {
			continue
		}
		if !seedUsed && seedDesignation != "" && !taken[seedDesignation] {
			seedUsed = true
			if err := n.assignArticle(a, seedDesignation); err != nil {
				return err
			}
			taken[seedDesignation] = true
			if last, ok := designation.Last(seedDesignation); ok {
				next = last + 1
			}
			continue
		}
		seedUsed = true
		d, ord, err := n.nextFree(taken, child, maxInt(i+1, next))
		if err != nil {
			return err
		}
		if err := n.assignArticle(a, d); err != nil {
			return err
		}
		next = ord + 1
	}
	return nil
}

// numberStandaloneBlocs numbers blocs without ouvrage as S.1, S.2... where S follows
// the last lot index.
func (n *numberer) numberStandaloneBlocs(projectID int64, standaloneIndex int) error {
	var blocs []domain.Bloc
	if err := forUpdate(n.tx).Where("project_id = ? AND ouvrage_id IS NULL", projectID).Order("id ASC").Find(&blocs).Error; err != nil {
		return err
	}
	taken := map[string]bool{}
	for _, b := range blocs {
		markTaken(taken, b.Designation)
	}
	child := func(k int) string { return designation.Format(standaloneIndex, k) }
	next := 1
	for i := range blocs {
		b := &blocs[i]
		if b.Designation == nil {
			d, ord, err := n.nextFree(taken, child, maxInt(i+1, next))
			if err != nil {
				return err
			}
			if err := n.assignBloc(b, d); err != nil {
				return err
			}
			next = ord + 1
		}
		if err := n.numberBlocArticles(b, ""); err != nil {
			return err
		}
	}
	return nil
}

// nextFree returns the first candidate format(k), k >= from, absent from taken, and
// marks it taken. Conflicts advance the candidate; the pass only fails when no free
// value is found within maxAttempts.
func (n *numberer) nextFree(taken map[string]bool, format func(int) string, from int) (string, int, error) {
	if from < 1 {
		from = 1
	}
	for k := from; k < from+n.maxAttempts; k++ {
		d := format(k)
		if !taken[d] {
			taken[d] = true
			return d, k, nil
		}
	}
	return "", 0, ErrDesignationExhausted
}

// The assign* writes are guarded by "designation IS NULL": a designation, once set,
// is never overwritten.

func (n *numberer) assignOuvrage(o *domain.Ouvrage, d string) error {
	return n.assign(&domain.Ouvrage{}, o.ID, d, func() { o.Designation = &d }, KindOuvrage)
}

func (n *numberer) assignBloc(b *domain.Bloc, d string) error {
	return n.assign(&domain.Bloc{}, b.ID, d, func() { b.Designation = &d }, KindBloc)
}

func (n *numberer) assignArticle(a *domain.Article, d string) error {
	return n.assign(&domain.Article{}, a.ID, d, func() { a.Designation = &d }, "article")
}

func (n *numberer) assign(model interface{}, id int64, d string, set func(), kind NodeKind) error {
	res := n.tx.Model(model).Where("id = ? AND designation IS NULL", id).Update("designation", d)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Warn().Str("kind", string(kind)).Int64("id", id).Msg("designation: node already numbered, skipped")
		return nil
	}
	set()
	n.assigned++
	designationsAssigned.WithLabelValues(string(kind)).Inc()
	return nil
}

// assignNewArticle numbers a freshly inserted article within its link: under its
// bloc (B.k) or directly under its ouvrage (D.k, sharing the sub-index space with
// blocs). Articles of an unnumbered ouvrage stay unassigned until the next pass.
func (n *numberer) assignNewArticle(a *domain.Article, link *domain.StructureLink) error {
	if link.BlocID != nil {
		var bloc domain.Bloc
		if err := n.tx.Where("id = ?", *link.BlocID).First(&bloc).Error; err != nil {
			return notFound(err, ErrBlocNotFound)
		}
		if bloc.Designation == nil {
			return ErrBlocDesignationMissing
		}
		siblings, err := blocArticles(n.tx, bloc.ID)
		if err != nil {
			return err
		}
		taken := designationSet(siblings)
		d, _, err := n.nextFree(taken, func(k int) string { return designation.Child(*bloc.Designation, k) }, len(siblings))
		if err != nil {
			return err
		}
		return n.assignArticle(a, d)
	}
	if link.OuvrageID == nil {
		return nil
	}
	var o domain.Ouvrage
	if err := n.tx.Where("id = ?", *link.OuvrageID).First(&o).Error; err != nil {
		return notFound(err, ErrOuvrageNotFound)
	}
	if o.Designation == nil {
		return nil
	}
	direct, err := directArticles(n.tx, o.ID)
	if err != nil {
		return err
	}
	taken, err := ouvrageChildDesignations(n.tx, o.ID)
	if err != nil {
		return err
	}
	d, _, err := n.nextFree(taken, func(k int) string { return designation.Child(*o.Designation, k) }, len(direct))
	if err != nil {
		return err
	}
	return n.assignArticle(a, d)
}

// directArticles lists articles attached to the ouvrage without bloc, in creation order.
func directArticles(tx *gorm.DB, ouvrageID int64) ([]domain.Article, error) {
	var articles []domain.Article
	err := tx.Joins("JOIN structure_links l ON l.id = articles.link_id").
		Where("l.ouvrage_id = ? AND l.bloc_id IS NULL", ouvrageID).
		Order("articles.id ASC").
		Find(&articles).Error
	return articles, err
}

// blocArticles lists the articles of a bloc in creation order.
func blocArticles(tx *gorm.DB, blocID int64) ([]domain.Article, error) {
	var articles []domain.Article
	err := tx.Joins("JOIN structure_links l ON l.id = articles.link_id").
		Where("l.bloc_id = ?", blocID).
		Order("articles.id ASC").
		Find(&articles).Error
	return articles, err
}

// ouvrageChildDesignations collects the designations of the direct children of an
// ouvrage: its blocs and its direct articles share one sub-index space.
func ouvrageChildDesignations(tx *gorm.DB, ouvrageID int64) (map[string]bool, error) {
	direct, err := directArticles(tx, ouvrageID)
	if err != nil {
		return nil, err
	}
	var blocDs []string
	if err := tx.Model(&domain.Bloc{}).Where("ouvrage_id = ? AND designation IS NOT NULL", ouvrageID).Pluck("designation", &blocDs).Error; err != nil {
		return nil, err
	}
	taken := designationSet(direct)
	for _, d := range blocDs {
		taken[d] = true
	}
	return taken, nil
}

// checkDesignation validates a caller-supplied designation: well formed, a direct
// child of parent when the parent is numbered, and free among its siblings.
func checkDesignation(d string, parent *string, taken map[string]bool) error {
	if !designation.Valid(d) {
		return ErrMalformedDesignation
	}
	if parent != nil {
		depth := designation.Depth(*parent)
		prefix, ok := designation.Prefix(d, depth)
		if !ok || prefix != *parent || designation.Depth(d) != depth+1 {
			return ErrDesignationOutside
		}
	}
	if taken[d] {
		return ErrDesignationTaken
	}
	return nil
}

// linkParentDesignation returns the designation an article at link is numbered under:
// its bloc's, or its ouvrage's for a direct article. Nil when unnumbered.
func linkParentDesignation(tx *gorm.DB, link *domain.StructureLink) (*string, error) {
	if link.BlocID != nil {
		var b domain.Bloc
		if err := tx.Select("designation").Where("id = ?", *link.BlocID).First(&b).Error; err != nil {
			return nil, notFound(err, ErrBlocNotFound)
		}
		return b.Designation, nil
	}
	if link.OuvrageID != nil {
		var o domain.Ouvrage
		if err := tx.Select("designation").Where("id = ?", *link.OuvrageID).First(&o).Error; err != nil {
			return nil, notFound(err, ErrOuvrageNotFound)
		}
		return o.Designation, nil
	}
	return nil, nil
}

func designationSet(articles []domain.Article) map[string]bool {
	taken := map[string]bool{}
	for _, a := range articles {
		markTaken(taken, a.Designation)
	}
	return taken
}

func markTaken(taken map[string]bool, d *string) {
	if d != nil {
		taken[*d] = true
	}
}

func toSet(ds []string) map[string]bool {
	set := make(map[string]bool, len(ds))
	for _, d := range ds {
		set[d] = true
	}
	return set
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
