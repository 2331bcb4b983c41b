package estimate

import (
	"errors"
	"math"
	"sort"

	"chiffrage-backend/internal/domain"

	"gorm.io/gorm"
)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// MarginCoefficient converts a cost into a sell price: 1 / (1 - gross% - net%).
// Returns 1 when the denominator is not a positive finite number.
func MarginCoefficient(grossPct, netPct float64) float64 {
	den := 1 - grossPct/100 - netPct/100
	if math.IsNaN(den) || math.IsInf(den, 0) || den <= 0 {
		return 1
	}
	c := 1 / den
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 1
	}
	return c
}

// ArticleTotals returns (totalExclTax, totalInclTax) of a line.
func ArticleTotals(quantity, unitPrice, taxRate float64) (float64, float64) {
	excl := round2(quantity * unitPrice)
	incl := round2(excl * (1 + taxRate/100))
	return excl, incl
}

// BlocUnitPrice returns total/quantity, nil when quantity is not positive.
func BlocUnitPrice(total, quantity float64) *float64 {
	if quantity <= 0 {
		return nil
	}
	pu := round4(total / quantity)
	return &pu
}

// dirtySet records the nodes whose aggregates a mutation invalidated.
type dirtySet struct {
	projectID int64
	blocs     map[int64]struct{}
	ouvrages  map[int64]struct{}
	lots      map[int64]struct{}
}

func newDirtySet(projectID int64) *dirtySet {
	return &dirtySet{
		projectID: projectID,
		blocs:     map[int64]struct{}{},
		ouvrages:  map[int64]struct{}{},
		lots:      map[int64]struct{}{},
	}
}

func (d *dirtySet) bloc(id *int64) {
	if id != nil {
		d.blocs[*id] = struct{}{}
	}
}

func (d *dirtySet) ouvrage(id *int64) {
	if id != nil {
		d.ouvrages[*id] = struct{}{}
	}
}

func (d *dirtySet) lot(id int64) {
	d.lots[id] = struct{}{}
}

// forget drops deleted nodes so the rollup does not revisit them.
func (d *dirtySet) forgetBloc(id int64)    { delete(d.blocs, id) }
func (d *dirtySet) forgetOuvrage(id int64) { delete(d.ouvrages, id) }
func (d *dirtySet) forgetLot(id int64)     { delete(d.lots, id) }

func sortedKeys(m map[int64]struct{}) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// rollup recomputes bottom-up: blocs, ouvrages, lots, project. Parents of dirty
// blocs and ouvrages are pulled in so callers only mark the lowest touched level.
func (s *Service) rollup(tx *gorm.DB, d *dirtySet) error {
	for _, id := range sortedKeys(d.blocs) {
		ouvrageID, err := recomputeBloc(tx, id)
		if err != nil {
			return err
		}
		d.ouvrage(ouvrageID)
	}
	for _, id := range sortedKeys(d.ouvrages) {
		lotID, err := recomputeOuvrage(tx, id)
		if err != nil {
			return err
		}
		d.lot(lotID)
	}
	for _, id := range sortedKeys(d.lots) {
		if err := recomputeLot(tx, id); err != nil {
			return err
		}
	}
	return recomputeProject(tx, d.projectID)
}

// recomputeArticle refreshes the line totals of one article.
func recomputeArticle(tx *gorm.DB, a *domain.Article) error {
	a.TotalExclTax, a.TotalInclTax = ArticleTotals(a.Quantity, a.UnitPrice, a.TaxRate)
	return tx.Model(&domain.Article{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
		"total_excl_tax": a.TotalExclTax,
		"total_incl_tax": a.TotalInclTax,
	}).Error
}

// recomputeBloc sets total and pu of a bloc and returns its owning ouvrage.
func recomputeBloc(tx *gorm.DB, blocID int64) (*int64, error) {
	var bloc domain.Bloc
	if err := forUpdate(tx).Where("id = ?", blocID).First(&bloc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var total float64
	err := tx.Raw(`SELECT COALESCE(SUM(a.total_incl_tax), 0) FROM articles a
		JOIN structure_links l ON l.id = a.link_id
		WHERE l.bloc_id = ?`, blocID).Scan(&total).Error
	if err != nil {
		return nil, err
	}
	total = round2(total)
	err = tx.Model(&domain.Bloc{}).Where("id = ?", blocID).Updates(map[string]interface{}{
		"total": total,
		"pu":    BlocUnitPrice(total, bloc.Quantity),
	}).Error
	return bloc.OuvrageID, err
}

// recomputeOuvrage sums every article whose link resolves to the ouvrage, directly
// or through one of its blocs, and returns the ouvrage lot.
func recomputeOuvrage(tx *gorm.DB, ouvrageID int64) (int64, error) {
	var ouvrage domain.Ouvrage
	if err := forUpdate(tx).Where("id = ?", ouvrageID).First(&ouvrage).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var total float64
	err := tx.Raw(`SELECT COALESCE(SUM(a.total_incl_tax), 0) FROM articles a
		JOIN structure_links l ON l.id = a.link_id
		WHERE l.ouvrage_id = ?`, ouvrageID).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	err = tx.Model(&domain.Ouvrage{}).Where("id = ?", ouvrageID).Update("total", round2(total)).Error
	return ouvrage.LotID, err
}

// recomputeLot sums member ouvrages and applies the project margin coefficient.
func recomputeLot(tx *gorm.DB, lotID int64) error {
	if lotID == 0 {
		return nil
	}
	var lot domain.LotPerProject
	if err := forUpdate(tx).Where("id = ?", lotID).First(&lot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	var total float64
	if err := tx.Raw(`SELECT COALESCE(SUM(total), 0) FROM ouvrages WHERE lot_id = ?`, lotID).Scan(&total).Error; err != nil {
		return err
	}
	c, err := projectMarginCoefficient(tx, lot.ProjectID)
	if err != nil {
		return err
	}
	total = round2(total)
	return tx.Model(&domain.LotPerProject{}).Where("id = ?", lotID).Updates(map[string]interface{}{
		"total":      total,
		"sell_total": round2(total * c),
	}).Error
}

// recomputeProject sums lot totals into cost and sell price.
func recomputeProject(tx *gorm.DB, projectID int64) error {
	var sums struct {
		Cost      float64
		SellPrice float64
	}
	err := tx.Raw(`SELECT COALESCE(SUM(total), 0) AS cost, COALESCE(SUM(sell_total), 0) AS sell_price
		FROM lot_per_project WHERE project_id = ?`, projectID).Scan(&sums).Error
	if err != nil {
		return err
	}
	return tx.Model(&domain.Project{}).Where("id = ?", projectID).Updates(map[string]interface{}{
		"cost":       round2(sums.Cost),
		"sell_price": round2(sums.SellPrice),
	}).Error
}

func projectMarginCoefficient(tx *gorm.DB, projectID int64) (float64, error) {
	var project domain.Project
	if err := tx.Where("id = ?", projectID).First(&project).Error; err != nil {
		return 0, notFound(err, ErrProjectNotFound)
	}
	if project.ClientID == nil {
		return 1, nil
	}
	var client domain.Client
	err := tx.Where("id = ?", *project.ClientID).First(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return MarginCoefficient(client.GrossMarginPct, client.NetMarginPct), nil
}

// recalculateAll recomputes every level of a project from its articles up.
func (s *Service) recalculateAll(m *mutation) error {
	var articles []domain.Article
	if err := forUpdate(m.tx).Where("project_id = ?", m.projectID).Order("id ASC").Find(&articles).Error; err != nil {
		return err
	}
	for i := range articles {
		if err := recomputeArticle(m.tx, &articles[i]); err != nil {
			return err
		}
	}
	var blocIDs, ouvrageIDs, lotIDs []int64
	if err := m.tx.Model(&domain.Bloc{}).Where("project_id = ?", m.projectID).Pluck("id", &blocIDs).Error; err != nil {
		return err
	}
	if err := m.tx.Model(&domain.Ouvrage{}).Where("project_id = ?", m.projectID).Pluck("id", &ouvrageIDs).Error; err != nil {
		return err
	}
	if err := m.tx.Model(&domain.LotPerProject{}).Where("project_id = ?", m.projectID).Pluck("id", &lotIDs).Error; err != nil {
		return err
	}
	for i := range blocIDs {
		m.dirty.bloc(&blocIDs[i])
	}
	for i := range ouvrageIDs {
		m.dirty.ouvrage(&ouvrageIDs[i])
	}
	for _, id := range lotIDs {
		m.dirty.lot(id)
	}
	return nil
}
