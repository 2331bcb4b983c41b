package estimate

import (
	"context"
	"sync"
	"testing"
	"time"

	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/domain"
	"chiffrage-backend/internal/infrastructure/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := database.Open("sqlite::memory:")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewService(db, Options{}), db
}

func newProject(t *testing.T, db *gorm.DB, clientID *int64) int64 {
	t.Helper()
	p := domain.Project{Name: "Maison Dupont", ClientID: clientID}
	require.NoError(t, db.Create(&p).Error)
	return p.ID
}

func reload[T any](t *testing.T, db *gorm.DB, id int64) T {
	t.Helper()
	var v T
	require.NoError(t, db.Where("id = ?", id).First(&v).Error)
	return v
}

// buildO1 creates O1 "1.1" in lot "Gros oeuvre" with A1 (2 x 100, 20% tax) attached directly.
func buildO1(t *testing.T, s *Service, projectID int64) (*domain.Ouvrage, *domain.Article) {
	t.Helper()
	ctx := context.Background()
	o1, err := s.CreateOuvrage(ctx, projectID, CreateOuvrageInput{
		Lot:         LotRef{Label: "Gros oeuvre"},
		Name:        "O1",
		Designation: ptr("1.1"),
	})
	require.NoError(t, err)
	a1, err := s.AddArticle(ctx, projectID, AddArticleInput{
		OuvrageID: &o1.ID,
		Name:      "Béton",
		Quantity:  2,
		UnitPrice: 100,
		TaxRate:   20,
	})
	require.NoError(t, err)
	return o1, a1
}

func TestScenario_CreateOuvrageAndDirectArticle(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)

	o1, a1 := buildO1(t, s, pid)

	require.NotNil(t, o1.Designation)
	assert.Equal(t, "1.1", *o1.Designation)
	require.NotNil(t, a1.Designation)
	assert.Equal(t, "1.1.1", *a1.Designation)
	assert.Equal(t, 240.0, a1.TotalInclTax)
	assert.Equal(t, 200.0, a1.TotalExclTax)

	o := reload[domain.Ouvrage](t, db, o1.ID)
	assert.Equal(t, 240.0, o.Total)
	lot := reload[domain.LotPerProject](t, db, o.LotID)
	assert.Equal(t, 240.0, lot.Total)
	assert.Equal(t, 240.0, lot.SellTotal)
	p := reload[domain.Project](t, db, pid)
	assert.Equal(t, 240.0, p.Cost)
	assert.Equal(t, 240.0, p.SellPrice)
}

func TestScenario_BlocNumberedAfterDirectArticles(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	b1, err := s.CreateBloc(ctx, pid, CreateBlocInput{OuvrageID: &o1.ID, Name: "B1", Quantity: 4})
	require.NoError(t, err)
	assert.Nil(t, b1.Designation)

	require.NoError(t, s.Renumber(ctx, pid, RenumberOptions{}))

	b := reload[domain.Bloc](t, db, b1.ID)
	require.NotNil(t, b.Designation)
	assert.Equal(t, "1.1.2", *b.Designation)
}

func TestScenario_DuplicateRebasesDesignations(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	b1, err := s.CreateBloc(ctx, pid, CreateBlocInput{OuvrageID: &o1.ID, Name: "B1", Quantity: 4})
	require.NoError(t, err)
	require.NoError(t, s.Renumber(ctx, pid, RenumberOptions{}))
	ba, err := s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, BlocID: &b1.ID, Quantity: 1, UnitPrice: 50, TaxRate: 10})
	require.NoError(t, err)
	assert.Equal(t, "1.1.2.1", *ba.Designation)

	o2, err := s.DuplicateOuvrage(ctx, pid, o1.ID, DuplicateOuvrageInput{Name: "O2", Designation: ptr("1.2")})
	require.NoError(t, err)
	require.NotNil(t, o2.Designation)
	assert.Equal(t, "1.2", *o2.Designation)
	assert.Equal(t, o1.LotID, o2.LotID)

	tree, err := s.GetStructure(ctx, pid)
	require.NoError(t, err)
	require.Len(t, tree.Lots, 1)
	require.Len(t, tree.Lots[0].Ouvrages, 2)
	copyNode := tree.Lots[0].Ouvrages[1]
	assert.Equal(t, o2.ID, copyNode.ID)
	require.Len(t, copyNode.Articles, 1)
	assert.Equal(t, "1.2.1", *copyNode.Articles[0].Designation)
	require.Len(t, copyNode.Blocs, 1)
	assert.Equal(t, "1.2.2", *copyNode.Blocs[0].Designation)
	require.Len(t, copyNode.Blocs[0].Articles, 1)
	assert.Equal(t, "1.2.2.1", *copyNode.Blocs[0].Articles[0].Designation)
	assert.NotEqual(t, b1.ID, copyNode.Blocs[0].ID)

	orig := reload[domain.Ouvrage](t, db, o1.ID)
	dup := reload[domain.Ouvrage](t, db, o2.ID)
	assert.Equal(t, 295.0, orig.Total)
	assert.Equal(t, orig.Total, dup.Total)

	lot := reload[domain.LotPerProject](t, db, o1.LotID)
	assert.Equal(t, 590.0, lot.Total)
}

func TestScenario_DeleteLastBlocArticleKeepsBloc(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	b1, err := s.CreateBloc(ctx, pid, CreateBlocInput{OuvrageID: &o1.ID, Name: "B1", Quantity: 4, Designation: ptr("1.1.2")})
	require.NoError(t, err)
	empty, err := s.CreateBloc(ctx, pid, CreateBlocInput{OuvrageID: &o1.ID, Name: "B0", Quantity: 0, Designation: ptr("1.1.3")})
	require.NoError(t, err)

	a, err := s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, BlocID: &b1.ID, Quantity: 1, UnitPrice: 10})
	require.NoError(t, err)
	a0, err := s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, BlocID: &empty.ID, Quantity: 1, UnitPrice: 10})
	require.NoError(t, err)
	assert.Equal(t, 2.5, *reload[domain.Bloc](t, db, b1.ID).PU)

	require.NoError(t, s.DeleteArticle(ctx, a.ID))
	require.NoError(t, s.DeleteArticle(ctx, a0.ID))

	b := reload[domain.Bloc](t, db, b1.ID)
	assert.Equal(t, 0.0, b.Total)
	require.NotNil(t, b.PU)
	assert.Equal(t, 0.0, *b.PU)

	b0 := reload[domain.Bloc](t, db, empty.ID)
	assert.Equal(t, 0.0, b0.Total)
	assert.Nil(t, b0.PU)

	assert.Equal(t, 240.0, reload[domain.Ouvrage](t, db, o1.ID).Total)
	assertNoOrphanLinks(t, db)
}

func TestScenario_ConcurrentAddArticle(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, Quantity: 1, UnitPrice: 10})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	o := reload[domain.Ouvrage](t, db, o1.ID)
	assert.Equal(t, 240.0+workers*10, o.Total)

	var ds []string
	require.NoError(t, db.Model(&domain.Article{}).Where("project_id = ?", pid).Pluck("designation", &ds).Error)
	assert.Len(t, ds, workers+1)
	seen := map[string]bool{}
	for _, d := range ds {
		assert.False(t, seen[d], "designation %s assigned twice", d)
		seen[d] = true
	}
}

func TestRollup_HoldsAfterMutationSequence(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, a1 := buildO1(t, s, pid)
	ctx := context.Background()

	b, err := s.CreateBloc(ctx, pid, CreateBlocInput{OuvrageID: &o1.ID, Name: "Murs", Quantity: 2, Designation: ptr("1.1.2")})
	require.NoError(t, err)
	var added []int64
	for i := 1; i <= 3; i++ {
		a, err := s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, BlocID: &b.ID, Quantity: float64(i), UnitPrice: 12.5, TaxRate: 5.5})
		require.NoError(t, err)
		added = append(added, a.ID)
	}
	require.NoError(t, s.DeleteArticle(ctx, added[1]))
	_, err = s.UpdateArticle(ctx, a1.ID, ArticleUpdate{Quantity: ptr(3.0)})
	require.NoError(t, err)

	var articles []domain.Article
	require.NoError(t, db.Where("project_id = ?", pid).Find(&articles).Error)
	var sum float64
	for _, a := range articles {
		sum += a.TotalInclTax
	}
	o := reload[domain.Ouvrage](t, db, o1.ID)
	assert.InDelta(t, round2(sum), o.Total, 0.001)

	bloc := reload[domain.Bloc](t, db, b.ID)
	// (1 + 3) * 12.5 * 1.055 = 52.75
	assert.InDelta(t, 52.75, bloc.Total, 0.001)
	assert.InDelta(t, 26.375, *bloc.PU, 0.0001)
	assert.Equal(t, 360.0, reload[domain.Article](t, db, a1.ID).TotalInclTax)
}

func TestMargin_AppliedAndIdempotent(t *testing.T) {
	s, db := newTestService(t)
	client := domain.Client{Name: "Dupont", GrossMarginPct: 10, NetMarginPct: 10}
	require.NoError(t, db.Create(&client).Error)
	pid := newProject(t, db, &client.ID)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	lot := reload[domain.LotPerProject](t, db, o1.LotID)
	assert.Equal(t, 240.0, lot.Total)
	assert.Equal(t, 300.0, lot.SellTotal)

	first, err := s.Recalculate(ctx, pid)
	require.NoError(t, err)
	second, err := s.Recalculate(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, 240.0, first.Cost)
	assert.Equal(t, 300.0, first.SellPrice)
	assert.Equal(t, first.Cost, second.Cost)
	assert.Equal(t, first.SellPrice, second.SellPrice)
}

func TestAddArticle_MergesIdenticalLine(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	in := AddArticleInput{OuvrageID: &o1.ID, CatalogArticleID: ptr(int64(7)), Quantity: 2, UnitPrice: 5, TaxRate: 20}
	first, err := s.AddArticle(ctx, pid, in)
	require.NoError(t, err)
	second, err := s.AddArticle(ctx, pid, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 4.0, second.Quantity)
	assert.Equal(t, 24.0, second.TotalInclTax)

	in.UnitPrice = 6
	third, err := s.AddArticle(ctx, pid, in)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID, "different price is a different line")

	assert.Equal(t, 240.0+24+14.4, reload[domain.Ouvrage](t, db, o1.ID).Total)
}

func TestAddArticle_Rejections(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	other, err := s.CreateOuvrage(ctx, pid, CreateOuvrageInput{Lot: LotRef{Label: "Gros oeuvre"}, Name: "O2", Designation: ptr("1.2")})
	require.NoError(t, err)
	unnumbered, err := s.CreateBloc(ctx, pid, CreateBlocInput{OuvrageID: &o1.ID, Name: "B", Quantity: 1})
	require.NoError(t, err)

	_, err = s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: ptr(int64(9999)), Quantity: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &other.ID, BlocID: &unnumbered.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrBlocOuvrageMismatch)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, BlocID: &unnumbered.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrBlocDesignationMissing)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, Quantity: 1, Designation: ptr("1.1.1")})
	assert.ErrorIs(t, err, ErrDesignationTaken)

	_, err = s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, Quantity: -1})
	assert.ErrorIs(t, err, ErrNegativeQuantity)

	_, err = s.AddArticle(ctx, 4242, AddArticleInput{OuvrageID: &o1.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrProjectNotFound)

	assert.Equal(t, 240.0, reload[domain.Ouvrage](t, db, o1.ID).Total, "rejected mutations leave totals untouched")
}

func TestUpdateArticle_DesignationIsPermanent(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	_, a1 := buildO1(t, s, pid)
	ctx := context.Background()

	_, err := s.UpdateArticle(ctx, a1.ID, ArticleUpdate{Designation: ptr("1.1.9")})
	assert.ErrorIs(t, err, ErrDesignationAssigned)

	same, err := s.UpdateArticle(ctx, a1.ID, ArticleUpdate{Designation: ptr("1.1.1"), Name: ptr("Béton C25")})
	require.NoError(t, err)
	assert.Equal(t, "Béton C25", same.Name)
	assert.Equal(t, "1.1.1", *reload[domain.Article](t, db, a1.ID).Designation)

	_, err = s.UpdateArticle(ctx, 777, ArticleUpdate{Name: ptr("x")})
	assert.ErrorIs(t, err, ErrArticleNotFound)
}

func TestDeleteOuvrage_Cascades(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	b, err := s.CreateBloc(ctx, pid, CreateBlocInput{OuvrageID: &o1.ID, Name: "B", Quantity: 1, Designation: ptr("1.1.2")})
	require.NoError(t, err)
	_, err = s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, BlocID: &b.ID, Quantity: 1, UnitPrice: 1})
	require.NoError(t, err)

	require.NoError(t, s.DeleteOuvrage(ctx, o1.ID))

	var n int64
	require.NoError(t, db.Model(&domain.Article{}).Where("project_id = ?", pid).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, db.Model(&domain.Bloc{}).Where("project_id = ?", pid).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, db.Model(&domain.StructureLink{}).Where("project_id = ?", pid).Count(&n).Error)
	assert.Zero(t, n)

	lot := reload[domain.LotPerProject](t, db, o1.LotID)
	assert.Zero(t, lot.Total)
	assert.Zero(t, reload[domain.Project](t, db, pid).Cost)

	assert.ErrorIs(t, s.DeleteOuvrage(ctx, o1.ID), ErrOuvrageNotFound)
}

func TestDeleteBloc_RollsUpToOuvrage(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	b, err := s.CreateBloc(ctx, pid, CreateBlocInput{OuvrageID: &o1.ID, Name: "B", Quantity: 1, Designation: ptr("1.1.2")})
	require.NoError(t, err)
	_, err = s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, BlocID: &b.ID, Quantity: 3, UnitPrice: 10})
	require.NoError(t, err)
	assert.Equal(t, 270.0, reload[domain.Ouvrage](t, db, o1.ID).Total)

	require.NoError(t, s.DeleteBloc(ctx, b.ID))
	assert.Equal(t, 240.0, reload[domain.Ouvrage](t, db, o1.ID).Total)
	assertNoOrphanLinks(t, db)
}

func TestMoveBloc(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)
	ctx := context.Background()

	o2, err := s.CreateOuvrage(ctx, pid, CreateOuvrageInput{Lot: LotRef{Label: "Gros oeuvre"}, Name: "O2", Designation: ptr("1.2")})
	require.NoError(t, err)
	elsewhere, err := s.CreateOuvrage(ctx, pid, CreateOuvrageInput{Lot: LotRef{Label: "Plomberie"}, Name: "O3", Designation: ptr("2.1")})
	require.NoError(t, err)

	b, err := s.CreateBloc(ctx, pid, CreateBlocInput{OuvrageID: &o1.ID, Name: "B", Quantity: 1, Designation: ptr("1.1.5")})
	require.NoError(t, err)
	_, err = s.AddArticle(ctx, pid, AddArticleInput{OuvrageID: &o1.ID, BlocID: &b.ID, Quantity: 1, UnitPrice: 60})
	require.NoError(t, err)

	_, err = s.MoveBloc(ctx, b.ID, elsewhere.ID)
	assert.ErrorIs(t, err, ErrCrossLotMove)

	moved, err := s.MoveBloc(ctx, b.ID, o2.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.OuvrageID)
	assert.Equal(t, o2.ID, *moved.OuvrageID)
	assert.Equal(t, "1.1.5", *moved.Designation)

	assert.Equal(t, 240.0, reload[domain.Ouvrage](t, db, o1.ID).Total)
	assert.Equal(t, 60.0, reload[domain.Ouvrage](t, db, o2.ID).Total)

	var link domain.StructureLink
	require.NoError(t, db.Where("bloc_id = ?", b.ID).First(&link).Error)
	assert.Equal(t, domain.LinkPairKey(&o2.ID, &b.ID), link.PairKey)
}

func TestEvents_PublishedAfterCommitOnly(t *testing.T) {
	s, db := newTestService(t)
	pub := &recordingPublisher{}
	s.Events = pub
	pid := newProject(t, db, nil)
	ctx := context.Background()

	_, err := s.CreateOuvrage(ctx, pid, CreateOuvrageInput{Lot: LotRef{Label: "Charpente"}, Name: "O1"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(pub.types()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{events.OuvrageCreated}, pub.types())

	_, err = s.CreateOuvrage(ctx, pid, CreateOuvrageInput{Lot: LotRef{Label: "Charpente"}, Name: "  "})
	assert.ErrorIs(t, err, ErrNameRequired)
	_, err = s.DuplicateOuvrage(ctx, pid, 9999, DuplicateOuvrageInput{})
	assert.ErrorIs(t, err, ErrOuvrageNotFound)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, pub.types(), 1, "failed mutations publish nothing")
}

func assertNoOrphanLinks(t *testing.T, db *gorm.DB) {
	t.Helper()
	var links []domain.StructureLink
	require.NoError(t, db.Find(&links).Error)
	for _, l := range links {
		var n int64
		require.NoError(t, db.Model(&domain.Article{}).Where("link_id = ?", l.ID).Count(&n).Error)
		if n > 0 {
			continue
		}
		if l.BlocID != nil {
			require.NoError(t, db.Model(&domain.Bloc{}).Where("id = ?", *l.BlocID).Count(&n).Error)
		} else if l.OuvrageID != nil {
			require.NoError(t, db.Model(&domain.Ouvrage{}).Where("id = ?", *l.OuvrageID).Count(&n).Error)
		}
		assert.Equal(t, int64(1), n, "link %s is orphaned", l.PairKey)
	}
}
