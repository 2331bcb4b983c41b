package estimate

import (
	"context"
	"math"
	"testing"

	"chiffrage-backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMarginCoefficient(t *testing.T) {
	tests := []struct {
		name       string
		gross, net float64
		want       float64
	}{
		{"no margin", 0, 0, 1},
		{"twenty percent", 10, 10, 1.25},
		{"gross only", 20, 0, 1.25},
		{"denominator zero", 50, 50, 1},
		{"denominator negative", 80, 40, 1},
		{"not a number", math.NaN(), 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MarginCoefficient(tt.gross, tt.net), 1e-9)
		})
	}
}

func TestArticleTotals(t *testing.T) {
	excl, incl := ArticleTotals(2, 100, 20)
	assert.Equal(t, 200.0, excl)
	assert.Equal(t, 240.0, incl)

	excl, incl = ArticleTotals(3, 0.333, 20)
	assert.Equal(t, 1.0, excl)
	assert.Equal(t, 1.2, incl)
}

func TestBlocUnitPrice(t *testing.T) {
	assert.Nil(t, BlocUnitPrice(100, 0))
	assert.Nil(t, BlocUnitPrice(100, -1))
	pu := BlocUnitPrice(100, 3)
	require.NotNil(t, pu)
	assert.Equal(t, 33.3333, *pu)
}

func TestRecompute_IsRedundantSafe(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, _ := buildO1(t, s, pid)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		for i := 0; i < 3; i++ {
			lotID, err := recomputeOuvrage(tx, o1.ID)
			require.NoError(t, err)
			require.NoError(t, recomputeLot(tx, lotID))
			require.NoError(t, recomputeProject(tx, pid))
		}
		return nil
	}))
	assert.Equal(t, 240.0, reload[domain.Ouvrage](t, db, o1.ID).Total)
	assert.Equal(t, 240.0, reload[domain.Project](t, db, pid).Cost)
}

func TestRecalculate_RepairsDriftedTotals(t *testing.T) {
	s, db := newTestService(t)
	pid := newProject(t, db, nil)
	o1, a1 := buildO1(t, s, pid)

	// simulate totals written outside the engine
	require.NoError(t, db.Model(&domain.Article{}).Where("id = ?", a1.ID).Update("total_incl_tax", 1).Error)
	require.NoError(t, db.Model(&domain.Ouvrage{}).Where("id = ?", o1.ID).Update("total", 999).Error)

	p, err := s.Recalculate(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, 240.0, p.Cost)
	assert.Equal(t, 240.0, reload[domain.Article](t, db, a1.ID).TotalInclTax)
	assert.Equal(t, 240.0, reload[domain.Ouvrage](t, db, o1.ID).Total)

	_, err = s.Recalculate(context.Background(), 404)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestMarginChange_AppliesOnNextRollup(t *testing.T) {
	s, db := newTestService(t)
	client := domain.Client{Name: "Martin", GrossMarginPct: 0, NetMarginPct: 0}
	require.NoError(t, db.Create(&client).Error)
	pid := newProject(t, db, &client.ID)
	buildO1(t, s, pid)
	assert.Equal(t, 240.0, reload[domain.Project](t, db, pid).SellPrice)

	require.NoError(t, db.Model(&domain.Client{}).Where("id = ?", client.ID).Update("gross_margin_pct", 20).Error)
	p, err := s.Recalculate(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, 300.0, p.SellPrice)
	assert.Equal(t, 240.0, p.Cost)
}
