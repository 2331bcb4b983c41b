package estimate

import (
	"chiffrage-backend/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// NodeKind is one of the two tables sharing the ouvrage/bloc identifier space.
type NodeKind string

const (
	KindOuvrage NodeKind = "ouvrage"
	KindBloc    NodeKind = "bloc"
)

const defaultMaxIDAttempts = 1000

func (k NodeKind) table() string {
	if k == KindBloc {
		return "blocs"
	}
	return "ouvrages"
}

func (k NodeKind) linkColumn() string {
	if k == KindBloc {
		return "bloc_id"
	}
	return "ouvrage_id"
}

func (k NodeKind) opposite() NodeKind {
	if k == KindBloc {
		return KindOuvrage
	}
	return KindBloc
}

// Arbiter keeps ouvrage and bloc identifiers disjoint. Both tables historically draw
// from one numeric space and other systems reference them loosely by number.
type Arbiter struct {
	MaxAttempts int
}

func (a *Arbiter) maxAttempts() int {
	if a == nil || a.MaxAttempts <= 0 {
		return defaultMaxIDAttempts
	}
	return a.MaxAttempts
}

// Allocate returns a fresh identifier for kind. On PostgreSQL the id space is locked
// until the transaction ends, so concurrent projects cannot draw the same number.
func (a *Arbiter) Allocate(tx *gorm.DB, kind NodeKind) (int64, error) {
	if err := advisoryXactLock(tx, idSpaceLockNamespace, 0); err != nil {
		return 0, err
	}
	proposed, err := nextProposal(tx)
	if err != nil {
		return 0, err
	}
	return a.NextSafeID(tx, kind, proposed)
}

// nextProposal is one past the highest id of either table.
func nextProposal(tx *gorm.DB) (int64, error) {
	var max int64
	err := tx.Raw(`SELECT COALESCE(MAX(id), 0) FROM (
		SELECT id FROM ouvrages UNION ALL SELECT id FROM blocs
	) ids`).Scan(&max).Error
	return max + 1, err
}

// NextSafeID returns the smallest id >= proposed used by no ouvrage, no bloc and no
// structure link. It fails with ErrIdentifierSpaceExhausted after MaxAttempts probes.
func (a *Arbiter) NextSafeID(tx *gorm.DB, kind NodeKind, proposed int64) (int64, error) {
	candidate := proposed
	if candidate < 1 {
		candidate = 1
	}
	for attempt := 0; attempt < a.maxAttempts(); attempt++ {
		taken, err := idTaken(tx, candidate)
		if err != nil {
			return 0, err
		}
		if !taken {
			return candidate, nil
		}
		candidate++
	}
	log.WithLevel(zerolog.FatalLevel).
		Str("kind", string(kind)).
		Int64("proposed", proposed).
		Int("attempts", a.maxAttempts()).
		Msg("arbiter: identifier space exhausted")
	return 0, ErrIdentifierSpaceExhausted
}

func idTaken(tx *gorm.DB, id int64) (bool, error) {
	var n int64
	err := tx.Raw(`SELECT
		(SELECT COUNT(*) FROM ouvrages WHERE id = ?) +
		(SELECT COUNT(*) FROM blocs WHERE id = ?) +
		(SELECT COUNT(*) FROM structure_links WHERE ouvrage_id = ? OR bloc_id = ?)`,
		id, id, id, id).Scan(&n).Error
	return n > 0, err
}

// Reconcile is the authoritative post-insert check. If id, just inserted as kind, also
// exists in the opposite table, the new row moves to a safe id together with every
// link and child bloc referencing it. Returns the id the row ends up with.
func (a *Arbiter) Reconcile(tx *gorm.DB, kind NodeKind, id int64) (int64, error) {
	var clash int64
	if err := tx.Table(kind.opposite().table()).Where("id = ?", id).Count(&clash).Error; err != nil {
		return 0, err
	}
	if clash == 0 {
		return id, nil
	}

	proposed, err := nextProposal(tx)
	if err != nil {
		return 0, err
	}
	fresh, err := a.NextSafeID(tx, kind, proposed)
	if err != nil {
		return 0, err
	}
	if err := tx.Table(kind.table()).Where("id = ?", id).Update("id", fresh).Error; err != nil {
		return 0, err
	}
	col := kind.linkColumn()
	// links of the opposite kind legitimately carry id in their other column
	if err := tx.Model(&domain.StructureLink{}).Where(col+" = ?", id).Update(col, fresh).Error; err != nil {
		return 0, err
	}
	if kind == KindOuvrage {
		if err := tx.Model(&domain.Bloc{}).Where("ouvrage_id = ?", id).Update("ouvrage_id", fresh).Error; err != nil {
			return 0, err
		}
	}
	if err := rekeyLinks(tx, col+" = ?", fresh); err != nil {
		return 0, err
	}

	idCollisionsReconciled.WithLabelValues(string(kind)).Inc()
	log.Warn().Str("kind", string(kind)).Int64("from", id).Int64("to", fresh).Msg("arbiter: identifier collision reconciled")
	return fresh, nil
}
