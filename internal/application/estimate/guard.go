package estimate

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"

	"chiffrage-backend/internal/infrastructure/database"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	projectLockNamespace = "estimate:project"
	idSpaceLockNamespace = "estimate:node-id-space"
)

// Guard serializes structural mutations per project: at most one mutation per
// project is in flight. Inside the process it is a keyed semaphore; across processes
// the PostgreSQL transaction-scoped advisory lock gives the same guarantee and is
// released by commit or rollback.
type Guard struct {
	mu    sync.Mutex
	slots map[int64]*projectSlot
}

type projectSlot struct {
	sem  chan struct{}
	refs int
}

func NewGuard() *Guard {
	return &Guard{slots: make(map[int64]*projectSlot)}
}

// acquire blocks until projectID is free or ctx is done.
func (g *Guard) acquire(ctx context.Context, projectID int64) (func(), error) {
	g.mu.Lock()
	slot, ok := g.slots[projectID]
	if !ok {
		slot = &projectSlot{sem: make(chan struct{}, 1)}
		g.slots[projectID] = slot
	}
	slot.refs++
	g.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
		return func() {
			<-slot.sem
			g.forget(projectID, slot)
		}, nil
	case <-ctx.Done():
		g.forget(projectID, slot)
		return nil, ctx.Err()
	}
}

func (g *Guard) forget(projectID int64, slot *projectSlot) {
	g.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(g.slots, projectID)
	}
	g.mu.Unlock()
}

// Run executes fn in a transaction holding the project lock.
func (g *Guard) Run(ctx context.Context, db *gorm.DB, projectID int64, fn func(tx *gorm.DB) error) error {
	release, err := g.acquire(ctx, projectID)
	if err != nil {
		return err
	}
	defer release()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := advisoryXactLock(tx, projectLockNamespace, projectID); err != nil {
			return err
		}
		return fn(tx)
	})
}

// advisoryXactLock takes pg_advisory_xact_lock on (namespace, id). No-op on other dialects,
// where the in-process Guard is the only serialization.
func advisoryXactLock(tx *gorm.DB, namespace string, id int64) error {
	if !database.IsPostgres(tx) {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryKey64(namespace, id)).Error
}

func advisoryKey64(namespace string, id int64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strconv.FormatInt(id, 10)))
	return int64(h.Sum64())
}

// forUpdate adds FOR UPDATE on PostgreSQL. tables restricts the lock to the named
// tables when the query joins (FOR UPDATE OF ...).
func forUpdate(tx *gorm.DB, table ...string) *gorm.DB {
	if !database.IsPostgres(tx) {
		return tx
	}
	locking := clause.Locking{Strength: "UPDATE"}
	if len(table) > 0 {
		locking.Table = clause.Table{Name: table[0]}
	}
	return tx.Clauses(locking)
}
