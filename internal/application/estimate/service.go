package estimate

import (
	"context"
	"time"

	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	defaultMaxDesignationAttempts = 500
	eventDispatchTimeout          = 5 * time.Second
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	MaxIDAttempts          int
	MaxDesignationAttempts int
	LockTimeout            time.Duration
	Events                 events.Publisher
}

// Service is the structure and pricing engine. Every mutating method runs in one
// transaction under the project lock: structural change, renumbering and rollup
// commit or roll back together. Audit events are published after commit.
type Service struct {
	DB      *gorm.DB
	Guard   *Guard
	Arbiter *Arbiter
	Events  events.Publisher

	MaxDesignationAttempts int
	LockTimeout            time.Duration
}

func NewService(db *gorm.DB, opts Options) *Service {
	maxDesignation := opts.MaxDesignationAttempts
	if maxDesignation <= 0 {
		maxDesignation = defaultMaxDesignationAttempts
	}
	return &Service{
		DB:                     db,
		Guard:                  NewGuard(),
		Arbiter:                &Arbiter{MaxAttempts: opts.MaxIDAttempts},
		Events:                 opts.Events,
		MaxDesignationAttempts: maxDesignation,
		LockTimeout:            opts.LockTimeout,
	}
}

// mutation carries the transaction of one structural change and collects what the
// change touched: nodes whose totals must be recomputed and events to publish.
type mutation struct {
	tx        *gorm.DB
	projectID int64
	dirty     *dirtySet
	events    []events.Event
}

func (m *mutation) emit(typ, kind string, id int64, payload map[string]interface{}) {
	m.events = append(m.events, events.New(typ, m.projectID, kind, id, payload))
}

// mutate runs fn under the project lock, then rolls totals up for everything fn
// marked dirty, inside the same transaction.
func (s *Service) mutate(ctx context.Context, op string, projectID int64, fn func(m *mutation) error) error {
	start := time.Now()
	if s.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.LockTimeout)
		defer cancel()
	}

	var m *mutation
	err := s.Guard.Run(ctx, s.DB, projectID, func(tx *gorm.DB) error {
		if err := ensureProject(tx, projectID); err != nil {
			return err
		}
		m = &mutation{tx: tx, projectID: projectID, dirty: newDirtySet(projectID)}
		if err := fn(m); err != nil {
			return err
		}
		return s.rollup(tx, m.dirty)
	})
	err = translateDBError(err)
	observeMutation(op, start, err)
	if err != nil {
		logMutationError(op, projectID, err)
		return err
	}
	log.Debug().Str("operation", op).Int64("project_id", projectID).Dur("took", time.Since(start)).Msg("estimate: mutation committed")
	s.dispatch(m.events)
	return nil
}

func logMutationError(op string, projectID int64, err error) {
	switch Class(err) {
	case ErrFatal:
		log.WithLevel(zerolog.FatalLevel).Err(err).Str("operation", op).Int64("project_id", projectID).Msg("estimate: fatal mutation failure")
	case ErrNotFound, ErrConflict, ErrInvalid:
		log.Debug().Err(err).Str("operation", op).Int64("project_id", projectID).Msg("estimate: mutation rejected")
	case ErrBusy:
		log.Warn().Err(err).Str("operation", op).Int64("project_id", projectID).Msg("estimate: project busy, caller may retry")
	default:
		log.Error().Err(err).Str("operation", op).Int64("project_id", projectID).Msg("estimate: mutation failed")
	}
}

// dispatch publishes events fire-and-forget. Publication failures are logged only.
func (s *Service) dispatch(evts []events.Event) {
	if s.Events == nil || len(evts) == 0 {
		return
	}
	pub := s.Events
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventDispatchTimeout)
		defer cancel()
		for _, e := range evts {
			if err := pub.Publish(ctx, e); err != nil {
				log.Warn().Err(err).Str("type", e.Type).Int64("project_id", e.ProjectID).Msg("estimate: event publish failed")
			}
		}
	}()
}

func ensureProject(tx *gorm.DB, projectID int64) error {
	var count int64
	if err := tx.Model(&domain.Project{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// projectOf reads the owning project of a node without locking; the mutation
// re-reads the node under the lock.
func (s *Service) projectOf(ctx context.Context, model interface{}, id int64, nf *Error) (int64, error) {
	var projectIDs []int64
	err := s.DB.WithContext(ctx).Model(model).Where("id = ?", id).Limit(1).Pluck("project_id", &projectIDs).Error
	if err != nil {
		return 0, err
	}
	if len(projectIDs) == 0 {
		return 0, nf
	}
	return projectIDs[0], nil
}
