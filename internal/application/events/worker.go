package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"chiffrage-backend/internal/domain"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Worker drains the queue into structure_events. It runs outside any mutation
// transaction; a failure here never affects the structural change itself.
type Worker struct {
	Queue       *RedisQueue
	DB          *gorm.DB
	PollTimeout time.Duration
}

// Run consumes events until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	poll := w.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return nil
		}
		e, err := w.Queue.Pop(ctx, poll)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("events: queue pop failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond
		if e == nil {
			continue
		}
		if err := w.Store(ctx, e); err != nil {
			log.Error().Err(err).Str("event_id", e.ID.String()).Str("type", e.Type).Msg("events: store failed, event dropped")
		}
	}
}

// Drain stores every queued event without blocking and returns how many were stored.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		e, err := w.Queue.TryPop(ctx)
		if err != nil {
			return n, err
		}
		if e == nil {
			return n, nil
		}
		if err := w.Store(ctx, e); err != nil {
			return n, err
		}
		n++
	}
}

// Store persists one event.
func (w *Worker) Store(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	row := domain.StructureEvent{
		EventID:   e.ID,
		Type:      e.Type,
		ProjectID: e.ProjectID,
		NodeKind:  e.NodeKind,
		NodeID:    e.NodeID,
		Payload:   datatypes.JSON(payload),
		CreatedAt: e.At,
	}
	return w.DB.WithContext(ctx).Create(&row).Error
}
