package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types emitted after a structural mutation committed.
const (
	OuvrageCreated    = "OUVRAGE_CREATED"
	OuvrageDuplicated = "OUVRAGE_DUPLICATED"
	OuvrageDeleted    = "OUVRAGE_DELETED"
	BlocCreated       = "BLOC_CREATED"
	BlocMoved         = "BLOC_MOVED"
	BlocDeleted       = "BLOC_DELETED"
	ArticleAdded      = "ARTICLE_ADDED"
	ArticleMerged     = "ARTICLE_MERGED"
	ArticleUpdated    = "ARTICLE_UPDATED"
	ArticleDeleted    = "ARTICLE_DELETED"
	LotDeleted        = "LOT_DELETED"
	ProjectRenumbered = "PROJECT_RENUMBERED"
	ProjectRecomputed = "PROJECT_RECOMPUTED"
)

// Event is one audit record. It travels as JSON through the queue.
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      string                 `json:"type"`
	ProjectID int64                  `json:"project_id"`
	NodeKind  string                 `json:"node_kind,omitempty"`
	NodeID    int64                  `json:"node_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	At        time.Time              `json:"at"`
}

// New builds an event with a fresh id and timestamp.
func New(typ string, projectID int64, nodeKind string, nodeID int64, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		ProjectID: projectID,
		NodeKind:  nodeKind,
		NodeID:    nodeID,
		Payload:   payload,
		At:        time.Now().UTC(),
	}
}

// Publisher hands events to the audit pipeline. Nil = no-op.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
