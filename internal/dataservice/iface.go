// Package dataservice defines the collaborator interfaces the sync
// core consumes: durable query/mutation, the change feed, and the
// ephemeral broadcast channel. The HTTP/websocket implementations talk
// to the platform API; tests substitute in-memory fakes.
package dataservice

import (
	"context"
	"encoding/json"

	"github.com/feedsync/client/internal/models"
)

// Query reads ordered pages of rows.
type Query interface {
	Select(ctx context.Context, req models.SelectRequest) (models.SelectResponse, error)
}

// Mutator writes rows. Insert accepts client-supplied primary keys and
// is idempotent by id; Update patches only the fields present in row.
type Mutator interface {
	Insert(ctx context.Context, table string, row any) (json.RawMessage, error)
	Update(ctx context.Context, table string, row any) (json.RawMessage, error)
	Delete(ctx context.Context, table string, row any) error
	Upsert(ctx context.Context, table string, row any, conflictKey string) (json.RawMessage, error)
}

// ChangeFeed delivers durable change events, at-least-once, with no
// ordering guarantee across subscriptions and no replay after a
// disconnect. The returned cancel func stops delivery.
type ChangeFeed interface {
	SubscribeChanges(tables []string, handler func(models.ChangeEvent)) (cancel func(), err error)
}

// BroadcastChannel is a low-durability signal channel scoped to one
// conversation or post. No persistence, no delivery guarantee.
type BroadcastChannel interface {
	Send(event string, payload any) error
	On(event string, handler func(json.RawMessage)) (cancel func())
	Close()
}

// Broadcaster hands out broadcast channels by topic.
type Broadcaster interface {
	Channel(topic string) BroadcastChannel
}

// DataService is the full collaborator surface.
type DataService interface {
	Query
	Mutator
	ChangeFeed
	Broadcaster
}
