package models

import (
	"encoding/json"
	"time"
)

// EventType classifies a change-feed event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one durable change-feed event. Row holds the full row
// for inserts, the changed fields plus primary key for updates, and at
// minimum the primary key for deletes. ActorID identifies who caused
// the change so clients can suppress echoes of their own writes.
type ChangeEvent struct {
	Type    EventType       `json:"type"`
	Table   string          `json:"table"`
	ActorID string          `json:"actorId"`
	Row     json.RawMessage `json:"row"`
}

// PostPatch is the decoded form of an update event on posts. Nil
// pointers mean the field was absent from the event and must be left
// untouched on the local entity.
type PostPatch struct {
	ID              string  `json:"id"`
	Caption         *string `json:"caption"`
	LikeCount       *int    `json:"likeCount"`
	CommentCount    *int    `json:"commentCount"`
	CommentsEnabled *bool   `json:"commentsEnabled"`
}

// ProfilePatch is the decoded form of an update event on profiles.
type ProfilePatch struct {
	ID             string  `json:"id"`
	DisplayName    *string `json:"displayName"`
	Bio            *string `json:"bio"`
	PostCount      *int    `json:"postCount"`
	FollowerCount  *int    `json:"followerCount"`
	FollowingCount *int    `json:"followingCount"`
}

// RowKey extracts just the id of an event row.
type RowKey struct {
	ID string `json:"id"`
}

// Ephemeral broadcast event names. Typing and seen are scoped to one
// conversation topic; message and comment are the low-latency echoes of
// durable inserts, sent alongside the persistence call for near-zero
// latency when both parties have the same view open.
const (
	SignalTyping  = "typing"
	SignalSeen    = "seen"
	SignalMessage = "message"
	SignalComment = "comment"
)

// TypingSignal is a fire-and-forget typing indicator. It carries no
// durability: receivers expire it on a liveness timeout.
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Typing         bool      `json:"typing"`
	SentAt         time.Time `json:"sentAt"`
}

// SeenSignal is the broadcast half of a read receipt. The durable
// receipts row is written independently; either may arrive first.
type SeenSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	SeenAt         time.Time `json:"seenAt"`
}
