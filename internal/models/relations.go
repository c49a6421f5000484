package models

import "time"

// Like is a (user, post) membership row.
type Like struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Save is a (user, post) bookmark row.
type Save struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Follow is a (follower, followee) membership row.
type Follow struct {
	FollowerID string    `json:"followerId"`
	FolloweeID string    `json:"followeeId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Receipt records the last time a user saw a conversation. One row per
// (conversation, user); SeenAt only ever moves forward.
type Receipt struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	SeenAt         time.Time `json:"seenAt"`
}
