package models

import "time"

// Table names tracked by the sync core. The stub storage uses the same
// names, but they are not a public schema contract.
const (
	TablePosts    = "posts"
	TableComments = "comments"
	TableMessages = "messages"
	TableLikes    = "likes"
	TableSaves    = "saves"
	TableFollows  = "follows"
	TableReceipts = "receipts"
	TableProfiles = "profiles"
)

// Post is a feed post. LikedByMe/SavedByMe are computed for the
// requesting actor; the sync core maintains them optimistically.
type Post struct {
	ID              string    `json:"id"`
	AuthorID        string    `json:"authorId"`
	Caption         string    `json:"caption"`
	CreatedAt       time.Time `json:"createdAt"`
	LikeCount       int       `json:"likeCount"`
	CommentCount    int       `json:"commentCount"`
	CommentsEnabled bool      `json:"commentsEnabled"`
	LikedByMe       bool      `json:"likedByMe"`
	SavedByMe       bool      `json:"savedByMe"`
}

// Comment belongs to a post.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a direct message inside a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Profile is a user profile with denormalized counts.
type Profile struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"displayName"`
	Bio            string    `json:"bio"`
	PostCount      int       `json:"postCount"`
	FollowerCount  int       `json:"followerCount"`
	FollowingCount int       `json:"followingCount"`
	FollowedByMe   bool      `json:"followedByMe"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Ordered-collection key accessors. Collections sort by
// (CreatedAt desc, ID desc); see internal/collection.

func (p Post) ItemID() string         { return p.ID }
func (p Post) ItemTime() time.Time    { return p.CreatedAt }
func (c Comment) ItemID() string      { return c.ID }
func (c Comment) ItemTime() time.Time { return c.CreatedAt }
func (m Message) ItemID() string      { return m.ID }
func (m Message) ItemTime() time.Time { return m.CreatedAt }
