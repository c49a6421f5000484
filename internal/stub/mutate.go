package stub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/models"
)

// Mutate applies one write and returns the canonical stored row plus
// the change event to fan out, or nil when nothing changed (replayed
// idempotent insert, delete of a missing row).
func (s *Storage) Mutate(ctx context.Context, actorID string, req models.MutateRequest) (json.RawMessage, *models.ChangeEvent, error) {
	switch req.Op {
	case models.OpInsert:
		return s.insert(ctx, actorID, req)
	case models.OpUpdate:
		return s.update(ctx, actorID, req)
	case models.OpDelete:
		return s.deleteRow(ctx, actorID, req)
	case models.OpUpsert:
		return s.upsert(ctx, actorID, req)
	default:
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "unknown op %q", req.Op)
	}
}

func (s *Storage) insert(ctx context.Context, actorID string, req models.MutateRequest) (json.RawMessage, *models.ChangeEvent, error) {
	switch req.Table {
	case models.TablePosts:
		return s.insertPost(ctx, actorID, req.Row)
	case models.TableComments:
		return s.insertComment(ctx, actorID, req.Row)
	case models.TableMessages:
		return s.insertMessage(ctx, actorID, req.Row)
	case models.TableLikes, models.TableSaves:
		return s.insertRelation(ctx, actorID, req.Table, req.Row)
	case models.TableFollows:
		return s.insertFollow(ctx, actorID, req.Row)
	case models.TableProfiles:
		return s.insertProfile(ctx, actorID, req.Row)
	default:
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "cannot insert into %q", req.Table)
	}
}

func (s *Storage) insertPost(ctx context.Context, actorID string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var post models.Post
	if err := json.Unmarshal(row, &post); err != nil || post.ID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "post requires an id")
	}
	post.AuthorID = actorID
	post.CreatedAt = defaultTime(post.CreatedAt)

	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO posts (id, author_id, caption, comments_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		post.ID, post.AuthorID, post.Caption, post.CommentsEnabled, post.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	stored, err := s.readPost(ctx, actorID, post.ID)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(stored)
	if n, _ := res.RowsAffected(); n == 0 {
		// Replayed insert: same id already stored, no new event.
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventInsert, Table: models.TablePosts, ActorID: actorID, Row: raw}, nil
}

func (s *Storage) insertComment(ctx context.Context, actorID string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var comment models.Comment
	if err := json.Unmarshal(row, &comment); err != nil || comment.ID == "" || comment.PostID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "comment requires id and postId")
	}
	comment.AuthorID = actorID
	comment.CreatedAt = defaultTime(comment.CreatedAt)

	var enabled bool
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT comments_enabled FROM posts WHERE id = ?"), comment.PostID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, dataservice.NewError(dataservice.KindNotFound, "post not found")
	}
	if err != nil {
		return nil, nil, err
	}
	if !enabled {
		return nil, nil, dataservice.NewError(dataservice.KindPolicyDenied, "comments are disabled on this post")
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO comments (id, post_id, author_id, body, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		comment.ID, comment.PostID, comment.AuthorID, comment.Body, comment.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(comment)
	if n, _ := res.RowsAffected(); n == 0 {
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventInsert, Table: models.TableComments, ActorID: actorID, Row: raw}, nil
}

func (s *Storage) insertMessage(ctx context.Context, actorID string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var msg models.Message
	if err := json.Unmarshal(row, &msg); err != nil || msg.ID == "" || msg.ConversationID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "message requires id and conversationId")
	}
	msg.SenderID = actorID
	msg.CreatedAt = defaultTime(msg.CreatedAt)

	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO messages (id, conversation_id, sender_id, body, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		msg.ID, msg.ConversationID, msg.SenderID, msg.Body, msg.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(msg)
	if n, _ := res.RowsAffected(); n == 0 {
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventInsert, Table: models.TableMessages, ActorID: actorID, Row: raw}, nil
}

func (s *Storage) insertRelation(ctx context.Context, actorID, table string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var rel models.Like
	if err := json.Unmarshal(row, &rel); err != nil || rel.PostID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "relation requires postId")
	}
	rel.UserID = actorID
	rel.CreatedAt = defaultTime(rel.CreatedAt)

	var exists bool
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT EXISTS(SELECT 1 FROM posts WHERE id = ?)"), rel.PostID).Scan(&exists); err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, dataservice.NewError(dataservice.KindNotFound, "post not found")
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO "+table+" (post_id, user_id, created_at) VALUES (?, ?, ?) ON CONFLICT (post_id, user_id) DO NOTHING"),
		rel.PostID, rel.UserID, rel.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(rel)
	if n, _ := res.RowsAffected(); n == 0 {
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventInsert, Table: table, ActorID: actorID, Row: raw}, nil
}

func (s *Storage) insertFollow(ctx context.Context, actorID string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var follow models.Follow
	if err := json.Unmarshal(row, &follow); err != nil || follow.FolloweeID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "follow requires followeeId")
	}
	follow.FollowerID = actorID
	follow.CreatedAt = defaultTime(follow.CreatedAt)
	if follow.FollowerID == follow.FolloweeID {
		return nil, nil, dataservice.NewError(dataservice.KindPolicyDenied, "cannot follow yourself")
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT EXISTS(SELECT 1 FROM profiles WHERE id = ?)"), follow.FolloweeID).Scan(&exists); err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, dataservice.NewError(dataservice.KindNotFound, "profile not found")
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO follows (follower_id, followee_id, created_at) VALUES (?, ?, ?) ON CONFLICT (follower_id, followee_id) DO NOTHING"),
		follow.FollowerID, follow.FolloweeID, follow.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(follow)
	if n, _ := res.RowsAffected(); n == 0 {
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventInsert, Table: models.TableFollows, ActorID: actorID, Row: raw}, nil
}

func (s *Storage) insertProfile(ctx context.Context, actorID string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var profile models.Profile
	if err := json.Unmarshal(row, &profile); err != nil || profile.ID == "" || profile.Username == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "profile requires id and username")
	}
	profile.CreatedAt = defaultTime(profile.CreatedAt)

	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO profiles (id, username, display_name, bio, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		profile.ID, profile.Username, profile.DisplayName, profile.Bio, profile.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(profile)
	if n, _ := res.RowsAffected(); n == 0 {
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventInsert, Table: models.TableProfiles, ActorID: actorID, Row: raw}, nil
}

// update patches only the fields present in the request row. Posts and
// profiles are the only updatable tables; both enforce ownership.
func (s *Storage) update(ctx context.Context, actorID string, req models.MutateRequest) (json.RawMessage, *models.ChangeEvent, error) {
	switch req.Table {
	case models.TablePosts:
		return s.updatePost(ctx, actorID, req.Row)
	case models.TableProfiles:
		return s.updateProfile(ctx, actorID, req.Row)
	default:
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "cannot update %q", req.Table)
	}
}

func (s *Storage) updatePost(ctx context.Context, actorID string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var patch models.PostPatch
	if err := json.Unmarshal(row, &patch); err != nil || patch.ID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "update requires an id")
	}

	var sets []string
	var args []any
	if patch.Caption != nil {
		sets = append(sets, "caption = ?")
		args = append(args, *patch.Caption)
	}
	if patch.CommentsEnabled != nil {
		sets = append(sets, "comments_enabled = ?")
		args = append(args, *patch.CommentsEnabled)
	}
	if len(sets) == 0 {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "no updatable fields in request")
	}
	args = append(args, patch.ID, actorID)

	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE posts SET "+strings.Join(sets, ", ")+" WHERE id = ? AND author_id = ?"), args...)
	if err != nil {
		return nil, nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, dataservice.NewError(dataservice.KindNotFound, "post not found")
	}

	stored, err := s.readPost(ctx, actorID, patch.ID)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(stored)
	// The event carries the patch, not the full row: listeners must
	// only touch fields the actor actually changed.
	return raw, &models.ChangeEvent{Type: models.EventUpdate, Table: models.TablePosts, ActorID: actorID, Row: row}, nil
}

func (s *Storage) updateProfile(ctx context.Context, actorID string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var patch models.ProfilePatch
	if err := json.Unmarshal(row, &patch); err != nil || patch.ID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "update requires an id")
	}
	if patch.ID != actorID {
		return nil, nil, dataservice.NewError(dataservice.KindPolicyDenied, "cannot edit another user's profile")
	}

	var sets []string
	var args []any
	if patch.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *patch.DisplayName)
	}
	if patch.Bio != nil {
		sets = append(sets, "bio = ?")
		args = append(args, *patch.Bio)
	}
	if len(sets) == 0 {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "no updatable fields in request")
	}
	args = append(args, patch.ID)

	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE profiles SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return nil, nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, dataservice.NewError(dataservice.KindNotFound, "profile not found")
	}
	return row, &models.ChangeEvent{Type: models.EventUpdate, Table: models.TableProfiles, ActorID: actorID, Row: row}, nil
}

// deleteRow removes a row by key. Deleting an absent row succeeds
// without an event, so replayed deletes are harmless.
func (s *Storage) deleteRow(ctx context.Context, actorID string, req models.MutateRequest) (json.RawMessage, *models.ChangeEvent, error) {
	switch req.Table {
	case models.TablePosts:
		return s.deleteByOwner(ctx, actorID, req.Row, models.TablePosts,
			"DELETE FROM posts WHERE id = ? AND author_id = ?")
	case models.TableComments:
		return s.deleteComment(ctx, actorID, req.Row)
	case models.TableLikes, models.TableSaves:
		return s.deleteRelation(ctx, actorID, req.Table, req.Row)
	case models.TableFollows:
		return s.deleteFollow(ctx, actorID, req.Row)
	default:
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "cannot delete from %q", req.Table)
	}
}

func (s *Storage) deleteByOwner(ctx context.Context, actorID string, row json.RawMessage, table, query string) (json.RawMessage, *models.ChangeEvent, error) {
	var key models.RowKey
	if err := json.Unmarshal(row, &key); err != nil || key.ID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "delete requires an id")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), key.ID, actorID)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(key)
	if n, _ := res.RowsAffected(); n == 0 {
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventDelete, Table: table, ActorID: actorID, Row: raw}, nil
}

func (s *Storage) deleteComment(ctx context.Context, actorID string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var key models.RowKey
	if err := json.Unmarshal(row, &key); err != nil || key.ID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "delete requires an id")
	}

	// Capture the parent before deleting: the event must tell
	// listeners which post's counter to adjust.
	var postID string
	err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT post_id FROM comments WHERE id = ? AND author_id = ?"), key.ID, actorID).Scan(&postID)
	if errors.Is(err, sql.ErrNoRows) {
		raw, _ := json.Marshal(key)
		return raw, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		"DELETE FROM comments WHERE id = ? AND author_id = ?"), key.ID, actorID)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(models.Comment{ID: key.ID, PostID: postID})
	if n, _ := res.RowsAffected(); n == 0 {
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventDelete, Table: models.TableComments, ActorID: actorID, Row: raw}, nil
}

func (s *Storage) deleteRelation(ctx context.Context, actorID, table string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var rel models.Like
	if err := json.Unmarshal(row, &rel); err != nil || rel.PostID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "delete requires postId")
	}
	rel.UserID = actorID

	res, err := s.db.ExecContext(ctx, s.rebind(
		"DELETE FROM "+table+" WHERE post_id = ? AND user_id = ?"), rel.PostID, rel.UserID)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(models.Like{PostID: rel.PostID, UserID: rel.UserID})
	if n, _ := res.RowsAffected(); n == 0 {
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventDelete, Table: table, ActorID: actorID, Row: raw}, nil
}

func (s *Storage) deleteFollow(ctx context.Context, actorID string, row json.RawMessage) (json.RawMessage, *models.ChangeEvent, error) {
	var follow models.Follow
	if err := json.Unmarshal(row, &follow); err != nil || follow.FolloweeID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "delete requires followeeId")
	}
	follow.FollowerID = actorID

	res, err := s.db.ExecContext(ctx, s.rebind(
		"DELETE FROM follows WHERE follower_id = ? AND followee_id = ?"), follow.FollowerID, follow.FolloweeID)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(models.Follow{FollowerID: follow.FollowerID, FolloweeID: follow.FolloweeID})
	if n, _ := res.RowsAffected(); n == 0 {
		return raw, nil, nil
	}
	return raw, &models.ChangeEvent{Type: models.EventDelete, Table: models.TableFollows, ActorID: actorID, Row: raw}, nil
}

// upsert handles receipts, the one table written with a non-primary
// conflict key. SeenAt only moves forward: a replayed or stale upsert
// can never rewind a newer receipt.
func (s *Storage) upsert(ctx context.Context, actorID string, req models.MutateRequest) (json.RawMessage, *models.ChangeEvent, error) {
	if req.Table != models.TableReceipts {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "cannot upsert %q", req.Table)
	}
	var receipt models.Receipt
	if err := json.Unmarshal(req.Row, &receipt); err != nil || receipt.ConversationID == "" {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "receipt requires conversationId")
	}
	receipt.UserID = actorID
	if receipt.SeenAt.IsZero() {
		receipt.SeenAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO receipts (conversation_id, user_id, seen_at) VALUES (?, ?, ?)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET seen_at = excluded.seen_at
		 WHERE excluded.seen_at > receipts.seen_at`),
		receipt.ConversationID, receipt.UserID, receipt.SeenAt)
	if err != nil {
		return nil, nil, err
	}

	var stored models.Receipt
	err = s.db.QueryRowContext(ctx, s.rebind(
		"SELECT conversation_id, user_id, seen_at FROM receipts WHERE conversation_id = ? AND user_id = ?"),
		receipt.ConversationID, receipt.UserID).Scan(&stored.ConversationID, &stored.UserID, &stored.SeenAt)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(stored)
	return raw, &models.ChangeEvent{Type: models.EventUpdate, Table: models.TableReceipts, ActorID: actorID, Row: raw}, nil
}
