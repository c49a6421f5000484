// Package stub is a self-contained Data Service implementation used
// for local development and integration tests: a SQLite or PostgreSQL
// row store, a websocket hub, and the HTTP API the sync client
// consumes. It implements the documented contract (client-supplied
// primary keys, idempotent inserts, per-actor computed fields,
// at-least-once change events) without any of the platform's real
// infrastructure.
package stub

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/models"
	"github.com/feedsync/client/internal/observability"
)

// querier is the slice of database/sql the row store issues queries
// through. *sql.DB satisfies it, as does observability.TraceDB, which
// adds a span and query metrics around every call.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage is the row store behind the stub API. Both backends share
// the query text; placeholders are rebound per dialect.
type Storage struct {
	db     querier
	raw    *sql.DB
	rebind func(string) string
}

// NewSQLiteStorage creates and initializes a SQLite-backed store.
func NewSQLiteStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: traceDB(db, "sqlite3"), raw: db, rebind: func(q string) string { return q }}, nil
}

// traceDB wraps the connection with tracing; a failed instrument
// registration falls back to the bare connection.
func traceDB(db *sql.DB, system string) querier {
	traced, err := observability.NewTraceDB(db, system)
	if err != nil {
		observability.Warnf("Database tracing unavailable: %v", err)
		return db
	}
	return traced
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		author_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		caption TEXT NOT NULL DEFAULT '',
		comments_enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_posts_feed ON posts(created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id);

	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		author_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_id, created_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS likes (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (post_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS saves (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (post_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS follows (
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (follower_id, followee_id)
	);

	CREATE TABLE IF NOT EXISTS receipts (
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		seen_at DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.raw.Close()
}

// filterColumns whitelists the filterable column per table; anything
// else in a request filter is rejected as invalid.
var filterColumns = map[string]map[string]string{
	models.TablePosts:    {"authorId": "p.author_id"},
	models.TableComments: {"postId": "post_id"},
	models.TableMessages: {"conversationId": "conversation_id"},
	models.TableLikes:    {"postId": "post_id"},
	models.TableSaves:    {"postId": "post_id"},
	models.TableFollows:  {"followeeId": "followee_id"},
	models.TableReceipts: {"conversationId": "conversation_id"},
	models.TableProfiles: {"username": "username"},
}

// Select returns one page of rows ordered by (created_at desc, id
// desc), strictly older than the cursor when one is given. Counts and
// per-actor flags are computed at read time, so they are always
// absolute truth for the moment of the query.
func (s *Storage) Select(ctx context.Context, actorID string, req models.SelectRequest) (models.SelectResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	where, args, err := s.filterClause(req)
	if err != nil {
		return models.SelectResponse{}, err
	}

	switch req.Table {
	case models.TablePosts:
		return s.selectPosts(ctx, actorID, where, args, req.Cursor, limit)
	case models.TableComments:
		return s.selectSimple(ctx, models.TableComments,
			"SELECT id, post_id, author_id, body, created_at FROM comments",
			where, args, req.Cursor, limit, scanComment)
	case models.TableMessages:
		return s.selectSimple(ctx, models.TableMessages,
			"SELECT id, conversation_id, sender_id, body, created_at FROM messages",
			where, args, req.Cursor, limit, scanMessage)
	case models.TableLikes:
		return s.selectSimple(ctx, models.TableLikes,
			"SELECT post_id, user_id, created_at FROM likes",
			where, args, req.Cursor, limit, scanLike)
	case models.TableSaves:
		return s.selectSimple(ctx, models.TableSaves,
			"SELECT post_id, user_id, created_at FROM saves",
			where, args, req.Cursor, limit, scanSave)
	case models.TableFollows:
		return s.selectSimple(ctx, models.TableFollows,
			"SELECT follower_id, followee_id, created_at FROM follows",
			where, args, req.Cursor, limit, scanFollow)
	case models.TableReceipts:
		return s.selectReceipts(ctx, where, args, limit)
	case models.TableProfiles:
		return s.selectProfiles(ctx, actorID, where, args, limit)
	default:
		return models.SelectResponse{}, dataservice.NewError(dataservice.KindInvalid, "unknown table %q", req.Table)
	}
}

func (s *Storage) filterClause(req models.SelectRequest) ([]string, []any, error) {
	allowed, ok := filterColumns[req.Table]
	if !ok {
		return nil, nil, dataservice.NewError(dataservice.KindInvalid, "unknown table %q", req.Table)
	}
	var where []string
	var args []any
	for key, value := range req.Filter {
		col, ok := allowed[key]
		if !ok {
			return nil, nil, dataservice.NewError(dataservice.KindInvalid, "cannot filter %s by %q", req.Table, key)
		}
		where = append(where, col+" = ?")
		args = append(args, value)
	}
	return where, args, nil
}

const postColumns = `p.id, p.author_id, p.caption, p.comments_enabled, p.created_at,
	(SELECT COUNT(*) FROM likes l WHERE l.post_id = p.id) AS like_count,
	(SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id) AS comment_count,
	EXISTS(SELECT 1 FROM likes l WHERE l.post_id = p.id AND l.user_id = ?) AS liked_by_me,
	EXISTS(SELECT 1 FROM saves sv WHERE sv.post_id = p.id AND sv.user_id = ?) AS saved_by_me`

func (s *Storage) selectPosts(ctx context.Context, actorID string, where []string, filterArgs []any, cursor *models.Cursor, limit int) (models.SelectResponse, error) {
	args := []any{actorID, actorID}
	args = append(args, filterArgs...)
	if cursor != nil {
		where = append(where, "((p.created_at < ?) OR (p.created_at = ? AND p.id < ?))")
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	query := "SELECT " + postColumns + " FROM posts p"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.created_at DESC, p.id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return models.SelectResponse{}, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return models.SelectResponse{}, err
		}
		raw, _ := json.Marshal(post)
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return models.SelectResponse{}, err
	}
	return pageOf(out, limit), nil
}

func (s *Storage) selectProfiles(ctx context.Context, actorID string, where []string, filterArgs []any, limit int) (models.SelectResponse, error) {
	query := `SELECT pr.id, pr.username, pr.display_name, pr.bio, pr.created_at,
		(SELECT COUNT(*) FROM posts p WHERE p.author_id = pr.id) AS post_count,
		(SELECT COUNT(*) FROM follows f WHERE f.followee_id = pr.id) AS follower_count,
		(SELECT COUNT(*) FROM follows f WHERE f.follower_id = pr.id) AS following_count,
		EXISTS(SELECT 1 FROM follows f WHERE f.followee_id = pr.id AND f.follower_id = ?) AS followed_by_me
	FROM profiles pr`
	args := []any{actorID}
	args = append(args, filterArgs...)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY pr.created_at DESC, pr.id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return models.SelectResponse{}, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.DisplayName, &p.Bio, &p.CreatedAt,
			&p.PostCount, &p.FollowerCount, &p.FollowingCount, &p.FollowedByMe); err != nil {
			return models.SelectResponse{}, err
		}
		raw, _ := json.Marshal(p)
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return models.SelectResponse{}, err
	}
	return pageOf(out, limit), nil
}

func (s *Storage) selectReceipts(ctx context.Context, where []string, args []any, limit int) (models.SelectResponse, error) {
	query := "SELECT conversation_id, user_id, seen_at FROM receipts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seen_at DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return models.SelectResponse{}, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.ConversationID, &r.UserID, &r.SeenAt); err != nil {
			return models.SelectResponse{}, err
		}
		raw, _ := json.Marshal(r)
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return models.SelectResponse{}, err
	}
	return pageOf(out, limit), nil
}

type rowScanner func(*sql.Rows) (any, error)

func (s *Storage) selectSimple(ctx context.Context, table, base string, where []string, args []any, cursor *models.Cursor, limit int, scan rowScanner) (models.SelectResponse, error) {
	// Relation tables have no single id column; they are small,
	// uncursored sets keyed by their compound primary key.
	hasID := table == models.TableComments || table == models.TableMessages
	if cursor != nil && hasID {
		where = append(where, "((created_at < ?) OR (created_at = ? AND id < ?))")
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	query := base
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if hasID {
		query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	} else {
		query += " ORDER BY created_at DESC LIMIT ?"
	}
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return models.SelectResponse{}, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return models.SelectResponse{}, err
		}
		raw, _ := json.Marshal(item)
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return models.SelectResponse{}, err
	}
	return pageOf(out, limit), nil
}

func pageOf(rows []json.RawMessage, limit int) models.SelectResponse {
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	return models.SelectResponse{Rows: rows, HasMore: hasMore}
}

func scanPost(rows *sql.Rows) (models.Post, error) {
	var p models.Post
	err := rows.Scan(&p.ID, &p.AuthorID, &p.Caption, &p.CommentsEnabled, &p.CreatedAt,
		&p.LikeCount, &p.CommentCount, &p.LikedByMe, &p.SavedByMe)
	return p, err
}

func scanComment(rows *sql.Rows) (any, error) {
	var c models.Comment
	err := rows.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.Body, &c.CreatedAt)
	return c, err
}

func scanMessage(rows *sql.Rows) (any, error) {
	var m models.Message
	err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt)
	return m, err
}

func scanLike(rows *sql.Rows) (any, error) {
	var l models.Like
	err := rows.Scan(&l.PostID, &l.UserID, &l.CreatedAt)
	return l, err
}

func scanSave(rows *sql.Rows) (any, error) {
	var sv models.Save
	err := rows.Scan(&sv.PostID, &sv.UserID, &sv.CreatedAt)
	return sv, err
}

func scanFollow(rows *sql.Rows) (any, error) {
	var f models.Follow
	err := rows.Scan(&f.FollowerID, &f.FolloweeID, &f.CreatedAt)
	return f, err
}

// readPost returns the canonical post row with counts and per-actor
// flags, as a Select would.
func (s *Storage) readPost(ctx context.Context, actorID, id string) (models.Post, error) {
	query := "SELECT " + postColumns + " FROM posts p WHERE p.id = ?"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), actorID, actorID, id)
	if err != nil {
		return models.Post{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return models.Post{}, err
		}
		return models.Post{}, dataservice.NewError(dataservice.KindNotFound, "post not found")
	}
	return scanPost(rows)
}

func defaultTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
