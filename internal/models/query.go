package models

import (
	"encoding/json"
	"time"
)

// Cursor points at the last item of a fetched page. It is always
// derived from a real row, never synthesized, and is compared with the
// same (createdAt, id) order the collections sort by.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// SelectRequest for POST /api/select. Rows matching Filter are
// returned in (created_at desc, id desc) order; when Cursor is set
// only rows strictly older than it are returned.
type SelectRequest struct {
	Table  string            `json:"table"`
	Filter map[string]string `json:"filter,omitempty"`
	Limit  int               `json:"limit"`
	Cursor *Cursor           `json:"cursor,omitempty"`
}

// SelectResponse carries one page of rows.
type SelectResponse struct {
	Rows    []json.RawMessage `json:"rows"`
	HasMore bool              `json:"hasMore"`
}

// Mutation operations accepted by POST /api/mutate.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpUpsert = "upsert"
)

// MutateRequest for POST /api/mutate. Row carries the full row for
// insert/upsert, primary key plus changed fields for update, and the
// primary key for delete. ConflictKey names the unique key upserts
// resolve on when it is not the primary key.
type MutateRequest struct {
	Op          string          `json:"op"`
	Table       string          `json:"table"`
	Row         json.RawMessage `json:"row"`
	ConflictKey string          `json:"conflictKey,omitempty"`
}

// MutateResponse returns the canonical row as stored.
type MutateResponse struct {
	Row json.RawMessage `json:"row"`
}

// ErrorResponse is the API error envelope. Kind distinguishes policy
// rejections and missing targets from transient failures.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
