// Package pager implements forward-only cursor pagination over a live
// ordered collection. Pages are keyed by a (createdAt, id) cursor taken
// from the last row of the previous page, so pagination stays stable
// while the head of the collection grows. Rows already present locally
// are dropped on merge, and a page that contributes nothing advances
// the cursor and retries a bounded number of times before giving up.
package pager

import (
	"context"
	"sync"

	"github.com/feedsync/client/internal/collection"
	"github.com/feedsync/client/internal/models"
)

// DefaultPageSize matches the page size the feed and thread views use.
const DefaultPageSize = 20

// DefaultHopLimit bounds stuck-cursor recovery retries.
const DefaultHopLimit = 2

// Page is one fetched page. HasMore is the server's claim that rows
// older than the last item exist.
type Page[T collection.Item] struct {
	Items   []T
	HasMore bool
}

// FetchFunc loads one page older than cursor; a nil cursor means the
// newest page.
type FetchFunc[T collection.Item] func(ctx context.Context, cursor *models.Cursor, limit int) (Page[T], error)

// ApplyFunc merges fetched items into the local collection and returns
// how many were actually new. The caller owns locking; the pager calls
// it once per fetched page, never concurrently.
type ApplyFunc[T collection.Item] func(items []T) int

// Pager walks one collection oldward. Callers serialize LoadMore and
// LoadNewest against each other; mu only makes cursor state safe to
// read while a load is in flight, and is never held across fetch or
// apply.
type Pager[T collection.Item] struct {
	fetch    FetchFunc[T]
	apply    ApplyFunc[T]
	pageSize int
	hopLimit int

	mu        sync.Mutex
	cursor    *models.Cursor
	exhausted bool
}

// New creates a pager. pageSize and hopLimit fall back to the defaults
// when zero.
func New[T collection.Item](fetch FetchFunc[T], apply ApplyFunc[T], pageSize, hopLimit int) *Pager[T] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if hopLimit <= 0 {
		hopLimit = DefaultHopLimit
	}
	return &Pager[T]{fetch: fetch, apply: apply, pageSize: pageSize, hopLimit: hopLimit}
}

// Exhausted reports whether the collection end has been reached.
func (p *Pager[T]) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// Reset forgets pagination progress so the next LoadMore starts from
// the newest page again.
func (p *Pager[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = nil
	p.exhausted = false
}

// cursorOf derives a cursor from the last item of a page. Cursors are
// only ever taken from real rows.
func cursorOf[T collection.Item](items []T) *models.Cursor {
	last := items[len(items)-1]
	return &models.Cursor{CreatedAt: last.ItemTime(), ID: last.ItemID()}
}

// LoadMore fetches the next page and merges it into the collection.
// It returns the number of new items. A page that dedups down to
// nothing while the server still reports more rows advances the cursor
// to that page's own last row and retries, up to the hop limit; after
// that the pager reports exhaustion rather than looping forever.
func (p *Pager[T]) LoadMore(ctx context.Context) (int, error) {
	for hop := 0; ; hop++ {
		p.mu.Lock()
		if p.exhausted {
			p.mu.Unlock()
			return 0, nil
		}
		cursor := p.cursor
		p.mu.Unlock()

		page, err := p.fetch(ctx, cursor, p.pageSize)
		if err != nil {
			return 0, err
		}

		if len(page.Items) == 0 {
			p.mu.Lock()
			p.exhausted = true
			p.mu.Unlock()
			return 0, nil
		}

		added := p.apply(page.Items)

		p.mu.Lock()
		p.cursor = cursorOf(page.Items)
		done := !page.HasMore || len(page.Items) < p.pageSize
		if done || (added == 0 && hop >= p.hopLimit) {
			// End of collection, or concurrent inserts/deletes kept
			// shifting the logical cursor position; stop offering more.
			p.exhausted = true
		}
		p.mu.Unlock()

		if done {
			return added, nil
		}
		if added > 0 {
			return added, nil
		}
		if hop >= p.hopLimit {
			return 0, nil
		}
	}
}

// LoadNewest fetches the newest page without touching pagination
// state. The bridge uses it as the silent catch-up refetch after a
// reconnection gap.
func (p *Pager[T]) LoadNewest(ctx context.Context) (int, error) {
	page, err := p.fetch(ctx, nil, p.pageSize)
	if err != nil {
		return 0, err
	}
	if len(page.Items) == 0 {
		return 0, nil
	}
	added := p.apply(page.Items)
	p.mu.Lock()
	if p.cursor == nil {
		p.cursor = cursorOf(page.Items)
		p.exhausted = !page.HasMore
	}
	p.mu.Unlock()
	return added, nil
}
