// Package collection implements the ordered collections the sync core
// keeps in memory: id-indexed sets with a derived view sorted by
// (createdAt desc, id desc). Membership, updates and removals are
// O(log n) or better, and every write is idempotent by id so the same
// event can be applied twice without changing the result.
package collection

import (
	"sort"
	"time"
)

// Item is anything an ordered collection can hold.
type Item interface {
	ItemID() string
	ItemTime() time.Time
}

// Newer reports whether a sorts before b in display order, i.e. a is
// strictly newer. Ties on the timestamp break lexicographically by id
// so the order is total.
func Newer(a, b Item) bool {
	at, bt := a.ItemTime(), b.ItemTime()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ItemID() > b.ItemID()
}

// Set is an ordered collection of items keyed by id.
type Set[T Item] struct {
	byID  map[string]T
	order []string // ids, newest first
}

// NewSet creates an empty set.
func NewSet[T Item]() *Set[T] {
	return &Set[T]{byID: make(map[string]T)}
}

// Len returns the number of items.
func (s *Set[T]) Len() int { return len(s.order) }

// Get returns the item with the given id.
func (s *Set[T]) Get(id string) (T, bool) {
	item, ok := s.byID[id]
	return item, ok
}

// Contains reports membership by id.
func (s *Set[T]) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// insertPos finds where item belongs in the newest-first order.
func (s *Set[T]) insertPos(item T) int {
	return sort.Search(len(s.order), func(i int) bool {
		return Newer(item, s.byID[s.order[i]])
	})
}

// removeFromOrder drops id from the order slice.
func (s *Set[T]) removeFromOrder(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Upsert inserts item, or replaces the stored value if the id is
// already present. Returns true when the item was new. Replacement
// repositions the item if its timestamp changed.
func (s *Set[T]) Upsert(item T) bool {
	id := item.ItemID()
	if old, ok := s.byID[id]; ok {
		if !old.ItemTime().Equal(item.ItemTime()) {
			s.removeFromOrder(id)
			pos := s.insertPos(item)
			s.order = append(s.order, "")
			copy(s.order[pos+1:], s.order[pos:])
			s.order[pos] = id
		}
		s.byID[id] = item
		return false
	}
	pos := s.insertPos(item)
	s.order = append(s.order, "")
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = id
	s.byID[id] = item
	return true
}

// Patch applies fn to the current value of id, if present. fn receives
// the latest stored value, never a stale copy, which is what keeps
// concurrent async completions from losing updates.
func (s *Set[T]) Patch(id string, fn func(T) T) bool {
	old, ok := s.byID[id]
	if !ok {
		return false
	}
	updated := fn(old)
	if updated.ItemID() != id {
		// A patch may not change identity.
		return false
	}
	if !old.ItemTime().Equal(updated.ItemTime()) {
		s.removeFromOrder(id)
		pos := s.insertPos(updated)
		s.order = append(s.order, "")
		copy(s.order[pos+1:], s.order[pos:])
		s.order[pos] = id
	}
	s.byID[id] = updated
	return true
}

// Remove deletes the item with the given id.
func (s *Set[T]) Remove(id string) bool {
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	s.removeFromOrder(id)
	return true
}

// Merge upserts every item and returns how many were new.
func (s *Set[T]) Merge(items []T) int {
	added := 0
	for _, item := range items {
		if s.Upsert(item) {
			added++
		}
	}
	return added
}

// Items returns the collection newest-first.
func (s *Set[T]) Items() []T {
	out := make([]T, len(s.order))
	for i, id := range s.order {
		out[i] = s.byID[id]
	}
	return out
}

// ItemsAsc returns the collection oldest-first (message thread order).
func (s *Set[T]) ItemsAsc() []T {
	out := make([]T, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out[len(s.order)-1-i] = s.byID[s.order[i]]
	}
	return out
}

// Newest returns the first item in display order.
func (s *Set[T]) Newest() (T, bool) {
	var zero T
	if len(s.order) == 0 {
		return zero, false
	}
	return s.byID[s.order[0]], true
}

// Oldest returns the last item in display order.
func (s *Set[T]) Oldest() (T, bool) {
	var zero T
	if len(s.order) == 0 {
		return zero, false
	}
	return s.byID[s.order[len(s.order)-1]], true
}

// IDs returns the ids newest-first.
func (s *Set[T]) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Clear empties the set.
func (s *Set[T]) Clear() {
	s.byID = make(map[string]T)
	s.order = s.order[:0]
}
