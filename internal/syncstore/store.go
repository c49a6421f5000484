// Package syncstore is the client-side synchronization core. One Store
// owns the optimistic local view of the feed, comment threads, direct
// message conversations and profiles; applies local mutations with
// zero perceived latency and rolls them back on rejection; and merges
// server-pushed change events into the same state without duplicating
// optimistic entries or clobbering newer local edits.
//
// The original view logic ran on a single-threaded event loop. Here
// every state transition goes through one mutex, and every async
// completion re-reads current state under that mutex instead of
// applying values captured before the network round trip. Merges are
// idempotent and keyed by id, so at-least-once event delivery is safe.
package syncstore

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/feedsync/client/internal/cache"
	"github.com/feedsync/client/internal/collection"
	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/kvstore"
	"github.com/feedsync/client/internal/models"
	"github.com/feedsync/client/internal/pager"
)

// Options configures a Store.
type Options struct {
	// ActorID is the authenticated user; the core never derives it.
	ActorID string
	// Service is the Data Service collaborator.
	Service dataservice.DataService
	// PageSize for feed/thread pagination. Defaults to pager.DefaultPageSize.
	PageSize int
	// Retry controls Data Service call retries.
	Retry dataservice.RetryConfig
	// SnapshotTTL bounds the post/profile snapshot caches.
	SnapshotTTL time.Duration
	// PollInterval is the degraded-mode poll cadence when the realtime
	// subscribe fails. Defaults to 15s.
	PollInterval time.Duration
	// KV is the optional durable store for drafts and warm-start
	// snapshots. May be nil.
	KV *kvstore.Store
	// Clock is injectable for tests.
	Clock func() time.Time
}

// Store is the sync store.
type Store struct {
	actorID   string
	ds        dataservice.DataService
	retry     dataservice.RetryConfig
	pageSize  int
	pollEvery time.Duration
	kv        *kvstore.Store
	clock     func() time.Time
	metrics   *storeMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex

	// Feed.
	feed        *collection.Set[models.Post]
	feedPager   *pager.Pager[models.Post]
	feedLoading bool

	// Open comment threads, keyed by post id.
	threads map[string]*postThread

	// Open conversations, keyed by conversation id.
	convs map[string]*conversation

	// Loaded profiles, keyed by profile id.
	profiles map[string]models.Profile

	// Pending optimistic toggles, keyed by kind+target.
	toggles map[string]*toggleState

	// Observed relation/counter rows, keyed by table+row key, with the
	// last known membership as the value. At-least-once event delivery
	// means the same insert or delete can arrive twice; counters are
	// only adjusted on the first observation of each transition.
	seenRels map[string]bool

	// Bridge state.
	feedCancel   func()
	reconnCancel func()
	degraded     bool
	visible      bool
	closed       bool

	// Snapshot caches. Written only by the initial fetch path.
	postCache    *cache.SnapshotCache[models.Post]
	profileCache *cache.SnapshotCache[models.Profile]

	listeners  map[int]func()
	noticeFns  map[int]func(string)
	nextListen int
}

// New creates a Store. Call Start to attach the realtime bridge and
// Close to release everything.
func New(opts Options) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = pager.DefaultPageSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		actorID:      opts.ActorID,
		ds:           opts.Service,
		retry:        opts.Retry,
		pageSize:     opts.PageSize,
		pollEvery:    opts.PollInterval,
		kv:           opts.KV,
		clock:        opts.Clock,
		metrics:      newStoreMetrics(),
		ctx:          ctx,
		cancel:       cancel,
		feed:         collection.NewSet[models.Post](),
		threads:      make(map[string]*postThread),
		convs:        make(map[string]*conversation),
		profiles:     make(map[string]models.Profile),
		toggles:      make(map[string]*toggleState),
		seenRels:     make(map[string]bool),
		visible:      true,
		postCache:    cache.New[models.Post](opts.SnapshotTTL),
		profileCache: cache.New[models.Profile](opts.SnapshotTTL),
		listeners:    make(map[int]func()),
		noticeFns:    make(map[int]func(string)),
	}
	s.feedPager = pager.New(s.fetchPosts, s.applyFeedPage, s.pageSize, pager.DefaultHopLimit)
	return s
}

// ActorID returns the local actor.
func (s *Store) ActorID() string { return s.actorID }

// Close stops the bridge, leaves all conversations and cancels
// in-flight work.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	feedCancel, reconnCancel := s.feedCancel, s.reconnCancel
	s.feedCancel, s.reconnCancel = nil, nil
	convs := s.convs
	s.convs = make(map[string]*conversation)
	threads := s.threads
	s.threads = make(map[string]*postThread)
	s.mu.Unlock()

	s.cancel()
	if feedCancel != nil {
		feedCancel()
	}
	if reconnCancel != nil {
		reconnCancel()
	}
	for _, conv := range convs {
		conv.close()
	}
	for _, th := range threads {
		th.close()
	}
}

// OnChange registers a listener invoked (outside the store lock) after
// any visible state change. Returns an unregister func.
func (s *Store) OnChange(fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// OnNotice registers a handler for user-facing, dismissible failure
// notices. Every notice is actionable or self-correcting; nothing here
// is fatal.
func (s *Store) OnNotice(fn func(msg string)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListen
	s.nextListen++
	s.noticeFns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.noticeFns, id)
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Store) notice(msg string) {
	s.metrics.notices.Add(s.ctx, 1)
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.noticeFns))
	for _, fn := range s.noticeFns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	if len(fns) == 0 {
		log.Printf("Sync notice: %s", msg)
	}
	for _, fn := range fns {
		fn(msg)
	}
}

// decodeRows decodes raw rows, skipping malformed ones.
func decodeRows[T any](rows []json.RawMessage) []T {
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			log.Printf("Skipping malformed row: %v", err)
			continue
		}
		out = append(out, item)
	}
	return out
}
