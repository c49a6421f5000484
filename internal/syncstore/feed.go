package syncstore

import (
	"context"
	"encoding/json"

	"github.com/feedsync/client/internal/collection"
	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/models"
	"github.com/feedsync/client/internal/pager"
)

// postThread is one open comment thread (post modal). It holds the
// comment collection, its pager, and the low-latency comment echo
// channel for the open post.
type postThread struct {
	postID     string
	comments   *collection.Set[models.Comment]
	pager      *pager.Pager[models.Comment]
	channel    dataservice.BroadcastChannel
	cancelEcho func()
	loading    bool
}

func (t *postThread) close() {
	if t.cancelEcho != nil {
		t.cancelEcho()
	}
	if t.channel != nil {
		t.channel.Close()
	}
}

// fetchPosts is the feed's pager fetch. Reads retry transient failures
// with linear backoff before surfacing.
func (s *Store) fetchPosts(ctx context.Context, cursor *models.Cursor, limit int) (pager.Page[models.Post], error) {
	resp, err := dataservice.SelectWithRetry(ctx, s.ds, models.SelectRequest{
		Table:  models.TablePosts,
		Limit:  limit,
		Cursor: cursor,
	}, s.retry)
	if err != nil {
		return pager.Page[models.Post]{}, err
	}
	return pager.Page[models.Post]{
		Items:   decodeRows[models.Post](resp.Rows),
		HasMore: resp.HasMore,
	}, nil
}

// applyFeedPage merges fetched posts. New posts are appended; posts
// already present are refreshed with server state unless an optimistic
// toggle is still in flight for them, in which case the local view
// wins until the toggle resolves.
func (s *Store) applyFeedPage(items []models.Post) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, post := range items {
		if s.feed.Contains(post.ID) {
			if !s.hasPendingToggleLocked(post.ID) {
				s.feed.Upsert(post)
			}
			continue
		}
		s.feed.Upsert(post)
		added++
	}
	return added
}

// LoadFeed loads the next feed page (the newest page on first call).
func (s *Store) LoadFeed(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.feedLoading {
		s.mu.Unlock()
		return 0, nil
	}
	s.feedLoading = true
	s.mu.Unlock()

	added, err := s.feedPager.LoadMore(ctx)

	s.mu.Lock()
	s.feedLoading = false
	s.mu.Unlock()

	if added > 0 {
		s.notify()
	}
	return added, err
}

// RefreshFeed silently refetches the newest page, merging corrections
// for anything missed. Used by the catch-up path; errors degrade to a
// notice upstream, never block the UI. A refresh arriving while a
// user-driven LoadFeed holds the pager yields; the next catch-up
// cycle covers the gap.
func (s *Store) RefreshFeed(ctx context.Context) error {
	s.mu.Lock()
	if s.feedLoading {
		s.mu.Unlock()
		return nil
	}
	s.feedLoading = true
	s.mu.Unlock()

	added, err := s.feedPager.LoadNewest(ctx)

	s.mu.Lock()
	s.feedLoading = false
	s.mu.Unlock()

	if added > 0 {
		s.notify()
	}
	return err
}

// Posts returns the feed, newest first.
func (s *Store) Posts() []models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed.Items()
}

// Post returns one post from live state.
func (s *Store) Post(id string) (models.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed.Get(id)
}

// FeedExhausted reports whether older pages remain.
func (s *Store) FeedExhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedPager.Exhausted()
}

// ViewPost returns a post for immediate rendering. Live state wins;
// otherwise a snapshot-cache hit is returned instantly and a silent
// authoritative refetch corrects the cache in the background; otherwise
// the durable fetch runs inline.
func (s *Store) ViewPost(ctx context.Context, id string) (models.Post, error) {
	s.mu.Lock()
	if post, ok := s.feed.Get(id); ok {
		s.mu.Unlock()
		return post, nil
	}
	s.mu.Unlock()

	if cached, hit := s.postCache.Get(id); hit {
		go s.refetchPost(id)
		return cached, nil
	}

	post, err := s.fetchPostByID(ctx, id)
	if err != nil {
		return models.Post{}, err
	}
	s.postCache.Put(id, post)
	return post, nil
}

func (s *Store) fetchPostByID(ctx context.Context, id string) (models.Post, error) {
	resp, err := dataservice.SelectWithRetry(ctx, s.ds, models.SelectRequest{
		Table:  models.TablePosts,
		Filter: map[string]string{"id": id},
		Limit:  1,
	}, s.retry)
	if err != nil {
		return models.Post{}, err
	}
	posts := decodeRows[models.Post](resp.Rows)
	if len(posts) == 0 {
		return models.Post{}, dataservice.NewError(dataservice.KindNotFound, "post %s not found", id)
	}
	return posts[0], nil
}

// refetchPost is the silent authority check behind a snapshot-cache
// hit.
func (s *Store) refetchPost(id string) {
	post, err := s.fetchPostByID(s.ctx, id)
	if err != nil {
		if dataservice.IsNotFound(err) {
			s.postCache.Invalidate(id)
			s.notify()
		}
		return
	}
	s.postCache.Put(id, post)
	s.notify()
}

// OpenComments materializes the comment thread for a post and
// subscribes to its low-latency comment echo. Loads the first page.
func (s *Store) OpenComments(ctx context.Context, postID string) error {
	s.mu.Lock()
	if _, open := s.threads[postID]; open {
		s.mu.Unlock()
		return nil
	}
	th := &postThread{
		postID:   postID,
		comments: collection.NewSet[models.Comment](),
		channel:  s.ds.Channel(models.PostTopic(postID)),
	}
	th.pager = pager.New(s.commentFetch(postID), s.commentApply(postID), s.pageSize, pager.DefaultHopLimit)
	th.cancelEcho = th.channel.On(models.SignalComment, func(payload json.RawMessage) {
		s.handleCommentEcho(postID, payload)
	})
	s.threads[postID] = th
	s.mu.Unlock()

	return s.LoadMoreComments(ctx, postID)
}

// CloseComments drops the thread and its subscriptions. In-flight
// fetches for it resolve against a closed target and are ignored.
func (s *Store) CloseComments(postID string) {
	s.mu.Lock()
	th, ok := s.threads[postID]
	delete(s.threads, postID)
	s.mu.Unlock()
	if ok {
		th.close()
	}
}

// Comments returns an open thread's comments, newest first.
func (s *Store) Comments(postID string) []models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.threads[postID]; ok {
		return th.comments.Items()
	}
	return nil
}

// LoadMoreComments pages the thread oldward.
func (s *Store) LoadMoreComments(ctx context.Context, postID string) error {
	s.mu.Lock()
	th, ok := s.threads[postID]
	if !ok || th.loading {
		s.mu.Unlock()
		return nil
	}
	th.loading = true
	p := th.pager
	s.mu.Unlock()

	added, err := p.LoadMore(ctx)

	s.mu.Lock()
	if th2, still := s.threads[postID]; still && th2 == th {
		th.loading = false
	}
	s.mu.Unlock()

	if added > 0 {
		s.notify()
	}
	return err
}

func (s *Store) commentFetch(postID string) pager.FetchFunc[models.Comment] {
	return func(ctx context.Context, cursor *models.Cursor, limit int) (pager.Page[models.Comment], error) {
		resp, err := dataservice.SelectWithRetry(ctx, s.ds, models.SelectRequest{
			Table:  models.TableComments,
			Filter: map[string]string{"postId": postID},
			Limit:  limit,
			Cursor: cursor,
		}, s.retry)
		if err != nil {
			return pager.Page[models.Comment]{}, err
		}
		return pager.Page[models.Comment]{
			Items:   decodeRows[models.Comment](resp.Rows),
			HasMore: resp.HasMore,
		}, nil
	}
}

func (s *Store) commentApply(postID string) pager.ApplyFunc[models.Comment] {
	return func(items []models.Comment) int {
		s.mu.Lock()
		defer s.mu.Unlock()
		th, ok := s.threads[postID]
		if !ok {
			// Thread closed while the fetch was in flight.
			return 0
		}
		added := 0
		for _, c := range items {
			s.seenRels[relKey(models.TableComments, c.ID)] = true
			if !th.comments.Contains(c.ID) {
				th.comments.Upsert(c)
				added++
			}
		}
		return added
	}
}

// handleCommentEcho merges a broadcast comment echo for an open post.
// Dedup by id makes the echo and the durable change-feed event
// interchangeable; whichever lands first wins, the other is a no-op.
func (s *Store) handleCommentEcho(postID string, payload json.RawMessage) {
	var comment models.Comment
	if json.Unmarshal(payload, &comment) != nil || comment.PostID != postID {
		return
	}
	if s.mergeComment(comment, comment.AuthorID) {
		s.notify()
	}
}

// mergeComment inserts a comment into its thread (if open) and bumps
// the parent post's comment count on first observation, unless the
// comment is the local actor's own (the ledger already counted those).
func (s *Store) mergeComment(comment models.Comment, actorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := relKey(models.TableComments, comment.ID)
	_, seen := s.seenRels[key]
	s.seenRels[key] = true

	changed := false
	if th, open := s.threads[comment.PostID]; open {
		if !th.comments.Contains(comment.ID) {
			th.comments.Upsert(comment)
			changed = true
		}
	}
	if !seen && actorID != s.actorID {
		// Aggregate counter applies whether or not the thread is open,
		// as long as the parent post is loaded somewhere.
		if s.feed.Patch(comment.PostID, func(p models.Post) models.Post {
			p.CommentCount++
			return p
		}) {
			changed = true
		}
	}
	return changed
}

// removePostLocked removes a post everywhere: feed, open thread,
// snapshot cache. Caller holds s.mu.
func (s *Store) removePostLocked(id string) {
	s.feed.Remove(id)
	if th, ok := s.threads[id]; ok {
		delete(s.threads, id)
		go th.close()
	}
	s.postCache.Invalidate(id)
	delete(s.toggles, toggleKey("like", id))
	delete(s.toggles, toggleKey("save", id))
}
