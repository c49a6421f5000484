package syncstore

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/feedsync/client/internal/models"
)

// reconnectNotifier is implemented by realtime-backed Data Services.
// Reconnect callbacks drive catch-up refetches, the only mechanism that
// heals events missed while disconnected (the feed offers no replay).
type reconnectNotifier interface {
	OnReconnect(fn func()) (cancel func())
}

var subscribedTables = []string{
	models.TablePosts,
	models.TableComments,
	models.TableMessages,
	models.TableLikes,
	models.TableSaves,
	models.TableFollows,
	models.TableReceipts,
	models.TableProfiles,
}

// Start attaches the realtime bridge: subscribes the change feed and
// registers reconnect catch-up. If the subscribe fails the store runs
// in degraded poll-only mode until a later attempt succeeds.
func (s *Store) Start() {
	s.subscribeFeed()
	if rn, ok := s.ds.(reconnectNotifier); ok {
		cancel := rn.OnReconnect(func() {
			go s.catchUp()
		})
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			cancel()
			return
		}
		s.reconnCancel = cancel
		s.mu.Unlock()
	}
}

// Degraded reports whether the store is running without a live change
// feed, relying on interval polling.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// SetVisible tells the store whether its UI surface is currently
// visible. Regaining visibility triggers a catch-up refetch, since
// change events have no replay and anything pushed while backgrounded
// may have been dropped by the platform.
func (s *Store) SetVisible(visible bool) {
	s.mu.Lock()
	regained := visible && !s.visible
	s.visible = visible
	s.mu.Unlock()
	if regained {
		go s.catchUp()
	}
}

func (s *Store) subscribeFeed() bool {
	cancel, err := s.ds.SubscribeChanges(subscribedTables, s.applyChange)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err == nil {
			cancel()
		}
		return false
	}
	if err != nil {
		startPoll := !s.degraded
		s.degraded = true
		s.mu.Unlock()
		log.Printf("Change feed unavailable, polling instead: %v", err)
		if startPoll {
			go s.pollLoop()
		}
		return false
	}
	if s.feedCancel != nil {
		s.feedCancel()
	}
	s.feedCancel = cancel
	s.degraded = false
	s.mu.Unlock()
	return true
}

// pollLoop is the degraded-mode fallback: periodic catch-up refetches
// plus re-subscribe attempts. Exits as soon as a subscribe succeeds or
// the store closes.
func (s *Store) pollLoop() {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		degraded, visible := s.degraded, s.visible
		s.mu.Unlock()
		if !degraded {
			return
		}
		if visible {
			s.catchUp()
		}
		if s.subscribeFeed() {
			return
		}
	}
}

// catchUp refetches the newest page of every open surface, merging
// whatever the change feed missed. Merges are idempotent, so a
// spurious catch-up costs bandwidth, never correctness.
func (s *Store) catchUp() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	threadIDs := make([]string, 0, len(s.threads))
	for id := range s.threads {
		threadIDs = append(threadIDs, id)
	}
	convIDs := make([]string, 0, len(s.convs))
	for id := range s.convs {
		convIDs = append(convIDs, id)
	}
	profileIDs := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		profileIDs = append(profileIDs, id)
	}
	s.mu.Unlock()

	s.metrics.catchups.Add(s.ctx, 1)
	if err := s.RefreshFeed(s.ctx); err != nil {
		log.Printf("Feed catch-up failed: %v", err)
	}
	for _, postID := range threadIDs {
		s.refreshThread(s.ctx, postID)
	}
	for _, convID := range convIDs {
		s.refreshConversation(s.ctx, convID)
		s.loadReceipts(s.ctx, convID)
	}
	for _, id := range profileIDs {
		s.refetchProfile(id)
	}
}

func (s *Store) refreshThread(ctx context.Context, postID string) {
	s.mu.Lock()
	th, ok := s.threads[postID]
	if !ok || th.loading {
		s.mu.Unlock()
		return
	}
	th.loading = true
	p := th.pager
	s.mu.Unlock()

	added, err := p.LoadNewest(ctx)

	s.mu.Lock()
	if th2, still := s.threads[postID]; still && th2 == th {
		th.loading = false
	}
	s.mu.Unlock()
	if err != nil {
		log.Printf("Thread catch-up failed for %s: %v", postID, err)
	}
	if added > 0 {
		s.notify()
	}
}

func (s *Store) refreshConversation(ctx context.Context, convID string) {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok || conv.loading {
		s.mu.Unlock()
		return
	}
	conv.loading = true
	p := conv.pager
	s.mu.Unlock()

	added, err := p.LoadNewest(ctx)

	s.mu.Lock()
	if conv2, still := s.convs[convID]; still && conv2 == conv {
		conv.loading = false
	}
	s.mu.Unlock()
	if err != nil {
		log.Printf("Conversation catch-up failed for %s: %v", convID, err)
	}
	if added > 0 {
		s.notify()
	}
}

// applyChange merges one durable change event into local state.
// Delivery is at-least-once with no ordering guarantee, so every
// branch is idempotent: inserts dedup by id, counter bumps gate on the
// first observed membership transition, deletes of missing rows are
// no-ops.
func (s *Store) applyChange(ev models.ChangeEvent) {
	var changed bool
	switch ev.Table {
	case models.TablePosts:
		changed = s.applyPostEvent(ev)
	case models.TableComments:
		changed = s.applyCommentEvent(ev)
	case models.TableMessages:
		changed = s.applyMessageEvent(ev)
	case models.TableLikes, models.TableSaves:
		changed = s.applyRelationEvent(ev)
	case models.TableFollows:
		changed = s.applyFollowEvent(ev)
	case models.TableReceipts:
		changed = s.applyReceiptEvent(ev)
	case models.TableProfiles:
		changed = s.applyProfileEvent(ev)
	}
	if changed {
		s.metrics.eventsMerged.Add(s.ctx, 1, tableAttr(ev.Table))
		s.notify()
	} else {
		s.metrics.eventsDropped.Add(s.ctx, 1, tableAttr(ev.Table))
	}
}

func (s *Store) applyPostEvent(ev models.ChangeEvent) bool {
	switch ev.Type {
	case models.EventInsert:
		var post models.Post
		if json.Unmarshal(ev.Row, &post) != nil || post.ID == "" {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		key := relKey(models.TablePosts, post.ID)
		prev, seen := s.seenRels[key]
		s.seenRels[key] = true
		changed := false
		if !s.feed.Contains(post.ID) {
			s.feed.Upsert(post)
			changed = true
		}
		if (!seen || !prev) && ev.ActorID != s.actorID {
			if s.patchProfileLocked(post.AuthorID, func(p models.Profile) models.Profile {
				p.PostCount++
				return p
			}) {
				changed = true
			}
		}
		return changed

	case models.EventUpdate:
		// The local actor's own updates were applied optimistically at
		// call time; replaying the echo could clobber a newer pending
		// edit.
		if ev.ActorID == s.actorID {
			return false
		}
		var patch models.PostPatch
		if json.Unmarshal(ev.Row, &patch) != nil || patch.ID == "" {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.hasPendingToggleLocked(patch.ID) {
			// The toggle drive loop owns this post's counters until it
			// resolves; the next refetch reconciles absolutes.
			return false
		}
		return s.feed.Patch(patch.ID, func(p models.Post) models.Post {
			if patch.Caption != nil {
				p.Caption = *patch.Caption
			}
			if patch.LikeCount != nil {
				p.LikeCount = *patch.LikeCount
			}
			if patch.CommentCount != nil {
				p.CommentCount = *patch.CommentCount
			}
			if patch.CommentsEnabled != nil {
				p.CommentsEnabled = *patch.CommentsEnabled
			}
			return p
		})

	case models.EventDelete:
		var key models.RowKey
		if json.Unmarshal(ev.Row, &key) != nil || key.ID == "" {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		post, had := s.feed.Get(key.ID)
		rk := relKey(models.TablePosts, key.ID)
		counted := s.seenRels[rk]
		s.seenRels[rk] = false
		s.removePostLocked(key.ID)
		if had && counted && ev.ActorID != s.actorID {
			s.patchProfileLocked(post.AuthorID, func(p models.Profile) models.Profile {
				p.PostCount--
				return p
			})
		}
		return had
	}
	return false
}

func (s *Store) applyCommentEvent(ev models.ChangeEvent) bool {
	switch ev.Type {
	case models.EventInsert:
		var comment models.Comment
		if json.Unmarshal(ev.Row, &comment) != nil || comment.ID == "" {
			return false
		}
		return s.mergeComment(comment, ev.ActorID)

	case models.EventDelete:
		var comment models.Comment
		if json.Unmarshal(ev.Row, &comment) != nil || comment.ID == "" {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		postID := comment.PostID
		if postID == "" {
			for pid, th := range s.threads {
				if th.comments.Contains(comment.ID) {
					postID = pid
					break
				}
			}
		}
		key := relKey(models.TableComments, comment.ID)
		counted := s.seenRels[key]
		s.seenRels[key] = false
		changed := false
		if th, open := s.threads[postID]; open && th.comments.Remove(comment.ID) {
			changed = true
		}
		if counted && postID != "" {
			if s.feed.Patch(postID, func(p models.Post) models.Post {
				p.CommentCount--
				return p
			}) {
				changed = true
			}
		}
		return changed
	}
	return false
}

func (s *Store) applyMessageEvent(ev models.ChangeEvent) bool {
	if ev.Type != models.EventInsert {
		return false
	}
	var msg models.Message
	if json.Unmarshal(ev.Row, &msg) != nil || msg.ID == "" {
		return false
	}
	// Own messages from another session merge too: dedup by id keeps
	// the locally sent copy and its delivery state intact.
	return s.mergeMessage(msg)
}

// applyRelationEvent handles likes and saves, which share a
// (postId, userId) shape and a per-post counter.
func (s *Store) applyRelationEvent(ev models.ChangeEvent) bool {
	var rel models.Like
	if json.Unmarshal(ev.Row, &rel) != nil || rel.PostID == "" || rel.UserID == "" {
		return false
	}
	member := ev.Type == models.EventInsert
	if !member && ev.Type != models.EventDelete {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := relKey(ev.Table, rel.PostID, rel.UserID)
	if s.seenRels[key] == member {
		// Duplicate delivery, or a delete for a row whose insert
		// predates our snapshot. Either way the counter must not move.
		return false
	}
	s.seenRels[key] = member
	if rel.UserID == s.actorID {
		// Own rows: the toggle ledger already moved the counter.
		return false
	}
	if ev.Table != models.TableLikes {
		// Saves are private: a peer's save changes nothing we render.
		return false
	}
	delta := 1
	if !member {
		delta = -1
	}
	return s.feed.Patch(rel.PostID, func(p models.Post) models.Post {
		p.LikeCount += delta
		return p
	})
}

func (s *Store) applyFollowEvent(ev models.ChangeEvent) bool {
	var follow models.Follow
	if json.Unmarshal(ev.Row, &follow) != nil || follow.FollowerID == "" || follow.FolloweeID == "" {
		return false
	}
	member := ev.Type == models.EventInsert
	if !member && ev.Type != models.EventDelete {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := relKey(models.TableFollows, follow.FollowerID, follow.FolloweeID)
	if s.seenRels[key] == member {
		return false
	}
	s.seenRels[key] = member
	if follow.FollowerID == s.actorID {
		return false
	}
	delta := 1
	if !member {
		delta = -1
	}
	changed := s.patchProfileLocked(follow.FolloweeID, func(p models.Profile) models.Profile {
		p.FollowerCount += delta
		return p
	})
	if s.patchProfileLocked(follow.FollowerID, func(p models.Profile) models.Profile {
		p.FollowingCount += delta
		return p
	}) {
		changed = true
	}
	return changed
}

func (s *Store) applyReceiptEvent(ev models.ChangeEvent) bool {
	if ev.Type == models.EventDelete {
		return false
	}
	var receipt models.Receipt
	if json.Unmarshal(ev.Row, &receipt) != nil || receipt.ConversationID == "" {
		return false
	}

	s.mu.Lock()
	conv, open := s.convs[receipt.ConversationID]
	if !open {
		s.mu.Unlock()
		return false
	}
	if receipt.UserID == s.actorID {
		changed := receipt.SeenAt.After(conv.mySeenAt)
		if changed {
			conv.mySeenAt = receipt.SeenAt
		}
		s.mu.Unlock()
		return changed
	}
	pres := conv.pres
	s.mu.Unlock()

	// ObserveSeen max-merges, so the durable receipt and the broadcast
	// seen signal can land in either order.
	pres.ObserveSeen(receipt.UserID, receipt.SeenAt)
	return false
}

func (s *Store) applyProfileEvent(ev models.ChangeEvent) bool {
	if ev.Type != models.EventUpdate || ev.ActorID == s.actorID {
		return false
	}
	var patch models.ProfilePatch
	if json.Unmarshal(ev.Row, &patch) != nil || patch.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, pending := s.toggles[toggleKey("follow", patch.ID)]; pending && ts.inFlight {
		return false
	}
	return s.patchProfileLocked(patch.ID, func(p models.Profile) models.Profile {
		if patch.DisplayName != nil {
			p.DisplayName = *patch.DisplayName
		}
		if patch.Bio != nil {
			p.Bio = *patch.Bio
		}
		if patch.PostCount != nil {
			p.PostCount = *patch.PostCount
		}
		if patch.FollowerCount != nil {
			p.FollowerCount = *patch.FollowerCount
		}
		if patch.FollowingCount != nil {
			p.FollowingCount = *patch.FollowingCount
		}
		return p
	})
}
