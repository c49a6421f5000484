package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/models"
)

// Ledger errors surfaced to callers before any network round trip.
var (
	ErrNotLoaded        = errors.New("syncstore: target entity is not loaded")
	ErrCommentsDisabled = errors.New("syncstore: comments are disabled on this post")
	ErrNotOwner         = errors.New("syncstore: not the author of this entity")
)

// toggleState coalesces rapid toggles of one boolean relation. At most
// one persistence call chain is in flight per (kind, target); a second
// toggle before the first resolves flips the latest local value and
// adjusts desired, and the drive loop issues follow-up calls until the
// confirmed server state matches.
type toggleState struct {
	inFlight  bool
	desired   bool
	confirmed bool
}

func toggleKey(kind, target string) string { return kind + ":" + target }

// relKey identifies an observed relation/entity row for event dedup.
func relKey(table string, parts ...string) string {
	return table + ":" + strings.Join(parts, "/")
}

// hasPendingToggleLocked reports an in-flight like/save toggle for a
// post; refresh paths skip overwriting such posts so the optimistic
// view survives until the toggle resolves.
func (s *Store) hasPendingToggleLocked(postID string) bool {
	for _, kind := range []string{"like", "save"} {
		if ts, ok := s.toggles[toggleKey(kind, postID)]; ok && ts.inFlight {
			return true
		}
	}
	return false
}

// ToggleLike flips the like state of a loaded post. Local state and
// the like counter change immediately; persistence follows.
func (s *Store) ToggleLike(postID string) error {
	return s.toggle("like", postID, func(want bool) {
		s.feed.Patch(postID, func(p models.Post) models.Post {
			p.LikedByMe = want
			if want {
				p.LikeCount++
			} else {
				p.LikeCount--
			}
			return p
		})
		s.seenRels[relKey(models.TableLikes, postID, s.actorID)] = want
	}, func(ctx context.Context, want bool) error {
		if want {
			_, err := s.ds.Insert(ctx, models.TableLikes, models.Like{
				PostID: postID, UserID: s.actorID, CreatedAt: s.clock(),
			})
			return err
		}
		return s.ds.Delete(ctx, models.TableLikes, models.Like{PostID: postID, UserID: s.actorID})
	}, func() (bool, bool) {
		post, ok := s.feed.Get(postID)
		return post.LikedByMe, ok
	}, func() {
		s.removePostLocked(postID)
	}, "Couldn't update like. Please try again.")
}

// ToggleSave flips the saved state of a loaded post. No counter.
func (s *Store) ToggleSave(postID string) error {
	return s.toggle("save", postID, func(want bool) {
		s.feed.Patch(postID, func(p models.Post) models.Post {
			p.SavedByMe = want
			return p
		})
		s.seenRels[relKey(models.TableSaves, postID, s.actorID)] = want
	}, func(ctx context.Context, want bool) error {
		if want {
			_, err := s.ds.Insert(ctx, models.TableSaves, models.Save{
				PostID: postID, UserID: s.actorID, CreatedAt: s.clock(),
			})
			return err
		}
		return s.ds.Delete(ctx, models.TableSaves, models.Save{PostID: postID, UserID: s.actorID})
	}, func() (bool, bool) {
		post, ok := s.feed.Get(postID)
		return post.SavedByMe, ok
	}, func() {
		s.removePostLocked(postID)
	}, "Couldn't update saved posts. Please try again.")
}

// ToggleFollow flips whether the local actor follows a loaded profile.
// Follower count on the target and following count on the actor's own
// profile (if loaded) move by one.
func (s *Store) ToggleFollow(profileID string) error {
	return s.toggle("follow", profileID, func(want bool) {
		s.patchProfileLocked(profileID, func(p models.Profile) models.Profile {
			p.FollowedByMe = want
			if want {
				p.FollowerCount++
			} else {
				p.FollowerCount--
			}
			return p
		})
		s.patchProfileLocked(s.actorID, func(p models.Profile) models.Profile {
			if want {
				p.FollowingCount++
			} else {
				p.FollowingCount--
			}
			return p
		})
		s.seenRels[relKey(models.TableFollows, s.actorID, profileID)] = want
	}, func(ctx context.Context, want bool) error {
		if want {
			_, err := s.ds.Insert(ctx, models.TableFollows, models.Follow{
				FollowerID: s.actorID, FolloweeID: profileID, CreatedAt: s.clock(),
			})
			return err
		}
		return s.ds.Delete(ctx, models.TableFollows, models.Follow{
			FollowerID: s.actorID, FolloweeID: profileID,
		})
	}, func() (bool, bool) {
		profile, ok := s.profiles[profileID]
		return profile.FollowedByMe, ok
	}, func() {
		delete(s.profiles, profileID)
		s.profileCache.Invalidate(profileID)
	}, "Couldn't update follow. Please try again.")
}

// toggle is the shared optimistic-toggle engine. apply flips local
// state to want (caller holds no lock; apply runs under it), persist
// issues the durable call, current reads the present optimistic value,
// gone cleans up a vanished target. The second and later flips while a
// call chain is in flight only adjust desired.
func (s *Store) toggle(
	kind, targetID string,
	apply func(want bool),
	persist func(ctx context.Context, want bool) error,
	current func() (value, loaded bool),
	gone func(),
	failMsg string,
) error {
	key := toggleKey(kind, targetID)

	s.mu.Lock()
	// Next state derives from the current optimistic value, never from
	// a snapshot captured before an earlier toggle resolved.
	cur, loaded := current()
	if !loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	want := !cur
	apply(want)
	ts := s.toggles[key]
	if ts == nil {
		ts = &toggleState{confirmed: !want}
		s.toggles[key] = ts
	}
	ts.desired = want
	launch := !ts.inFlight
	if launch {
		ts.inFlight = true
	}
	s.mu.Unlock()
	s.notify()

	if launch {
		go s.driveToggle(kind, key, apply, persist, gone, failMsg)
	}
	return nil
}

// driveToggle reconciles server state with the desired toggle value,
// issuing one persistence call at a time until they match or a call
// fails. Failure rolls local state back to the last confirmed server
// value, exactly inverting the unconfirmed flips.
func (s *Store) driveToggle(
	kind, key string,
	apply func(want bool),
	persist func(ctx context.Context, want bool) error,
	gone func(),
	failMsg string,
) {
	for {
		s.mu.Lock()
		ts, ok := s.toggles[key]
		if !ok {
			s.mu.Unlock()
			return
		}
		if ts.desired == ts.confirmed {
			delete(s.toggles, key)
			s.mu.Unlock()
			return
		}
		want := ts.desired
		s.mu.Unlock()

		err := dataservice.Do(s.ctx, s.retry, func() error {
			return persist(s.ctx, want)
		})
		if err == nil {
			s.mu.Lock()
			if ts, ok := s.toggles[key]; ok {
				ts.confirmed = want
			}
			s.mu.Unlock()
			continue
		}

		s.metrics.rollbacks.Add(s.ctx, 1, kindAttr(kind))
		s.mu.Lock()
		if dataservice.IsNotFound(err) {
			delete(s.toggles, key)
			gone()
			s.mu.Unlock()
			s.notice("That content is no longer available.")
			s.notify()
			return
		}
		if ts, ok := s.toggles[key]; ok {
			if ts.desired != ts.confirmed {
				apply(ts.confirmed)
			}
			delete(s.toggles, key)
		}
		s.mu.Unlock()
		s.notice(failMsg)
		s.notify()
		return
	}
}

// AddComment posts a comment optimistically. The returned comment
// carries the durable id it will keep; the echo and change-feed copies
// deduplicate against it.
func (s *Store) AddComment(postID, body string) (models.Comment, error) {
	s.mu.Lock()
	post, ok := s.feed.Get(postID)
	if !ok {
		s.mu.Unlock()
		return models.Comment{}, ErrNotLoaded
	}
	if !post.CommentsEnabled {
		s.mu.Unlock()
		return models.Comment{}, ErrCommentsDisabled
	}

	comment := models.Comment{
		ID:        uuid.New().String(),
		PostID:    postID,
		AuthorID:  s.actorID,
		Body:      body,
		CreatedAt: s.clock(),
	}
	s.seenRels[relKey(models.TableComments, comment.ID)] = true
	var echo dataservice.BroadcastChannel
	if th, open := s.threads[postID]; open {
		th.comments.Upsert(comment)
		echo = th.channel
	}
	s.feed.Patch(postID, func(p models.Post) models.Post {
		p.CommentCount++
		return p
	})
	s.mu.Unlock()
	s.notify()

	if echo != nil {
		echo.Send(models.SignalComment, comment)
	}
	go s.persistComment(comment)
	return comment, nil
}

func (s *Store) persistComment(comment models.Comment) {
	var canonical json.RawMessage
	err := dataservice.Do(s.ctx, s.retry, func() error {
		row, callErr := s.ds.Insert(s.ctx, models.TableComments, comment)
		if callErr == nil {
			canonical = row
		}
		return callErr
	})

	if err == nil {
		// Fold server-canonical fields (timestamp) into the existing
		// optimistic entity by id; never replace the collection.
		var srv models.Comment
		if json.Unmarshal(canonical, &srv) != nil || srv.ID != comment.ID {
			return
		}
		s.mu.Lock()
		if th, open := s.threads[comment.PostID]; open {
			th.comments.Patch(comment.ID, func(models.Comment) models.Comment { return srv })
		}
		s.mu.Unlock()
		s.notify()
		return
	}

	s.metrics.rollbacks.Add(s.ctx, 1, kindAttr("comment"))
	s.mu.Lock()
	if th, open := s.threads[comment.PostID]; open {
		th.comments.Remove(comment.ID)
	}
	delete(s.seenRels, relKey(models.TableComments, comment.ID))
	s.feed.Patch(comment.PostID, func(p models.Post) models.Post {
		p.CommentCount--
		return p
	})
	switch {
	case dataservice.IsPolicyDenied(err):
		// Another client disabled comments since we loaded the post.
		// Correct the local flag so the UI stops offering the action.
		s.feed.Patch(comment.PostID, func(p models.Post) models.Post {
			p.CommentsEnabled = false
			return p
		})
		s.mu.Unlock()
		s.notice("Comments are turned off for this post.")
	case dataservice.IsNotFound(err):
		s.removePostLocked(comment.PostID)
		s.mu.Unlock()
		s.notice("That post is no longer available.")
	default:
		s.mu.Unlock()
		s.notice("Couldn't post your comment. Please try again.")
	}
	s.notify()
}

// DeleteComment removes the local actor's own comment optimistically.
func (s *Store) DeleteComment(postID, commentID string) error {
	s.mu.Lock()
	th, open := s.threads[postID]
	if !open {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	comment, ok := th.comments.Get(commentID)
	if !ok {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if comment.AuthorID != s.actorID {
		s.mu.Unlock()
		return ErrNotOwner
	}
	th.comments.Remove(commentID)
	s.seenRels[relKey(models.TableComments, commentID)] = false
	s.feed.Patch(postID, func(p models.Post) models.Post {
		p.CommentCount--
		return p
	})
	s.mu.Unlock()
	s.notify()

	go func() {
		err := dataservice.Do(s.ctx, s.retry, func() error {
			return s.ds.Delete(s.ctx, models.TableComments, models.RowKey{ID: commentID})
		})
		if err == nil || dataservice.IsNotFound(err) {
			// Already gone server-side counts as success.
			return
		}
		s.metrics.rollbacks.Add(s.ctx, 1, kindAttr("delete-comment"))
		s.mu.Lock()
		if th, open := s.threads[postID]; open {
			th.comments.Upsert(comment)
		}
		s.seenRels[relKey(models.TableComments, commentID)] = true
		s.feed.Patch(postID, func(p models.Post) models.Post {
			p.CommentCount++
			return p
		})
		s.mu.Unlock()
		s.notice("Couldn't delete the comment. Please try again.")
		s.notify()
	}()
	return nil
}

// EditCaption rewrites the caption of the local actor's own post.
func (s *Store) EditCaption(postID, caption string) error {
	s.mu.Lock()
	post, ok := s.feed.Get(postID)
	if !ok {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if post.AuthorID != s.actorID {
		s.mu.Unlock()
		return ErrNotOwner
	}
	prev := post.Caption
	s.feed.Patch(postID, func(p models.Post) models.Post {
		p.Caption = caption
		return p
	})
	s.mu.Unlock()
	s.notify()

	go s.persistPostField(postID, map[string]any{"id": postID, "caption": caption},
		"caption", func(p models.Post) models.Post {
			p.Caption = prev
			return p
		})
	return nil
}

// SetCommentsEnabled toggles commenting on the local actor's own post.
func (s *Store) SetCommentsEnabled(postID string, enabled bool) error {
	s.mu.Lock()
	post, ok := s.feed.Get(postID)
	if !ok {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if post.AuthorID != s.actorID {
		s.mu.Unlock()
		return ErrNotOwner
	}
	prev := post.CommentsEnabled
	if prev == enabled {
		s.mu.Unlock()
		return nil
	}
	s.feed.Patch(postID, func(p models.Post) models.Post {
		p.CommentsEnabled = enabled
		return p
	})
	s.mu.Unlock()
	s.notify()

	go s.persistPostField(postID, map[string]any{"id": postID, "commentsEnabled": enabled},
		"toggle-setting", func(p models.Post) models.Post {
			p.CommentsEnabled = prev
			return p
		})
	return nil
}

// persistPostField issues a field-level post update and inverts the
// local change on failure.
func (s *Store) persistPostField(postID string, row map[string]any, kind string, invert func(models.Post) models.Post) {
	err := dataservice.Do(s.ctx, s.retry, func() error {
		_, callErr := s.ds.Update(s.ctx, models.TablePosts, row)
		return callErr
	})
	if err == nil {
		return
	}

	s.metrics.rollbacks.Add(s.ctx, 1, kindAttr(kind))
	s.mu.Lock()
	if dataservice.IsNotFound(err) {
		s.removePostLocked(postID)
		s.mu.Unlock()
		s.notice("That post is no longer available.")
	} else {
		s.feed.Patch(postID, invert)
		s.mu.Unlock()
		s.notice("Couldn't save your change. Please try again.")
	}
	s.notify()
}
