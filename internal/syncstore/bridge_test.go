package syncstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedsync/client/internal/models"
)

func TestPostInsertEventDedup(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TableProfiles, models.Profile{
		ID: "alice", Username: "alice", PostCount: 4, CreatedAt: testBase,
	})
	s := newTestStore(t, svc)
	s.Start()
	_, err := s.ViewProfile(ctx, "alice")
	require.NoError(t, err)

	fresh := seedPost("p9", "alice", 0, testBase.Add(time.Hour))
	svc.emit(t, models.EventInsert, models.TablePosts, "alice", fresh)
	svc.emit(t, models.EventInsert, models.TablePosts, "alice", fresh)

	assert.Len(t, s.Posts(), 1)
	profile, _ := s.Profile("alice")
	assert.Equal(t, 5, profile.PostCount)

	t.Run("delete reverses the count once", func(t *testing.T) {
		svc.emit(t, models.EventDelete, models.TablePosts, "bob", models.RowKey{ID: "p9"})
		svc.emit(t, models.EventDelete, models.TablePosts, "bob", models.RowKey{ID: "p9"})
		assert.Empty(t, s.Posts())
		profile, _ := s.Profile("alice")
		assert.Equal(t, 4, profile.PostCount)
	})
}

func TestPostUpdateEventPatches(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TablePosts, seedPost("p1", "alice", 5, testBase))
	s := newTestStore(t, svc)
	s.Start()
	_, err := s.LoadFeed(ctx)
	require.NoError(t, err)

	caption := "rewritten"
	svc.emit(t, models.EventUpdate, models.TablePosts, "alice", models.PostPatch{ID: "p1", Caption: &caption})

	// Only the fields present in the event move; the rest of the local
	// entity survives.
	post, _ := s.Post("p1")
	assert.Equal(t, "rewritten", post.Caption)
	assert.Equal(t, 5, post.LikeCount)
	assert.True(t, post.CommentsEnabled)

	t.Run("own update echo is dropped", func(t *testing.T) {
		mine := "from this client"
		svc.emit(t, models.EventUpdate, models.TablePosts, "me", models.PostPatch{ID: "p1", Caption: &mine})
		post, _ := s.Post("p1")
		assert.Equal(t, "rewritten", post.Caption)
	})

	t.Run("pending toggle shields the post", func(t *testing.T) {
		gate := make(chan struct{})
		svc.setInsertGate(gate)
		require.NoError(t, s.ToggleLike("p1"))
		eventually(t, func() bool { return svc.insertCount(models.TableLikes) == 1 }, "toggle not in flight")

		count := 99
		svc.emit(t, models.EventUpdate, models.TablePosts, "alice", models.PostPatch{ID: "p1", LikeCount: &count})
		post, _ := s.Post("p1")
		assert.Equal(t, 6, post.LikeCount)

		svc.setInsertGate(nil)
		close(gate)
	})
}

func TestLikeEventGating(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TablePosts, seedPost("p1", "alice", 3, testBase))
	s := newTestStore(t, svc)
	s.Start()
	_, err := s.LoadFeed(ctx)
	require.NoError(t, err)

	like := models.Like{PostID: "p1", UserID: "peer", CreatedAt: testBase}

	svc.emit(t, models.EventInsert, models.TableLikes, "peer", like)
	post, _ := s.Post("p1")
	assert.Equal(t, 4, post.LikeCount)

	t.Run("duplicate insert does not double count", func(t *testing.T) {
		svc.emit(t, models.EventInsert, models.TableLikes, "peer", like)
		post, _ := s.Post("p1")
		assert.Equal(t, 4, post.LikeCount)
	})

	t.Run("delete reverses exactly once", func(t *testing.T) {
		svc.emit(t, models.EventDelete, models.TableLikes, "peer", like)
		svc.emit(t, models.EventDelete, models.TableLikes, "peer", like)
		post, _ := s.Post("p1")
		assert.Equal(t, 3, post.LikeCount)
	})

	t.Run("delete for a row never observed is a no-op", func(t *testing.T) {
		// The insert predates our snapshot; the local count already
		// includes it, so the delete must not drive it negative.
		svc.emit(t, models.EventDelete, models.TableLikes, "other", models.Like{PostID: "p1", UserID: "other"})
		post, _ := s.Post("p1")
		assert.Equal(t, 3, post.LikeCount)
	})

	t.Run("own like echo already counted by the ledger", func(t *testing.T) {
		require.NoError(t, s.ToggleLike("p1"))
		eventually(t, func() bool { return svc.insertCount(models.TableLikes) == 1 }, "like never persisted")
		svc.emit(t, models.EventInsert, models.TableLikes, "me", models.Like{PostID: "p1", UserID: "me"})
		post, _ := s.Post("p1")
		assert.Equal(t, 4, post.LikeCount)
	})
}

func TestSaveEventsStayPrivate(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TablePosts, seedPost("p1", "alice", 0, testBase))
	s := newTestStore(t, svc)
	s.Start()
	_, err := s.LoadFeed(ctx)
	require.NoError(t, err)

	svc.emit(t, models.EventInsert, models.TableSaves, "peer", models.Save{PostID: "p1", UserID: "peer"})
	post, _ := s.Post("p1")
	assert.False(t, post.SavedByMe)
	assert.Equal(t, 0, post.LikeCount)
}

func TestCommentEventCounts(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TablePosts, seedPost("p1", "alice", 0, testBase))
	s := newTestStore(t, svc)
	s.Start()
	_, err := s.LoadFeed(ctx)
	require.NoError(t, err)
	require.NoError(t, s.OpenComments(ctx, "p1"))

	peer := models.Comment{ID: "c1", PostID: "p1", AuthorID: "peer", Body: "hey", CreatedAt: testBase}
	svc.emit(t, models.EventInsert, models.TableComments, "peer", peer)
	svc.emit(t, models.EventInsert, models.TableComments, "peer", peer)

	assert.Len(t, s.Comments("p1"), 1)
	post, _ := s.Post("p1")
	assert.Equal(t, 1, post.CommentCount)

	t.Run("own comment event after optimistic add", func(t *testing.T) {
		mine, err := s.AddComment("p1", "mine")
		require.NoError(t, err)
		post, _ := s.Post("p1")
		require.Equal(t, 2, post.CommentCount)

		svc.emit(t, models.EventInsert, models.TableComments, "me", mine)
		post, _ = s.Post("p1")
		assert.Equal(t, 2, post.CommentCount)
		assert.Len(t, s.Comments("p1"), 2)
	})

	t.Run("delete event after local delete does not double decrement", func(t *testing.T) {
		comments := s.Comments("p1")
		var mine models.Comment
		for _, c := range comments {
			if c.AuthorID == "me" {
				mine = c
			}
		}
		require.NotEmpty(t, mine.ID)

		require.NoError(t, s.DeleteComment("p1", mine.ID))
		post, _ := s.Post("p1")
		require.Equal(t, 1, post.CommentCount)

		svc.emit(t, models.EventDelete, models.TableComments, "me", models.Comment{ID: mine.ID, PostID: "p1"})
		post, _ = s.Post("p1")
		assert.Equal(t, 1, post.CommentCount)
	})

	t.Run("peer delete of a counted comment decrements", func(t *testing.T) {
		svc.emit(t, models.EventDelete, models.TableComments, "peer", models.Comment{ID: "c1", PostID: "p1"})
		post, _ := s.Post("p1")
		assert.Equal(t, 0, post.CommentCount)
		assert.Empty(t, s.Comments("p1"))
	})
}

func TestFollowEvents(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TableProfiles, models.Profile{
		ID: "bob", Username: "bob", FollowerCount: 10, CreatedAt: testBase,
	})
	s := newTestStore(t, svc)
	s.Start()
	_, err := s.ViewProfile(ctx, "bob")
	require.NoError(t, err)

	follow := models.Follow{FollowerID: "carol", FolloweeID: "bob", CreatedAt: testBase}
	svc.emit(t, models.EventInsert, models.TableFollows, "carol", follow)
	svc.emit(t, models.EventInsert, models.TableFollows, "carol", follow)
	profile, _ := s.Profile("bob")
	assert.Equal(t, 11, profile.FollowerCount)

	t.Run("own follow echo dropped", func(t *testing.T) {
		require.NoError(t, s.ToggleFollow("bob"))
		eventually(t, func() bool { return svc.insertCount(models.TableFollows) == 1 }, "follow never persisted")
		svc.emit(t, models.EventInsert, models.TableFollows, "me", models.Follow{FollowerID: "me", FolloweeID: "bob"})
		profile, _ := s.Profile("bob")
		assert.Equal(t, 12, profile.FollowerCount)
	})
}

func TestProfileEventPatches(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TableProfiles, models.Profile{
		ID: "bob", Username: "bob", Bio: "old", FollowerCount: 3, CreatedAt: testBase,
	})
	s := newTestStore(t, svc)
	s.Start()
	_, err := s.ViewProfile(ctx, "bob")
	require.NoError(t, err)

	bio := "new bio"
	svc.emit(t, models.EventUpdate, models.TableProfiles, "bob", models.ProfilePatch{ID: "bob", Bio: &bio})
	profile, _ := s.Profile("bob")
	assert.Equal(t, "new bio", profile.Bio)
	assert.Equal(t, 3, profile.FollowerCount)

	t.Run("own update echo dropped", func(t *testing.T) {
		mine := "clobbered"
		svc.emit(t, models.EventUpdate, models.TableProfiles, "me", models.ProfilePatch{ID: "bob", Bio: &mine})
		profile, _ := s.Profile("bob")
		assert.Equal(t, "new bio", profile.Bio)
	})
}

func TestDegradedPollMode(t *testing.T) {
	svc := newFakeService()
	svc.seed(t, models.TablePosts, seedPost("p1", "alice", 0, testBase))
	svc.setSubscribeErr(errors.New("websocket refused"))
	s := newTestStore(t, svc)

	s.Start()
	assert.True(t, s.Degraded())

	// The poll loop keeps retrying the subscription and recovers as
	// soon as it succeeds.
	svc.setSubscribeErr(nil)
	eventually(t, func() bool { return !s.Degraded() }, "never recovered from degraded mode")

	svc.emit(t, models.EventInsert, models.TablePosts, "alice", seedPost("p2", "alice", 0, testBase.Add(time.Hour)))
	eventually(t, func() bool {
		_, ok := s.Post("p2")
		return ok
	}, "recovered subscription delivered nothing")
}

func TestReconnectCatchUp(t *testing.T) {
	base := newFakeService()
	base.seed(t, models.TablePosts, seedPost("p1", "alice", 0, testBase))
	svc := &fakeRealtimeService{fakeService: base}
	s := newTestStore(t, svc)
	s.Start()

	before := base.selectCount(models.TablePosts)
	svc.fireReconnect()

	eventually(t, func() bool { return base.selectCount(models.TablePosts) > before }, "no catch-up refetch")
	eventually(t, func() bool { return len(s.Posts()) == 1 }, "catch-up merged nothing")
}

func TestVisibilityRegainTriggersCatchUp(t *testing.T) {
	svc := newFakeService()
	svc.seed(t, models.TablePosts, seedPost("p1", "alice", 0, testBase))
	s := newTestStore(t, svc)
	s.Start()

	s.SetVisible(false)
	before := svc.selectCount(models.TablePosts)
	s.SetVisible(true)

	eventually(t, func() bool { return svc.selectCount(models.TablePosts) > before }, "no catch-up on visibility regain")
}
