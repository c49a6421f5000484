package syncstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/delivery"
	"github.com/feedsync/client/internal/kvstore"
	"github.com/feedsync/client/internal/models"
)

func TestOpenConversationLoads(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TableMessages, models.Message{
		ID: "m1", ConversationID: "conv-1", SenderID: "peer", Body: "hi", CreatedAt: testBase,
	})
	svc.seed(t, models.TableMessages, models.Message{
		ID: "m2", ConversationID: "conv-1", SenderID: "me", Body: "hey", CreatedAt: testBase.Add(time.Minute),
	})
	svc.seed(t, models.TableMessages, models.Message{
		ID: "mx", ConversationID: "other", SenderID: "peer", Body: "elsewhere", CreatedAt: testBase,
	})
	svc.seed(t, models.TableReceipts, models.Receipt{
		ConversationID: "conv-1", UserID: "peer", SeenAt: testBase.Add(2 * time.Minute),
	})
	s := newTestStore(t, svc)

	require.NoError(t, s.OpenConversation(ctx, "conv-1"))
	views := s.Messages("conv-1")
	require.Len(t, views, 2)
	assert.Equal(t, "m1", views[0].ID) // oldest first
	assert.Equal(t, "m2", views[1].ID)
	assert.Equal(t, delivery.StateSent, views[0].State)
	assert.False(t, s.HasOlderMessages("conv-1"))

	// The durable receipt covers the last sent message.
	assert.True(t, s.SeenByPeer("conv-1", "peer"))

	t.Run("close drops the thread", func(t *testing.T) {
		s.CloseConversation("conv-1")
		assert.Nil(t, s.Messages("conv-1"))
	})
}

func TestLoadOlderMessagesTerminates(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	for i := 1; i <= 25; i++ {
		svc.seed(t, models.TableMessages, models.Message{
			ID:             fmt.Sprintf("m%02d", i),
			ConversationID: "conv-1",
			SenderID:       "peer",
			Body:           "msg",
			CreatedAt:      testBase.Add(time.Duration(i) * time.Minute),
		})
	}
	s := newTestStore(t, svc)

	require.NoError(t, s.OpenConversation(ctx, "conv-1"))
	assert.Len(t, s.Messages("conv-1"), 10)
	assert.True(t, s.HasOlderMessages("conv-1"))

	require.NoError(t, s.LoadOlderMessages(ctx, "conv-1"))
	assert.Len(t, s.Messages("conv-1"), 20)

	require.NoError(t, s.LoadOlderMessages(ctx, "conv-1"))
	views := s.Messages("conv-1")
	require.Len(t, views, 25)
	assert.Equal(t, "m01", views[0].ID)
	assert.Equal(t, "m25", views[24].ID)
	assert.False(t, s.HasOlderMessages("conv-1"))

	t.Run("paging past the end stays exhausted", func(t *testing.T) {
		fetches := svc.selectCount(models.TableMessages)
		require.NoError(t, s.LoadOlderMessages(ctx, "conv-1"))
		assert.Len(t, s.Messages("conv-1"), 25)
		assert.False(t, s.HasOlderMessages("conv-1"))
		assert.Equal(t, fetches, svc.selectCount(models.TableMessages))
	})
}

func TestSendMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	s := newTestStore(t, svc)
	require.NoError(t, s.OpenConversation(ctx, "conv-1"))

	gate := make(chan struct{})
	svc.setInsertGate(gate)
	msg, err := s.SendMessage("conv-1", "hello")
	require.NoError(t, err)

	views := s.Messages("conv-1")
	require.Len(t, views, 1)
	assert.Equal(t, delivery.StateSending, views[0].State)

	t.Run("echo broadcast precedes persistence", func(t *testing.T) {
		ch := svc.channel(models.ConversationTopic("conv-1"))
		assert.Equal(t, 1, ch.sentCount(models.SignalMessage))
	})

	svc.setInsertGate(nil)
	close(gate)
	eventually(t, func() bool {
		views := s.Messages("conv-1")
		return len(views) == 1 && views[0].State == delivery.StateSent
	}, "message never reached Sent")
	assert.Equal(t, msg.ID, s.Messages("conv-1")[0].ID)

	t.Run("unopened conversation", func(t *testing.T) {
		_, err := s.SendMessage("conv-9", "void")
		assert.ErrorIs(t, err, ErrNotLoaded)
	})
}

func TestSendMessageFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.failInserts(models.TableMessages, transientErr())
	s := newTestStore(t, svc)
	notices := captureNotices(s)
	require.NoError(t, s.OpenConversation(ctx, "conv-1"))

	msg, err := s.SendMessage("conv-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Message not delivered. Tap to retry.", waitNotice(t, notices))

	// The failed message keeps its place in the thread.
	views := s.Messages("conv-1")
	require.Len(t, views, 1)
	assert.Equal(t, delivery.StateFailed, views[0].State)
	assert.Equal(t, "hello", views[0].Body)

	svc.failInserts(models.TableMessages, nil)
	require.NoError(t, s.RetryMessage("conv-1", msg.ID))
	eventually(t, func() bool {
		views := s.Messages("conv-1")
		return len(views) == 1 && views[0].State == delivery.StateSent
	}, "retry never reached Sent")
	assert.Equal(t, 2, svc.insertCount(models.TableMessages))
}

func TestMessageEventDedup(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	s := newTestStore(t, svc)
	s.Start()
	require.NoError(t, s.OpenConversation(ctx, "conv-1"))

	msg, err := s.SendMessage("conv-1", "hello")
	require.NoError(t, err)
	eventually(t, func() bool { return svc.insertCount(models.TableMessages) == 1 }, "send never persisted")

	// The change-feed copy of our own send (same id from another
	// session of the same account) merges into the existing entry.
	svc.emit(t, models.EventInsert, models.TableMessages, "me", msg)
	assert.Len(t, s.Messages("conv-1"), 1)

	peer := models.Message{
		ID: "m-peer", ConversationID: "conv-1", SenderID: "peer", Body: "yo", CreatedAt: testBase,
	}
	svc.emit(t, models.EventInsert, models.TableMessages, "peer", peer)
	svc.emit(t, models.EventInsert, models.TableMessages, "peer", peer)
	assert.Len(t, s.Messages("conv-1"), 2)

	t.Run("broadcast echo of the same message is a no-op", func(t *testing.T) {
		svc.channel(models.ConversationTopic("conv-1")).deliver(t, models.SignalMessage, peer)
		assert.Len(t, s.Messages("conv-1"), 2)
	})
}

func TestMarkSeenAndUnread(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TableMessages, models.Message{
		ID: "m1", ConversationID: "conv-1", SenderID: "peer", Body: "hi", CreatedAt: testBase,
	})
	svc.seed(t, models.TableMessages, models.Message{
		ID: "m2", ConversationID: "conv-1", SenderID: "peer", Body: "there", CreatedAt: testBase.Add(time.Minute),
	})
	s := newTestStore(t, svc)
	require.NoError(t, s.OpenConversation(ctx, "conv-1"))
	assert.Equal(t, 2, s.Unread("conv-1"))

	s.MarkSeen("conv-1")
	assert.Equal(t, 0, s.Unread("conv-1"))

	t.Run("broadcast seen signal goes out", func(t *testing.T) {
		ch := svc.channel(models.ConversationTopic("conv-1"))
		assert.Equal(t, 1, ch.sentCount(models.SignalSeen))
	})

	t.Run("durable receipt upserted on the compound key", func(t *testing.T) {
		eventually(t, func() bool { return svc.upsertCount(models.TableReceipts) == 1 }, "receipt never written")
		call, ok := svc.lastUpsert(models.TableReceipts)
		require.True(t, ok)
		assert.Equal(t, "conversationId,userId", call.conflictKey)
	})
}

func TestSeenByPeerStaleness(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	s := newTestStore(t, svc)
	require.NoError(t, s.OpenConversation(ctx, "conv-1"))

	msg, err := s.SendMessage("conv-1", "are you there?")
	require.NoError(t, err)
	assert.False(t, s.SeenByPeer("conv-1", "peer"))

	ch := svc.channel(models.ConversationTopic("conv-1"))

	// A seen signal older than the last sent message must not show the
	// indicator.
	ch.deliver(t, models.SignalSeen, models.SeenSignal{
		ConversationID: "conv-1", UserID: "peer", SeenAt: msg.CreatedAt.Add(-time.Minute),
	})
	assert.False(t, s.SeenByPeer("conv-1", "peer"))

	ch.deliver(t, models.SignalSeen, models.SeenSignal{
		ConversationID: "conv-1", UserID: "peer", SeenAt: msg.CreatedAt,
	})
	assert.True(t, s.SeenByPeer("conv-1", "peer"))

	t.Run("stale signal never regresses", func(t *testing.T) {
		ch.deliver(t, models.SignalSeen, models.SeenSignal{
			ConversationID: "conv-1", UserID: "peer", SeenAt: msg.CreatedAt.Add(-time.Hour),
		})
		assert.True(t, s.SeenByPeer("conv-1", "peer"))
	})
}

func TestReceiptEvents(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.seed(t, models.TableMessages, models.Message{
		ID: "m1", ConversationID: "conv-1", SenderID: "peer", Body: "hi", CreatedAt: testBase,
	})
	s := newTestStore(t, svc)
	s.Start()
	require.NoError(t, s.OpenConversation(ctx, "conv-1"))
	require.Equal(t, 1, s.Unread("conv-1"))

	// Our own receipt from another session moves the local seen mark.
	svc.emit(t, models.EventInsert, models.TableReceipts, "me", models.Receipt{
		ConversationID: "conv-1", UserID: "me", SeenAt: testBase.Add(time.Hour),
	})
	assert.Equal(t, 0, s.Unread("conv-1"))

	t.Run("peer receipt feeds the seen indicator", func(t *testing.T) {
		msg, err := s.SendMessage("conv-1", "hello")
		require.NoError(t, err)
		svc.emit(t, models.EventUpdate, models.TableReceipts, "peer", models.Receipt{
			ConversationID: "conv-1", UserID: "peer", SeenAt: msg.CreatedAt.Add(time.Minute),
		})
		assert.True(t, s.SeenByPeer("conv-1", "peer"))
	})
}

func TestTypingPassthrough(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	s := newTestStore(t, svc)
	require.NoError(t, s.OpenConversation(ctx, "conv-1"))

	s.SendTyping("conv-1", true)
	ch := svc.channel(models.ConversationTopic("conv-1"))
	assert.Equal(t, 1, ch.sentCount(models.SignalTyping))

	ch.deliver(t, models.SignalTyping, models.TypingSignal{
		ConversationID: "conv-1", UserID: "peer", Typing: true, SentAt: time.Now(),
	})
	assert.Equal(t, []string{"peer"}, s.TypingPeers("conv-1"))
}

func TestDrafts(t *testing.T) {
	ctx := context.Background()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	s := New(Options{
		ActorID: "me",
		Service: newFakeService(),
		Retry:   dataservice.RetryConfig{Attempts: 1, Backoff: time.Millisecond},
		KV:      kv,
	})
	t.Cleanup(s.Close)

	require.NoError(t, s.SaveDraft(ctx, "conv-1", "half-written"))
	assert.Equal(t, "half-written", s.Draft(ctx, "conv-1"))

	t.Run("empty text clears the draft", func(t *testing.T) {
		require.NoError(t, s.SaveDraft(ctx, "conv-1", ""))
		assert.Equal(t, "", s.Draft(ctx, "conv-1"))
	})

	t.Run("nil store is a no-op", func(t *testing.T) {
		bare := New(Options{ActorID: "me", Service: newFakeService()})
		t.Cleanup(bare.Close)
		require.NoError(t, bare.SaveDraft(ctx, "conv-1", "lost"))
		assert.Equal(t, "", bare.Draft(ctx, "conv-1"))
	})
}
