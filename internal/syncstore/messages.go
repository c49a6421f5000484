package syncstore

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/feedsync/client/internal/collection"
	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/delivery"
	"github.com/feedsync/client/internal/models"
	"github.com/feedsync/client/internal/pager"
	"github.com/feedsync/client/internal/presence"
)

// conversation is one open direct-message thread: its message
// collection, pager, delivery tracker and presence channel. The
// broadcast channel doubles as the low-latency message echo and the
// typing/seen signal path.
type conversation struct {
	id         string
	msgs       *collection.Set[models.Message]
	pager      *pager.Pager[models.Message]
	tracker    *delivery.Tracker
	pres       *presence.Conversation
	channel    dataservice.BroadcastChannel
	cancelEcho func()
	mySeenAt   time.Time
	loading    bool
}

func (c *conversation) close() {
	if c.cancelEcho != nil {
		c.cancelEcho()
	}
	// Leave closes the shared broadcast channel.
	c.pres.Leave()
}

// MessageView pairs a message with its delivery state. The list stays
// sorted by (createdAt, id) regardless of state, so a failed message
// keeps its original position.
type MessageView struct {
	models.Message
	State delivery.State
}

// OpenConversation materializes a conversation: subscribes its
// broadcast topic, loads the newest message page and the read
// receipts.
func (s *Store) OpenConversation(ctx context.Context, convID string) error {
	s.mu.Lock()
	if _, open := s.convs[convID]; open {
		s.mu.Unlock()
		return nil
	}
	channel := s.ds.Channel(models.ConversationTopic(convID))
	conv := &conversation{
		id:      convID,
		msgs:    collection.NewSet[models.Message](),
		tracker: delivery.NewTracker(),
		channel: channel,
	}
	conv.pres = presence.Join(channel, convID, s.actorID, presence.Config{Now: s.clock}, s.notify)
	conv.cancelEcho = channel.On(models.SignalMessage, func(payload json.RawMessage) {
		s.handleMessageEcho(convID, payload)
	})
	conv.pager = pager.New(s.messageFetch(convID), s.messageApply(convID), s.pageSize, pager.DefaultHopLimit)
	s.convs[convID] = conv
	s.mu.Unlock()

	if err := s.LoadOlderMessages(ctx, convID); err != nil {
		return err
	}
	s.loadReceipts(ctx, convID)
	return nil
}

// CloseConversation unsubscribes the realtime channel. In-flight
// fetches that resolve afterwards find the conversation gone and are
// ignored.
func (s *Store) CloseConversation(convID string) {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	delete(s.convs, convID)
	s.mu.Unlock()
	if ok {
		conv.close()
	}
}

// Messages returns the visible thread, oldest first, with delivery
// states attached.
func (s *Store) Messages(convID string) []MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return nil
	}
	msgs := conv.msgs.ItemsAsc()
	out := make([]MessageView, len(msgs))
	for i, msg := range msgs {
		out[i] = MessageView{Message: msg, State: conv.tracker.State(msg.ID)}
	}
	return out
}

// SendMessage sends a message with a durable id assigned now, so the
// realtime echo of this same message deduplicates instead of
// double-inserting. The thread shows it immediately in Sending state.
func (s *Store) SendMessage(convID, body string) (models.Message, error) {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, ErrNotLoaded
	}
	msg := models.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		SenderID:       s.actorID,
		Body:           body,
		CreatedAt:      s.clock(),
	}
	if err := conv.tracker.Begin(msg.ID); err != nil {
		s.mu.Unlock()
		return models.Message{}, err
	}
	conv.msgs.Upsert(msg)
	channel := conv.channel
	s.mu.Unlock()
	s.notify()

	// Low-latency echo for a peer with the same conversation open; the
	// durable insert follows independently.
	channel.Send(models.SignalMessage, msg)
	go s.persistMessage(convID, msg)
	return msg, nil
}

// RetryMessage re-runs the full send path for a failed message with
// the same id and content.
func (s *Store) RetryMessage(convID, msgID string) error {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	msg, ok := conv.msgs.Get(msgID)
	if !ok {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if err := conv.tracker.Retry(msgID); err != nil {
		s.mu.Unlock()
		return err
	}
	channel := conv.channel
	s.mu.Unlock()
	s.notify()

	channel.Send(models.SignalMessage, msg)
	go s.persistMessage(convID, msg)
	return nil
}

func (s *Store) persistMessage(convID string, msg models.Message) {
	var canonical json.RawMessage
	err := dataservice.Do(s.ctx, s.retry, func() error {
		row, callErr := s.ds.Insert(s.ctx, models.TableMessages, msg)
		if callErr == nil {
			canonical = row
		}
		return callErr
	})

	s.mu.Lock()
	conv, open := s.convs[convID]
	if !open {
		s.mu.Unlock()
		return
	}
	if err == nil {
		if trErr := conv.tracker.MarkSent(msg.ID); trErr != nil {
			log.Printf("Delivery transition rejected: %v", trErr)
		}
		var srv models.Message
		if json.Unmarshal(canonical, &srv) == nil && srv.ID == msg.ID {
			conv.msgs.Patch(msg.ID, func(models.Message) models.Message { return srv })
		}
		s.mu.Unlock()
		s.notify()
		return
	}

	s.metrics.rollbacks.Add(s.ctx, 1, kindAttr("send-message"))
	if trErr := conv.tracker.MarkFailed(msg.ID); trErr != nil {
		log.Printf("Delivery transition rejected: %v", trErr)
	}
	s.mu.Unlock()
	s.notice("Message not delivered. Tap to retry.")
	s.notify()
}

// LoadOlderMessages pages the thread further into the past.
func (s *Store) LoadOlderMessages(ctx context.Context, convID string) error {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok || conv.loading {
		s.mu.Unlock()
		return nil
	}
	conv.loading = true
	p := conv.pager
	s.mu.Unlock()

	added, err := p.LoadMore(ctx)

	s.mu.Lock()
	if conv2, still := s.convs[convID]; still && conv2 == conv {
		conv.loading = false
	}
	s.mu.Unlock()

	if added > 0 {
		s.notify()
	}
	return err
}

// HasOlderMessages reports whether further pages may exist.
func (s *Store) HasOlderMessages(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	return ok && !conv.pager.Exhausted()
}

func (s *Store) messageFetch(convID string) pager.FetchFunc[models.Message] {
	return func(ctx context.Context, cursor *models.Cursor, limit int) (pager.Page[models.Message], error) {
		resp, err := dataservice.SelectWithRetry(ctx, s.ds, models.SelectRequest{
			Table:  models.TableMessages,
			Filter: map[string]string{"conversationId": convID},
			Limit:  limit,
			Cursor: cursor,
		}, s.retry)
		if err != nil {
			return pager.Page[models.Message]{}, err
		}
		return pager.Page[models.Message]{
			Items:   decodeRows[models.Message](resp.Rows),
			HasMore: resp.HasMore,
		}, nil
	}
}

func (s *Store) messageApply(convID string) pager.ApplyFunc[models.Message] {
	return func(items []models.Message) int {
		s.mu.Lock()
		defer s.mu.Unlock()
		conv, ok := s.convs[convID]
		if !ok {
			return 0
		}
		added := 0
		for _, msg := range items {
			if !conv.msgs.Contains(msg.ID) {
				conv.msgs.Upsert(msg)
				added++
			}
		}
		return added
	}
}

// handleMessageEcho merges a broadcast message echo. Dedup by id makes
// it interchangeable with the durable change-feed copy; a message sent
// from another tab of the same user materializes exactly once.
func (s *Store) handleMessageEcho(convID string, payload json.RawMessage) {
	var msg models.Message
	if json.Unmarshal(payload, &msg) != nil || msg.ConversationID != convID {
		return
	}
	if s.mergeMessage(msg) {
		s.notify()
	}
}

// mergeMessage inserts a message into its conversation if open and not
// already present.
func (s *Store) mergeMessage(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, open := s.convs[msg.ConversationID]
	if !open {
		return false
	}
	if conv.msgs.Contains(msg.ID) {
		return false
	}
	conv.msgs.Upsert(msg)
	return true
}

// MarkSeen records that the local actor has seen the conversation now.
// The broadcast goes out first for immediacy; the durable receipt
// write follows independently and either may land first on the peer.
func (s *Store) MarkSeen(convID string) {
	now := s.clock()
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !now.After(conv.mySeenAt) {
		s.mu.Unlock()
		return
	}
	conv.mySeenAt = now
	pres := conv.pres
	s.mu.Unlock()
	s.notify()

	pres.SendSeen(now)
	go func() {
		err := dataservice.Do(s.ctx, s.retry, func() error {
			_, callErr := s.ds.Upsert(s.ctx, models.TableReceipts, models.Receipt{
				ConversationID: convID,
				UserID:         s.actorID,
				SeenAt:         now,
			}, "conversationId,userId")
			return callErr
		})
		if err != nil {
			// Low stakes: the next MarkSeen or reconnect heals it.
			log.Printf("Receipt write failed for %s: %v", convID, err)
		}
	}()
}

// SendTyping forwards the local typing state to the open conversation,
// rate-limited inside the presence channel.
func (s *Store) SendTyping(convID string, typing bool) {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	s.mu.Unlock()
	if ok {
		conv.pres.SendTyping(typing)
	}
}

// TypingPeers lists peers currently typing in the conversation.
func (s *Store) TypingPeers(convID string) []string {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return conv.pres.TypingPeers()
}

// SeenByPeer reports whether the seen indicator should show for a
// peer: their latest seen timestamp must cover the local actor's last
// sent message. A stale seen signal older than the last send never
// shows the indicator.
func (s *Store) SeenByPeer(convID, peerID string) bool {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	var lastSent time.Time
	found := false
	for _, msg := range conv.msgs.Items() {
		if msg.SenderID == s.actorID {
			lastSent = msg.CreatedAt
			found = true
			break
		}
	}
	pres := conv.pres
	s.mu.Unlock()

	if !found {
		return false
	}
	seenAt, ok := pres.PeerSeenAt(peerID)
	return ok && !seenAt.Before(lastSent)
}

// Unread counts messages from peers newer than the local actor's own
// seen timestamp. Derived on read, so it can always be recomputed from
// source truth and never drifts.
func (s *Store) Unread(convID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return 0
	}
	n := 0
	for _, msg := range conv.msgs.Items() {
		if msg.SenderID != s.actorID && msg.CreatedAt.After(conv.mySeenAt) {
			n++
		}
	}
	return n
}

// loadReceipts seeds seen state for an opened conversation from the
// durable receipts table.
func (s *Store) loadReceipts(ctx context.Context, convID string) {
	resp, err := dataservice.SelectWithRetry(ctx, s.ds, models.SelectRequest{
		Table:  models.TableReceipts,
		Filter: map[string]string{"conversationId": convID},
		Limit:  100,
	}, s.retry)
	if err != nil {
		log.Printf("Receipt load failed for %s: %v", convID, err)
		return
	}

	receipts := decodeRows[models.Receipt](resp.Rows)
	s.mu.Lock()
	conv, open := s.convs[convID]
	if !open {
		s.mu.Unlock()
		return
	}
	pres := conv.pres
	for _, r := range receipts {
		if r.UserID == s.actorID && r.SeenAt.After(conv.mySeenAt) {
			conv.mySeenAt = r.SeenAt
		}
	}
	s.mu.Unlock()

	for _, r := range receipts {
		if r.UserID != s.actorID {
			pres.ObserveSeen(r.UserID, r.SeenAt)
		}
	}
	s.notify()
}

// SaveDraft persists an unsent draft for the conversation.
func (s *Store) SaveDraft(ctx context.Context, convID, text string) error {
	if s.kv == nil {
		return nil
	}
	if text == "" {
		return s.kv.Delete(ctx, "draft:"+convID)
	}
	return s.kv.Set(ctx, "draft:"+convID, text)
}

// Draft returns the saved draft for the conversation, if any.
func (s *Store) Draft(ctx context.Context, convID string) string {
	if s.kv == nil {
		return ""
	}
	text, _, err := s.kv.Get(ctx, "draft:"+convID)
	if err != nil {
		return ""
	}
	return text
}
