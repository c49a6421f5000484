// Package presence implements the ephemeral signal channel for one
// open conversation: typing indicators and seen timestamps broadcast
// with no durability or delivery guarantee. Typing is rate-limited on
// the sender and expires on the receiver after a liveness timeout;
// seen timestamps only ever move forward.
package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/models"
)

const (
	// TypingExpiry is how long a peer stays "typing" without a refresh
	// signal. A liveness timeout, not an acknowledgment protocol.
	TypingExpiry = 2400 * time.Millisecond
	// TypingMinInterval rate-limits outbound typing refreshes.
	TypingMinInterval = 1200 * time.Millisecond
)

// Config tunes a conversation's presence behavior. Zero values use the
// package defaults; tests inject a clock.
type Config struct {
	TypingExpiry      time.Duration
	TypingMinInterval time.Duration
	Now               func() time.Time
}

// Conversation is the presence state of one open conversation.
type Conversation struct {
	convID  string
	selfID  string
	channel dataservice.BroadcastChannel
	cfg     Config

	mu             sync.Mutex
	lastTypingSent time.Time
	lastTypingVal  bool
	typingPeers    map[string]time.Time // peer id -> expiry
	seenAt         map[string]time.Time // peer id -> latest seen
	cancels        []func()
	onChange       func()
	left           bool
}

// Join subscribes to the conversation's broadcast topic. onChange fires
// whenever a peer signal alters visible state; it must not call back
// into the Conversation.
func Join(channel dataservice.BroadcastChannel, convID, selfID string, cfg Config, onChange func()) *Conversation {
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = TypingExpiry
	}
	if cfg.TypingMinInterval <= 0 {
		cfg.TypingMinInterval = TypingMinInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Conversation{
		convID:      convID,
		selfID:      selfID,
		channel:     channel,
		cfg:         cfg,
		typingPeers: make(map[string]time.Time),
		seenAt:      make(map[string]time.Time),
		onChange:    onChange,
	}
	c.cancels = append(c.cancels,
		channel.On(models.SignalTyping, c.handleTyping),
		channel.On(models.SignalSeen, c.handleSeen),
	)
	return c
}

// SendTyping broadcasts the local typing state, rate-limited. A state
// flip always goes out; refreshes of the same state wait out the
// minimum interval. Fire-and-forget: send errors are dropped.
func (c *Conversation) SendTyping(typing bool) {
	c.mu.Lock()
	now := c.cfg.Now()
	if typing == c.lastTypingVal && now.Sub(c.lastTypingSent) < c.cfg.TypingMinInterval {
		c.mu.Unlock()
		return
	}
	c.lastTypingVal = typing
	c.lastTypingSent = now
	c.mu.Unlock()

	c.channel.Send(models.SignalTyping, models.TypingSignal{
		ConversationID: c.convID,
		UserID:         c.selfID,
		Typing:         typing,
		SentAt:         now,
	})
}

// SendSeen broadcasts a seen timestamp. The durable receipt write is
// the caller's job and is independent of this broadcast.
func (c *Conversation) SendSeen(seenAt time.Time) {
	c.channel.Send(models.SignalSeen, models.SeenSignal{
		ConversationID: c.convID,
		UserID:         c.selfID,
		SeenAt:         seenAt,
	})
}

// TypingPeers returns peers currently typing, expired entries pruned.
func (c *Conversation) TypingPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now()
	var out []string
	for id, expiry := range c.typingPeers {
		if now.After(expiry) {
			delete(c.typingPeers, id)
			continue
		}
		out = append(out, id)
	}
	return out
}

// PeerSeenAt returns the latest known seen timestamp for a peer.
func (c *Conversation) PeerSeenAt(userID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.seenAt[userID]
	return at, ok
}

// ObserveSeen merges a seen timestamp from any source (broadcast or
// the durable receipts table) with a monotonic max, so the two paths
// can arrive in either order.
func (c *Conversation) ObserveSeen(userID string, seenAt time.Time) {
	if userID == c.selfID {
		return
	}
	c.mu.Lock()
	cur, ok := c.seenAt[userID]
	if ok && !seenAt.After(cur) {
		c.mu.Unlock()
		return
	}
	c.seenAt[userID] = seenAt
	c.mu.Unlock()
	c.notify()
}

// Leave unsubscribes and closes the channel.
func (c *Conversation) Leave() {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.left = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.channel.Close()
}

func (c *Conversation) handleTyping(payload json.RawMessage) {
	var sig models.TypingSignal
	if json.Unmarshal(payload, &sig) != nil {
		return
	}
	if sig.UserID == c.selfID || sig.ConversationID != c.convID {
		return
	}

	c.mu.Lock()
	if sig.Typing {
		c.typingPeers[sig.UserID] = c.cfg.Now().Add(c.cfg.TypingExpiry)
	} else {
		delete(c.typingPeers, sig.UserID)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Conversation) handleSeen(payload json.RawMessage) {
	var sig models.SeenSignal
	if json.Unmarshal(payload, &sig) != nil {
		return
	}
	if sig.ConversationID != c.convID {
		return
	}
	c.ObserveSeen(sig.UserID, sig.SeenAt)
}

func (c *Conversation) notify() {
	c.mu.Lock()
	fn := c.onChange
	left := c.left
	c.mu.Unlock()
	if fn != nil && !left {
		fn()
	}
}
