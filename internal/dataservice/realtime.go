package dataservice

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feedsync/client/internal/models"
)

// Realtime is the websocket transport carrying both the durable change
// feed and the ephemeral broadcast channels. The connection reconnects
// automatically with capped linear backoff; there is no event replay,
// so consumers heal missed events via the catch-up refetch they hook
// onto OnReconnect.
type Realtime struct {
	url     string
	actorID string

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	closed        bool
	everConnected bool
	nextID        int
	changeSubs    map[int]*changeSub
	bcastSubs     map[int]*bcastSub
	reconnectFns  map[int]func()
	cancel        context.CancelFunc
}

type changeSub struct {
	tables  map[string]bool
	handler func(models.ChangeEvent)
}

type bcastSub struct {
	topic   string
	event   string
	handler func(json.RawMessage)
}

// NewRealtime creates a transport for the given websocket URL
// (e.g. ws://localhost:5000/api/ws).
func NewRealtime(url, actorID string) *Realtime {
	return &Realtime{
		url:          url,
		actorID:      actorID,
		changeSubs:   make(map[int]*changeSub),
		bcastSubs:    make(map[int]*bcastSub),
		reconnectFns: make(map[int]func()),
	}
}

// Connect starts the connection manager. It returns once the first
// dial attempt has resolved either way; the manager keeps reconnecting
// in the background until Close.
func (r *Realtime) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	err := r.dial(ctx)
	go r.run(ctx)
	return err
}

// Connected reports whether the socket is currently up.
func (r *Realtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Close tears the connection down permanently.
func (r *Realtime) Close() {
	r.mu.Lock()
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	conn := r.conn
	r.conn = nil
	r.connected = false
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// OnReconnect registers fn to run after the socket comes back up
// following a drop. Not called for the initial connect.
func (r *Realtime) OnReconnect(fn func()) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.reconnectFns[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.reconnectFns, id)
	}
}

// SubscribeChanges implements ChangeFeed. It fails when the socket is
// down so the caller can enter its degraded mode and retry later.
func (r *Realtime) SubscribeChanges(tables []string, handler func(models.ChangeEvent)) (func(), error) {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil, NewError(KindTransient, "realtime not connected")
	}
	id := r.nextID
	r.nextID++
	sub := &changeSub{tables: make(map[string]bool, len(tables)), handler: handler}
	topics := make([]string, 0, len(tables))
	for _, t := range tables {
		sub.tables[t] = true
		topics = append(topics, models.TableTopic(t))
	}
	r.changeSubs[id] = sub
	conn := r.conn
	r.mu.Unlock()

	r.write(conn, models.RealtimeMessage{Type: models.WSTypeSubscribe, Topics: topics})
	return func() {
		r.mu.Lock()
		delete(r.changeSubs, id)
		r.mu.Unlock()
	}, nil
}

// Channel implements Broadcaster.
func (r *Realtime) Channel(topic string) BroadcastChannel {
	return &realtimeChannel{rt: r, topic: topic}
}

type realtimeChannel struct {
	rt      *Realtime
	topic   string
	mu      sync.Mutex
	subIDs  []int
	closed  bool
}

// Send is fire-and-forget: a dead socket drops the signal.
func (c *realtimeChannel) Send(event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return NewError(KindInvalid, "encode broadcast payload: %v", err)
	}
	c.rt.mu.Lock()
	conn := c.rt.conn
	connected := c.rt.connected
	c.rt.mu.Unlock()
	if !connected {
		return NewError(KindTransient, "realtime not connected")
	}
	return c.rt.write(conn, models.RealtimeMessage{
		Type:    models.WSTypeBroadcast,
		Topic:   c.topic,
		Event:   event,
		Payload: encoded,
	})
}

func (c *realtimeChannel) On(event string, handler func(json.RawMessage)) func() {
	c.rt.mu.Lock()
	id := c.rt.nextID
	c.rt.nextID++
	c.rt.bcastSubs[id] = &bcastSub{topic: c.topic, event: event, handler: handler}
	conn := c.rt.conn
	connected := c.rt.connected
	c.rt.mu.Unlock()

	c.mu.Lock()
	c.subIDs = append(c.subIDs, id)
	c.mu.Unlock()

	if connected {
		c.rt.write(conn, models.RealtimeMessage{Type: models.WSTypeSubscribe, Topics: []string{c.topic}})
	}
	return func() {
		c.rt.mu.Lock()
		delete(c.rt.bcastSubs, id)
		c.rt.mu.Unlock()
	}
}

func (c *realtimeChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ids := c.subIDs
	c.subIDs = nil
	c.mu.Unlock()

	c.rt.mu.Lock()
	for _, id := range ids {
		delete(c.rt.bcastSubs, id)
	}
	conn := c.rt.conn
	connected := c.rt.connected
	c.rt.mu.Unlock()

	if connected {
		c.rt.write(conn, models.RealtimeMessage{Type: models.WSTypeUnsubscribe, Topics: []string{c.topic}})
	}
}

// dial attempts one connection and, on success, replays the desired
// subscriptions.
func (r *Realtime) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url+"?actor="+r.actorID, nil)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return NewError(KindTransient, "realtime closed")
	}
	r.conn = conn
	r.connected = true
	reconnected := r.everConnected
	r.everConnected = true
	topics := r.desiredTopicsLocked()
	var fns []func()
	if reconnected {
		for _, fn := range r.reconnectFns {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	if len(topics) > 0 {
		r.write(conn, models.RealtimeMessage{Type: models.WSTypeSubscribe, Topics: topics})
	}
	for _, fn := range fns {
		fn()
	}

	go r.readPump(ctx, conn)
	return nil
}

func (r *Realtime) desiredTopicsLocked() []string {
	seen := make(map[string]bool)
	var topics []string
	for _, sub := range r.changeSubs {
		for table := range sub.tables {
			topic := models.TableTopic(table)
			if !seen[topic] {
				seen[topic] = true
				topics = append(topics, topic)
			}
		}
	}
	for _, sub := range r.bcastSubs {
		if !seen[sub.topic] {
			seen[sub.topic] = true
			topics = append(topics, sub.topic)
		}
	}
	return topics
}

// run redials after drops until the transport is closed.
func (r *Realtime) run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		r.mu.Lock()
		closed, connected := r.closed, r.connected
		r.mu.Unlock()
		if closed {
			return
		}
		if connected {
			backoff = time.Second
			continue
		}

		if err := r.dial(ctx); err != nil {
			log.Printf("Realtime reconnect failed: %v", err)
			backoff += time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		} else {
			backoff = time.Second
		}
	}
}

func (r *Realtime) readPump(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
			r.connected = false
		}
		r.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		var msg models.RealtimeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Realtime read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		r.dispatch(msg)
	}
}

func (r *Realtime) dispatch(msg models.RealtimeMessage) {
	switch msg.Type {
	case models.WSTypeChange:
		if msg.Change == nil {
			return
		}
		r.mu.Lock()
		var handlers []func(models.ChangeEvent)
		for _, sub := range r.changeSubs {
			if sub.tables[msg.Change.Table] {
				handlers = append(handlers, sub.handler)
			}
		}
		r.mu.Unlock()
		for _, h := range handlers {
			h(*msg.Change)
		}

	case models.WSTypeBroadcast:
		r.mu.Lock()
		var handlers []func(json.RawMessage)
		for _, sub := range r.bcastSubs {
			if sub.topic == msg.Topic && sub.event == msg.Event {
				handlers = append(handlers, sub.handler)
			}
		}
		r.mu.Unlock()
		for _, h := range handlers {
			h(msg.Payload)
		}

	case models.WSTypeError:
		log.Printf("Realtime server error: %s", msg.Message)
	}
}

// write serializes frame writes; gorilla connections allow only one
// concurrent writer.
func (r *Realtime) write(conn *websocket.Conn, msg models.RealtimeMessage) error {
	if conn == nil {
		return NewError(KindTransient, "realtime not connected")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}
