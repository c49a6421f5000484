package syncstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/models"
)

var testBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeService is an in-memory Data Service. Selects serve seeded rows
// in (createdAt desc, id desc) order with real cursor semantics; writes
// record every call and can be scripted to fail or block per table.
type fakeService struct {
	mu            sync.Mutex
	tables        map[string][]json.RawMessage
	selects       []string
	inserts       []fakeCall
	updates       []fakeCall
	deletes       []fakeCall
	upserts       []fakeCall
	insertErr     map[string]error
	updateErr     map[string]error
	deleteErr     map[string]error
	insertGate    chan struct{}
	selectGate    chan struct{}
	subscribeErr  error
	changeHandler func(models.ChangeEvent)
	channels      map[string]*fakeChannel
}

type fakeCall struct {
	table       string
	row         json.RawMessage
	conflictKey string
}

func newFakeService() *fakeService {
	return &fakeService{
		tables:    make(map[string][]json.RawMessage),
		insertErr: make(map[string]error),
		updateErr: make(map[string]error),
		deleteErr: make(map[string]error),
		channels:  make(map[string]*fakeChannel),
	}
}

func (f *fakeService) seed(t *testing.T, table string, row any) {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	f.mu.Lock()
	f.tables[table] = append(f.tables[table], raw)
	f.mu.Unlock()
}

func (f *fakeService) clearTable(table string) {
	f.mu.Lock()
	f.tables[table] = nil
	f.mu.Unlock()
}

type rowKey struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

func (f *fakeService) Select(ctx context.Context, req models.SelectRequest) (models.SelectResponse, error) {
	f.mu.Lock()
	f.selects = append(f.selects, req.Table)
	rows := append([]json.RawMessage(nil), f.tables[req.Table]...)
	gate := f.selectGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	type entry struct {
		raw   json.RawMessage
		key rowKey
	}
	var matched []entry
	for _, raw := range rows {
		var fields map[string]any
		if json.Unmarshal(raw, &fields) != nil {
			continue
		}
		match := true
		for k, v := range req.Filter {
			if fmt.Sprint(fields[k]) != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		var key rowKey
		json.Unmarshal(raw, &key)
		matched = append(matched, entry{raw: raw, key: key})
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].key, matched[j].key
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if c := req.Cursor; c != nil {
		var older []entry
		for _, e := range matched {
			if e.key.CreatedAt.Before(c.CreatedAt) ||
				(e.key.CreatedAt.Equal(c.CreatedAt) && e.key.ID < c.ID) {
				older = append(older, e)
			}
		}
		matched = older
	}

	resp := models.SelectResponse{HasMore: len(matched) > req.Limit}
	if len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}
	for _, e := range matched {
		resp.Rows = append(resp.Rows, e.raw)
	}
	return resp, nil
}

func (f *fakeService) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.inserts = append(f.inserts, fakeCall{table: table, row: raw})
	gate := f.insertGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.insertErr[table]; err != nil {
		return nil, err
	}
	f.tables[table] = append(f.tables[table], raw)
	return raw, nil
}

func (f *fakeService) Update(ctx context.Context, table string, row any) (json.RawMessage, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, fakeCall{table: table, row: raw})
	if err := f.updateErr[table]; err != nil {
		return nil, err
	}
	return raw, nil
}

func (f *fakeService) Delete(ctx context.Context, table string, row any) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, fakeCall{table: table, row: raw})
	return f.deleteErr[table]
}

func (f *fakeService) Upsert(ctx context.Context, table string, row any, conflictKey string) (json.RawMessage, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, fakeCall{table: table, row: raw, conflictKey: conflictKey})
	f.tables[table] = append(f.tables[table], raw)
	return raw, nil
}

func (f *fakeService) SubscribeChanges(tables []string, handler func(models.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.changeHandler = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.changeHandler = nil
	}, nil
}

func (f *fakeService) Channel(topic string) dataservice.BroadcastChannel {
	return f.channel(topic)
}

func (f *fakeService) channel(topic string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[topic]; ok {
		return ch
	}
	ch := newFakeChannel()
	f.channels[topic] = ch
	return ch
}

// emit delivers a change event to the captured subscription, the way
// the realtime transport would.
func (f *fakeService) emit(t *testing.T, typ models.EventType, table, actorID string, row any) {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	f.mu.Lock()
	handler := f.changeHandler
	f.mu.Unlock()
	require.NotNil(t, handler, "no change subscription captured")
	handler(models.ChangeEvent{Type: typ, Table: table, ActorID: actorID, Row: raw})
}

func (f *fakeService) failInserts(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.insertErr, table)
		return
	}
	f.insertErr[table] = err
}

func (f *fakeService) failUpdates(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.updateErr, table)
		return
	}
	f.updateErr[table] = err
}

func (f *fakeService) failDeletes(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.deleteErr, table)
		return
	}
	f.deleteErr[table] = err
}

// setInsertGate makes every Insert block until the gate closes, keeping
// a persistence call observably in flight.
func (f *fakeService) setInsertGate(gate chan struct{}) {
	f.mu.Lock()
	f.insertGate = gate
	f.mu.Unlock()
}

// setSelectGate makes every Select block until the gate closes, keeping
// a read observably in flight.
func (f *fakeService) setSelectGate(gate chan struct{}) {
	f.mu.Lock()
	f.selectGate = gate
	f.mu.Unlock()
}

func (f *fakeService) setSubscribeErr(err error) {
	f.mu.Lock()
	f.subscribeErr = err
	f.mu.Unlock()
}

func (f *fakeService) insertCount(table string) int { return countCalls(&f.mu, &f.inserts, table) }
func (f *fakeService) updateCount(table string) int { return countCalls(&f.mu, &f.updates, table) }
func (f *fakeService) deleteCount(table string) int { return countCalls(&f.mu, &f.deletes, table) }
func (f *fakeService) upsertCount(table string) int { return countCalls(&f.mu, &f.upserts, table) }

func (f *fakeService) selectCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.selects {
		if t == table {
			n++
		}
	}
	return n
}

func (f *fakeService) lastUpsert(table string) (fakeCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.upserts) - 1; i >= 0; i-- {
		if f.upserts[i].table == table {
			return f.upserts[i], true
		}
	}
	return fakeCall{}, false
}

func countCalls(mu *sync.Mutex, calls *[]fakeCall, table string) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, c := range *calls {
		if c.table == table {
			n++
		}
	}
	return n
}

// fakeRealtimeService adds the reconnect callback surface of the
// websocket-backed service.
type fakeRealtimeService struct {
	*fakeService
	rmu       sync.Mutex
	reconnect []func()
}

func (f *fakeRealtimeService) OnReconnect(fn func()) (cancel func()) {
	f.rmu.Lock()
	defer f.rmu.Unlock()
	f.reconnect = append(f.reconnect, fn)
	return func() {}
}

func (f *fakeRealtimeService) fireReconnect() {
	f.rmu.Lock()
	fns := append([]func(){}, f.reconnect...)
	f.rmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fakeChannel is an in-memory broadcast channel: Send records outbound
// signals, deliver pushes inbound ones to registered handlers.
type fakeChannel struct {
	mu       sync.Mutex
	sent     []fakeSignal
	handlers map[string][]func(json.RawMessage)
	closed   bool
}

type fakeSignal struct {
	event   string
	payload json.RawMessage
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]func(json.RawMessage))}
}

func (f *fakeChannel) Send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, fakeSignal{event: event, payload: raw})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) On(event string, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
	return func() {}
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]func(json.RawMessage){}, f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (f *fakeChannel) sentCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func newTestStore(t *testing.T, svc dataservice.DataService) *Store {
	t.Helper()
	s := New(Options{
		ActorID:      "me",
		Service:      svc,
		PageSize:     10,
		Retry:        dataservice.RetryConfig{Attempts: 1, Backoff: time.Millisecond},
		PollInterval: 20 * time.Millisecond,
		Clock:        stepClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	t.Cleanup(s.Close)
	return s
}

// stepClock advances one second per reading, so locally created
// entities get distinct, strictly increasing timestamps.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func seedPost(id, author string, likeCount int, at time.Time) models.Post {
	return models.Post{
		ID:              id,
		AuthorID:        author,
		Caption:         "caption " + id,
		CreatedAt:       at,
		LikeCount:       likeCount,
		CommentsEnabled: true,
	}
}

func transientErr() error {
	return dataservice.NewError(dataservice.KindTransient, "service unavailable")
}

func captureNotices(s *Store) <-chan string {
	ch := make(chan string, 16)
	s.OnNotice(func(msg string) { ch <- msg })
	return ch
}

func waitNotice(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a notice")
		return ""
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
