package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

var (
	alice = &models.User{ID: "alice", Email: "alice@example.com"}
	bob   = &models.User{ID: "bob", Email: "bob@example.com"}

	epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

func row(id string, sec int) models.Bookmark {
	return models.Bookmark{
		ID:        id,
		Title:     "title " + id,
		URL:       "https://" + id + ".example",
		CreatedAt: at(sec),
		UserID:    alice.ID,
	}
}

func ids(list []models.Bookmark) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = list[i].ID
	}
	return out
}

type fakeTable struct {
	mu sync.Mutex

	rows   map[string]models.Bookmark
	clock  int
	nextID int

	listErr   error
	insertErr error
	deleteErr error
	gates     []chan struct{}
	onInsert  func(models.Bookmark)

	lists   int
	inserts int
	deletes int
}

func newFakeTable(rows ...models.Bookmark) *fakeTable {
	t := &fakeTable{rows: map[string]models.Bookmark{}, clock: 100}
	for _, r := range rows {
		t.rows[r.ID] = r
	}
	return t
}

func (t *fakeTable) List(ctx context.Context) ([]models.Bookmark, error) {
	t.mu.Lock()
	t.lists++
	err := t.listErr
	out := make([]models.Bookmark, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}
	var gate chan struct{}
	if len(t.gates) > 0 {
		gate, t.gates = t.gates[0], t.gates[1:]
	}
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *fakeTable) Insert(_ context.Context, in models.NewBookmark) (*models.Bookmark, error) {
	t.mu.Lock()
	t.inserts++
	if t.insertErr != nil {
		err := t.insertErr
		t.mu.Unlock()
		return nil, err
	}
	t.nextID++
	t.clock++
	b := models.Bookmark{
		ID:        fmt.Sprintf("new-%d", t.nextID),
		Title:     in.Title,
		URL:       in.URL,
		CreatedAt: at(t.clock),
		UserID:    in.UserID,
	}
	t.rows[b.ID] = b
	hook := t.onInsert
	t.mu.Unlock()

	if hook != nil {
		hook(b)
	}
	return &b, nil
}

func (t *fakeTable) Delete(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deletes++
	if t.deleteErr != nil {
		return t.deleteErr
	}
	delete(t.rows, id)
	return nil
}

func (t *fakeTable) put(b models.Bookmark) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[b.ID] = b
}

func (t *fakeTable) gate() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := make(chan struct{})
	t.gates = append(t.gates, g)
	return g
}

func (t *fakeTable) set(fn func(t *fakeTable)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

func (t *fakeTable) counts() (lists, inserts, deletes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lists, t.inserts, t.deletes
}

type fakeSub struct {
	mu      sync.Mutex
	ch      chan models.Change
	closed  bool
	dropped bool
}

func (s *fakeSub) Events() <-chan models.Change {
	return s.ch
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.dropped
}

// send blocks until the store has taken c off the channel.
func (s *fakeSub) send(c models.Change) bool {
	if !s.isOpen() {
		return false
	}
	select {
	case s.ch <- c:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func (s *fakeSub) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dropped {
		s.dropped = true
		close(s.ch)
	}
}

type fakeFeed struct {
	mu       sync.Mutex
	subs     []*fakeSub
	failures int
	// hold, when set, stalls Subscribe until it is closed
	hold chan struct{}
}

func (f *fakeFeed) Subscribe(ctx context.Context) (Subscription, error) {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("dial refused")
	}
	s := &fakeSub{ch: make(chan models.Change)}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeFeed) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.isOpen() {
			n++
		}
	}
	return n
}

func (f *fakeFeed) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeFeed) current() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.subs) - 1; i >= 0; i-- {
		if f.subs[i].isOpen() {
			return f.subs[i]
		}
	}
	return nil
}

// push delivers c and waits until the store has applied it.
func (f *fakeFeed) push(t *testing.T, c models.Change) {
	t.Helper()

	sub := f.current()
	require.NotNil(t, sub, "no open subscription")
	require.True(t, sub.send(c), "event not consumed")
	// ignored by the store; returns once the previous event is applied
	require.True(t, sub.send(models.Change{EventType: models.ChangeUpdate}), "flush not consumed")
}

type harness struct {
	store *Store
	table *fakeTable
	feed  *fakeFeed
	ctx   context.Context
}

func newHarness(t *testing.T, table *fakeTable, opts Options) *harness {
	t.Helper()

	if opts.ResubscribeWait == 0 {
		opts.ResubscribeWait = 10 * time.Millisecond
		opts.ResubscribeMaxWait = 40 * time.Millisecond
	}

	feed := &fakeFeed{}
	store := NewStore(table, feed, zap.NewNop().Sugar(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = store.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("store did not stop")
		}
	})

	return &harness{store: store, table: table, feed: feed, ctx: context.Background()}
}

// signIn starts a session and waits until it is subscribed and both the
// start and the post-subscribe refetch have been issued. The final Refetch
// outranks them, so tests see a settled list.
func (h *harness) signIn(t *testing.T, user *models.User) {
	t.Helper()

	before, _, _ := h.table.counts()
	require.NoError(t, h.store.SetSession(h.ctx, user))
	require.Eventually(t, func() bool {
		lists, _, _ := h.table.counts()
		return h.feed.live() == 1 && lists >= before+2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.store.Refetch(h.ctx))
}
