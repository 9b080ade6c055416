// Package reconcile keeps the signed in user's bookmark list consistent with
// the backend. Local mutations, push events and full refetches all funnel
// through one apply loop, and every apply is idempotent per bookmark id.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

type DeletePolicy string

const (
	// DeleteKeep leaves the row out after a failed remote delete. A later
	// refetch shows it again if it still exists.
	DeleteKeep DeletePolicy = "keep"
	// DeleteRestore puts the row back after a failed remote delete.
	DeleteRestore DeletePolicy = "restore"
)

type Options struct {
	// RefetchInterval is the backstop refetch period. Zero disables it.
	RefetchInterval    time.Duration
	DeletePolicy       DeletePolicy
	ResubscribeWait    time.Duration
	ResubscribeMaxWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.DeletePolicy != DeleteRestore {
		o.DeletePolicy = DeleteKeep
	}
	if o.ResubscribeWait <= 0 {
		o.ResubscribeWait = 500 * time.Millisecond
	}
	if o.ResubscribeMaxWait < o.ResubscribeWait {
		o.ResubscribeMaxWait = 30 * time.Second
	}
	return o
}

// state is only touched by the apply loop.
type state struct {
	root       context.Context
	user       *models.User
	generation uint64
	cancel     context.CancelFunc

	list []models.Bookmark
	// ids deleted or created this session, with refetchIssued at the time
	tombstones map[string]uint64
	fresh      map[string]uint64

	refetchIssued  uint64
	refetchApplied uint64
}

type Store struct {
	table    Table
	feed     Subscriber
	logger   *zap.SugaredLogger
	opts     Options
	validate *validator.Validate

	ops      chan func(*state)
	done     chan struct{}
	started  atomic.Bool
	sessions sync.WaitGroup

	mu          sync.RWMutex
	snapshot    []models.Bookmark
	user        *models.User
	watchers    map[int]chan []models.Bookmark
	nextWatcher int
}

func NewStore(table Table, feed Subscriber, logger *zap.SugaredLogger, opts Options) *Store {
	return &Store{
		table:    table,
		feed:     feed,
		logger:   logger,
		opts:     opts.withDefaults(),
		validate: validator.New(),
		ops:      make(chan func(*state)),
		done:     make(chan struct{}),
		watchers: make(map[int]chan []models.Bookmark),
	}
}

// Run is the apply loop. Every other method blocks until Run is running.
// When ctx ends the current session is torn down and Run returns once the
// session's goroutines have exited.
func (s *Store) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("store is already running")
	}
	defer close(s.done)

	st := &state{
		root:       ctx,
		tombstones: map[string]uint64{},
		fresh:      map[string]uint64{},
	}

	for {
		select {
		case op := <-s.ops:
			op(st)
		case <-ctx.Done():
			if st.user != nil {
				s.endSession(st)
				s.publish(st)
			}
			s.sessions.Wait()
			return nil
		}
	}
}

// exec runs fn on the apply loop and waits for it.
func (s *Store) exec(ctx context.Context, fn func(*state)) error {
	done := make(chan struct{})
	op := func(st *state) {
		defer close(done)
		fn(st)
	}

	select {
	case s.ops <- op:
		<-done
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSession switches the signed in user. nil ends the session.
func (s *Store) SetSession(ctx context.Context, user *models.User) error {
	return s.exec(ctx, func(st *state) {
		switch {
		case user == nil && st.user == nil:
			return
		case user != nil && st.user != nil && user.ID == st.user.ID:
			u := *user
			st.user = &u
			s.publish(st)
			return
		}

		if st.user != nil {
			s.endSession(st)
		}
		if user != nil {
			s.startSession(st, user)
		}
		s.publish(st)
	})
}

func (s *Store) startSession(st *state, user *models.User) {
	u := *user
	st.generation++
	st.user = &u
	st.list = nil
	st.tombstones = map[string]uint64{}
	st.fresh = map[string]uint64{}

	ctx, cancel := context.WithCancel(st.root)
	st.cancel = cancel

	s.logger.Infow("session started", "user_id", u.ID)

	s.sessions.Add(1)
	go s.runSession(ctx, st.generation)
}

// endSession never waits: session goroutines may be blocked on the loop.
func (s *Store) endSession(st *state) {
	s.logger.Infow("session ended", "user_id", st.user.ID)

	st.cancel()
	st.cancel = nil
	st.generation++
	st.user = nil
	st.list = nil
	st.tombstones = map[string]uint64{}
	st.fresh = map[string]uint64{}
}

func (s *Store) runSession(ctx context.Context, gen uint64) {
	defer s.sessions.Done()

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.follow(ctx, gen)
	}()

	_ = s.refetch(ctx, gen)

	if s.opts.RefetchInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.opts.RefetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.refetch(ctx, gen)
		}
	}
}

// follow keeps a push subscription open for the session, resubscribing with
// backoff when it drops.
func (s *Store) follow(ctx context.Context, gen uint64) {
	wait := s.opts.ResubscribeWait

	for {
		sub, err := s.feed.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("push channel unavailable", "error", &SubscriptionError{Err: err}, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			wait *= 2
			if wait > s.opts.ResubscribeMaxWait {
				wait = s.opts.ResubscribeMaxWait
			}
			continue
		}
		wait = s.opts.ResubscribeWait

		// anything written before the channel opened was never pushed
		_ = s.refetch(ctx, gen)

		dropped := s.pump(ctx, gen, sub)
		if err := sub.Close(); err != nil {
			s.logger.Debugw("close subscription", "error", err)
		}
		if !dropped {
			return
		}
		s.logger.Warnw("push channel dropped, resubscribing", "error", &SubscriptionError{Err: errors.New("event stream closed")})
	}
}

// pump applies events until ctx ends (false) or the stream closes (true).
func (s *Store) pump(ctx context.Context, gen uint64, sub Subscription) bool {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return false
		case c, ok := <-events:
			if !ok {
				return ctx.Err() == nil
			}
			err := s.exec(ctx, func(st *state) {
				if st.generation != gen || st.user == nil {
					return
				}
				if s.applyChange(st, c) {
					s.publish(st)
				}
			})
			if err != nil {
				return false
			}
		}
	}
}

// Refetch replaces the list with the backend's rows. On failure the previous
// list is kept.
func (s *Store) Refetch(ctx context.Context) error {
	var gen uint64
	err := s.exec(ctx, func(st *state) {
		if st.user != nil {
			gen = st.generation
		}
	})
	if err != nil {
		return err
	}
	if gen == 0 {
		return ErrNoSession
	}
	return s.refetch(ctx, gen)
}

func (s *Store) refetch(ctx context.Context, gen uint64) error {
	var seq uint64
	err := s.exec(ctx, func(st *state) {
		if st.user == nil || st.generation != gen {
			return
		}
		st.refetchIssued++
		seq = st.refetchIssued
	})
	if err != nil {
		return err
	}
	if seq == 0 {
		return ErrNoSession
	}

	rows, err := s.table.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warnw("refetch failed, keeping previous list", "error", err)
		return &RemoteError{Op: "list", Err: err}
	}
	rows = newestFirst(rows)

	return s.exec(ctx, func(st *state) {
		if st.user == nil || st.generation != gen {
			s.logger.Debugw("discarding refetch for an ended session")
			return
		}
		if seq < st.refetchApplied {
			s.logger.Debugw("discarding stale refetch", "seq", seq, "applied", st.refetchApplied)
			return
		}
		st.refetchApplied = seq
		st.list = merge(st, rows, seq)
		s.publish(st)
	})
}

// ApplyCreate inserts b unless its id is already listed or was deleted in
// this session.
func (s *Store) ApplyCreate(ctx context.Context, b models.Bookmark) error {
	return s.withSession(ctx, func(st *state) {
		if s.applyCreate(st, b) {
			s.publish(st)
		}
	})
}

// ApplyDelete removes id if present.
func (s *Store) ApplyDelete(ctx context.Context, id string) error {
	return s.withSession(ctx, func(st *state) {
		if _, ok := s.applyDelete(st, id); ok {
			s.publish(st)
		}
	})
}

// Add validates and creates a bookmark, then applies the backend's row.
func (s *Store) Add(ctx context.Context, title, url string) (*models.Bookmark, error) {
	in := models.NewBookmark{
		Title: strings.TrimSpace(title),
		URL:   strings.TrimSpace(url),
	}
	if err := s.validateNew(in); err != nil {
		return nil, err
	}

	var gen uint64
	err := s.withSession(ctx, func(st *state) {
		gen = st.generation
		in.UserID = st.user.ID
	})
	if err != nil {
		return nil, err
	}

	row, err := s.table.Insert(ctx, in)
	if err != nil {
		s.logger.Warnw("create failed", "error", err)
		return nil, &RemoteError{Op: "create", Err: err}
	}

	err = s.exec(ctx, func(st *state) {
		if st.user == nil || st.generation != gen {
			return
		}
		if s.applyCreate(st, *row) {
			s.publish(st)
		}
	})
	return row, err
}

// Remove drops id locally, then deletes it remotely. A remote failure is
// handled by the configured DeletePolicy and returned as a *RemoteError.
func (s *Store) Remove(ctx context.Context, id string) error {
	var (
		gen     uint64
		removed models.Bookmark
		had     bool
	)
	err := s.withSession(ctx, func(st *state) {
		gen = st.generation
		removed, had = s.applyDelete(st, id)
		if had {
			s.publish(st)
		}
	})
	if err != nil {
		return err
	}

	if err := s.table.Delete(ctx, id); err != nil {
		s.logger.Errorw("remote delete failed", "id", id, "policy", s.opts.DeletePolicy, "error", err)

		if s.opts.DeletePolicy == DeleteRestore {
			_ = s.exec(ctx, func(st *state) {
				if st.user == nil || st.generation != gen {
					return
				}
				delete(st.tombstones, id)
				if had && s.applyCreate(st, removed) {
					s.publish(st)
				}
			})
		}
		return &RemoteError{Op: "delete", Err: err}
	}
	return nil
}

// List returns the current snapshot, newest first.
func (s *Store) List() []models.Bookmark {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Bookmark, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

// User returns the session's user, or nil.
func (s *Store) User() *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Watch delivers the latest snapshot whenever it changes. Intermediate
// snapshots may be skipped. Receivers must not modify the slices.
func (s *Store) Watch() (<-chan []models.Bookmark, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan []models.Bookmark, 1)
	ch <- s.snapshot
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers, id)
			close(ch)
		})
	}
}

func (s *Store) withSession(ctx context.Context, fn func(*state)) error {
	noSession := false
	err := s.exec(ctx, func(st *state) {
		if st.user == nil {
			noSession = true
			return
		}
		fn(st)
	})
	if err != nil {
		return err
	}
	if noSession {
		return ErrNoSession
	}
	return nil
}

func (s *Store) applyChange(st *state, c models.Change) bool {
	if owner := c.OwnerID(); owner != "" && owner != st.user.ID {
		s.logger.Debugw("ignoring change for another owner", "id", c.RowID())
		return false
	}

	switch c.EventType {
	case models.ChangeInsert:
		return s.applyCreate(st, *c.New)
	case models.ChangeDelete:
		_, ok := s.applyDelete(st, c.Old.ID)
		return ok
	default:
		s.logger.Debugw("ignoring change", "event", c.EventType, "id", c.RowID())
		return false
	}
}

func (s *Store) applyCreate(st *state, b models.Bookmark) bool {
	if _, gone := st.tombstones[b.ID]; gone {
		return false
	}
	if indexOf(st.list, b.ID) >= 0 {
		return false
	}
	st.list = insertSorted(st.list, b)
	st.fresh[b.ID] = st.refetchIssued
	return true
}

// applyDelete also remembers id so a late insert for it is ignored.
func (s *Store) applyDelete(st *state, id string) (models.Bookmark, bool) {
	st.tombstones[id] = st.refetchIssued
	delete(st.fresh, id)

	i := indexOf(st.list, id)
	if i < 0 {
		return models.Bookmark{}, false
	}
	removed := st.list[i]
	st.list = removeAt(st.list, i)
	return removed, true
}

// merge builds the list from a refetch issued as seq. Creates and deletes
// applied after that refetch was issued win over its rows.
func merge(st *state, rows []models.Bookmark, seq uint64) []models.Bookmark {
	out := make([]models.Bookmark, 0, len(rows)+len(st.fresh))
	for _, r := range rows {
		if at, ok := st.tombstones[r.ID]; ok && seq <= at {
			continue
		}
		out = append(out, r)
	}

	for id, at := range st.fresh {
		if seq > at {
			delete(st.fresh, id)
			continue
		}
		if indexOf(out, id) >= 0 {
			continue
		}
		if i := indexOf(st.list, id); i >= 0 {
			out = append(out, st.list[i])
		}
	}
	return newestFirst(out)
}

func (s *Store) publish(st *state) {
	snap := make([]models.Bookmark, len(st.list))
	copy(snap, st.list)

	var user *models.User
	if st.user != nil {
		u := *st.user
		user = &u
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = snap
	s.user = user
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (s *Store) validateNew(in models.NewBookmark) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ValidationError{
			Field: strings.ToLower(verrs[0].Field()),
			Rule:  verrs[0].Tag(),
		}
	}
	return &ValidationError{Field: "bookmark", Rule: err.Error()}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
