package inventory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL = 5 * time.Minute
	DefaultDebounce = 500 * time.Millisecond
)

// Store caches the inventory file and reloads it on demand or on change.
type Store struct {
	path     string
	ttl      time.Duration
	debounce time.Duration
	log      *slog.Logger
	now      func() time.Time
	read     func() (*Inventory, error)
	onReload func(err error)

	mu      sync.Mutex
	cur     *Inventory
	expires time.Time
	gen     uint64

	reloadMu sync.Mutex
	group    singleflight.Group

	subMu   sync.Mutex
	subs    map[int]func(*Inventory)
	nextSub int
}

type Option func(*Store)

// WithCacheTTL bounds how long a loaded inventory is served without re-reading.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithDebounce sets the quiet period used by Watch.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.debounce = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReloadHook is called after every explicit reload with its outcome.
func WithReloadHook(fn func(err error)) Option {
	return func(s *Store) { s.onReload = fn }
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func withReader(read func() (*Inventory, error)) Option {
	return func(s *Store) { s.read = read }
}

func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:     path,
		ttl:      DefaultCacheTTL,
		debounce: DefaultDebounce,
		log:      slog.Default(),
		now:      time.Now,
		subs:     make(map[int]func(*Inventory)),
	}
	s.read = func() (*Inventory, error) { return Load(s.path) }
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the inventory file location.
func (s *Store) Path() string { return s.path }

// Current returns the cached inventory without loading, or nil.
func (s *Store) Current() *Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// GetInventory returns the cached inventory, loading it when the cache has
// expired. Concurrent callers share a single load. If loading fails and an
// earlier inventory exists, the earlier one is returned.
func (s *Store) GetInventory(ctx context.Context) (*Inventory, error) {
	s.mu.Lock()
	if s.cur != nil && s.now().Before(s.expires) {
		inv := s.cur
		s.mu.Unlock()
		return inv, nil
	}
	s.mu.Unlock()

	ch := s.group.DoChan("load", func() (any, error) { return s.load() })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Inventory), nil
	}
}

func (s *Store) load() (*Inventory, error) {
	s.mu.Lock()
	// a caller that missed the cache may arrive after another load filled it
	if s.cur != nil && s.now().Before(s.expires) {
		inv := s.cur
		s.mu.Unlock()
		return inv, nil
	}
	gen := s.gen
	s.mu.Unlock()

	inv, err := s.read()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.cur != nil {
			s.log.Warn("inventory load failed, serving previous snapshot", "path", s.path, "err", err)
			return s.cur, nil
		}
		return nil, s.wrap(err)
	}
	// a reload finished while we were reading; its snapshot is newer
	if gen != s.gen {
		return s.cur, nil
	}
	s.cur = inv
	s.expires = s.now().Add(s.ttl)
	s.log.Debug("inventory loaded", "path", s.path, "processes", len(inv.Processes))
	return inv, nil
}

// ReloadInventory re-reads the file regardless of cache state, swaps the
// snapshot and notifies subscribers before returning. On failure the previous
// snapshot stays in place and a *ConfigurationError is returned.
func (s *Store) ReloadInventory(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	inv, err := s.read()
	if err != nil {
		s.log.Error("inventory reload failed", "path", s.path, "err", err)
		if s.onReload != nil {
			s.onReload(err)
		}
		return s.wrap(err)
	}

	s.mu.Lock()
	s.cur = inv
	s.expires = s.now().Add(s.ttl)
	s.gen++
	s.mu.Unlock()

	s.log.Info("inventory reloaded", "path", s.path, "processes", len(inv.Processes))
	if s.onReload != nil {
		s.onReload(nil)
	}
	s.notify(inv)
	return nil
}

// Subscribe registers fn to receive every successfully reloaded inventory.
// The returned func removes the subscription.
func (s *Store) Subscribe(fn func(*Inventory)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(inv *Inventory) {
	s.subMu.Lock()
	fns := make([]func(*Inventory), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(inv)
	}
}

func (s *Store) wrap(err error) error {
	if IsConfiguration(err) {
		return err
	}
	return &ConfigurationError{Path: s.path, Err: err}
}
