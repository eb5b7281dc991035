// Package manager creates, caches, sweeps and disposes named object stores.
//
// A Manager is a plain value built with explicit dependencies; there is no package level registry.
// Stores are created once per name: later requests for the same name return the same instance until
// it is disposed with DisposeStore.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/cassandra"
	"github.com/sharedcode/objstore/redis"
	"github.com/sharedcode/objstore/s3"
)

// ErrClosed is returned by the store getters of a closed Manager.
var ErrClosed = objstore.Error{Code: objstore.StoreNotAvailable, Err: errors.New("object store manager is closed")}

// Config holds the dependencies of a Manager.
type Config struct {
	// Options are the store defaults and per name options.
	Options Options
	// InMemory creates non persistent stores. Nil selects InMemoryFactory.
	InMemory Factory
	// Persistent creates persistent stores. Nil makes persistent requests fail.
	Persistent Factory
	// Registerer receives the manager metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now is the clock handed to the built-in factories. Nil selects objstore.Now.
	Now func() time.Time
}

type managedStore struct {
	store   objstore.ObjectStore
	opts    objstore.StoreOptions
	sweeper *sweeper
	// disposing is set while DisposeStore runs and closed when it returns.
	disposing chan struct{}
}

// Manager owns a set of named object stores.
type Manager struct {
	options          Options
	inMemory         Factory
	persistent       Factory
	log              *slog.Logger
	metrics          *managerMetrics
	sweepConcurrency int

	// creating runs the factory at most once per name at a time, outside mu.
	creating singleflight.Group

	mu      sync.Mutex
	stores  map[string]*managedStore
	closers []func() error
	closed  bool
}

// New returns a Manager built from cfg.
func New(cfg Config) (*Manager, error) {
	metrics, err := newManagerMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	if cfg.InMemory == nil {
		cfg.InMemory = InMemoryFactory(cfg.Now)
	}
	sc := cfg.Options.SweepConcurrency
	if sc <= 0 {
		sc = DefaultOptions().SweepConcurrency
	}
	return &Manager{
		options:          cfg.Options,
		inMemory:         cfg.InMemory,
		persistent:       cfg.Persistent,
		log:              objstore.LoggerOrDefault(cfg.Logger),
		metrics:          metrics,
		sweepConcurrency: sc,
		stores:           make(map[string]*managedStore),
	}, nil
}

// NewFromOptions returns a Manager whose persistent factory is built from opts.Persistence. Connections
// it opens are owned by the Manager and closed by Close.
func NewFromOptions(ctx context.Context, opts Options, reg prometheus.Registerer, logger *slog.Logger) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cfg := Config{
		Options:    opts,
		Registerer: reg,
		Logger:     logger,
	}
	var closer func() error
	p := opts.Persistence
	switch p.Backend {
	case BackendFileSystem:
		cfg.Persistent = FileSystemFactory(p.FileSystem, nil)
	case BackendRedis:
		conn := redis.OpenConnection(p.Redis)
		if err := conn.Ping(ctx); err != nil {
			conn.Close()
			return nil, objstore.NotAvailable("redis", err)
		}
		cfg.Persistent = RedisFactory(conn, p.RedisStore, nil)
		closer = conn.Close
	case BackendCassandra:
		conn, err := cassandra.OpenConnection(p.Cassandra)
		if err != nil {
			return nil, objstore.NotAvailable("cassandra", err)
		}
		cfg.Persistent = CassandraFactory(conn, p.CassandraStore, nil)
		closer = func() error {
			conn.Close()
			return nil
		}
	case BackendS3:
		cfg.Persistent = S3Factory(s3.Connect(p.S3), p.S3Store, nil)
	}
	m, err := New(cfg)
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, err
	}
	if closer != nil {
		m.closers = append(m.closers, closer)
	}
	return m, nil
}

// GetObjectStore returns the store name, creating it with its configured options (the defaults unless
// Options.Stores lists it).
func (m *Manager) GetObjectStore(ctx context.Context, name string) (objstore.ObjectStore, error) {
	return m.GetObjectStoreWithOptions(ctx, name, m.options.storeOptions(name))
}

// GetPersistentObjectStore returns the store name, in-memory or persistent.
func (m *Manager) GetPersistentObjectStore(ctx context.Context, name string, isPersistent bool) (objstore.ObjectStore, error) {
	opts := m.options.storeOptions(name)
	opts.IsPersistent = isPersistent
	return m.GetObjectStoreWithOptions(ctx, name, opts)
}

// GetExpirableObjectStore returns the store name, bounded by maxEntries and entryTTL and swept every
// expirationInterval.
func (m *Manager) GetExpirableObjectStore(ctx context.Context, name string, isPersistent bool, maxEntries int,
	entryTTL, expirationInterval time.Duration) (objstore.ExpirableStore, error) {
	s, err := m.GetObjectStoreWithOptions(ctx, name, objstore.StoreOptions{
		IsPersistent:       isPersistent,
		MaxEntries:         maxEntries,
		EntryTTL:           entryTTL,
		ExpirationInterval: expirationInterval,
	})
	if err != nil {
		return nil, err
	}
	es, ok := objstore.AsExpirable(s)
	if !ok {
		return nil, objstore.NewError(objstore.StoreFailure, "store %q does not support expiration", name)
	}
	return es, nil
}

// GetObjectStoreWithOptions returns the store name, creating it with opts on first request. Options of
// later requests for an existing store are ignored. Lookups of existing stores never wait for another
// store's factory, and a lookup of a store being disposed waits for DisposeStore to return.
func (m *Manager) GetObjectStoreWithOptions(ctx context.Context, name string, opts objstore.StoreOptions) (objstore.ObjectStore, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		ms, ok := m.stores[name]
		var wait chan struct{}
		if ok {
			wait = ms.disposing
		}
		m.mu.Unlock()
		if !ok {
			break
		}
		if wait == nil {
			if ms.opts != opts {
				m.log.Debug("store exists, requested options ignored", "store", name)
			}
			return ms.store, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	v, err, _ := m.creating.Do(name, func() (any, error) {
		return m.create(ctx, name, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(objstore.ObjectStore), nil
}

// create runs the factory of name without holding mu, then registers the store.
func (m *Manager) create(ctx context.Context, name string, opts objstore.StoreOptions) (objstore.ObjectStore, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if ms, ok := m.stores[name]; ok {
		m.mu.Unlock()
		if ms.disposing != nil {
			return nil, objstore.NewError(objstore.StoreNotAvailable, "store %q is being disposed", name)
		}
		return ms.store, nil
	}
	f := m.inMemory
	if opts.IsPersistent {
		f = m.persistent
	}
	m.mu.Unlock()
	if f == nil {
		return nil, objstore.NewError(objstore.StoreFailure, "no persistent backing configured for store %q", name)
	}

	s, err := f(ctx, name)
	if err != nil {
		return nil, err
	}
	var es objstore.ExpirableStore
	if opts.IsExpirable() {
		var ok bool
		if es, ok = objstore.AsExpirable(s); !ok {
			s.Close(ctx)
			return nil, objstore.NewError(objstore.StoreFailure, "store %q does not support expiration", name)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Close(ctx)
		return nil, ErrClosed
	}
	ms := &managedStore{store: s, opts: opts}
	if es != nil {
		ms.sweeper = m.startSweeper(es, opts)
	}
	m.stores[name] = ms
	m.mu.Unlock()
	m.metrics.storeCreated(opts.IsPersistent)
	m.log.Info("created object store", "store", name, "persistent", opts.IsPersistent,
		"max_entries", opts.MaxEntries, "entry_ttl", opts.EntryTTL)
	return s, nil
}

// DisposeStore stops the store's sweep, clears and invalidates it and forgets it. A later request for
// the same name creates a fresh, empty store. If the backing fails to dispose, the store stays managed
// and swept, and the error is returned.
func (m *Manager) DisposeStore(ctx context.Context, store objstore.ObjectStore) error {
	name := store.Name()
	m.mu.Lock()
	ms, ok := m.stores[name]
	if !ok || ms.store != store {
		m.mu.Unlock()
		return objstore.NewError(objstore.StoreFailure, "store %q is not managed by this manager", name)
	}
	if ms.disposing != nil {
		m.mu.Unlock()
		return objstore.NewError(objstore.StoreFailure, "store %q is already being disposed", name)
	}
	done := make(chan struct{})
	ms.disposing = done
	sw := ms.sweeper
	m.mu.Unlock()

	sw.stop()
	err := store.Dispose(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	ms.disposing = nil
	close(done)
	if err != nil {
		if sw != nil && !m.closed {
			if es, ok := objstore.AsExpirable(store); ok {
				ms.sweeper = m.startSweeper(es, ms.opts)
			}
		}
		return fmt.Errorf("disposing store %q: %w", name, err)
	}
	if m.stores[name] == ms {
		delete(m.stores, name)
		m.metrics.storeDisposed()
	}
	m.log.Info("disposed object store", "store", name)
	return nil
}

// Sweep runs one expiration pass over the store name with its options and returns the evicted count.
func (m *Manager) Sweep(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	ms, ok := m.stores[name]
	m.mu.Unlock()
	if !ok {
		return 0, objstore.NewError(objstore.StoreFailure, "store %q is not managed by this manager", name)
	}
	es, ok := objstore.AsExpirable(ms.store)
	if !ok || !ms.opts.IsExpirable() {
		return 0, nil
	}
	return m.sweep(ctx, es, ms.opts), nil
}

// Names returns the names of the managed stores.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]string, 0, len(m.stores))
	for n := range m.stores {
		r = append(r, n)
	}
	return r
}

// Close stops every sweep and closes every store without disposing it, then closes the connections
// the Manager opened. Later requests fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var (
		emu  sync.Mutex
		errs *multierror.Error
	)
	tr := objstore.NewTaskRunner(ctx, m.sweepConcurrency)
	for name, ms := range m.stores {
		tr.Go(func() error {
			ms.sweeper.stop()
			if err := ms.store.Close(ctx); err != nil {
				emu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("closing store %q: %w", name, err))
				emu.Unlock()
			}
			m.metrics.storeClosed()
			return nil
		})
	}
	tr.Wait()
	m.stores = make(map[string]*managedStore)
	for _, c := range m.closers {
		if err := c(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	m.closers = nil
	return errs.ErrorOrNil()
}
