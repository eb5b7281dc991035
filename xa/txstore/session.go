package txstore

import (
	"bytes"
	"context"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/xa"
)

// Manager is the resource manager of a transactional object store.
type Manager struct {
	*xa.ResourceManager[*State]
	store objstore.ObjectStore
}

// NewManager returns a stopped Manager over store.
func NewManager(store objstore.ObjectStore, opts Options) *Manager {
	return &Manager{
		ResourceManager: xa.NewResourceManager[*State](NewResource(store, opts), opts.Logger),
		store:           store,
	}
}

// NewSession returns a transactional session.
func (m *Manager) NewSession() *Session {
	return &Session{
		Session: m.ResourceManager.NewSession(),
		store:   m.store,
	}
}

// Session reads and writes the store within its associated transaction, local or XA. Without one,
// every write is applied to the store at once.
type Session struct {
	*xa.Session[*State]
	store objstore.ObjectStore
}

// active returns the associated transaction's state, locked, or nil when there is none.
// The caller unlocks it.
func (s *Session) active() (*State, error) {
	tc := s.Current()
	if tc == nil {
		return nil, nil
	}
	tc.State.mu.Lock()
	switch tc.Status() {
	case xa.Active, xa.MarkedRollback:
	default:
		tc.State.mu.Unlock()
		return nil, objstore.Error{Code: objstore.StoreFailure, Err: errNotActive, UserData: tc.String()}
	}
	return tc.State, nil
}

// view is the value of key as the transaction sees it.
func (s *Session) view(ctx context.Context, st *State, partition, key string) (bool, []byte, error) {
	if touched, present, value := st.overlay(entryKey{partition, key}); touched {
		return present, value, nil
	}
	ba, err := s.store.Retrieve(ctx, partition, key)
	if objstore.IsDoesNotExist(err) {
		return false, nil, nil
	}
	return err == nil, ba, err
}

// Contains reports whether key is present.
func (s *Session) Contains(ctx context.Context, partition, key string) (bool, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return false, err
	}
	partition = objstore.PartitionName(partition)
	st, err := s.active()
	if err != nil {
		return false, err
	}
	if st == nil {
		return s.store.Contains(ctx, partition, key)
	}
	defer st.mu.Unlock()
	found, _, err := s.view(ctx, st, partition, key)
	return found, err
}

// Store adds key, failing if it is present.
func (s *Session) Store(ctx context.Context, partition, key string, value []byte) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	partition = objstore.PartitionName(partition)
	st, err := s.active()
	if err != nil {
		return err
	}
	if st == nil {
		return s.store.Store(ctx, partition, key, value)
	}
	defer st.mu.Unlock()
	found, _, err := s.view(ctx, st, partition, key)
	if err != nil {
		return err
	}
	if found {
		return objstore.AlreadyExists(partition, key)
	}
	st.add(Op{Kind: OpStore, Partition: partition, Key: key, Value: bytes.Clone(value)})
	return nil
}

// Retrieve returns the value of key.
func (s *Session) Retrieve(ctx context.Context, partition, key string) ([]byte, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return nil, err
	}
	partition = objstore.PartitionName(partition)
	st, err := s.active()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return s.store.Retrieve(ctx, partition, key)
	}
	defer st.mu.Unlock()
	found, value, err := s.view(ctx, st, partition, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, objstore.DoesNotExist(partition, key)
	}
	return bytes.Clone(value), nil
}

// Remove deletes key and returns the value it held.
func (s *Session) Remove(ctx context.Context, partition, key string) ([]byte, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return nil, err
	}
	partition = objstore.PartitionName(partition)
	st, err := s.active()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return s.store.Remove(ctx, partition, key)
	}
	defer st.mu.Unlock()
	found, value, err := s.view(ctx, st, partition, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, objstore.DoesNotExist(partition, key)
	}
	st.add(Op{Kind: OpRemove, Partition: partition, Key: key})
	return bytes.Clone(value), nil
}
