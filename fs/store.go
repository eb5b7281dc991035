// Package fs contains the filesystem backed, persistent object store.
//
// Layout: <base>/<folder(store)>/<folder(partition)>/<hex(sha256(key))>.json, one JSON record per entry.
// The record holds the exact key. A folder is named b64url(name), or "~" followed by the sha256 hex of
// name when the encoding would exceed maxFolderName; a hashed partition folder keeps its name in a
// partitionNameFile. Records are written to a temp file in the partition folder and renamed in place,
// so a reader never sees a partially written entry.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/encoding"
	"github.com/sharedcode/objstore/internal/guard"
	"github.com/sharedcode/objstore/internal/keylock"
)

const (
	recordExt = ".json"
	tempExt   = ".tmp"

	hashedFolderPrefix = "~"
	partitionNameFile  = "partition.name"
	// maxFolderName keeps folder names well under the usual 255 byte NAME_MAX.
	maxFolderName = 200
)

var b64 = base64.RawURLEncoding

// Options configures where and how the filesystem store persists its entries.
type Options struct {
	// BasePath is the folder under which each store gets its own sub folder.
	BasePath string `json:"base_path" yaml:"base_path"`
	// FilePermission is used for record files; folders get the matching search bits.
	FilePermission os.FileMode `json:"file_permission,omitempty" yaml:"file_permission,omitempty"`
}

// DefaultOptions returns Options rooted at basePath.
func DefaultOptions(basePath string) Options {
	return Options{
		BasePath:       basePath,
		FilePermission: 0o644,
	}
}

// record is the persisted form of an entry.
type record struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	// Timestamp is the insertion time in Unix nanoseconds.
	Timestamp int64 `json:"ts"`
	// Sequence breaks ties between entries inserted at the same Timestamp.
	Sequence int64 `json:"seq"`
}

func (r record) olderThan(o record) bool {
	if r.Timestamp != o.Timestamp {
		return r.Timestamp < o.Timestamp
	}
	return r.Sequence < o.Sequence
}

// Store is the filesystem object store. It is persistent: closing it, or restarting the process,
// keeps every entry. Locks are in-process only.
type Store struct {
	name      string
	dir       string
	perm      os.FileMode
	fio       FileIO
	marshaler encoding.Marshaler
	now       func() time.Time
	seq       atomic.Int64
	guard     *guard.Guard
	locks     *keylock.Table
}

var (
	_ objstore.ExpirableStore = (*Store)(nil)
	_ objstore.LockableStore  = (*Store)(nil)
)

// NewStore returns the open filesystem store name, creating its folder if needed.
func NewStore(ctx context.Context, name string, opts Options) (*Store, error) {
	return New(ctx, name, opts, nil, nil)
}

// New is NewStore with an explicit FileIO and clock; nil selects the defaults.
func New(ctx context.Context, name string, opts Options, fio FileIO, now func() time.Time) (*Store, error) {
	if opts.BasePath == "" {
		return nil, objstore.NewError(objstore.StoreFailure, "base path of store %q can't be empty", name)
	}
	if fio == nil {
		fio = NewFileIO()
	}
	if opts.FilePermission == 0 {
		opts.FilePermission = 0o644
	}
	s := &Store{
		name:      name,
		dir:       filepath.Join(opts.BasePath, folderName(name)),
		perm:      opts.FilePermission,
		fio:       fio,
		marshaler: encoding.NewMarshaler(),
		now:       objstore.Clock(now),
		guard:     guard.New(name),
		locks:     keylock.New(),
	}
	if err := s.fio.MkdirAll(ctx, s.dir, dirPermission(s.perm)); err != nil {
		return nil, s.ioError(err)
	}
	s.seq.Store(s.now().UnixNano())
	return s, nil
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// IsPersistent is always true.
func (s *Store) IsPersistent() bool {
	return true
}

// Open reopens a closed store.
func (s *Store) Open(ctx context.Context) error {
	return s.guard.Open(func() error {
		if err := s.fio.MkdirAll(ctx, s.dir, dirPermission(s.perm)); err != nil {
			return s.ioError(err)
		}
		return nil
	})
}

// Close makes the store reject operations until opened again. Files are kept.
func (s *Store) Close(ctx context.Context) error {
	return s.guard.Close(nil)
}

// Dispose deletes the store folder and invalidates the store.
func (s *Store) Dispose(ctx context.Context) error {
	return s.guard.Dispose(func() error {
		if err := s.fio.RemoveAll(ctx, s.dir); err != nil {
			return s.ioError(err)
		}
		log.Debug("disposed filesystem store", "store", s.name, "path", s.dir)
		return nil
	})
}

func hashName(name string) string {
	h := sha256.Sum256([]byte(name))
	return hex.EncodeToString(h[:])
}

func folderName(name string) string {
	if n := b64.EncodeToString([]byte(name)); len(n) <= maxFolderName {
		return n
	}
	return hashedFolderPrefix + hashName(name)
}

func entryFileName(key string) string {
	return hashName(key) + recordExt
}

func (s *Store) partitionDir(partition string) string {
	return filepath.Join(s.dir, folderName(partition))
}

func (s *Store) entryPath(partition, key string) string {
	return filepath.Join(s.partitionDir(partition), entryFileName(key))
}

// ensurePartitionName records the name of a hashed partition folder so Partitions can list it.
func (s *Store) ensurePartitionName(ctx context.Context, partition string) error {
	dir := s.partitionDir(partition)
	if !strings.HasPrefix(filepath.Base(dir), hashedFolderPrefix) {
		return nil
	}
	fn := filepath.Join(dir, partitionNameFile)
	found, err := s.fio.Exists(ctx, fn)
	if err != nil || found {
		return err
	}
	return s.fio.WriteFile(ctx, fn, []byte(partition), s.perm)
}

func (s *Store) exists(ctx context.Context, path string) (bool, error) {
	found, err := s.fio.Exists(ctx, path)
	if err != nil {
		return false, s.ioError(err)
	}
	return found, nil
}

// ioError maps a file I/O failure to an objstore.Error.
func (s *Store) ioError(err error) error {
	var se objstore.Error
	if errors.As(err, &se) {
		if se.Code == objstore.FileIOError {
			return objstore.NotAvailable(s.name, err)
		}
		return err
	}
	return objstore.Error{Code: objstore.StoreFailure, Err: err, UserData: s.name}
}

func (s *Store) readRecord(ctx context.Context, partition, key string) (record, error) {
	var r record
	ba, err := s.fio.ReadFile(ctx, s.entryPath(partition, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, objstore.DoesNotExist(partition, key)
		}
		return r, s.ioError(err)
	}
	if err := s.marshaler.Unmarshal(ba, &r); err != nil {
		return r, objstore.Error{
			Code:     objstore.StoreFailure,
			Err:      fmt.Errorf("corrupted entry %q in partition %q: %w", key, partition, err),
			UserData: key,
		}
	}
	if r.Key != key {
		return r, objstore.Error{
			Code:     objstore.StoreFailure,
			Err:      fmt.Errorf("entry file of %q in partition %q holds key %q", key, partition, r.Key),
			UserData: key,
		}
	}
	return r, nil
}

// readRecordFile reads the record in file name of partition, reporting false for a file that does not
// hold a record named after its key.
func (s *Store) readRecordFile(ctx context.Context, partition, name string) (record, bool, error) {
	var r record
	ba, err := s.fio.ReadFile(ctx, filepath.Join(s.partitionDir(partition), name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, false, nil
		}
		return r, false, s.ioError(err)
	}
	if err := s.marshaler.Unmarshal(ba, &r); err != nil {
		return r, false, objstore.Error{
			Code:     objstore.StoreFailure,
			Err:      fmt.Errorf("corrupted entry file %q in partition %q: %w", name, partition, err),
			UserData: name,
		}
	}
	return r, entryFileName(r.Key) == name, nil
}

func (s *Store) writeRecord(ctx context.Context, partition string, r record) error {
	ba, err := s.marshaler.Marshal(r)
	if err != nil {
		return objstore.Error{Code: objstore.StoreFailure, Err: err, UserData: r.Key}
	}
	target := s.entryPath(partition, r.Key)
	if err := s.ensurePartitionName(ctx, partition); err != nil {
		return s.ioError(err)
	}
	temp := fmt.Sprintf("%s.%08x%s", target, s.seq.Add(1), tempExt)
	if err := s.fio.WriteFile(ctx, temp, ba, s.perm); err != nil {
		return s.ioError(err)
	}
	if err := s.fio.Rename(ctx, temp, target); err != nil {
		s.fio.Remove(ctx, temp)
		return s.ioError(err)
	}
	return nil
}

// readRecords returns the records of partition, oldest insertion first.
func (s *Store) readRecords(ctx context.Context, partition string) ([]record, error) {
	entries, err := s.fio.ReadDir(ctx, s.partitionDir(partition))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, s.ioError(err)
	}
	r := make([]record, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() || !isEntryFileName(de.Name()) {
			continue
		}
		rec, ok, err := s.readRecordFile(ctx, partition, de.Name())
		if err != nil {
			return nil, err
		}
		if !ok {
			// Removed since listed, or not written by this store.
			continue
		}
		r = append(r, rec)
	}
	sort.Slice(r, func(i, j int) bool {
		return r[i].olderThan(r[j])
	})
	return r, nil
}

// Contains reports whether key is present in partition.
func (s *Store) Contains(ctx context.Context, partition, key string) (bool, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return false, err
	}
	partition = objstore.PartitionName(partition)
	var found bool
	err := s.guard.Read(partition, func() error {
		var err error
		found, err = s.exists(ctx, s.entryPath(partition, key))
		return err
	})
	return found, err
}

// Store persists key in partition, failing if it is already present.
func (s *Store) Store(ctx context.Context, partition, key string, value []byte) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		found, err := s.exists(ctx, s.entryPath(partition, key))
		if err != nil {
			return err
		}
		if found {
			return objstore.AlreadyExists(partition, key)
		}
		return s.writeRecord(ctx, partition, record{
			Key:       key,
			Value:     value,
			Timestamp: s.now().UnixNano(),
			Sequence:  s.seq.Add(1),
		})
	})
}

// Retrieve returns the value of key.
func (s *Store) Retrieve(ctx context.Context, partition, key string) ([]byte, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return nil, err
	}
	partition = objstore.PartitionName(partition)
	var r []byte
	err := s.guard.Read(partition, func() error {
		rec, err := s.readRecord(ctx, partition, key)
		r = rec.Value
		return err
	})
	return r, err
}

// Remove deletes key and returns the value it held.
func (s *Store) Remove(ctx context.Context, partition, key string) ([]byte, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return nil, err
	}
	partition = objstore.PartitionName(partition)
	var r []byte
	err := s.guard.Write(partition, func() error {
		rec, err := s.readRecord(ctx, partition, key)
		if err != nil {
			return err
		}
		if err := s.fio.Remove(ctx, s.entryPath(partition, key)); err != nil {
			return s.ioError(err)
		}
		r = rec.Value
		return nil
	})
	return r, err
}

// Clear removes every entry of partition, keeping the partition itself.
func (s *Store) Clear(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		dir := s.partitionDir(partition)
		found, err := s.exists(ctx, dir)
		if err != nil || !found {
			return err
		}
		if err := s.fio.RemoveAll(ctx, dir); err != nil {
			return s.ioError(err)
		}
		if err := s.fio.MkdirAll(ctx, dir, dirPermission(s.perm)); err != nil {
			return s.ioError(err)
		}
		if err := s.ensurePartitionName(ctx, partition); err != nil {
			return s.ioError(err)
		}
		return nil
	})
}

// AllKeys returns the keys of partition, oldest insertion first.
func (s *Store) AllKeys(ctx context.Context, partition string) ([]string, error) {
	partition = objstore.PartitionName(partition)
	var r []string
	err := s.guard.Read(partition, func() error {
		recs, err := s.readRecords(ctx, partition)
		if err != nil {
			return err
		}
		r = make([]string, len(recs))
		for i := range recs {
			r[i] = recs[i].Key
		}
		return nil
	})
	return r, err
}

// Partitions lists the partition folders of the store in ascending order.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	var r []string
	err := s.guard.Shared(func() error {
		entries, err := s.fio.ReadDir(ctx, s.dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return s.ioError(err)
		}
		r = make([]string, 0, len(entries))
		for _, de := range entries {
			if !de.IsDir() {
				continue
			}
			name, ok, err := s.partitionName(ctx, de.Name())
			if err != nil {
				return err
			}
			if ok {
				r = append(r, name)
			}
		}
		return nil
	})
	sort.Strings(r)
	return r, err
}

// OpenPartition creates the partition folder if it does not exist.
func (s *Store) OpenPartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		if err := s.fio.MkdirAll(ctx, s.partitionDir(partition), dirPermission(s.perm)); err != nil {
			return s.ioError(err)
		}
		if err := s.ensurePartitionName(ctx, partition); err != nil {
			return s.ioError(err)
		}
		return nil
	})
}

// partitionName maps a partition folder back to its partition, reporting false for foreign folders.
func (s *Store) partitionName(ctx context.Context, folder string) (string, bool, error) {
	if !strings.HasPrefix(folder, hashedFolderPrefix) {
		pb, err := b64.DecodeString(folder)
		return string(pb), err == nil, nil
	}
	ba, err := s.fio.ReadFile(ctx, filepath.Join(s.dir, folder, partitionNameFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, s.ioError(err)
	}
	return string(ba), folderName(string(ba)) == folder, nil
}

// DisposePartition deletes the partition folder.
func (s *Store) DisposePartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		if err := s.fio.RemoveAll(ctx, s.partitionDir(partition)); err != nil {
			return s.ioError(err)
		}
		return nil
	})
}

// Expire evicts entries of partition older than entryTTL and then, oldest inserted first, those above
// maxEntries.
func (s *Store) Expire(ctx context.Context, entryTTL time.Duration, maxEntries int, partition string) (int, error) {
	partition = objstore.PartitionName(partition)
	var evicted int
	err := s.guard.Write(partition, func() error {
		recs, err := s.readRecords(ctx, partition)
		if err != nil {
			return err
		}
		now := s.now().UnixNano()
		remaining := len(recs)
		for _, rec := range recs {
			expired := entryTTL > 0 && time.Duration(now-rec.Timestamp) > entryTTL
			overflow := maxEntries > 0 && remaining > maxEntries
			if !expired && !overflow {
				break
			}
			if err := s.fio.Remove(ctx, s.entryPath(partition, rec.Key)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return s.ioError(err)
			}
			remaining--
			evicted++
		}
		return nil
	})
	if evicted > 0 {
		log.Debug("expired entries", "store", s.name, "partition", partition, "evicted", evicted)
	}
	return evicted, err
}

// LockEntry blocks until the caller holds the lock on key or ctx is done.
func (s *Store) LockEntry(ctx context.Context, partition, key string) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	if st := s.guard.State(); st != guard.Open {
		return objstore.NewError(objstore.StoreNotAvailable, "store %q is %v", s.name, st)
	}
	if err := s.locks.Lock(ctx, keylock.Key(objstore.PartitionName(partition), key)); err != nil {
		return objstore.Error{Code: objstore.LockAcquisitionFailure, Err: err, UserData: key}
	}
	return nil
}

// ReleaseEntry releases the lock on key, failing if it is not held.
func (s *Store) ReleaseEntry(ctx context.Context, partition, key string) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	if err := s.locks.Unlock(keylock.Key(objstore.PartitionName(partition), key)); err != nil {
		return objstore.Error{Code: objstore.StoreFailure, Err: err, UserData: key}
	}
	return nil
}

// isEntryFileName reports whether name has the form of an entry file.
func isEntryFileName(name string) bool {
	h, ok := strings.CutSuffix(name, recordExt)
	if !ok || len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}
