package redis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	log "log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	retry "github.com/sethvargo/go-retry"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/internal/guard"
	"github.com/sharedcode/objstore/internal/lease"
)

// DefaultLockLease bounds how long a lock survives a holder that died without releasing it. A live
// holder renews its locks every third of the lease until ReleaseEntry.
const DefaultLockLease = time.Minute

var b64 = base64.RawURLEncoding

var (
	errLockHeld     = errors.New("entry is locked")
	errNotLocked    = errors.New("entry is not locked")
	errLeaseExpired = errors.New("lock lease expired before release")
)

// Each partition is three keys: a hash of key -> value (d), a sorted set of key by insertion sequence (i)
// and a sorted set of key by insertion time in Unix milliseconds (t).
var (
	storeScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
local seq = redis.call('INCR', KEYS[5])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[4])
return 1`)

	removeScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
  return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return v`)

	expireScript = redis.NewScript(`
local evicted = 0
local function evict(list)
  for _, k in ipairs(list) do
    redis.call('HDEL', KEYS[1], k)
    redis.call('ZREM', KEYS[2], k)
    redis.call('ZREM', KEYS[3], k)
    evicted = evicted + 1
  end
end
if ARGV[1] ~= '' then
  evict(redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[1]))
end
local max = tonumber(ARGV[2])
if max > 0 then
  local over = redis.call('ZCARD', KEYS[2]) - max
  if over > 0 then
    evict(redis.call('ZRANGE', KEYS[2], 0, over - 1))
  end
end
return evicted`)

	unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

// StoreOptions configures a Redis store.
type StoreOptions struct {
	// LockLease is the expiry of lock keys. <= 0 selects DefaultLockLease.
	LockLease time.Duration `json:"lock_lease,omitempty" yaml:"lock_lease,omitempty"`
	// LockPollBackoff is the first delay between lock attempts; it grows exponentially up to a second.
	LockPollBackoff time.Duration `json:"lock_poll_backoff,omitempty" yaml:"lock_poll_backoff,omitempty"`
}

// Store is the Redis object store. Every multi key step runs as a Lua script, thus is atomic across
// processes sharing the Redis server. Locks are SET NX keys owned by a random token.
type Store struct {
	name  string
	conn  *Connection
	base  string
	opts  StoreOptions
	now   func() time.Time
	guard *guard.Guard

	lmu    sync.Mutex
	held   map[string]string
	leases lease.Keeper
}

var (
	_ objstore.ExpirableStore = (*Store)(nil)
	_ objstore.LockableStore  = (*Store)(nil)
)

// NewStore returns the open Redis store name over conn.
func NewStore(conn *Connection, name string, opts StoreOptions, now func() time.Time) *Store {
	if opts.LockLease <= 0 {
		opts.LockLease = DefaultLockLease
	}
	if opts.LockPollBackoff <= 0 {
		opts.LockPollBackoff = 10 * time.Millisecond
	}
	return &Store{
		name:  name,
		conn:  conn,
		base:  fmt.Sprintf("%s:%s", conn.Options.KeyPrefix, b64.EncodeToString([]byte(name))),
		opts:  opts,
		now:   objstore.Clock(now),
		guard: guard.New(name),
		held:  make(map[string]string),
	}
}

func (s *Store) partitionsKey() string {
	return s.base + ":parts"
}

func (s *Store) sequenceKey() string {
	return s.base + ":seq"
}

func (s *Store) partitionKeys(partition string) (data, bySeq, byTime string) {
	p := s.base + ":" + b64.EncodeToString([]byte(partition))
	return p + ":d", p + ":i", p + ":t"
}

func (s *Store) lockKey(partition, key string) string {
	return s.base + ":" + b64.EncodeToString([]byte(partition)) + ":l:" + b64.EncodeToString([]byte(key))
}

// redisError maps a client failure to StoreNotAvailable, keeping context errors recognisable.
func (s *Store) redisError(err error) error {
	if err == nil {
		return nil
	}
	return objstore.NotAvailable(s.name, err)
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// IsPersistent is always true.
func (s *Store) IsPersistent() bool {
	return true
}

// Open reopens a closed store, checking the server is reachable.
func (s *Store) Open(ctx context.Context) error {
	return s.guard.Open(func() error {
		return s.redisError(s.conn.Ping(ctx))
	})
}

// Close makes the store reject operations until opened again. Data and the connection are kept.
func (s *Store) Close(ctx context.Context) error {
	return s.guard.Close(nil)
}

// Dispose deletes every key of the store and invalidates it. Held locks stop being renewed.
func (s *Store) Dispose(ctx context.Context) error {
	return s.guard.Dispose(func() error {
		s.leases.StopAll()
		parts, err := s.conn.Client.SMembers(ctx, s.partitionsKey()).Result()
		if err != nil {
			return s.redisError(err)
		}
		keys := []string{s.partitionsKey(), s.sequenceKey()}
		for _, p := range parts {
			d, i, t := s.partitionKeys(p)
			keys = append(keys, d, i, t)
		}
		_, err = s.conn.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			return nil
		})
		return s.redisError(err)
	})
}

// Contains reports whether key is present in partition.
func (s *Store) Contains(ctx context.Context, partition, key string) (bool, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return false, err
	}
	partition = objstore.PartitionName(partition)
	var found bool
	err := s.guard.Read(partition, func() error {
		d, _, _ := s.partitionKeys(partition)
		var err error
		found, err = s.conn.Client.HExists(ctx, d, key).Result()
		return s.redisError(err)
	})
	return found, err
}

// Store adds key to partition, failing if it is already present.
func (s *Store) Store(ctx context.Context, partition, key string, value []byte) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		d, i, t := s.partitionKeys(partition)
		added, err := storeScript.Run(ctx, s.conn.Client,
			[]string{d, i, t, s.partitionsKey(), s.sequenceKey()},
			key, value, s.now().UnixMilli(), partition).Int()
		if err != nil {
			return s.redisError(err)
		}
		if added == 0 {
			return objstore.AlreadyExists(partition, key)
		}
		return nil
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
		d, _, _ := s.partitionKeys(partition)
		ba, err := s.conn.Client.HGet(ctx, d, key).Bytes()
		if err == redis.Nil {
			return objstore.DoesNotExist(partition, key)
		}
		r = ba
		return s.redisError(err)
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
		d, i, t := s.partitionKeys(partition)
		v, err := removeScript.Run(ctx, s.conn.Client, []string{d, i, t}, key).Text()
		if err == redis.Nil {
			return objstore.DoesNotExist(partition, key)
		}
		if err != nil {
			return s.redisError(err)
		}
		r = []byte(v)
		return nil
	})
	return r, err
}

// Clear removes every entry of partition.
func (s *Store) Clear(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		d, i, t := s.partitionKeys(partition)
		return s.redisError(s.conn.Client.Del(ctx, d, i, t).Err())
	})
}

// AllKeys returns the keys of partition, oldest insertion first.
func (s *Store) AllKeys(ctx context.Context, partition string) ([]string, error) {
	partition = objstore.PartitionName(partition)
	var r []string
	err := s.guard.Read(partition, func() error {
		_, i, _ := s.partitionKeys(partition)
		var err error
		r, err = s.conn.Client.ZRange(ctx, i, 0, -1).Result()
		return s.redisError(err)
	})
	return r, err
}

// Partitions lists the partition names in ascending order.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	var r []string
	err := s.guard.Shared(func() error {
		var err error
		r, err = s.conn.Client.SMembers(ctx, s.partitionsKey()).Result()
		return s.redisError(err)
	})
	sort.Strings(r)
	return r, err
}

// OpenPartition registers partition.
func (s *Store) OpenPartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		return s.redisError(s.conn.Client.SAdd(ctx, s.partitionsKey(), partition).Err())
	})
}

// DisposePartition deletes the entries of partition and forgets it.
func (s *Store) DisposePartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		d, i, t := s.partitionKeys(partition)
		_, err := s.conn.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, d, i, t)
			pipe.SRem(ctx, s.partitionsKey(), partition)
			return nil
		})
		return s.redisError(err)
	})
}

// Expire evicts entries of partition older than entryTTL and then, oldest inserted first, those above
// maxEntries, in a single script run.
func (s *Store) Expire(ctx context.Context, entryTTL time.Duration, maxEntries int, partition string) (int, error) {
	partition = objstore.PartitionName(partition)
	var evicted int
	err := s.guard.Write(partition, func() error {
		d, i, t := s.partitionKeys(partition)
		cutoff := ""
		if entryTTL > 0 {
			cutoff = strconv.FormatInt(s.now().Add(-entryTTL).UnixMilli(), 10)
		}
		var err error
		evicted, err = expireScript.Run(ctx, s.conn.Client, []string{d, i, t}, cutoff, maxEntries).Int()
		return s.redisError(err)
	})
	if evicted > 0 {
		log.Debug("expired entries", "store", s.name, "partition", partition, "evicted", evicted)
	}
	return evicted, err
}

// LockEntry polls a SET NX on the entry's lock key until it wins or ctx is done.
func (s *Store) LockEntry(ctx context.Context, partition, key string) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	if st := s.guard.State(); st != guard.Open {
		return objstore.NewError(objstore.StoreNotAvailable, "store %q is %v", s.name, st)
	}
	lk := s.lockKey(objstore.PartitionName(partition), key)
	token := objstore.NewUUID().String()
	b := retry.WithCappedDuration(time.Second, retry.NewExponential(s.opts.LockPollBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ok, err := s.conn.Client.SetNX(ctx, lk, token, s.opts.LockLease).Result()
		if err != nil {
			return s.redisError(err)
		}
		if !ok {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	if err != nil {
		if objstore.IsNotAvailable(err) && ctx.Err() == nil {
			return err
		}
		return objstore.Error{Code: objstore.LockAcquisitionFailure, Err: err, UserData: key}
	}
	s.lmu.Lock()
	s.held[lk] = token
	s.lmu.Unlock()
	s.leases.Start(lk, lease.Interval(s.opts.LockLease), func(ctx context.Context) (bool, error) {
		n, err := renewScript.Run(ctx, s.conn.Client, []string{lk}, token, s.opts.LockLease.Milliseconds()).Int()
		return n == 1, err
	})
	return nil
}

// ReleaseEntry deletes the lock key if this store still owns it.
func (s *Store) ReleaseEntry(ctx context.Context, partition, key string) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	lk := s.lockKey(objstore.PartitionName(partition), key)
	s.lmu.Lock()
	token, ok := s.held[lk]
	delete(s.held, lk)
	s.lmu.Unlock()
	if !ok {
		return objstore.Error{Code: objstore.StoreFailure, Err: errNotLocked, UserData: key}
	}
	s.leases.Stop(lk)
	n, err := unlockScript.Run(ctx, s.conn.Client, []string{lk}, token).Int()
	if err != nil {
		return s.redisError(err)
	}
	if n == 0 {
		return objstore.Error{Code: objstore.StoreFailure, Err: errLeaseExpired, UserData: key}
	}
	return nil
}
