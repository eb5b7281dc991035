// Package objstore defines the object store contracts, store options, error codes and the
// shared helpers (retry, logging, UUIDs, task runner) used across the objstore codebase.
// Concrete backings live in subpackages: inmemory, fs (filesystem), redis, cassandra and s3.
// The manager package creates, caches and sweeps named stores, and the xa package provides the
// local and two-phase commit (XA) transaction state machine, with xa/txstore binding it to
// object store mutations.
//
// Every store is partitioned. A partition is a case-sensitive namespace created lazily on first
// use; the same key in two partitions refers to two independent entries. Callers that only need
// the plain key/value contract can use Default(store), a view over DefaultPartition.
package objstore

// Concurrency model
//
// Each store guards every partition with its own sync.RWMutex. Contains, Retrieve and AllKeys take
// the read side, Store, Remove, Clear and Expire the write side, thus an Expire sweep is atomic with
// respect to everything else happening on that partition within the process.
//
// LockEntry/ReleaseEntry are independent of the above. They provide caller-level mutual exclusion
// per (partition, key) for multi-step read-modify-write sequences. They are not reentrant: locking
// an already held key blocks, even on the same goroutine, until it is released or ctx is done.
