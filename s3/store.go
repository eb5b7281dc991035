// Package s3 contains the object store persisted in an S3 bucket.
//
// Layout: <prefix>/<b64url(store)>/<b64url(partition)>/<b64url(key)>, one object per entry, with the
// insertion timestamp and sequence kept as object metadata. Each partition also holds a ".partition"
// marker object so that empty partitions are listed. Locks are in-process only.
package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/go-multierror"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/internal/guard"
	"github.com/sharedcode/objstore/internal/keylock"
)

const (
	markerName = ".partition"
	metaTS     = "ts"
	metaSeq    = "seq"
	// Values above this size are downloaded in parallel ranged parts.
	largeObjectMinSize = 10 * 1024 * 1024
	// Most keys a DeleteObjects call accepts.
	maxDeleteBatch = 1000
)

var b64 = base64.RawURLEncoding

// StoreOptions configures where a store keeps its objects.
type StoreOptions struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	// Prefix is prepended to every object key. Defaults to "objstore".
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// MetadataConcurrency bounds the parallel HEAD requests of listings. Defaults to 8.
	MetadataConcurrency int `json:"metadata_concurrency,omitempty" yaml:"metadata_concurrency,omitempty"`
}

// DefaultStoreOptions returns the options of a store in bucket.
func DefaultStoreOptions(bucket string) StoreOptions {
	return StoreOptions{
		Bucket:              bucket,
		Prefix:              "objstore",
		MetadataConcurrency: 8,
	}
}

type entryInfo struct {
	key string
	ts  int64
	seq int64
}

func (e entryInfo) olderThan(o entryInfo) bool {
	if e.ts != o.ts {
		return e.ts < o.ts
	}
	return e.seq < o.seq
}

// Store is the S3 object store. It is persistent.
type Store struct {
	name        string
	client      API
	bucket      string
	base        string
	concurrency int
	now         func() time.Time
	seq         atomic.Int64
	guard       *guard.Guard
	locks       *keylock.Table
}

var (
	_ objstore.ExpirableStore = (*Store)(nil)
	_ objstore.LockableStore  = (*Store)(nil)
)

// NewStore returns the open store name over client.
func NewStore(client API, name string, opts StoreOptions, now func() time.Time) (*Store, error) {
	if opts.Bucket == "" {
		return nil, objstore.NewError(objstore.StoreFailure, "bucket of store %q can't be empty", name)
	}
	if opts.Prefix == "" {
		opts.Prefix = "objstore"
	}
	if opts.MetadataConcurrency <= 0 {
		opts.MetadataConcurrency = 8
	}
	s := &Store{
		name:        name,
		client:      client,
		bucket:      opts.Bucket,
		base:        opts.Prefix + "/" + b64.EncodeToString([]byte(name)),
		concurrency: opts.MetadataConcurrency,
		now:         objstore.Clock(now),
		guard:       guard.New(name),
		locks:       keylock.New(),
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
	return s.guard.Open(nil)
}

// Close makes the store reject operations until opened again. Objects are kept.
func (s *Store) Close(ctx context.Context) error {
	return s.guard.Close(nil)
}

// Dispose deletes every object of the store and invalidates it.
func (s *Store) Dispose(ctx context.Context) error {
	return s.guard.Dispose(func() error {
		keys, err := s.listObjects(ctx, s.base+"/")
		if err != nil {
			return err
		}
		if err := s.deleteObjects(ctx, keys); err != nil {
			return err
		}
		log.Debug("disposed s3 store", "store", s.name, "bucket", s.bucket, "objects", len(keys))
		return nil
	})
}

func (s *Store) partitionPrefix(partition string) string {
	return s.base + "/" + b64.EncodeToString([]byte(partition)) + "/"
}

func (s *Store) objectKey(partition, key string) string {
	return s.partitionPrefix(partition) + b64.EncodeToString([]byte(key))
}

// statusOf returns the HTTP status of a failed S3 call, 0 if there is none.
func statusOf(err error) int {
	var sc interface{ HTTPStatusCode() int }
	if errors.As(err, &sc) {
		return sc.HTTPStatusCode()
	}
	return 0
}

// backendError maps a failed S3 call to an objstore.Error.
func (s *Store) backendError(err error) error {
	switch statusOf(err) {
	case http.StatusForbidden, http.StatusBadRequest:
		return objstore.Error{Code: objstore.StoreFailure, Err: err, UserData: s.name}
	}
	return objstore.NotAvailable(s.name, err)
}

func (s *Store) head(ctx context.Context, objectKey string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
}

func (s *Store) readValue(ctx context.Context, partition, key string) ([]byte, error) {
	objectKey := s.objectKey(partition, key)
	h, err := s.head(ctx, objectKey)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, objstore.DoesNotExist(partition, key)
		}
		return nil, s.backendError(err)
	}
	if aws.ToInt64(h.ContentLength) > largeObjectMinSize {
		downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
			d.PartSize = largeObjectMinSize
		})
		buffer := manager.NewWriteAtBuffer(make([]byte, 0, aws.ToInt64(h.ContentLength)))
		if _, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		}); err != nil {
			return nil, s.backendError(err)
		}
		return buffer.Bytes(), nil
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, objstore.DoesNotExist(partition, key)
		}
		return nil, s.backendError(err)
	}
	defer out.Body.Close()
	ba, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.backendError(err)
	}
	return ba, nil
}

// listObjects returns the object keys under prefix.
func (s *Store) listObjects(ctx context.Context, prefix string) ([]string, error) {
	var r []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s.backendError(err)
		}
		for _, o := range page.Contents {
			r = append(r, aws.ToString(o.Key))
		}
	}
	return r, nil
}

// listEntries returns the entries of partition, oldest insertion first.
func (s *Store) listEntries(ctx context.Context, partition string) ([]entryInfo, error) {
	prefix := s.partitionPrefix(partition)
	objectKeys, err := s.listObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	infos := make([]*entryInfo, len(objectKeys))
	tr := objstore.NewTaskRunner(ctx, s.concurrency)
	for i, objectKey := range objectKeys {
		name := strings.TrimPrefix(objectKey, prefix)
		if name == markerName || strings.Contains(name, "/") {
			continue
		}
		kb, err := b64.DecodeString(name)
		if err != nil {
			log.Warn("skipping foreign object in partition", "store", s.name, "partition", partition, "object", objectKey)
			continue
		}
		tr.Go(func() error {
			h, err := s.head(tr.GetContext(), objectKey)
			if err != nil {
				// Removed since listed.
				if statusOf(err) == http.StatusNotFound {
					return nil
				}
				return s.backendError(err)
			}
			ts, _ := strconv.ParseInt(h.Metadata[metaTS], 10, 64)
			if ts == 0 && h.LastModified != nil {
				ts = h.LastModified.UnixNano()
			}
			seq, _ := strconv.ParseInt(h.Metadata[metaSeq], 10, 64)
			infos[i] = &entryInfo{key: string(kb), ts: ts, seq: seq}
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return nil, err
	}
	r := make([]entryInfo, 0, len(infos))
	for _, e := range infos {
		if e != nil {
			r = append(r, *e)
		}
	}
	sort.Slice(r, func(i, j int) bool {
		return r[i].olderThan(r[j])
	})
	return r, nil
}

// deleteObjects deletes keys in batches. Per key failures are aggregated.
func (s *Store) deleteObjects(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), maxDeleteBatch)
		ids := make([]types.ObjectIdentifier, n)
		for i := range ids {
			ids[i] = types.ObjectIdentifier{Key: aws.String(keys[i])}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return s.backendError(err)
		}
		var errs *multierror.Error
		for _, e := range out.Errors {
			errs = multierror.Append(errs, fmt.Errorf("deleting %s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
		if err := errs.ErrorOrNil(); err != nil {
			return objstore.NotAvailable(s.name, err)
		}
		keys = keys[n:]
	}
	return nil
}

// Contains reports whether key is present in partition.
func (s *Store) Contains(ctx context.Context, partition, key string) (bool, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return false, err
	}
	partition = objstore.PartitionName(partition)
	var found bool
	err := s.guard.Read(partition, func() error {
		_, err := s.head(ctx, s.objectKey(partition, key))
		if err != nil {
			if statusOf(err) == http.StatusNotFound {
				return nil
			}
			return s.backendError(err)
		}
		found = true
		return nil
	})
	return found, err
}

// Store puts key in partition with a conditional create, failing if it is already present.
func (s *Store) Store(ctx context.Context, partition, key string, value []byte) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.objectKey(partition, key)),
			Body:        bytes.NewReader(value),
			IfNoneMatch: aws.String("*"),
			Metadata: map[string]string{
				metaTS:  strconv.FormatInt(s.now().UnixNano(), 10),
				metaSeq: strconv.FormatInt(s.seq.Add(1), 10),
			},
		})
		if err != nil {
			if statusOf(err) == http.StatusPreconditionFailed {
				return objstore.AlreadyExists(partition, key)
			}
			return s.backendError(err)
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
		var err error
		r, err = s.readValue(ctx, partition, key)
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
		ba, err := s.readValue(ctx, partition, key)
		if err != nil {
			return err
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(partition, key)),
		}); err != nil {
			return s.backendError(err)
		}
		r = ba
		return nil
	})
	return r, err
}

// Clear removes every entry of partition, keeping the partition itself.
func (s *Store) Clear(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		prefix := s.partitionPrefix(partition)
		keys, err := s.listObjects(ctx, prefix)
		if err != nil {
			return err
		}
		entries := keys[:0]
		for _, k := range keys {
			if k != prefix+markerName {
				entries = append(entries, k)
			}
		}
		return s.deleteObjects(ctx, entries)
	})
}

// AllKeys returns the keys of partition, oldest insertion first.
func (s *Store) AllKeys(ctx context.Context, partition string) ([]string, error) {
	partition = objstore.PartitionName(partition)
	var r []string
	err := s.guard.Read(partition, func() error {
		entries, err := s.listEntries(ctx, partition)
		if err != nil {
			return err
		}
		r = make([]string, len(entries))
		for i := range entries {
			r[i] = entries[i].key
		}
		return nil
	})
	return r, err
}

// Partitions lists the partitions of the store in ascending order.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	var r []string
	err := s.guard.Shared(func() error {
		r = []string{}
		p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket:    aws.String(s.bucket),
			Prefix:    aws.String(s.base + "/"),
			Delimiter: aws.String("/"),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return s.backendError(err)
			}
			for _, cp := range page.CommonPrefixes {
				seg := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), s.base+"/"), "/")
				pb, err := b64.DecodeString(seg)
				if err != nil {
					continue
				}
				r = append(r, string(pb))
			}
		}
		return nil
	})
	sort.Strings(r)
	return r, err
}

// OpenPartition writes the partition marker.
func (s *Store) OpenPartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.partitionPrefix(partition) + markerName),
			Body:   bytes.NewReader(nil),
		}); err != nil {
			return s.backendError(err)
		}
		return nil
	})
}

// DisposePartition deletes every object of partition, marker included.
func (s *Store) DisposePartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		keys, err := s.listObjects(ctx, s.partitionPrefix(partition))
		if err != nil {
			return err
		}
		return s.deleteObjects(ctx, keys)
	})
}

// Expire evicts entries of partition older than entryTTL and then, oldest inserted first, those above
// maxEntries.
func (s *Store) Expire(ctx context.Context, entryTTL time.Duration, maxEntries int, partition string) (int, error) {
	partition = objstore.PartitionName(partition)
	var evicted int
	err := s.guard.Write(partition, func() error {
		entries, err := s.listEntries(ctx, partition)
		if err != nil {
			return err
		}
		now := s.now().UnixNano()
		remaining := len(entries)
		var victims []string
		for _, e := range entries {
			expired := entryTTL > 0 && time.Duration(now-e.ts) > entryTTL
			overflow := maxEntries > 0 && remaining > maxEntries
			if !expired && !overflow {
				break
			}
			victims = append(victims, s.objectKey(partition, e.key))
			remaining--
		}
		if err := s.deleteObjects(ctx, victims); err != nil {
			return err
		}
		evicted = len(victims)
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
