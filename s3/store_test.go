package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"

	"github.com/sharedcode/objstore"
)

type statusError int

func (e statusError) Error() string       { return fmt.Sprintf("http status %d", int(e)) }
func (e statusError) HTTPStatusCode() int { return int(e) }

type fakeObject struct {
	body     []byte
	metadata map[string]string
	modified time.Time
}

// fakeBucket is an in-memory API serving a single bucket.
type fakeBucket struct {
	mu            sync.Mutex
	objects       map[string]fakeObject
	deleteBatches int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string]fakeObject)}
}

func (f *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if _, ok := f.objects[key]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, statusError(http.StatusPreconditionFailed)
	}
	md := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		md[strings.ToLower(k)] = v
	}
	f.objects[key] = fakeObject{body: body, metadata: md, modified: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) get(key *string) (fakeObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(key)]
	if !ok {
		return fakeObject{}, statusError(http.StatusNotFound)
	}
	return o, nil
}

func (f *fakeBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	o, err := f.get(in.Key)
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(o.body)),
		ContentLength: aws.Int64(int64(len(o.body))),
		Metadata:      o.metadata,
	}, nil
}

func (f *fakeBucket) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	o, err := f.get(in.Key)
	if err != nil {
		return nil, err
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.body))),
		Metadata:      o.metadata,
		LastModified:  aws.Time(o.modified),
	}, nil
}

func (f *fakeBucket) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBucket) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(in.Delete.Objects) > maxDeleteBatch {
		return nil, statusError(http.StatusBadRequest)
	}
	f.deleteBatches++
	for _, o := range in.Delete.Objects {
		delete(f.objects, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix, delimiter := aws.ToString(in.Prefix), aws.ToString(in.Delimiter)
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := make(map[string]bool)
	for _, k := range keys {
		rest := k[len(prefix):]
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func newTestStore(t *testing.T, client API, name string, now func() time.Time) *Store {
	t.Helper()
	s, err := NewStore(client, name, DefaultStoreOptions("bucket"), now)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestS3Store_StoreRetrieveRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeBucket(), "basic", nil)

	if err := s.Store(ctx, "", "k", []byte("v1")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := s.Store(ctx, "", "k", []byte("v2")); !objstore.IsAlreadyExists(err) {
		t.Fatalf("second Store got %v, expected ObjectAlreadyExists", err)
	}
	if found, err := s.Contains(ctx, "", "k"); err != nil || !found {
		t.Fatalf("Contains got %v, %v", found, err)
	}
	v, err := s.Retrieve(ctx, "", "k")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if string(v) != "v1" {
		t.Errorf("Retrieve got %q, expected v1", v)
	}
	v, err = s.Remove(ctx, "", "k")
	if err != nil || string(v) != "v1" {
		t.Fatalf("Remove got %q, %v", v, err)
	}
	if _, err := s.Retrieve(ctx, "", "k"); !objstore.IsDoesNotExist(err) {
		t.Errorf("Retrieve after Remove got %v, expected ObjectDoesNotExist", err)
	}
	if _, err := s.Remove(ctx, "", "k"); !objstore.IsDoesNotExist(err) {
		t.Errorf("Remove of missing key got %v, expected ObjectDoesNotExist", err)
	}
	if found, _ := s.Contains(ctx, "", "k"); found {
		t.Errorf("Contains after Remove returned true")
	}
}

func TestS3Store_IdentifiersRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeBucket(), "names/with:odd chars", nil)
	partition := "tenant/a b?"
	keys := []string{"../escape", "with/slash", "ümlaut", ".partition", "CaseSensitive", "casesensitive"}

	for _, k := range keys {
		if err := s.Store(ctx, partition, k, []byte(k)); err != nil {
			t.Fatalf("Store(%q) failed: %v", k, err)
		}
	}
	got, err := s.AllKeys(ctx, partition)
	if err != nil {
		t.Fatalf("AllKeys failed: %v", err)
	}
	if diff := cmp.Diff(keys, got); diff != "" {
		t.Errorf("AllKeys mismatch (-want +got):\n%s", diff)
	}
	parts, _ := s.Partitions(ctx)
	if diff := cmp.Diff([]string{partition}, parts); diff != "" {
		t.Errorf("Partitions mismatch (-want +got):\n%s", diff)
	}
}

func TestS3Store_StoresShareBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	a := newTestStore(t, bucket, "a", nil)
	b := newTestStore(t, bucket, "b", nil)

	a.Store(ctx, "p", "k", []byte("a"))
	if found, _ := b.Contains(ctx, "p", "k"); found {
		t.Errorf("key of store a is visible in store b")
	}
	if err := b.Dispose(ctx); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if v, err := a.Retrieve(ctx, "p", "k"); err != nil || string(v) != "a" {
		t.Errorf("Retrieve after disposing another store got %q, %v", v, err)
	}
}

func TestS3Store_SurvivesNewHandle(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	s := newTestStore(t, bucket, "durable", nil)
	for _, k := range []string{"one", "two", "three"} {
		if err := s.Store(ctx, "p", k, []byte(k)); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}
	s.Close(ctx)
	if _, err := s.Retrieve(ctx, "p", "one"); !objstore.IsNotAvailable(err) {
		t.Errorf("Retrieve on closed store got %v, expected StoreNotAvailable", err)
	}

	s2 := newTestStore(t, bucket, "durable", nil)
	if !s2.IsPersistent() {
		t.Errorf("IsPersistent returned false")
	}
	keys, err := s2.AllKeys(ctx, "p")
	if err != nil {
		t.Fatalf("AllKeys failed: %v", err)
	}
	if diff := cmp.Diff([]string{"one", "two", "three"}, keys); diff != "" {
		t.Errorf("AllKeys mismatch (-want +got):\n%s", diff)
	}
}

func TestS3Store_ExpireTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, newFakeBucket(), "ttl", func() time.Time { return now })

	s.Store(ctx, "", "old", nil)
	now = now.Add(9 * time.Second)
	s.Store(ctx, "", "young", nil)
	if n, err := s.Expire(ctx, 10*time.Second, 0, ""); err != nil || n != 0 {
		t.Fatalf("Expire before TTL evicted %d, err %v", n, err)
	}
	now = now.Add(2 * time.Second)
	n, err := s.Expire(ctx, 10*time.Second, 0, "")
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expire evicted %d, expected 1", n)
	}
	keys, _ := s.AllKeys(ctx, "")
	if diff := cmp.Diff([]string{"young"}, keys); diff != "" {
		t.Errorf("AllKeys mismatch (-want +got):\n%s", diff)
	}
}

func TestS3Store_ExpireMaxEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, newFakeBucket(), "bounded", func() time.Time { return now })

	for i := 0; i < 8; i++ {
		if err := s.Store(ctx, "", fmt.Sprintf("k%d", i), nil); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}
	n, err := s.Expire(ctx, 0, 3, "")
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expire evicted %d, expected 5", n)
	}
	keys, _ := s.AllKeys(ctx, "")
	if diff := cmp.Diff([]string{"k5", "k6", "k7"}, keys); diff != "" {
		t.Errorf("AllKeys mismatch (-want +got):\n%s", diff)
	}
}

func TestS3Store_ClearBatchesDeletes(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	s := newTestStore(t, bucket, "clear", nil)
	for i := 0; i <= maxDeleteBatch; i++ {
		s.Store(ctx, "a", fmt.Sprintf("k%d", i), nil)
	}
	s.Store(ctx, "b", "k", nil)

	if err := s.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if bucket.deleteBatches != 2 {
		t.Errorf("Clear issued %d DeleteObjects calls, expected 2", bucket.deleteBatches)
	}
	keys, _ := s.AllKeys(ctx, "a")
	if len(keys) != 0 {
		t.Errorf("AllKeys after Clear returned %d keys", len(keys))
	}
	if err := s.OpenPartition(ctx, "c"); err != nil {
		t.Fatalf("OpenPartition failed: %v", err)
	}
	parts, _ := s.Partitions(ctx)
	if diff := cmp.Diff([]string{"b", "c"}, parts); diff != "" {
		t.Errorf("Partitions mismatch (-want +got):\n%s", diff)
	}
	if err := s.DisposePartition(ctx, "c"); err != nil {
		t.Fatalf("DisposePartition failed: %v", err)
	}
	parts, _ = s.Partitions(ctx)
	if diff := cmp.Diff([]string{"b"}, parts); diff != "" {
		t.Errorf("Partitions mismatch (-want +got):\n%s", diff)
	}
	if err := s.Dispose(ctx); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if len(bucket.objects) != 0 {
		t.Errorf("%d objects left after Dispose", len(bucket.objects))
	}
	if err := s.Store(ctx, "a", "k", nil); !objstore.IsNotAvailable(err) {
		t.Errorf("Store on disposed store got %v, expected StoreNotAvailable", err)
	}
}

func TestS3Store_BackendErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, failingBucket{statusError(http.StatusServiceUnavailable)}, "down", nil)
	if _, err := s.Retrieve(ctx, "", "k"); !objstore.IsNotAvailable(err) || !objstore.ShouldRetry(err) {
		t.Errorf("Retrieve on unavailable backend got %v, expected retryable StoreNotAvailable", err)
	}
	s = newTestStore(t, failingBucket{statusError(http.StatusForbidden)}, "denied", nil)
	if _, err := s.AllKeys(ctx, ""); objstore.ErrorCodeOf(err) != objstore.StoreFailure {
		t.Errorf("AllKeys on denied backend got %v, expected StoreFailure", err)
	}
}

type failingBucket struct{ err error }

func (f failingBucket) PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return nil, f.err
}
func (f failingBucket) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, f.err
}
func (f failingBucket) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return nil, f.err
}
func (f failingBucket) DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return nil, f.err
}
func (f failingBucket) DeleteObjects(context.Context, *s3.DeleteObjectsInput, ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	return nil, f.err
}
func (f failingBucket) ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return nil, f.err
}

func TestS3Store_Locks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeBucket(), "locks", nil)

	if err := s.LockEntry(ctx, "", "k"); err != nil {
		t.Fatalf("LockEntry failed: %v", err)
	}
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.LockEntry(tctx, "", "k"); objstore.ErrorCodeOf(err) != objstore.LockAcquisitionFailure {
		t.Errorf("LockEntry on held key got %v, expected LockAcquisitionFailure", err)
	}
	if err := s.ReleaseEntry(ctx, "", "k"); err != nil {
		t.Fatalf("ReleaseEntry failed: %v", err)
	}
}

func TestNewStore_EmptyBucket(t *testing.T) {
	if _, err := NewStore(newFakeBucket(), "x", StoreOptions{}, nil); objstore.ErrorCodeOf(err) != objstore.StoreFailure {
		t.Errorf("NewStore with empty bucket got %v, expected StoreFailure", err)
	}
}

// Runs against a live endpoint, e.g. minio: OBJSTORE_S3_ENDPOINT=http://127.0.0.1:9000 OBJSTORE_S3_BUCKET=test.
func TestS3Store_Live(t *testing.T) {
	endpoint := os.Getenv("OBJSTORE_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("OBJSTORE_S3_ENDPOINT not set")
	}
	ctx := context.Background()
	client := Connect(Config{
		HostEndpointURL: endpoint,
		Region:          "us-east-1",
		Username:        os.Getenv("OBJSTORE_S3_USER"),
		Password:        os.Getenv("OBJSTORE_S3_PASSWORD"),
		UsePathStyle:    true,
	})
	s, err := NewStore(client, fmt.Sprintf("live-%d", time.Now().UnixNano()), DefaultStoreOptions(os.Getenv("OBJSTORE_S3_BUCKET")), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer s.Dispose(ctx)

	if err := s.Store(ctx, "p", "k", []byte("v")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := s.Store(ctx, "p", "k", []byte("v")); !objstore.IsAlreadyExists(err) {
		t.Errorf("second Store got %v, expected ObjectAlreadyExists", err)
	}
	if v, err := s.Retrieve(ctx, "p", "k"); err != nil || string(v) != "v" {
		t.Errorf("Retrieve got %q, %v", v, err)
	}
}
