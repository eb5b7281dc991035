package manager

import (
	"context"
	"time"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/cassandra"
	"github.com/sharedcode/objstore/fs"
	"github.com/sharedcode/objstore/inmemory"
	"github.com/sharedcode/objstore/redis"
	"github.com/sharedcode/objstore/s3"
)

// Factory creates the open store name.
type Factory func(ctx context.Context, name string) (objstore.ObjectStore, error)

// InMemoryFactory returns a Factory of in-memory stores.
func InMemoryFactory(now func() time.Time) Factory {
	return func(ctx context.Context, name string) (objstore.ObjectStore, error) {
		return inmemory.NewStoreWithClock(name, now), nil
	}
}

// FileSystemFactory returns a Factory of filesystem stores rooted at opts.BasePath.
func FileSystemFactory(opts fs.Options, now func() time.Time) Factory {
	return func(ctx context.Context, name string) (objstore.ObjectStore, error) {
		return fs.New(ctx, name, opts, nil, now)
	}
}

// RedisFactory returns a Factory of Redis stores sharing conn.
func RedisFactory(conn *redis.Connection, opts redis.StoreOptions, now func() time.Time) Factory {
	return func(ctx context.Context, name string) (objstore.ObjectStore, error) {
		if err := conn.Ping(ctx); err != nil {
			return nil, objstore.NotAvailable(name, err)
		}
		return redis.NewStore(conn, name, opts, now), nil
	}
}

// CassandraFactory returns a Factory of Cassandra stores sharing conn.
func CassandraFactory(conn *cassandra.Connection, opts cassandra.StoreOptions, now func() time.Time) Factory {
	return func(ctx context.Context, name string) (objstore.ObjectStore, error) {
		return cassandra.NewStore(conn, name, opts, now), nil
	}
}

// S3Factory returns a Factory of S3 stores sharing client.
func S3Factory(client s3.API, opts s3.StoreOptions, now func() time.Time) Factory {
	return func(ctx context.Context, name string) (objstore.ObjectStore, error) {
		return s3.NewStore(client, name, opts, now)
	}
}
