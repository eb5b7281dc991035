package manager

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/cassandra"
	"github.com/sharedcode/objstore/fs"
	"github.com/sharedcode/objstore/redis"
	"github.com/sharedcode/objstore/s3"
)

// Backend names accepted in PersistenceOptions.Backend.
const (
	BackendNone       = ""
	BackendFileSystem = "fs"
	BackendRedis      = "redis"
	BackendCassandra  = "cassandra"
	BackendS3         = "s3"
)

// Options is the serializable manager configuration.
type Options struct {
	// Defaults are the options of stores requested without explicit options and not listed in Stores.
	Defaults objstore.StoreOptions `json:"defaults" yaml:"defaults"`
	// Stores holds per store name options, used by GetObjectStore.
	Stores map[string]objstore.StoreOptions `json:"stores,omitempty" yaml:"stores,omitempty"`
	// SweepConcurrency bounds the partitions of a store swept in parallel. <= 0 means 4.
	SweepConcurrency int `json:"sweep_concurrency,omitempty" yaml:"sweep_concurrency,omitempty"`
	// Persistence selects and configures the backing of persistent stores.
	Persistence PersistenceOptions `json:"persistence" yaml:"persistence"`
}

// PersistenceOptions selects the persistent backing. Only the section of the selected backend is read.
type PersistenceOptions struct {
	Backend        string                 `json:"backend" yaml:"backend"`
	FileSystem     fs.Options             `json:"fs" yaml:"fs"`
	Redis          redis.Options          `json:"redis" yaml:"redis"`
	RedisStore     redis.StoreOptions     `json:"redis_store" yaml:"redis_store"`
	Cassandra      cassandra.Config       `json:"cassandra" yaml:"cassandra"`
	CassandraStore cassandra.StoreOptions `json:"cassandra_store" yaml:"cassandra_store"`
	S3             s3.Config              `json:"s3" yaml:"s3"`
	S3Store        s3.StoreOptions        `json:"s3_store" yaml:"s3_store"`
}

// DefaultOptions returns options for in-memory, unbounded stores and no persistent backing.
func DefaultOptions() Options {
	return Options{
		Defaults:         objstore.DefaultStoreOptions(),
		SweepConcurrency: 4,
	}
}

// LoadOptions reads Options from a YAML (or JSON) file. Durations are Go duration strings, e.g. "90s".
func LoadOptions(path string) (Options, error) {
	ba, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("reading manager options: %w", err)
	}
	return ParseOptions(ba)
}

// ParseOptions decodes YAML (or JSON) encoded Options over DefaultOptions.
func ParseOptions(ba []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(ba, &opts); err != nil {
		return Options{}, fmt.Errorf("parsing manager options: %w", err)
	}
	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) validate() error {
	switch o.Persistence.Backend {
	case BackendNone, BackendFileSystem, BackendRedis, BackendCassandra, BackendS3:
	default:
		return fmt.Errorf("unknown persistence backend %q", o.Persistence.Backend)
	}
	if o.Persistence.Backend == BackendFileSystem && o.Persistence.FileSystem.BasePath == "" {
		return fmt.Errorf("persistence backend %q requires fs.base_path", BackendFileSystem)
	}
	if o.Persistence.Backend == BackendCassandra && len(o.Persistence.Cassandra.ClusterHosts) == 0 {
		return fmt.Errorf("persistence backend %q requires cassandra.cluster_hosts", BackendCassandra)
	}
	if o.Persistence.Backend == BackendS3 && o.Persistence.S3Store.Bucket == "" {
		return fmt.Errorf("persistence backend %q requires s3_store.bucket", BackendS3)
	}
	for name, so := range o.Stores {
		if so.IsPersistent && o.Persistence.Backend == BackendNone {
			return fmt.Errorf("store %q is persistent but no persistence backend is configured", name)
		}
	}
	return nil
}

// storeOptions returns the configured options of name.
func (o Options) storeOptions(name string) objstore.StoreOptions {
	if so, ok := o.Stores[name]; ok {
		return so
	}
	return o.Defaults
}
