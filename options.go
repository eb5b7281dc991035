package objstore

import "time"

// DefaultExpirationInterval is the sweep cadence used when a store is bounded but no interval was given.
const DefaultExpirationInterval = time.Minute

// StoreOptions holds the configuration a store is created with.
type StoreOptions struct {
	// IsPersistent selects the persistent backing instead of the in-memory one.
	IsPersistent bool `json:"is_persistent" yaml:"is_persistent"`
	// MaxEntries bounds the number of entries per partition. <= 0 means unbounded.
	MaxEntries int `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	// EntryTTL bounds the age of entries. <= 0 means unbounded.
	EntryTTL time.Duration `json:"entry_ttl,omitempty" yaml:"entry_ttl,omitempty"`
	// ExpirationInterval is how often the expiration sweep runs over the store's partitions.
	ExpirationInterval time.Duration `json:"expiration_interval,omitempty" yaml:"expiration_interval,omitempty"`
}

// DefaultStoreOptions returns in-memory, unbounded store options.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{}
}

// IsExpirable reports whether entries are bounded by age or count, i.e. - a sweep is needed.
func (o StoreOptions) IsExpirable() bool {
	return o.MaxEntries > 0 || o.EntryTTL > 0
}

// SweepInterval returns the sweep cadence, falling back to DefaultExpirationInterval for bounded stores.
func (o StoreOptions) SweepInterval() time.Duration {
	if !o.IsExpirable() {
		return 0
	}
	if o.ExpirationInterval <= 0 {
		return DefaultExpirationInterval
	}
	return o.ExpirationInterval
}
