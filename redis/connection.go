// Package redis contains the Redis backed, persistent object store.
package redis

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Options are the Redis connection options.
type Options struct {
	// Redis server(cluster) address.
	Address string `json:"address" yaml:"address"`
	// Password required when connecting to the Redis server.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	// DB to connect to.
	DB int `json:"db,omitempty" yaml:"db,omitempty"`
	// KeyPrefix namespaces every key the stores write.
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	// TLS config.
	TLSConfig *tls.Config `json:"-" yaml:"-"`
}

// DefaultOptions returns the options of a local, password-less Redis.
func DefaultOptions() Options {
	return Options{
		Address:   "localhost:6379",
		Password:  "", // no password set
		DB:        0,  // use default DB
		KeyPrefix: "objstore",
	}
}

// Connection contains Redis client connection object and the Options used to connect.
// Stores built over a Connection share it; whoever opened it closes it.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// OpenConnection creates a Redis client for options. No round trip happens until first use; call Ping
// to verify connectivity.
func OpenConnection(options Options) *Connection {
	if options.KeyPrefix == "" {
		options.KeyPrefix = DefaultOptions().KeyPrefix
	}
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB})

	return &Connection{
		Client:  client,
		Options: options,
	}
}

// Ping tests connectivity for redis (PONG should be returned).
func (c *Connection) Ping(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return errors.New("redis connection is not open")
	}
	return c.Client.Ping(ctx).Err()
}

// Close the connection if open.
func (c *Connection) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}
