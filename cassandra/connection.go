// Package cassandra contains the Cassandra backed, persistent object store.
package cassandra

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster and the object store keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string `json:"cluster_hosts" yaml:"cluster_hosts"`
	// Keyspace is the keyspace holding the object store tables.
	Keyspace string `json:"keyspace,omitempty" yaml:"keyspace,omitempty"`
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency `json:"-" yaml:"-"`
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator `json:"-" yaml:"-"`
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string `json:"replication_clause,omitempty" yaml:"replication_clause,omitempty"`
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

// OpenConnection opens a session using config and auto creates the keyspace and tables if not yet.
func OpenConnection(config Config) (*Connection, error) {
	if config.Keyspace == "" {
		// default keyspace
		config.Keyspace = "objstore"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		// Clear the authenticator, we don't need to keep it hanging around.
		config.Authenticator = nil
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	ks := config.Keyspace
	ddl := []string{
		fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", ks, config.ReplicationClause),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.object_store (store text, partition text, key text, value blob, ts bigint, seq timeuuid, PRIMARY KEY((store, partition), key));", ks),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.object_store_partitions (store text, partition text, PRIMARY KEY(store, partition));", ks),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.object_store_locks (store text, partition text, key text, owner UUID, PRIMARY KEY((store, partition, key)));", ks),
	}
	for _, stmt := range ddl {
		if err := s.Query(stmt).Exec(); err != nil {
			s.Close()
			return nil, err
		}
	}

	return &Connection{
		Session: s,
		Config:  config,
	}, nil
}

// Close closes the session if open.
func (c *Connection) Close() {
	if c == nil || c.Session == nil {
		return
	}
	c.Session.Close()
	c.Session = nil
}
