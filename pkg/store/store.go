// Package store provides a local bbolt-backed snapshot for a clustercored
// process: the last known node table, a membership configuration
// version, and a set of service-group definitions. clustercored writes
// the cluster config and node table on shutdown and, on start, reads
// back only the cluster config; nothing re-registers service groups from
// the snapshot.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/clustercore/pkg/types"
)

var (
	bucketNodes    = []byte("nodes")
	bucketSGGroups = []byte("sg_groups")
	bucketConfig   = []byte("config")
)

const configKey = "cluster"

// ClusterConfig is the small amount of membership bookkeeping kept
// across a restart: the cluster's identity and a configuration version.
type ClusterConfig struct {
	ClusterID   uint16 `json:"cluster_id"`
	ClusterName string `json:"cluster_name"`
	ConfigVer   uint32 `json:"config_version"`
}

// SGGroupRecord is the persisted form of a locally registered service
// group, enough to re-Register it after a restart.
type SGGroupRecord struct {
	Name   string `json:"name"`
	Level  uint32 `json:"level"`
	Unique bool   `json:"unique"`
}

// Store is a bbolt-backed local snapshot.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the snapshot database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "clustercore.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketSGGroups, bucketConfig} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveClusterConfig persists the current membership configuration.
func (s *Store) SaveClusterConfig(cfg *ClusterConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfig).Put([]byte(configKey), data)
	})
}

// LoadClusterConfig returns the last persisted configuration, or nil if
// none has ever been saved.
func (s *Store) LoadClusterConfig() (*ClusterConfig, error) {
	var cfg *ClusterConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get([]byte(configKey))
		if data == nil {
			return nil
		}
		cfg = &ClusterConfig{}
		return json.Unmarshal(data, cfg)
	})
	return cfg, err
}

// SaveNode upserts a node's last known table entry.
func (s *Store) SaveNode(n *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put(nodeKey(n.NodeID), data)
	})
}

// DeleteNode removes a node's persisted entry.
func (s *Store) DeleteNode(id int32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete(nodeKey(id))
	})
}

// ListNodes returns every persisted node, in no particular order.
func (s *Store) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	return nodes, err
}

// SaveSGGroup persists a locally registered service group definition.
func (s *Store) SaveSGGroup(rec *SGGroupRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSGGroups).Put([]byte(rec.Name), data)
	})
}

// DeleteSGGroup removes a persisted service group definition.
func (s *Store) DeleteSGGroup(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSGGroups).Delete([]byte(name))
	})
}

// ListSGGroups returns every persisted service group definition.
func (s *Store) ListSGGroups() ([]*SGGroupRecord, error) {
	var groups []*SGGroupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSGGroups).ForEach(func(_, v []byte) error {
			var rec SGGroupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			groups = append(groups, &rec)
			return nil
		})
	})
	return groups, err
}

func nodeKey(id int32) []byte {
	return []byte(fmt.Sprintf("%d", id))
}
