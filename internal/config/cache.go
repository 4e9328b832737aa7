// Package config provides environment configuration and the dynamic
// exclusion-pattern store for the auth gateway.
//
// Purpose:
//   Load the process configuration from the environment, and keep the set of
//   operator-managed exclusion patterns (request paths and identifiers that
//   bypass authorization) in sync with the Config Service. A BoltDB snapshot
//   keeps the last known set available when the Config Service is down.
//
// Dependencies:
//   - github.com/kelseyhightower/envconfig: environment parsing
//   - go.etcd.io/bbolt: embedded snapshot of exclusion patterns
//   - go.etcd.io/etcd/client/v3: Config Service client and watch stream
//
// Key Responsibilities:
//   - Parse and validate runtime configuration
//   - Persist exclusion patterns locally
//   - Watch etcd for pattern updates and deletions
//
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const ignoreBucket = "ignore"

// IgnoreRule is one operator-managed exclusion pattern.
type IgnoreRule struct {
	Key       string    `json:"key"`
	Pattern   string    `json:"pattern"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Cache provides persistent storage for exclusion rules.
type Cache struct {
	db *bbolt.DB
}

// NewCache opens (or creates) the BoltDB snapshot at path.
func NewCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ignoreBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// StoreRule writes or replaces a rule.
func (c *Cache) StoreRule(ctx context.Context, rule *IgnoreRule) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ignoreBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", ignoreBucket)
		}
		data, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("marshal rule: %w", err)
		}
		return bucket.Put([]byte(rule.Key), data)
	})
}

// DeleteRule removes the rule stored under key. Missing keys are not an error.
func (c *Cache) DeleteRule(ctx context.Context, key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ignoreBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", ignoreBucket)
		}
		return bucket.Delete([]byte(key))
	})
}

// LoadRules returns every stored rule.
func (c *Cache) LoadRules(ctx context.Context) ([]*IgnoreRule, error) {
	var rules []*IgnoreRule
	err := c.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ignoreBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", ignoreBucket)
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rule IgnoreRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return fmt.Errorf("unmarshal rule %s: %w", k, err)
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	return rules, err
}
