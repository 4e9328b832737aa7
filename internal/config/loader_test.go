package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.uber.org/zap/zaptest"
)

// getEtcdEndpoint returns the etcd endpoint for testing.
func getEtcdEndpoint() string {
	endpoint := os.Getenv("ETCD_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:2379"
	}
	return endpoint
}

func setupTestCache(t *testing.T) *Cache {
	cache, err := NewCache(filepath.Join(t.TempDir(), "test-cache.db"))
	if err != nil {
		t.Fatalf("failed to create test cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

// setupTestEtcdClient returns nil if etcd is not available.
func setupTestEtcdClient(t *testing.T, endpoint string) *clientv3.Client {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Logf("etcd not available at %s: %v (testing fallback behavior)", endpoint, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, endpoint); err != nil {
		_ = client.Close()
		t.Logf("etcd not available at %s: %v (testing fallback behavior)", endpoint, err)
		return nil
	}
	return client
}

func cleanupEtcd(t *testing.T, client *clientv3.Client) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Delete(ctx, etcdKeyPrefix, clientv3.WithPrefix()); err != nil {
		t.Logf("failed to cleanup etcd: %v", err)
	}
}

func TestCache_StoreLoadDelete(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	rule := &IgnoreRule{Key: etcdKeyPrefix + "/health", Pattern: "/healthz", UpdatedAt: time.Now()}
	if err := cache.StoreRule(ctx, rule); err != nil {
		t.Fatalf("StoreRule() failed: %v", err)
	}

	rules, err := cache.LoadRules(ctx)
	if err != nil {
		t.Fatalf("LoadRules() failed: %v", err)
	}
	if len(rules) != 1 || rules[0].Pattern != "/healthz" {
		t.Fatalf("expected stored rule, got %+v", rules)
	}

	if err := cache.DeleteRule(ctx, rule.Key); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	rules, err = cache.LoadRules(ctx)
	if err != nil {
		t.Fatalf("LoadRules() failed: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("expected no rules after delete, got %d", len(rules))
	}
}

func TestLoader_Load_FromCache(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	for _, rule := range []*IgnoreRule{
		{Key: etcdKeyPrefix + "/b", Pattern: "report:export"},
		{Key: etcdKeyPrefix + "/a", Pattern: "/static"},
	} {
		if err := cache.StoreRule(ctx, rule); err != nil {
			t.Fatalf("failed to store rule: %v", err)
		}
	}

	loader := NewLoader("", false, cache, zaptest.NewLogger(t))
	if err := loader.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	want := []string{"/static", "report:export"}
	if got := loader.Patterns(); !reflect.DeepEqual(got, want) {
		t.Errorf("Patterns() = %v, want %v", got, want)
	}
}

func TestLoader_Load_NoSources(t *testing.T) {
	loader := NewLoader("", false, nil, zaptest.NewLogger(t))
	if err := loader.Load(context.Background()); err != nil {
		t.Fatalf("Load() without sources should not fail: %v", err)
	}
	if len(loader.Patterns()) != 0 {
		t.Errorf("expected empty pattern set")
	}
	if err := loader.Health(context.Background()); err != nil {
		t.Errorf("unconfigured endpoint should be healthy: %v", err)
	}
}

func TestLoader_HandleWatchEvent(t *testing.T) {
	cache := setupTestCache(t)
	loader := NewLoader("", true, cache, zaptest.NewLogger(t))
	ctx := context.Background()
	key := etcdKeyPrefix + "/captcha"

	put := &clientv3.Event{
		Type: clientv3.EventTypePut,
		Kv:   &mvccpb.KeyValue{Key: []byte(key), Value: []byte(`{"pattern":"captcha"}`), ModRevision: 7},
	}
	if err := loader.handleWatchEvent(ctx, put); err != nil {
		t.Fatalf("handleWatchEvent(put) failed: %v", err)
	}
	if got := loader.Patterns(); len(got) != 1 || got[0] != "captcha" {
		t.Fatalf("expected pattern after put, got %v", got)
	}
	rules, _ := cache.LoadRules(ctx)
	if len(rules) != 1 || rules[0].Version != 7 {
		t.Errorf("expected cached rule with revision 7, got %+v", rules)
	}

	del := &clientv3.Event{
		Type: clientv3.EventTypeDelete,
		Kv:   &mvccpb.KeyValue{Key: []byte(key)},
	}
	if err := loader.handleWatchEvent(ctx, del); err != nil {
		t.Fatalf("handleWatchEvent(delete) failed: %v", err)
	}
	if got := loader.Patterns(); len(got) != 0 {
		t.Errorf("expected no patterns after delete, got %v", got)
	}
}

func TestDecodeRule_BarePattern(t *testing.T) {
	rule := decodeRule("k", []byte("  portal:*  "), 3)
	if rule.Pattern != "portal:*" || rule.Key != "k" || rule.Version != 3 {
		t.Errorf("unexpected rule %+v", rule)
	}
}

func TestLoader_Load_FromEtcd(t *testing.T) {
	endpoint := getEtcdEndpoint()
	client := setupTestEtcdClient(t, endpoint)
	if client == nil {
		t.Skip("etcd not available, skipping etcd integration test")
	}
	defer func() { _ = client.Close() }()
	defer cleanupEtcd(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Put(ctx, etcdKeyPrefix+"/favicon", "favicon.ico"); err != nil {
		t.Fatalf("failed to put pattern: %v", err)
	}

	cache := setupTestCache(t)
	loader := NewLoader(endpoint, false, cache, zaptest.NewLogger(t))
	defer loader.Stop()

	if err := loader.Load(context.Background()); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := loader.Patterns(); len(got) != 1 || got[0] != "favicon.ico" {
		t.Errorf("expected etcd pattern, got %v", got)
	}

	rules, err := cache.LoadRules(context.Background())
	if err != nil || len(rules) != 1 {
		t.Errorf("expected pattern persisted to cache, got %v (%v)", rules, err)
	}
}
