package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// etcdKeyPrefix is the prefix for all exclusion pattern keys in etcd.
const etcdKeyPrefix = "/auth-gateway/ignore"

// Loader keeps the dynamic exclusion patterns in sync with the Config Service.
type Loader struct {
	endpoint     string
	watchEnabled bool
	cache        *Cache
	logger       *zap.Logger

	mu       sync.RWMutex
	client   *clientv3.Client
	patterns map[string]string

	watchCtx    context.Context
	watchCancel context.CancelFunc
}

// NewLoader creates a new exclusion pattern loader.
// If logger is nil, a no-op logger will be used. cache may be nil.
func NewLoader(endpoint string, watchEnabled bool, cache *Cache, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		endpoint:     endpoint,
		watchEnabled: watchEnabled,
		cache:        cache,
		logger:       logger,
		patterns:     make(map[string]string),
	}
}

func (l *Loader) connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return nil
	}
	if l.endpoint == "" {
		return fmt.Errorf("config service endpoint not configured")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{l.endpoint},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect to etcd: %w", err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := client.Status(statusCtx, l.endpoint); err != nil {
		_ = client.Close()
		return fmt.Errorf("etcd status check failed: %w", err)
	}

	l.client = client
	l.logger.Info("connected to etcd", zap.String("endpoint", l.endpoint))
	return nil
}

func (l *Loader) etcd() *clientv3.Client {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client
}

func (l *Loader) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		err := l.client.Close()
		l.client = nil
		return err
	}
	return nil
}

// Load fills the pattern set from etcd, falling back to the local snapshot.
// An empty result is not an error: the gateway runs with static patterns only.
func (l *Loader) Load(ctx context.Context) error {
	if err := l.connect(ctx); err != nil {
		l.logger.Warn("failed to connect to etcd, falling back to cache", zap.Error(err))
	} else {
		rules, err := l.loadRulesFromEtcd(ctx)
		if err == nil {
			for _, rule := range rules {
				if l.cache != nil {
					if err := l.cache.StoreRule(ctx, rule); err != nil {
						l.logger.Warn("failed to store rule in cache", zap.Error(err), zap.String("key", rule.Key))
					}
				}
			}
			l.replace(rules)
			l.logger.Info("loaded exclusion patterns from etcd", zap.Int("count", len(rules)))
			return nil
		}
		l.logger.Warn("failed to load exclusion patterns from etcd", zap.Error(err))
	}

	if l.cache == nil {
		return nil
	}
	rules, err := l.cache.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("config loader: load cached rules: %w", err)
	}
	l.replace(rules)
	l.logger.Info("loaded exclusion patterns from cache", zap.Int("count", len(rules)))
	return nil
}

func (l *Loader) loadRulesFromEtcd(ctx context.Context) ([]*IgnoreRule, error) {
	client := l.etcd()
	if client == nil {
		return nil, fmt.Errorf("etcd client not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := client.Get(ctx, etcdKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}

	rules := make([]*IgnoreRule, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rule := decodeRule(string(kv.Key), kv.Value, kv.ModRevision)
		if rule.Pattern == "" {
			l.logger.Warn("skipping empty exclusion pattern", zap.String("key", string(kv.Key)))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// decodeRule accepts either a JSON IgnoreRule or a bare pattern string.
func decodeRule(key string, value []byte, revision int64) *IgnoreRule {
	var rule IgnoreRule
	if err := json.Unmarshal(value, &rule); err != nil || rule.Pattern == "" {
		rule = IgnoreRule{Pattern: strings.TrimSpace(string(value))}
	}
	rule.Key = key
	rule.Version = revision
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	return &rule
}

func (l *Loader) replace(rules []*IgnoreRule) {
	next := make(map[string]string, len(rules))
	for _, rule := range rules {
		next[rule.Key] = rule.Pattern
	}
	l.mu.Lock()
	l.patterns = next
	l.mu.Unlock()
}

// Patterns returns the current dynamic exclusion patterns, sorted.
func (l *Loader) Patterns() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.patterns))
	for _, p := range l.patterns {
		out = append(out, p)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Watch starts watching etcd for pattern changes.
func (l *Loader) Watch(ctx context.Context) error {
	if !l.watchEnabled {
		return nil
	}

	if err := l.connect(ctx); err != nil {
		l.logger.Warn("failed to connect to etcd for watch, watch disabled", zap.Error(err))
		return nil
	}

	l.watchCtx, l.watchCancel = context.WithCancel(ctx)

	go func() {
		defer l.logger.Info("config watch stopped")

		watchChan := l.etcd().Watch(l.watchCtx, etcdKeyPrefix, clientv3.WithPrefix())
		for {
			select {
			case <-l.watchCtx.Done():
				return
			case watchResp, ok := <-watchChan:
				if !ok || watchResp.Err() != nil {
					if ok {
						l.logger.Error("etcd watch error", zap.Error(watchResp.Err()))
					}
					select {
					case <-l.watchCtx.Done():
						return
					case <-time.After(5 * time.Second):
					}
					_ = l.close()
					if err := l.connect(l.watchCtx); err != nil {
						l.logger.Error("failed to reconnect to etcd", zap.Error(err))
						continue
					}
					watchChan = l.etcd().Watch(l.watchCtx, etcdKeyPrefix, clientv3.WithPrefix())
					continue
				}

				for _, event := range watchResp.Events {
					if err := l.handleWatchEvent(l.watchCtx, event); err != nil {
						l.logger.Error("failed to handle watch event", zap.Error(err))
					}
				}
			}
		}
	}()

	l.logger.Info("started config watch", zap.String("prefix", etcdKeyPrefix))
	return nil
}

func (l *Loader) handleWatchEvent(ctx context.Context, event *clientv3.Event) error {
	key := string(event.Kv.Key)
	switch event.Type {
	case clientv3.EventTypePut:
		rule := decodeRule(key, event.Kv.Value, event.Kv.ModRevision)
		if rule.Pattern == "" {
			return fmt.Errorf("empty pattern at %s", key)
		}
		l.mu.Lock()
		l.patterns[key] = rule.Pattern
		l.mu.Unlock()
		if l.cache != nil {
			if err := l.cache.StoreRule(ctx, rule); err != nil {
				return fmt.Errorf("store rule in cache: %w", err)
			}
		}
		l.logger.Info("exclusion pattern updated", zap.String("key", key), zap.String("pattern", rule.Pattern))

	case clientv3.EventTypeDelete:
		l.mu.Lock()
		delete(l.patterns, key)
		l.mu.Unlock()
		if l.cache != nil {
			if err := l.cache.DeleteRule(ctx, key); err != nil {
				return fmt.Errorf("delete rule from cache: %w", err)
			}
		}
		l.logger.Info("exclusion pattern deleted", zap.String("key", key))

	default:
		l.logger.Warn("unknown watch event type", zap.String("type", event.Type.String()))
	}
	return nil
}

// Stop stops watching and closes the etcd connection.
func (l *Loader) Stop() {
	if l.watchCancel != nil {
		l.watchCancel()
	}
	if err := l.close(); err != nil {
		l.logger.Warn("error closing etcd client", zap.Error(err))
	}
}

// Health checks the Config Service connection. An unconfigured endpoint is healthy.
func (l *Loader) Health(ctx context.Context) error {
	if l.endpoint == "" {
		return nil
	}
	if err := l.connect(ctx); err != nil {
		return fmt.Errorf("etcd connection failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := l.etcd().Status(ctx, l.endpoint); err != nil {
		_ = l.close()
		return fmt.Errorf("etcd status check failed: %w", err)
	}
	return nil
}
