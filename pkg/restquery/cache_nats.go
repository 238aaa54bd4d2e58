package restquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fivetwenty-io/restquery/internal/constants"
)

// NATSKVConfig configures the JetStream key-value cache.
type NATSKVConfig struct {
	// URL of the NATS server, ignored when Conn is set
	URL string `json:"url" yaml:"url" mapstructure:"url" validate:"required_without=Conn"`

	// Bucket name, created on first use
	Bucket string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`

	// TTL applied by the server to every key. Entries also carry their own expiry.
	TTL time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`

	// Replicas for a newly created bucket
	Replicas int `json:"replicas" yaml:"replicas" mapstructure:"replicas"`

	// Conn reuses an existing connection instead of dialing URL
	Conn *nats.Conn `json:"-" yaml:"-" mapstructure:"-" validate:"-"`
}

// NATSKVCache stores query results in a JetStream key-value bucket so that
// several processes can share them.
type NATSKVCache struct {
	conn     *nats.Conn
	kv       nats.KeyValue
	ownsConn bool
	now      func() time.Time
}

// NewNATSKVCache connects to NATS and opens (or creates) the bucket.
func NewNATSKVCache(config *NATSKVConfig) (*NATSKVCache, error) {
	if config == nil || (config.Conn == nil && config.URL == "") {
		return nil, ErrNATSConfigRequired
	}

	conn := config.Conn
	ownsConn := false

	if conn == nil {
		var err error

		conn, err = nats.Connect(config.URL, nats.Name("restquery-cache"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		ownsConn = true
	}

	kv, err := openBucket(conn, config)
	if err != nil {
		if ownsConn {
			conn.Close()
		}

		return nil, err
	}

	return &NATSKVCache{
		conn:     conn,
		kv:       kv,
		ownsConn: ownsConn,
		now:      time.Now,
	}, nil
}

func openBucket(conn *nats.Conn, config *NATSKVConfig) (nats.KeyValue, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	bucket := config.Bucket
	if bucket == "" {
		bucket = constants.DefaultNATSBucket
	}

	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}

	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}

	replicas := config.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "restquery query cache",
		TTL:         config.TTL,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	return kv, nil
}

func (c *NATSKVCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	item, err := c.kv.Get(natsKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrCacheMiss
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var entry CacheEntry

	err = json.Unmarshal(item.Value(), &entry)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}

	if entry.Expired(c.now()) {
		_ = c.Delete(ctx, key)

		return nil, ErrEntryExpired
	}

	return &entry, nil
}

func (c *NATSKVCache) Set(ctx context.Context, key string, entry *CacheEntry) error {
	if entry == nil {
		return ErrNilCacheEntry
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}

	_, err = c.kv.Put(natsKey(key), encoded)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

func (c *NATSKVCache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(natsKey(key))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	return nil
}

// DeletePrefix removes every key starting with prefix.
func (c *NATSKVCache) DeletePrefix(ctx context.Context, prefix string) error {
	prefix = natsKey(prefix)

	return c.deleteMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (c *NATSKVCache) Clear(ctx context.Context) error {
	return c.deleteMatching(func(string) bool { return true })
}

func (c *NATSKVCache) Has(ctx context.Context, key string) bool {
	entry, err := c.Get(ctx, key)

	return err == nil && entry != nil
}

func (c *NATSKVCache) Stats(ctx context.Context) (CacheStats, error) {
	keys, err := c.keys()
	if err != nil {
		return CacheStats{}, err
	}

	status, err := c.kv.Status()
	if err != nil {
		return CacheStats{}, fmt.Errorf("failed to read bucket status: %w", err)
	}

	return CacheStats{Entries: len(keys), Bytes: int64(status.Bytes())}, nil //nolint:gosec
}

// Close closes the connection when the cache dialed it itself.
func (c *NATSKVCache) Close() error {
	if c.ownsConn {
		c.conn.Close()
	}

	return nil
}

func (c *NATSKVCache) keys() ([]string, error) {
	keys, err := c.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	return keys, nil
}

func (c *NATSKVCache) deleteMatching(match func(string) bool) error {
	keys, err := c.keys()
	if err != nil {
		return err
	}

	for _, key := range keys {
		if !match(key) {
			continue
		}

		err = c.kv.Delete(key)
		if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}

	return nil
}

// natsKey maps characters JetStream rejects in keys to underscores.
func natsKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '/' || r == '=' || r == '.':
			return r
		}

		return '_'
	}, key)
}
