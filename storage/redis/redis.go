// Package redis provides a Redis-backed webhook event log and notification queue.
// Several relay instances can share one event log so a provider retry landing on
// another instance is still recognized as processed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// Storage implements reconcile.EventLog and reconcile.Notifier using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "relay:")
	KeyPrefix string

	// EventTTL is how long processed event ids are remembered (default: 30 days)
	EventTTL time.Duration

	// QueueKey names the notification list, without prefix (default: "notifications")
	QueueKey string

	// MaxQueueLen caps the notification list; oldest entries are dropped (0 = unbounded)
	MaxQueueLen int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "relay:",
		EventTTL:    30 * 24 * time.Hour,
		QueueKey:    "notifications",
		MaxQueueLen: 10000,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.EventTTL <= 0 {
		config.EventTTL = defaults.EventTTL
	}
	if config.QueueKey == "" {
		config.QueueKey = defaults.QueueKey
	}
	if config.MaxQueueLen < 0 {
		return nil, fmt.Errorf("max queue length must not be negative")
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// enqueue: push and trim in one step
	// KEYS[1]: queue key
	// ARGV[1]: payload
	// ARGV[2]: max length (0 = unbounded)
	s.scripts["enqueue"] = redis.NewScript(`
		local queueKey = KEYS[1]
		local payload = ARGV[1]
		local maxLen = tonumber(ARGV[2])

		local length = redis.call('LPUSH', queueKey, payload)
		if maxLen > 0 and length > maxLen then
			redis.call('LTRIM', queueKey, 0, maxLen - 1)
			return maxLen
		end
		return length
	`)
}

func (s *Storage) eventKey(provider reconcile.Provider, eventID string) string {
	return fmt.Sprintf("%sevent:%s:%s", s.config.KeyPrefix, provider, eventID)
}

func (s *Storage) queueKey() string {
	return s.config.KeyPrefix + s.config.QueueKey
}

// HasProcessed implements reconcile.EventLog
func (s *Storage) HasProcessed(ctx context.Context, provider reconcile.Provider, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements reconcile.EventLog. The first record wins.
func (s *Storage) MarkProcessed(ctx context.Context, evt *reconcile.WebhookEvent) error {
	data, err := json.Marshal(eventRecord{
		EventType:   evt.EventType,
		ProcessedAt: evt.ProcessedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}
	err = s.client.SetArgs(ctx, s.eventKey(evt.Provider, evt.EventID), data, redis.SetArgs{
		Mode: "NX",
		TTL:  s.config.EventTTL,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

type eventRecord struct {
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Notify implements reconcile.Notifier by enqueueing n for an out-of-process worker.
func (s *Storage) Notify(ctx context.Context, n reconcile.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	err = s.scripts["enqueue"].Run(ctx, s.client,
		[]string{s.queueKey()},
		string(payload), s.config.MaxQueueLen).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the oldest queued notification.
// It returns (nil, nil) when the queue stayed empty.
func (s *Storage) Dequeue(ctx context.Context, timeout time.Duration) (*reconcile.Notification, error) {
	res, err := s.client.BRPop(ctx, timeout, s.queueKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue notification: %w", err)
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	var n reconcile.Notification
	if err := json.Unmarshal([]byte(res[1]), &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return &n, nil
}

// QueueLen returns the number of pending notifications.
func (s *Storage) QueueLen(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.queueKey()).Result()
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var (
	_ reconcile.EventLog = (*Storage)(nil)
	_ reconcile.Notifier = (*Storage)(nil)
)
