package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for absent and expired keys alike.
	ErrNotFound = errors.New("repository: not found")
	// ErrVersionConflict is returned by PutVersioned when the stored version
	// no longer matches the caller's expectation.
	ErrVersionConflict = errors.New("repository: version conflict")
)

// Item is a stored value together with its write version.
type Item struct {
	Value   []byte
	Version int64
}

// Store is a key-value store with per-key expiration. Implementations must
// make every write visible to subsequent reads from any client.
type Store interface {
	// Put overwrites key and resets its TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (Item, error)
	// Delete reports whether a live record existed.
	Delete(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// PutVersioned writes key only if its current version equals expected
	// (0 for a key that is absent or expired) and returns the new version.
	PutVersioned(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) (int64, error)
	Ping(ctx context.Context) error
}

// Record kinds share one keyspace and are told apart by prefix.
const (
	ModelPrefix        = "model:"
	ConversationPrefix = "conversation:"
)

// ModelKey returns the store key for a model configuration.
func ModelKey(modelID string) string {
	return ModelPrefix + modelID
}

// ConversationKey returns the store key for a conversation history.
func ConversationKey(conversationID string) string {
	return ConversationPrefix + conversationID
}

// TrimPrefixes strips prefix from every key.
func TrimPrefixes(keys []string, prefix string) []string {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefix))
	}
	return ids
}

func validateWrite(op, key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("repository: %s: key is required", op)
	}
	if ttl <= 0 {
		return fmt.Errorf("repository: %s: ttl must be positive", op)
	}
	return nil
}

var (
	_ Store = (*DynamoClient)(nil)
	_ Store = (*RedisClient)(nil)
	_ Store = (*SQLiteClient)(nil)
)
