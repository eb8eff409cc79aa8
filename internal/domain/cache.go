package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU first, then Redis.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetSnapshot retrieves a cached segment snapshot.
	GetSnapshot(ctx context.Context, segmentID string) (*SegmentSnapshot, error)

	// SetSnapshot caches the latest observed state of a segment, used by
	// the ranking pre-pass to avoid re-reading hot segments.
	SetSnapshot(ctx context.Context, segmentID string, snap *SegmentSnapshot, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for evaluation rate accounting per segment.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SegmentSnapshot holds the latest observed state of a segment.
type SegmentSnapshot struct {
	SegmentID    string             `json:"segmentId"`
	SegmentName  string             `json:"segmentName"`
	Values       map[string]float64 `json:"values"`
	AlarmCount   int                `json:"alarmCount"`
	ReadingCount int                `json:"readingCount"`
	MatchedRules int                `json:"matchedRules"`
	Score        float64            `json:"score"`
	State        string             `json:"state"`
	Timestamp    string             `json:"timestamp"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
