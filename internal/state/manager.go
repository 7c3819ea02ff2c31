// Package state persists correlation window snapshots and behavioral
// baselines in Redis so the engine can recover per-entity state after a
// restart. When the store is unavailable, correlation pauses rather than
// producing corrupted output; events keep queueing upstream.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDisabled is returned when the state manager has no backing store.
var ErrDisabled = errors.New("state manager is disabled")

// Manager manages engine state in Redis.
type Manager struct {
	redis   *redis.Client
	enabled bool
}

// NewManager creates a new state manager.
func NewManager(redisClient *redis.Client, enabled bool) *Manager {
	return &Manager{
		redis:   redisClient,
		enabled: enabled,
	}
}

// IsEnabled returns whether the state manager is enabled.
func (m *Manager) IsEnabled() bool {
	return m.enabled && m.redis != nil
}

// Ping verifies the backing store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if !m.IsEnabled() {
		return ErrDisabled
	}
	return m.redis.Ping(ctx).Err()
}

// Baseline holds exponentially weighted moving statistics for one numeric
// attribute of one entity.
type Baseline struct {
	Mean        float64 `json:"mean"`
	Variance    float64 `json:"variance"`
	Count       int64   `json:"count"`
	LastUpdated int64   `json:"last_updated"` // Unix timestamp
}

// GetBaseline retrieves baseline data for a detector, entity and field.
// A missing baseline returns an empty Baseline, not an error.
func (m *Manager) GetBaseline(ctx context.Context, detectorID, entityKey, field string) (*Baseline, error) {
	if !m.IsEnabled() {
		return nil, ErrDisabled
	}

	key := m.baselineKey(detectorID, entityKey, field)
	data, err := m.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return &Baseline{LastUpdated: time.Now().Unix()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}

	var baseline Baseline
	if err := json.Unmarshal([]byte(data), &baseline); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
	}

	return &baseline, nil
}

// PutBaseline stores baseline data with a TTL of twice the tracking window.
func (m *Manager) PutBaseline(ctx context.Context, detectorID, entityKey, field string, baseline *Baseline, window time.Duration) error {
	if !m.IsEnabled() {
		return ErrDisabled
	}

	data, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}

	key := m.baselineKey(detectorID, entityKey, field)
	if err := m.redis.Set(ctx, key, data, window*2).Err(); err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}

	return nil
}

// WindowSnapshot is the serialized form of a correlation window, written on
// every mutation so a restarted engine can resume open windows.
type WindowSnapshot struct {
	WindowID     string          `json:"window_id"`
	PivotEntity  string          `json:"pivot_entity"`
	State        string          `json:"state"`
	Payload      json.RawMessage `json:"payload"`
	LastActivity int64           `json:"last_activity"` // Unix timestamp
}

// PutWindow stores a window snapshot keyed by pivot entity.
func (m *Manager) PutWindow(ctx context.Context, snapshot *WindowSnapshot, ttl time.Duration) error {
	if !m.IsEnabled() {
		return ErrDisabled
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal window snapshot: %w", err)
	}

	key := m.windowKey(snapshot.PivotEntity)
	if err := m.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save window snapshot: %w", err)
	}

	return nil
}

// GetWindow retrieves the window snapshot for a pivot entity, or nil when
// no window is stored.
func (m *Manager) GetWindow(ctx context.Context, pivotEntity string) (*WindowSnapshot, error) {
	if !m.IsEnabled() {
		return nil, ErrDisabled
	}

	data, err := m.redis.Get(ctx, m.windowKey(pivotEntity)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get window snapshot: %w", err)
	}

	var snapshot WindowSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal window snapshot: %w", err)
	}

	return &snapshot, nil
}

// DeleteWindow removes the snapshot for a closed window.
func (m *Manager) DeleteWindow(ctx context.Context, pivotEntity string) error {
	if !m.IsEnabled() {
		return ErrDisabled
	}
	if err := m.redis.Del(ctx, m.windowKey(pivotEntity)).Err(); err != nil {
		return fmt.Errorf("failed to delete window snapshot: %w", err)
	}
	return nil
}

// baselineKey generates a Redis key for baseline data.
func (m *Manager) baselineKey(detectorID, entityKey, field string) string {
	return fmt.Sprintf("baseline:%s:%s:%s", detectorID, hashKey(entityKey), field)
}

// windowKey generates a Redis key for a window snapshot.
func (m *Manager) windowKey(pivotEntity string) string {
	return fmt.Sprintf("window:%s", hashKey(pivotEntity))
}

// hashKey generates a consistent hash for a string key.
func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", hash[:8])
}
