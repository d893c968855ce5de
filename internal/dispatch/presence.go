package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// workersKey is the shared hash of worker heartbeats: field = worker ID,
// value = unix timestamp of the last beat.
const workersKey = "wf:workers"

// AliveWindow is how stale a heartbeat may be before the worker is treated
// as gone and its sessions become eligible for re-binding.
const AliveWindow = 20 * time.Second

// Presence tracks which workers are alive via heartbeats in Redis.
type Presence struct {
	redis *redis.Client
}

// NewPresence builds a presence view over the shared Redis.
func NewPresence(rdb *redis.Client) *Presence {
	return &Presence{redis: rdb}
}

// Heartbeat records that the worker is alive now.
func (p *Presence) Heartbeat(ctx context.Context, workerID string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := p.redis.HSet(ctx, workersKey, workerID, now).Err(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Leave removes the worker's heartbeat on clean shutdown.
func (p *Presence) Leave(ctx context.Context, workerID string) error {
	return p.redis.HDel(ctx, workersKey, workerID).Err()
}

// Alive returns the workers whose last heartbeat is within the window,
// sorted for deterministic ring construction.
func (p *Presence) Alive(ctx context.Context, window time.Duration) ([]string, error) {
	beats, err := p.redis.HGetAll(ctx, workersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	cutoff := time.Now().Add(-window).Unix()
	var alive []string
	for id, raw := range beats {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts < cutoff {
			continue
		}
		alive = append(alive, id)
	}
	sort.Strings(alive)
	return alive, nil
}

// IsAlive reports whether one worker's heartbeat is fresh.
func (p *Presence) IsAlive(ctx context.Context, workerID string, window time.Duration) bool {
	raw, err := p.redis.HGet(ctx, workersKey, workerID).Result()
	if err != nil {
		return false
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return ts >= time.Now().Add(-window).Unix()
}
