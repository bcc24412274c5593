package connectiontable

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/delfador0x42/iris/internal/core"
)

// Mirror receives best-effort copies of flow registrations and removals so
// out-of-process consumers can fan out delta polls without holding the
// table lock. Failures are logged, never propagated.
type Mirror interface {
	Put(f core.Flow)
	Delete(id uuid.UUID)
}

// RedisMirror mirrors flow metadata into a Redis hash with a TTL safety
// net, so entries for flows that die with the extension expire on their own.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisMirror connects to addr and verifies the connection before
// returning.
func NewRedisMirror(addr string, db int, ttl time.Duration) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisMirror{
		client: rdb,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[FLOWMIRROR] ", log.LstdFlags),
	}, nil
}

func (m *RedisMirror) key(id uuid.UUID) string {
	return fmt.Sprintf("iris:flow:%s", id)
}

// Put stores a JSON snapshot of the flow.
func (m *RedisMirror) Put(f core.Flow) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	blob, err := json.Marshal(f)
	if err != nil {
		m.logger.Printf("marshal flow %s: %v", f.ID, err)
		return
	}
	if err := m.client.Set(ctx, m.key(f.ID), blob, m.ttl).Err(); err != nil {
		m.logger.Printf("mirror put %s: %v", f.ID, err)
	}
}

// Delete removes the mirrored snapshot.
func (m *RedisMirror) Delete(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Del(ctx, m.key(id)).Err(); err != nil {
		m.logger.Printf("mirror delete %s: %v", id, err)
	}
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
