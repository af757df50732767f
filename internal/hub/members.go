package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemberStore counts, per room, how many connections each user holds in it.
// A user is a member while that count is positive.
type MemberStore interface {
	Add(ctx context.Context, room, userID string) error
	// Remove reports whether userID has no connection left in room.
	Remove(ctx context.Context, room, userID string) (bool, error)
	List(ctx context.Context, room string) ([]string, error)
}

type memoryMembers struct {
	mu    sync.Mutex
	rooms map[string]map[string]int
}

func NewMemoryMembers() MemberStore {
	return &memoryMembers{rooms: make(map[string]map[string]int)}
}

func (m *memoryMembers) Add(_ context.Context, room, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]int)
	}
	m.rooms[room][userID]++
	return nil
}

func (m *memoryMembers) Remove(_ context.Context, room, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := m.rooms[room]
	if users[userID] <= 1 {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.rooms, room)
		}
		return true, nil
	}
	users[userID]--
	return false, nil
}

func (m *memoryMembers) List(_ context.Context, room string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.rooms[room]))
	for userID := range m.rooms[room] {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

// redisMembers keeps one hash per room (user -> connection count) so every
// hub instance sees the same membership.
type redisMembers struct {
	redis  *redis.Client
	prefix string
}

func NewRedisMembers(client *redis.Client, prefix string) MemberStore {
	return &redisMembers{redis: client, prefix: prefix}
}

func (r *redisMembers) key(room string) string {
	return r.prefix + ":members:" + room
}

func (r *redisMembers) Add(ctx context.Context, room, userID string) error {
	return r.redis.HIncrBy(ctx, r.key(room), userID, 1).Err()
}

func (r *redisMembers) Remove(ctx context.Context, room, userID string) (bool, error) {
	key := r.key(room)
	n, err := r.redis.HIncrBy(ctx, key, userID, -1).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := r.redis.HDel(ctx, key, userID).Err(); err != nil {
		return true, err
	}
	return true, nil
}

func (r *redisMembers) List(ctx context.Context, room string) ([]string, error) {
	users, err := r.redis.HKeys(ctx, r.key(room)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}
