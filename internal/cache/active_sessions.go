package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"parkgate/internal/domain/parking"
)

// ActiveSessionStore mirrors open parking sessions in redis for quick
// dashboard reads. The session manager's in-memory state stays
// authoritative; this cache is advisory.
type ActiveSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewActiveSessionStore(client *redis.Client, ttl time.Duration) *ActiveSessionStore {
	return &ActiveSessionStore{client: client, ttl: ttl}
}

func (s *ActiveSessionStore) key(plate string) string {
	return fmt.Sprintf("sessions:open:%s", plate)
}

// Save caches an open session keyed by plate.
func (s *ActiveSessionStore) Save(ctx context.Context, session parking.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(session.Plate), data, s.ttl).Err()
}

// Get returns the cached open session for a plate, or redis.Nil.
func (s *ActiveSessionStore) Get(ctx context.Context, plate string) (*parking.Session, error) {
	result, err := s.client.Get(ctx, s.key(plate)).Result()
	if err != nil {
		return nil, err
	}
	var session parking.Session
	if err := json.Unmarshal([]byte(result), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Delete removes the cached session when it closes.
func (s *ActiveSessionStore) Delete(ctx context.Context, plate string) error {
	return s.client.Del(ctx, s.key(plate)).Err()
}
