package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OnlinePrefix is the Redis key prefix for a user's online record.
	OnlinePrefix = "online:"

	// OnlineTTL is how long an online record lives without a refresh.
	OnlineTTL = 2 * time.Minute

	// MembersSuffix completes a room's member set key: room:<id>:members.
	MembersSuffix = ":members"
)

// MembersKey returns the Redis set key holding a room's members.
func MembersKey(roomID string) string {
	return "room:" + roomID + MembersSuffix
}

// Store manages the online directory in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new directory store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// SetOnline records that userID is connected to this server.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	if err := s.client.Set(ctx, OnlinePrefix+userID, s.serverName, OnlineTTL).Err(); err != nil {
		return fmt.Errorf("session: set online %s: %w", userID, err)
	}
	return nil
}

// SetOffline removes userID's online record if this server still owns it. A
// user who reconnected to another server keeps that server's record.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	key := OnlinePrefix + userID
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != s.serverName {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("session: set offline %s: %w", userID, err)
	}
	return nil
}

// Refresh extends the online records of the given users in one round trip.
func (s *Store) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, userID := range userIDs {
		pipe.Set(ctx, OnlinePrefix+userID, s.serverName, OnlineTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh %d users: %w", len(userIDs), err)
	}
	return nil
}

// AddMember adds userID to the room's member set.
func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	if err := s.client.SAdd(ctx, MembersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("session: add member room=%s: %w", roomID, err)
	}
	return nil
}

// RemoveMember removes userID from the room's member set.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := s.client.SRem(ctx, MembersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("session: remove member room=%s: %w", roomID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
