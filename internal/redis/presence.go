package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps connection and presence info in Redis.
// Keys used:
// - <prefix>:conn:<identity>: set of connection meta JSON
// - <prefix>:presence:<identity> -> json {status,last_seen}
type Store struct {
	client *redis.Client
	prefix string
}

type ConnMeta struct {
	ConnID      string `json:"conn_id"`
	Role        string `json:"role"`
	ConnectedAt int64  `json:"connected_at"`
}

type Presence struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

func NewStore(r *redis.Client, prefix string) *Store {
	return &Store{client: r, prefix: prefix}
}

func (s *Store) connKey(id string) string     { return fmt.Sprintf("%s:conn:%s", s.prefix, id) }
func (s *Store) presenceKey(id string) string { return fmt.Sprintf("%s:presence:%s", s.prefix, id) }

// AddConnection registers a connection and marks the identity online until ttl.
func (s *Store) AddConnection(ctx context.Context, identity, connID, role string, ttl time.Duration) error {
	meta, err := json.Marshal(ConnMeta{ConnID: connID, Role: role, ConnectedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	pres, err := json.Marshal(Presence{Status: "online", LastSeen: time.Now().Unix()})
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.connKey(identity), meta)
	pipe.Expire(ctx, s.connKey(identity), ttl)
	pipe.Set(ctx, s.presenceKey(identity), pres, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveConnection drops one connection; the identity goes offline when none remain.
func (s *Store) RemoveConnection(ctx context.Context, identity, connID string) error {
	key := s.connKey(identity)
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		var cm ConnMeta
		if json.Unmarshal([]byte(m), &cm) == nil && cm.ConnID == connID {
			if err := s.client.SRem(ctx, key, m).Err(); err != nil {
				return err
			}
		}
	}
	cnt, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt == 0 {
		pres, _ := json.Marshal(Presence{Status: "offline", LastSeen: time.Now().Unix()})
		return s.client.Set(ctx, s.presenceKey(identity), pres, 0).Err()
	}
	return nil
}

// GetPresence returns offline with a zero LastSeen for identities never seen.
func (s *Store) GetPresence(ctx context.Context, identity string) (Presence, error) {
	b, err := s.client.Get(ctx, s.presenceKey(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Presence{Status: "offline"}, nil
	}
	if err != nil {
		return Presence{}, err
	}
	var p Presence
	if err := json.Unmarshal(b, &p); err != nil {
		return Presence{}, err
	}
	return p, nil
}
