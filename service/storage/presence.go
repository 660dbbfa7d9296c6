package storage

import (
	"context"
	"fmt"
	"time"

	redis2 "PulseChat/service/storage/redis"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var ctx = context.Background()

// presence key: pc:presence:<user>
// value 为 node_id，TTL 控制在线有效期
func presenceKey(user string) string { return "pc:presence:" + user }

// PresenceOnline sets the user as online on the given node and renews the TTL
func PresenceOnline(user, nodeID string, ttl time.Duration) error {
	rdb := redis2.GetClient()
	if rdb == nil {
		return fmt.Errorf("redis not initialized")
	}
	return rdb.Set(ctx, presenceKey(user), nodeID, ttl).Err()
}

// PresenceOffline actively sets the user offline (deletes the key)
func PresenceOffline(user string) error {
	rdb := redis2.GetClient()
	if rdb == nil {
		return fmt.Errorf("redis not initialized")
	}
	return rdb.Del(ctx, presenceKey(user)).Err()
}

// PresenceLookup checks whether the user is online and on which node
func PresenceLookup(user string) (nodeID string, online bool, err error) {
	rdb := redis2.GetClient()
	if rdb == nil {
		return "", false, fmt.Errorf("redis not initialized")
	}
	val, err := rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
