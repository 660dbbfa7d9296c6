package storage

import (
	"context"
	"encoding/json"
	"time"

	"PulseChat/logger"
	redis2 "PulseChat/service/storage/redis"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// MemberLoader 从持久层取会话成员（有序）
type MemberLoader func(ctx context.Context, conversationID string) ([]string, error)

// MembershipResolver 按需解析会话成员。实现方可短 TTL 缓存，
// 但不得长期缓存（成员变更要在一个 TTL 内可见）。
type MembershipResolver interface {
	Members(ctx context.Context, conversationID string) ([]string, error)
}

const memberCacheTTL = 30 * time.Second

func memberKey(conv string) string { return "pc:members:" + conv }

type cachedResolver struct {
	load MemberLoader
}

// NewMembershipResolver loader 之上加一层 redis 短缓存；
// redis 不可用时直接回源。
func NewMembershipResolver(load MemberLoader) MembershipResolver {
	return &cachedResolver{load: load}
}

func (r *cachedResolver) Members(ctx context.Context, conversationID string) ([]string, error) {
	rdb := redis2.GetClient()
	if rdb != nil {
		val, err := rdb.Get(ctx, memberKey(conversationID)).Result()
		if err == nil {
			var members []string
			if jerr := json.Unmarshal([]byte(val), &members); jerr == nil {
				return members, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			logger.Warnf("[membership] cache read failed conv=%s err=%v", conversationID, err)
		}
	}

	members, err := r.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if rdb != nil {
		if data, jerr := json.Marshal(members); jerr == nil {
			if serr := rdb.Set(ctx, memberKey(conversationID), data, memberCacheTTL).Err(); serr != nil {
				logger.Warnf("[membership] cache write failed conv=%s err=%v", conversationID, serr)
			}
		}
	}
	return members, nil
}

// StaticResolver 固定成员表（单测用）
type StaticResolver map[string][]string

func (s StaticResolver) Members(_ context.Context, conversationID string) ([]string, error) {
	return s[conversationID], nil
}
