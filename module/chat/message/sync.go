package message

import (
	"context"
	"time"

	"PulseChat/service/chat"
	"PulseChat/tools/errs"
)

// ConnPusher 定向推送抽象（回放只发给发起补齐的那条连接）
type ConnPusher interface {
	SendToConn(connID, eventType string, payload any) bool
}

type SyncOptions struct {
	WindowDays   int   // 回放时间窗（默认 7 天）
	PerConvLimit int64 // 每会话条数上限（默认 200）
}

func (o SyncOptions) norm() SyncOptions {
	if o.WindowDays <= 0 {
		o.WindowDays = 7
	}
	if o.PerConvLimit <= 0 {
		o.PerConvLimit = 200
	}
	return o
}

// Syncer 有界补齐：sync:initial 起头，逐条 message:sync，
// 失败发 sync:error。全程只读，不产生任何回执副作用。
type Syncer struct {
	store Store
	push  ConnPusher
	opt   SyncOptions
	clock func() time.Time
}

func NewSyncer(store Store, push ConnPusher, opt SyncOptions) *Syncer {
	return &Syncer{store: store, push: push, opt: opt.norm(), clock: time.Now}
}

func (s *Syncer) WithClock(clock func() time.Time) *Syncer {
	s.clock = clock
	return s
}

func (s *Syncer) Replay(ctx context.Context, tenant, userID, connID string) error {
	convs, err := s.store.ConversationsOf(ctx, tenant, userID)
	if err != nil {
		s.push.SendToConn(connID, chat.EventSyncError, chat.SyncErrorPayload{Reason: "load conversations failed"})
		return err
	}

	since := s.clock().AddDate(0, 0, -s.opt.WindowDays).UnixMilli()
	s.push.SendToConn(connID, chat.EventSyncInitial, chat.SyncInitialPayload{
		Conversations: len(convs),
		Since:         since,
	})

	for _, conv := range convs {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		msgs, lerr := s.store.ListRecent(ctx, tenant, conv, since, s.opt.PerConvLimit)
		if lerr != nil {
			s.push.SendToConn(connID, chat.EventSyncError, chat.SyncErrorPayload{Reason: "load messages failed"})
			return lerr
		}
		for _, m := range msgs {
			if !s.push.SendToConn(connID, chat.EventMessageSync, m) {
				// 目标连接已拆除，回放中止
				return errs.New("replay target gone", "conn_id", connID)
			}
		}
	}
	return nil
}
