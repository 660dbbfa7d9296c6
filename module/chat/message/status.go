package message

import (
	"context"

	"PulseChat/module/chat/model"
	"PulseChat/service/chat"
)

// Notifier 事件推送抽象；单机用注册中心，多机用 relay 包装
type Notifier interface {
	SendToUser(userID, eventType string, payload any) int
}

// ComputeStatus 聚合状态 = 接收者集合的最小阶段。
// 集合定格在发送时刻：后入群的成员不影响旧消息的口径。
// 空接收者集合（自发会话）没有待回执方，直接 delivered。
func ComputeStatus(recipients, deliveredTo, readBy []string) string {
	if len(recipients) == 0 {
		return model.MessageStatusDelivered
	}
	dset := make(map[string]struct{}, len(deliveredTo))
	for _, u := range deliveredTo {
		dset[u] = struct{}{}
	}
	rset := make(map[string]struct{}, len(readBy))
	for _, u := range readBy {
		rset[u] = struct{}{}
	}
	allDelivered, allRead := true, true
	for _, u := range recipients {
		if _, ok := dset[u]; !ok {
			allDelivered = false
		}
		if _, ok := rset[u]; !ok {
			allRead = false
		}
	}
	switch {
	case allRead && allDelivered:
		return model.MessageStatusRead
	case allDelivered:
		return model.MessageStatusDelivered
	default:
		return model.MessageStatusSent
	}
}

// StatusFlow 回执 -> 集合累加 -> 聚合推进 -> 通知发送端
type StatusFlow struct {
	store  Store
	notify Notifier
}

func NewStatusFlow(store Store, notify Notifier) *StatusFlow {
	return &StatusFlow{store: store, notify: notify}
}

// MarkDelivered 送达回执。幂等：重复回执直接返回当前聚合状态。
// 未知消息 / 非接收者回执，显式报错。
func (f *StatusFlow) MarkDelivered(ctx context.Context, tenant, messageID, userID string) (string, error) {
	return f.mark(ctx, tenant, messageID, userID, false)
}

// MarkRead 已读回执，隐含送达
func (f *StatusFlow) MarkRead(ctx context.Context, tenant, messageID, userID string) (string, error) {
	return f.mark(ctx, tenant, messageID, userID, true)
}

func (f *StatusFlow) mark(ctx context.Context, tenant, messageID, userID string, read bool) (string, error) {
	m, err := f.store.FindByServerID(ctx, tenant, messageID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", ErrMessageNotFound.WithDetail("server_msg_id=" + messageID)
	}
	if !m.IsRecipient(userID) {
		return "", ErrNotRecipient.WithDetail("user_id=" + userID + ", server_msg_id=" + messageID)
	}

	// 幂等短路：该用户此阶段已记录
	already := contains(m.DeliveredTo, userID)
	if read {
		already = contains(m.ReadBy, userID)
	}
	if already {
		return m.Status, nil
	}

	var updated *model.MessageModel
	if read {
		updated, err = f.store.AddRead(ctx, tenant, messageID, userID)
	} else {
		updated, err = f.store.AddDelivered(ctx, tenant, messageID, userID)
	}
	if err != nil {
		return "", err
	}

	next := ComputeStatus(updated.Recipients, updated.DeliveredTo, updated.ReadBy)
	if model.StatusRank(next) > model.StatusRank(updated.Status) {
		if aerr := f.store.AdvanceStatus(ctx, tenant, messageID, next); aerr != nil {
			return "", aerr
		}
	} else {
		// 聚合没动（其他接收者还没跟上），对外仍报当前态
		next = updated.Status
	}

	// 每人回执都通知发送端，群聊 UI 需要逐人粒度
	stage := model.MessageStatusDelivered
	if read {
		stage = model.MessageStatusRead
	}
	if f.notify != nil {
		f.notify.SendToUser(updated.SenderID, chat.EventMessageStatus, chat.StatusPayload{
			MessageID: messageID,
			Status:    stage,
			UserID:    userID,
		})
	}
	return next, nil
}

func contains(set []string, v string) bool {
	for _, u := range set {
		if u == v {
			return true
		}
	}
	return false
}
