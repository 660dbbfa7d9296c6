package message

import (
	"context"
	"encoding/json"
	"time"

	"PulseChat/logger"
	"PulseChat/module/chat/model"
	"PulseChat/service/chat"
	"PulseChat/tools/ids"
	"PulseChat/tools/safe"
)

// ArchiveProducer 归档旁路（kafka）；落库成功后尽力投递，失败只记日志
type ArchiveProducer interface {
	Publish(key, value []byte) error
}

// SendInput 发送入参；ClientMsgID 由客户端生成，服务端按它做幂等
type SendInput struct {
	ConversationID string `json:"conversationId" binding:"required"`
	ClientMsgID    string `json:"clientMsgId"    binding:"required"`
	Content        string `json:"content"`
	ContentType    int32  `json:"contentType"`
	RecvID         string `json:"recvId,omitempty"`
}

type Service struct {
	store   Store
	notify  Notifier
	archive ArchiveProducer
	clock   func() time.Time
}

func NewService(store Store, notify Notifier, archive ArchiveProducer) *Service {
	return &Service{store: store, notify: notify, archive: archive, clock: time.Now}
}

// WithClock 单测注入
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// SendMessage 落库 -> 分配会话序号 -> 推送 message:new -> 归档。
// 同 sender 同 clientMsgID 重复提交返回已落库的消息，不产生新副本。
func (s *Service) SendMessage(ctx context.Context, tenant, senderID string, in SendInput) (*model.MessageModel, error) {
	if in.ConversationID == "" || in.ClientMsgID == "" || senderID == "" {
		return nil, ErrArgs.WithDetail("conversationId/clientMsgId/sender required")
	}

	if exist, err := s.store.FindByClientID(ctx, tenant, senderID, in.ClientMsgID); err != nil {
		return nil, err
	} else if exist != nil {
		return exist, nil
	}

	members, err := s.store.MembersOf(ctx, tenant, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !contains(members, senderID) {
		return nil, ErrNotMember.WithDetail("user_id=" + senderID + ", conversation_id=" + in.ConversationID)
	}

	// 接收者集合 = 发送时刻的成员减去发送者，落库后不再变
	recipients := make([]string, 0, len(members))
	for _, u := range members {
		if u != senderID {
			recipients = append(recipients, u)
		}
	}

	seq, err := s.store.NextSeq(ctx, tenant, in.ConversationID)
	if err != nil {
		return nil, err
	}

	now := s.clock().UnixMilli()
	status := model.MessageStatusSent
	if len(recipients) == 0 {
		// 无待回执方，生来即送达
		status = model.MessageStatusDelivered
	}
	m := &model.MessageModel{
		TenantID:       tenant,
		ConversationID: in.ConversationID,
		SenderID:       senderID,
		RecvID:         in.RecvID,
		ServerMsgID:    ids.GenerateString(),
		ClientMsgID:    in.ClientMsgID,
		ContentType:    in.ContentType,
		Content:        in.Content,
		Status:         status,
		Recipients:     recipients,
		DeliveredTo:    []string{},
		ReadBy:         []string{},
		Seq:            seq,
		SendTime:       now,
		CreateTime:     now,
	}

	if err := s.store.InsertMessage(ctx, m); err != nil {
		// client_msg_id 唯一键竞态：并发重发输掉插入就读回赢家
		if exist, ferr := s.store.FindByClientID(ctx, tenant, senderID, in.ClientMsgID); ferr == nil && exist != nil {
			return exist, nil
		}
		return nil, err
	}

	// 全员扇出（发送者的其他端也要看到自己发的消息）
	if s.notify != nil {
		for _, u := range members {
			s.notify.SendToUser(u, chat.EventMessageNew, m)
		}
	}

	s.archiveAsync(m)
	return m, nil
}

func (s *Service) archiveAsync(m *model.MessageModel) {
	if s.archive == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		logger.Errorf("[message] marshal for archive failed id=%s err=%v", m.ServerMsgID, err)
		return
	}
	producer := s.archive
	key := []byte(m.ConversationID)
	sid := m.ServerMsgID
	safe.SafeGo(func() {
		if perr := producer.Publish(key, data); perr != nil {
			logger.Warnf("[message] archive publish failed id=%s err=%v", sid, perr)
		}
	})
}
