package message

import (
	"context"

	"PulseChat/module/chat/model"
	"PulseChat/tools/errs"
)

// ===== 业务错误码（3xxxx 消息域）=====
var (
	ErrArgs                 = errs.NewCodeError(30000, "bad request args")
	ErrMessageNotFound      = errs.NewCodeError(30001, "message not found")
	ErrNotRecipient         = errs.NewCodeError(30002, "acker is not a recipient of the message")
	ErrConversationNotFound = errs.NewCodeError(30003, "conversation not found")
	ErrNotMember            = errs.NewCodeError(30004, "sender is not a conversation member")
)

// Store 消息与会话的持久层。mongo 为线上实现，mem 供单测。
type Store interface {
	InsertMessage(ctx context.Context, m *model.MessageModel) error
	FindByServerID(ctx context.Context, tenant, serverMsgID string) (*model.MessageModel, error)
	// FindByClientID 服务端发送幂等用：同发送者同 client_msg_id 只落一条
	FindByClientID(ctx context.Context, tenant, senderID, clientMsgID string) (*model.MessageModel, error)

	// AddDelivered / AddRead 集合累加（$addToSet 语义，天然幂等），
	// 返回更新后的消息。read 隐含 delivered，两个集合一起加。
	AddDelivered(ctx context.Context, tenant, serverMsgID, userID string) (*model.MessageModel, error)
	AddRead(ctx context.Context, tenant, serverMsgID, userID string) (*model.MessageModel, error)

	// AdvanceStatus 只前进的状态落库：当前状态阶低于 to 才写，
	// 并发竞争下输掉的一方静默让行
	AdvanceStatus(ctx context.Context, tenant, serverMsgID, to string) error

	// NextSeq 会话内序号分配（原子自增）
	NextSeq(ctx context.Context, tenant, conversationID string) (int64, error)
	MembersOf(ctx context.Context, tenant, conversationID string) ([]string, error)
	ConversationsOf(ctx context.Context, tenant, userID string) ([]string, error)

	// ListRecent 会话内 sinceMS 之后的消息，按 seq 升序，最多 limit 条（取最新的）
	ListRecent(ctx context.Context, tenant, conversationID string, sinceMS int64, limit int64) ([]*model.MessageModel, error)
}
