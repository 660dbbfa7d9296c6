package model

import (
	"PulseChat/service/mgo"

	"go.mongodb.org/mongo-driver/mongo"
)

// 消息聚合状态：全体接收者的最小阶段。
// 只前进不回退：sent -> delivered -> read。
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// StatusRank 状态偏序；未知状态视为最低
func StatusRank(status string) int {
	switch status {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	default:
		return 0
	}
}

// ===== 字段名常量（bson）=====
const (
	MessageFieldTenantID       = "tenant_id"
	MessageFieldConversationID = "conversation_id"
	MessageFieldSenderID       = "sender_id"
	MessageFieldServerMsgID    = "server_msg_id"
	MessageFieldClientMsgID    = "client_msg_id"
	MessageFieldStatus         = "status"
	MessageFieldRecipients     = "recipients"
	MessageFieldDeliveredTo    = "delivered_to"
	MessageFieldReadBy         = "read_by"
	MessageFieldSeq            = "seq"
	MessageFieldSendTime       = "send_time"
)

// MessageModel 单条消息。recipients 在落库时定格（发送时刻的成员集合，
// 不含发送者），后续成员变更不影响该消息的回执口径。
type MessageModel struct {
	TenantID       string   `bson:"tenant_id"          json:"tenantId"`
	ConversationID string   `bson:"conversation_id"    json:"conversationId"`
	SenderID       string   `bson:"sender_id"          json:"senderId"`
	RecvID         string   `bson:"recv_id,omitempty"  json:"recvId,omitempty"` // 单聊对端
	ServerMsgID    string   `bson:"server_msg_id"      json:"serverMsgId"`
	ClientMsgID    string   `bson:"client_msg_id"      json:"clientMsgId"`
	ContentType    int32    `bson:"content_type"       json:"contentType"`
	Content        string   `bson:"content"            json:"content"`
	Status         string   `bson:"status"             json:"status"`
	Recipients     []string `bson:"recipients"         json:"recipients"`
	DeliveredTo    []string `bson:"delivered_to"       json:"deliveredTo"`
	ReadBy         []string `bson:"read_by"            json:"readBy"`
	Seq            int64    `bson:"seq"                json:"seq"` // 会话内序号
	SendTime       int64    `bson:"send_time"          json:"sendTime"`
	CreateTime     int64    `bson:"create_time"        json:"createTime"`
}

func (m *MessageModel) TableName() string { return "message" }

func (m *MessageModel) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(m.TableName())
}

// IsRecipient 回执者必须在定格的接收者集合里
func (m *MessageModel) IsRecipient(userID string) bool {
	for _, u := range m.Recipients {
		if u == userID {
			return true
		}
	}
	return false
}
