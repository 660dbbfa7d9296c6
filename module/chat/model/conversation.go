package model

import (
	"PulseChat/service/mgo"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	ConversationTypeSingle = int32(1)
	ConversationTypeGroup  = int32(2)
)

const (
	ConversationFieldTenantID       = "tenant_id"
	ConversationFieldConversationID = "conversation_id"
	ConversationFieldMembers        = "members"
	ConversationFieldMaxSeq         = "max_seq"
	ConversationFieldUpdateTime     = "update_time"
)

// Conversation 会话；成员的增删由外部系统维护，
// 这里只读 members 并在 max_seq 上做序号分配。
type Conversation struct {
	TenantID         string   `bson:"tenant_id"        json:"tenantId"`
	ConversationID   string   `bson:"conversation_id"  json:"conversationId"`
	ConversationType int32    `bson:"conversation_type" json:"conversationType"`
	Members          []string `bson:"members"          json:"members"`
	MaxSeq           int64    `bson:"max_seq"          json:"maxSeq"` // 会话内消息序号水位
	CreateTime       int64    `bson:"create_time"      json:"createTime"`
	UpdateTime       int64    `bson:"update_time"      json:"updateTime"`
}

func (c *Conversation) TableName() string { return "conversation" }

func (c *Conversation) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(c.TableName())
}
