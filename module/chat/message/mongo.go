package message

import (
	"context"
	"time"

	"PulseChat/module/chat/model"
	"PulseChat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoStore struct{}

// NewMongoStore mongo 实现；集合经 model 懒取，
// 要求 mgo 已 Ready
func NewMongoStore() Store { return &mongoStore{} }

func msgColl() *mongo.Collection  { return (&model.MessageModel{}).Collection() }
func convColl() *mongo.Collection { return (&model.Conversation{}).Collection() }

func msgFilter(tenant, serverMsgID string) bson.M {
	return bson.M{
		model.MessageFieldTenantID:    tenant,
		model.MessageFieldServerMsgID: serverMsgID,
	}
}

func (s *mongoStore) InsertMessage(ctx context.Context, m *model.MessageModel) error {
	if m.CreateTime == 0 {
		m.CreateTime = time.Now().UnixMilli()
	}
	_, err := msgColl().InsertOne(ctx, m)
	return errs.WrapMsg(err, "insert message failed", "server_msg_id", m.ServerMsgID)
}

func (s *mongoStore) FindByServerID(ctx context.Context, tenant, serverMsgID string) (*model.MessageModel, error) {
	var m model.MessageModel
	err := msgColl().FindOne(ctx, msgFilter(tenant, serverMsgID)).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find message failed", "server_msg_id", serverMsgID)
	}
	return &m, nil
}

func (s *mongoStore) FindByClientID(ctx context.Context, tenant, senderID, clientMsgID string) (*model.MessageModel, error) {
	var m model.MessageModel
	err := msgColl().FindOne(ctx, bson.M{
		model.MessageFieldTenantID:    tenant,
		model.MessageFieldSenderID:    senderID,
		model.MessageFieldClientMsgID: clientMsgID,
	}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find message by client id failed", "client_msg_id", clientMsgID)
	}
	return &m, nil
}

// addToSet 回执累加：$addToSet 幂等，返回更新后的文档
func (s *mongoStore) addToSet(ctx context.Context, tenant, serverMsgID string, update bson.M) (*model.MessageModel, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var m model.MessageModel
	err := msgColl().FindOneAndUpdate(ctx, msgFilter(tenant, serverMsgID),
		bson.M{"$addToSet": update}, opts).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, ErrMessageNotFound.WithDetail("server_msg_id=" + serverMsgID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "ack update failed", "server_msg_id", serverMsgID)
	}
	return &m, nil
}

func (s *mongoStore) AddDelivered(ctx context.Context, tenant, serverMsgID, userID string) (*model.MessageModel, error) {
	return s.addToSet(ctx, tenant, serverMsgID, bson.M{
		model.MessageFieldDeliveredTo: userID,
	})
}

func (s *mongoStore) AddRead(ctx context.Context, tenant, serverMsgID, userID string) (*model.MessageModel, error) {
	// read 隐含 delivered，一次更新两个集合
	return s.addToSet(ctx, tenant, serverMsgID, bson.M{
		model.MessageFieldDeliveredTo: userID,
		model.MessageFieldReadBy:      userID,
	})
}

func (s *mongoStore) AdvanceStatus(ctx context.Context, tenant, serverMsgID, to string) error {
	lower := make([]string, 0, 2)
	for _, st := range []string{model.MessageStatusSent, model.MessageStatusDelivered} {
		if model.StatusRank(st) < model.StatusRank(to) {
			lower = append(lower, st)
		}
	}
	if len(lower) == 0 {
		return nil
	}
	filter := msgFilter(tenant, serverMsgID)
	filter[model.MessageFieldStatus] = bson.M{"$in": lower}
	// 条件不满足（已被并发推到同级或更高）就是 no-op
	_, err := msgColl().UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{model.MessageFieldStatus: to}})
	return errs.WrapMsg(err, "advance status failed", "server_msg_id", serverMsgID, "to", to)
}

func (s *mongoStore) NextSeq(ctx context.Context, tenant, conversationID string) (int64, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var c model.Conversation
	err := convColl().FindOneAndUpdate(ctx, bson.M{
		model.ConversationFieldTenantID:       tenant,
		model.ConversationFieldConversationID: conversationID,
	}, bson.M{
		"$inc": bson.M{model.ConversationFieldMaxSeq: 1},
		"$set": bson.M{model.ConversationFieldUpdateTime: time.Now().UnixMilli()},
	}, opts).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return 0, ErrConversationNotFound.WithDetail("conversation_id=" + conversationID)
	}
	if err != nil {
		return 0, errs.WrapMsg(err, "alloc seq failed", "conversation_id", conversationID)
	}
	return c.MaxSeq, nil
}

func (s *mongoStore) MembersOf(ctx context.Context, tenant, conversationID string) ([]string, error) {
	var c model.Conversation
	err := convColl().FindOne(ctx, bson.M{
		model.ConversationFieldTenantID:       tenant,
		model.ConversationFieldConversationID: conversationID,
	}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, ErrConversationNotFound.WithDetail("conversation_id=" + conversationID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find conversation failed", "conversation_id", conversationID)
	}
	return c.Members, nil
}

func (s *mongoStore) ConversationsOf(ctx context.Context, tenant, userID string) ([]string, error) {
	cur, err := convColl().Find(ctx, bson.M{
		model.ConversationFieldTenantID: tenant,
		model.ConversationFieldMembers:  userID,
	}, options.Find().SetProjection(bson.M{model.ConversationFieldConversationID: 1}))
	if err != nil {
		return nil, errs.WrapMsg(err, "list conversations failed", "user_id", userID)
	}
	defer cur.Close(ctx)

	var out []string
	for cur.Next(ctx) {
		var c model.Conversation
		if derr := cur.Decode(&c); derr != nil {
			return nil, errs.WrapMsg(derr, "decode conversation failed")
		}
		out = append(out, c.ConversationID)
	}
	return out, cur.Err()
}

func (s *mongoStore) ListRecent(ctx context.Context, tenant, conversationID string, sinceMS int64, limit int64) ([]*model.MessageModel, error) {
	filter := bson.M{
		model.MessageFieldTenantID:       tenant,
		model.MessageFieldConversationID: conversationID,
		model.MessageFieldSendTime:       bson.M{"$gte": sinceMS},
	}
	// 倒序取最新 limit 条，再翻回升序
	opts := options.Find().SetSort(bson.D{{Key: model.MessageFieldSeq, Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := msgColl().Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "list messages failed", "conversation_id", conversationID)
	}
	defer cur.Close(ctx)

	var desc []*model.MessageModel
	for cur.Next(ctx) {
		var m model.MessageModel
		if derr := cur.Decode(&m); derr != nil {
			return nil, errs.WrapMsg(derr, "decode message failed")
		}
		desc = append(desc, &m)
	}
	if cerr := cur.Err(); cerr != nil {
		return nil, cerr
	}
	out := make([]*model.MessageModel, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
	}
	return out, nil
}
