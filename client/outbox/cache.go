package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"PulseChat/client/store"
	"PulseChat/logger"
	"PulseChat/module/chat/message"
	"PulseChat/module/chat/model"
)

// 本地消息状态（服务端确认前）
const (
	LocalStatusQueued  = "queued"
	LocalStatusSending = "sending"
	LocalStatusFailed  = "failed"
)

// LocalMessage 客户端消息副本。服务端确认前以 clientMsgId 为主键，
// 对账后换成 serverMsgId，cid 索引始终指向当前主键。
type LocalMessage struct {
	ID             string   `json:"id"`
	ClientMsgID    string   `json:"clientMsgId"`
	ServerMsgID    string   `json:"serverMsgId,omitempty"`
	ConversationID string   `json:"conversationId"`
	Content        string   `json:"content"`
	ContentType    int32    `json:"contentType"`
	Status         string   `json:"status"`
	Recipients     []string `json:"recipients,omitempty"`
	DeliveredTo    []string `json:"deliveredTo,omitempty"`
	ReadBy         []string `json:"readBy,omitempty"`
	UpdatedAt      int64    `json:"updatedAt"`
}

func msgKey(id string) string  { return "msg:" + id }
func cidKey(cid string) string { return "cid:" + cid }

// Cache 消息副本的本地存取与对账
type Cache struct {
	kv    store.KV
	clock func() time.Time
}

func NewCache(kv store.KV) *Cache {
	return &Cache{kv: kv, clock: time.Now}
}

func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

func (c *Cache) put(m *LocalMessage) error {
	m.UpdatedAt = c.clock().UnixMilli()
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := c.kv.Set(msgKey(m.ID), data); err != nil {
		return err
	}
	return c.kv.Set(cidKey(m.ClientMsgID), []byte(m.ID))
}

// PutOptimistic 乐观插入：发送前先进本地时间线
func (c *Cache) PutOptimistic(clientMsgID string, req SendRequest) error {
	return c.put(&LocalMessage{
		ID:             clientMsgID,
		ClientMsgID:    clientMsgID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		ContentType:    req.ContentType,
		Status:         LocalStatusQueued,
	})
}

// Get 按当前主键取副本
func (c *Cache) Get(id string) (*LocalMessage, error) {
	data, err := c.kv.Get(msgKey(id))
	if err != nil {
		return nil, err
	}
	m := &LocalMessage{}
	if jerr := json.Unmarshal(data, m); jerr != nil {
		return nil, jerr
	}
	return m, nil
}

// GetByClientID 经 cid 索引取副本
func (c *Cache) GetByClientID(clientMsgID string) (*LocalMessage, error) {
	id, err := c.kv.Get(cidKey(clientMsgID))
	if err != nil {
		return nil, err
	}
	return c.Get(string(id))
}

// SetStatus 更新本地发送状态；副本不存在则 no-op
func (c *Cache) SetStatus(clientMsgID, status string) {
	m, err := c.GetByClientID(clientMsgID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warnf("[outbox] cache read failed cid=%s err=%v", clientMsgID, err)
		}
		return
	}
	m.Status = status
	if err := c.put(m); err != nil {
		logger.Warnf("[outbox] cache write failed cid=%s err=%v", clientMsgID, err)
	}
}

// Reconcile 服务端确认后的一次性对账：临时副本整体换成服务端权威副本，
// 主键从 clientMsgId 换到 serverMsgId。不做字段级合并。
func (c *Cache) Reconcile(m *model.MessageModel) error {
	if cur, err := c.kv.Get(cidKey(m.ClientMsgID)); err == nil && string(cur) != m.ServerMsgID {
		// 老主键下的临时副本删掉，避免时间线出现双份
		_ = c.kv.Delete(msgKey(string(cur)))
	}
	return c.put(&LocalMessage{
		ID:             m.ServerMsgID,
		ClientMsgID:    m.ClientMsgID,
		ServerMsgID:    m.ServerMsgID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		ContentType:    m.ContentType,
		Status:         m.Status,
		Recipients:     m.Recipients,
		DeliveredTo:    m.DeliveredTo,
		ReadBy:         m.ReadBy,
	})
}

// ApplyStatusEvent message:status 事件落到本地副本。
// 事件里的 status 是单个接收者的阶段，不是聚合值：
// 先把该接收者记进集合，再按接收者全集重算聚合，只前进。
func (c *Cache) ApplyStatusEvent(messageID, status, userID string) {
	m, err := c.Get(messageID)
	if err != nil {
		return
	}
	switch status {
	case model.MessageStatusDelivered:
		m.DeliveredTo = addSet(m.DeliveredTo, userID)
	case model.MessageStatusRead:
		m.DeliveredTo = addSet(m.DeliveredTo, userID)
		m.ReadBy = addSet(m.ReadBy, userID)
	default:
		return
	}
	agg := message.ComputeStatus(m.Recipients, m.DeliveredTo, m.ReadBy)
	if model.StatusRank(agg) > model.StatusRank(m.Status) {
		m.Status = agg
	}
	if err := c.put(m); err != nil {
		logger.Warnf("[outbox] apply status failed id=%s err=%v", messageID, err)
	}
}

func addSet(set []string, v string) []string {
	for _, u := range set {
		if u == v {
			return set
		}
	}
	return append(set, v)
}
