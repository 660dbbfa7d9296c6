package chat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"PulseChat/logger"
	"PulseChat/service/storage"
	"PulseChat/tools/ids"
)

// Conf 注册中心参数；零值走默认
type Conf struct {
	SendBuffer   int           // 每连接发送队列长度
	WriteTimeout time.Duration // 入队等待上限，超时视为慢消费者并拆除连接
	Clock        func() time.Time
}

func (c Conf) norm() Conf {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Conn 单个客户端连接的登记项。事件只通过 send 通道出去，
// 写端（ws writer）是唯一消费者。
type Conn struct {
	ID        string
	UserID    string // 可为空（未认证连接只收会话广播）
	CreatedAt time.Time

	interests map[string]struct{}

	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
	lastSeq   int64
}

func (c *Conn) Events() <-chan Event   { return c.send }
func (c *Conn) Done() <-chan struct{}  { return c.done }
func (c *Conn) LastSeq() int64         { return atomic.LoadInt64(&c.lastSeq) }
func (c *Conn) Interested(conv string) bool {
	_, ok := c.interests[conv]
	return ok
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Registry 连接注册中心：conn / user / conversation 三向索引。
// 进程内单例，所有推送从这里走。
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Conn
	byUser map[string]map[string]*Conn
	byConv map[string]map[string]*Conn

	seq     int64
	nodeID  string
	members storage.MembershipResolver
	conf    Conf
}

func NewRegistry(nodeID string, conf Conf, members storage.MembershipResolver) *Registry {
	return &Registry{
		byConn:  make(map[string]*Conn),
		byUser:  make(map[string]map[string]*Conn),
		byConv:  make(map[string]map[string]*Conn),
		nodeID:  nodeID,
		members: members,
		conf:    conf.norm(),
	}
}

func (r *Registry) nextSeq() int64 { return atomic.AddInt64(&r.seq, 1) }

// RegisterConn 登记连接并立即回 connected 回执。
// userID 可空；interests 为该连接关注的会话集合。
func (r *Registry) RegisterConn(userID string, interests []string) *Conn {
	c := &Conn{
		ID:        ids.GenerateString(),
		UserID:    userID,
		CreatedAt: r.conf.Clock(),
		interests: make(map[string]struct{}, len(interests)),
		send:      make(chan Event, r.conf.SendBuffer),
		done:      make(chan struct{}),
	}
	for _, conv := range interests {
		if conv != "" {
			c.interests[conv] = struct{}{}
		}
	}

	r.mu.Lock()
	r.byConn[c.ID] = c
	if userID != "" {
		m := r.byUser[userID]
		if m == nil {
			m = make(map[string]*Conn)
			r.byUser[userID] = m
		}
		m[c.ID] = c
	}
	for conv := range c.interests {
		m := r.byConv[conv]
		if m == nil {
			m = make(map[string]*Conn)
			r.byConv[conv] = m
		}
		m[c.ID] = c
	}
	r.mu.Unlock()

	// 新建队列必有空位，回执不会触发慢消费者路径
	r.push(c, r.buildEvent(EventConnected, ConnectedPayload{
		ConnID:     c.ID,
		UserID:     userID,
		NodeID:     r.nodeID,
		ServerTime: r.conf.Clock().UnixMilli(),
	}))
	return c
}

// RemoveConn 拆除连接并清理全部索引；重复调用无害
func (r *Registry) RemoveConn(connID string) {
	r.mu.Lock()
	c, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	if c.UserID != "" {
		if m := r.byUser[c.UserID]; m != nil {
			delete(m, connID)
			if len(m) == 0 {
				delete(r.byUser, c.UserID)
			}
		}
	}
	for conv := range c.interests {
		if m := r.byConv[conv]; m != nil {
			delete(m, connID)
			if len(m) == 0 {
				delete(r.byConv, conv)
			}
		}
	}
	r.mu.Unlock()
	c.close()
}

// GetConn 按连接ID取登记项
func (r *Registry) GetConn(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// UserConnCount 用户当前在本节点的连接数
func (r *Registry) UserConnCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

func (r *Registry) connsOfUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) connsOfConv(conv string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byConv[conv]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) buildEvent(eventType string, payload any) Event {
	ev := Event{Seq: r.nextSeq(), Type: eventType}
	if payload == nil {
		return ev
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("[registry] marshal payload failed type=%s err=%v", eventType, err)
		return ev
	}
	ev.Payload = data
	return ev
}

// push 入队；队列满时限时等待，超时按慢消费者拆连接。
// 返回是否成功入队。
func (r *Registry) push(c *Conn, ev Event) bool {
	select {
	case c.send <- ev:
		atomic.StoreInt64(&c.lastSeq, ev.Seq)
		return true
	case <-c.done:
		return false
	default:
	}

	t := time.NewTimer(r.conf.WriteTimeout)
	defer t.Stop()
	select {
	case c.send <- ev:
		atomic.StoreInt64(&c.lastSeq, ev.Seq)
		return true
	case <-c.done:
		return false
	case <-t.C:
		logger.Warnf("[registry] slow consumer, tearing down conn=%s user=%s", c.ID, c.UserID)
		r.RemoveConn(c.ID)
		return false
	}
}

// SendToUser 给用户的全部在线连接推同一事件（同一 seq），
// 返回成功入队的连接数。推送永不向调用方抛错。
func (r *Registry) SendToUser(userID, eventType string, payload any) (n int) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[registry] send panic user=%s type=%s r=%v", userID, eventType, rec)
		}
	}()
	conns := r.connsOfUser(userID)
	if len(conns) == 0 {
		return 0
	}
	ev := r.buildEvent(eventType, payload)
	for _, c := range conns {
		if r.push(c, ev) {
			n++
		}
	}
	return n
}

// SendToConn 给指定连接推事件（Sync Service 回放用）
func (r *Registry) SendToConn(connID, eventType string, payload any) bool {
	c := r.GetConn(connID)
	if c == nil {
		return false
	}
	return r.push(c, r.buildEvent(eventType, payload))
}

// BroadcastToConversation 会话级广播：成员集合即时解析，不做长期缓存。
// 已认证成员走用户索引；会话索引只兜未认证的旁听连接，避免重复投递。
// 解析失败降级为 0 投递，不向上冒泡。
func (r *Registry) BroadcastToConversation(ctx context.Context, conversationID, eventType string, payload any) (n int) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[registry] broadcast panic conv=%s type=%s r=%v", conversationID, eventType, rec)
		}
	}()

	var members []string
	if r.members != nil {
		var err error
		members, err = r.members.Members(ctx, conversationID)
		if err != nil {
			logger.Warnf("[registry] resolve members failed conv=%s err=%v", conversationID, err)
			members = nil
		}
	}
	for _, u := range members {
		n += r.SendToUser(u, eventType, payload)
	}

	for _, c := range r.connsOfConv(conversationID) {
		if c.UserID != "" {
			continue
		}
		if r.push(c, r.buildEvent(eventType, payload)) {
			n++
		}
	}
	return n
}
