package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"PulseChat/client/store"
	"PulseChat/logger"
	"PulseChat/module/chat/model"
	"PulseChat/service/chat"
	"PulseChat/tools/safe"

	"github.com/google/uuid"
)

const queueKey = "outbox:queue"

// NewClientMsgID 客户端消息ID；服务端按它做发送幂等
func NewClientMsgID() string { return uuid.NewString() }

// SendRequest 待发送的消息体
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ContentType    int32  `json:"contentType"`
	RecvID         string `json:"recvId,omitempty"`
}

// Entry 队列项；Retry 为已尝试次数，发送前先累加再发，
// 中途崩溃重启后也有正确的计数
type Entry struct {
	ClientMsgID string      `json:"clientMsgId"`
	Req         SendRequest `json:"req"`
	Retry       int         `json:"retry"`
	LastAttempt int64       `json:"lastAttempt"`
}

// Sender 把消息递给服务端（HTTP 或 ws 上行都行）
type Sender interface {
	Send(ctx context.Context, clientMsgID string, req SendRequest) (*model.MessageModel, error)
}

// CredentialProvider 凭证可用性；拿不到凭证时 flush 跳过本轮
type CredentialProvider interface {
	Token() (string, bool)
}

type Conf struct {
	MaxRetry       int           // 尝试上限，超过转 failed（默认 5）
	AttemptTimeout time.Duration // 单次发送超时（默认 10s）
	Backoff        time.Duration // 首次重试间隔，之后翻倍（默认 2s）
	MaxBackoff     time.Duration // 重试间隔上限（默认 1m）
	Clock          func() time.Time
}

func (c Conf) norm() Conf {
	if c.MaxRetry <= 0 {
		c.MaxRetry = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// backoffFor 第 retry 次失败后的最小重试间隔：Backoff * 2^(retry-1)，封顶
func (c Conf) backoffFor(retry int) time.Duration {
	d := c.Backoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Queue 持久化发件队列：入队即落盘，flush 单飞，
// 按入队顺序逐条发送，成功先对账再出队。
type Queue struct {
	mu      sync.Mutex
	entries []Entry

	kv     store.KV
	cache  *Cache
	sender Sender
	creds  CredentialProvider
	conf   Conf

	flushing atomic.Bool
}

// NewQueue 启动时从 kv 恢复队列
func NewQueue(kv store.KV, cache *Cache, sender Sender, creds CredentialProvider, conf Conf) (*Queue, error) {
	q := &Queue{kv: kv, cache: cache, sender: sender, creds: creds, conf: conf.norm()}
	data, err := kv.Get(queueKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return q, nil
		}
		return nil, err
	}
	if jerr := json.Unmarshal(data, &q.entries); jerr != nil {
		return nil, jerr
	}
	return q, nil
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.entries)
	if err != nil {
		return err
	}
	return q.kv.Set(queueKey, data)
}

func (q *Queue) indexOfLocked(clientMsgID string) int {
	for i := range q.entries {
		if q.entries[i].ClientMsgID == clientMsgID {
			return i
		}
	}
	return -1
}

// Enqueue 入队并落盘。同 clientMsgID 重复入队视为显式重试：
// 覆盖原项，尝试计数清零。
func (q *Queue) Enqueue(clientMsgID string, req SendRequest) error {
	if clientMsgID == "" {
		return errors.New("clientMsgID required")
	}
	q.mu.Lock()
	e := Entry{ClientMsgID: clientMsgID, Req: req}
	if i := q.indexOfLocked(clientMsgID); i >= 0 {
		q.entries[i] = e
	} else {
		q.entries = append(q.entries, e)
	}
	err := q.persistLocked()
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if q.cache != nil {
		if cerr := q.cache.PutOptimistic(clientMsgID, req); cerr != nil {
			logger.Warnf("[outbox] optimistic cache failed cid=%s err=%v", clientMsgID, cerr)
		}
	}
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entry 按 clientMsgID 查队列项（在队里才有）
func (q *Queue) Entry(clientMsgID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOfLocked(clientMsgID); i >= 0 {
		return q.entries[i], true
	}
	return Entry{}, false
}

func (q *Queue) remove(clientMsgID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOfLocked(clientMsgID)
	if i < 0 {
		return
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	if err := q.persistLocked(); err != nil {
		logger.Errorf("[outbox] persist after remove failed cid=%s err=%v", clientMsgID, err)
	}
}

// Flush 单飞：已有 flush 在跑则直接返回。无凭证跳过本轮（不算失败，
// 不消耗尝试次数）。本轮只处理启动时刻已在队的项，期间新入队的留给下一轮。
func (q *Queue) Flush(ctx context.Context) {
	if !q.flushing.CompareAndSwap(false, true) {
		return
	}
	defer q.flushing.Store(false)

	if q.creds != nil {
		if _, ok := q.creds.Token(); !ok {
			logger.Infof("[outbox] flush skipped: no credential")
			return
		}
	}

	q.mu.Lock()
	cycle := make([]string, len(q.entries))
	for i := range q.entries {
		cycle[i] = q.entries[i].ClientMsgID
	}
	q.mu.Unlock()

	for _, cid := range cycle {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// 发送前先记尝试：发到一半崩了，重启后计数不回退
		q.mu.Lock()
		i := q.indexOfLocked(cid)
		if i < 0 {
			q.mu.Unlock()
			continue
		}
		// 退避窗口内不重试，等下一轮 flush
		if q.entries[i].Retry > 0 {
			wait := q.conf.backoffFor(q.entries[i].Retry)
			since := q.conf.Clock().UnixMilli() - q.entries[i].LastAttempt
			if since < wait.Milliseconds() {
				q.mu.Unlock()
				continue
			}
		}
		q.entries[i].Retry++
		q.entries[i].LastAttempt = q.conf.Clock().UnixMilli()
		e := q.entries[i]
		if perr := q.persistLocked(); perr != nil {
			q.mu.Unlock()
			logger.Errorf("[outbox] persist failed cid=%s err=%v", cid, perr)
			return
		}
		q.mu.Unlock()

		if q.cache != nil {
			q.cache.SetStatus(cid, LocalStatusSending)
		}

		sctx, cancel := context.WithTimeout(ctx, q.conf.AttemptTimeout)
		m, serr := q.sender.Send(sctx, cid, e.Req)
		cancel()

		if serr != nil {
			logger.Warnf("[outbox] send failed cid=%s attempt=%d err=%v", cid, e.Retry, serr)
			if e.Retry >= q.conf.MaxRetry {
				// 到顶：出队转 failed，等用户显式重试（重试走 Enqueue）
				q.remove(cid)
				if q.cache != nil {
					q.cache.SetStatus(cid, LocalStatusFailed)
				}
			} else if q.cache != nil {
				q.cache.SetStatus(cid, LocalStatusQueued)
			}
			continue
		}

		// 先对账后出队：对账失败下一轮重放（服务端幂等，不会出双份）
		if q.cache != nil {
			if rerr := q.cache.Reconcile(m); rerr != nil {
				logger.Errorf("[outbox] reconcile failed cid=%s err=%v", cid, rerr)
				continue
			}
		}
		q.remove(cid)
	}
}

// WatchEvents 监听事件通道：connected 表示通道恢复，触发一次 flush。
// 事件通道关闭即退出。
func (q *Queue) WatchEvents(ctx context.Context, events <-chan chat.Event) {
	safe.SafeGo(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type == chat.EventConnected {
					flushCtx := ctx
					safe.SafeGo(func() { q.Flush(flushCtx) })
				}
			}
		}
	})
}
