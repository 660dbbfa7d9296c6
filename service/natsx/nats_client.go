package natsx

import (
	"errors"
	"strings"
	"sync"
	"time"

	"PulseChat/logger"

	"github.com/nats-io/nats.go"
)

// NatsxConfig 客户端配置
type NatsxConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsxClient 统一客户端：节点间事件转发用 Core 模式即可，
// 可靠性由持久层兜底（落库在先，推送尽力）。
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNatsxClient 连接 NATS
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("[natsx] reconnected url=%s", c.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[natsx] disconnected err=%v", err)
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &NatsxClient{cfg: cfg, nc: nc}, nil
}

// Publish Core 模式发布
func (c *NatsxClient) Publish(subject string, data []byte) error {
	if c == nil || c.nc == nil {
		return errors.New("natsx not initialized")
	}
	return c.nc.Publish(subject, data)
}

// Subscribe Core 模式订阅；handler 内部 panic 不会炸掉订阅协程
func (c *NatsxClient) Subscribe(subject string, handler func(subject string, data []byte)) error {
	if c == nil || c.nc == nil {
		return errors.New("natsx not initialized")
	}
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[natsx] handler panic subject=%s r=%v", m.Subject, r)
			}
		}()
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close 优雅关闭订阅与连接
func (c *NatsxClient) Close() error {
	if c == nil || c.nc == nil {
		return nil
	}
	c.mu.Lock()
	for _, s := range c.subs {
		_ = s.Drain()
	}
	c.subs = nil
	c.mu.Unlock()
	c.nc.Close()
	return nil
}
