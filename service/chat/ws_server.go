package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"PulseChat/global"
	"PulseChat/logger"
	"PulseChat/service/storage"
	"PulseChat/tools/decode"
	"PulseChat/tools/errs"
	"PulseChat/tools/safe"
	"PulseChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// AckFlow 回执处理入口；返回聚合后的消息状态
type AckFlow interface {
	MarkDelivered(ctx context.Context, tenant, messageID, userID string) (string, error)
	MarkRead(ctx context.Context, tenant, messageID, userID string) (string, error)
}

// Replayer 有界补发入口
type Replayer interface {
	Replay(ctx context.Context, tenant, userID, connID string) error
}

type ServerConf struct {
	WriteWait   time.Duration // 单次 ws 写上限
	PingEvery   time.Duration
	PresenceTTL time.Duration
	ReadLimit   int64
	AckTimeout  time.Duration
}

func (c ServerConf) norm() ServerConf {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PingEvery <= 0 {
		c.PingEvery = 25 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 2 * time.Minute
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	return c
}

// Server 事件通道的 websocket 面：握手、写泵、上行回执帧
type Server struct {
	nodeID string
	tenant string
	reg    *Registry
	flow   AckFlow
	syncer Replayer
	conf   ServerConf
}

func NewServer(nodeID, tenant string, reg *Registry, flow AckFlow, syncer Replayer, conf ServerConf) *Server {
	return &Server{
		nodeID: nodeID,
		tenant: tenant,
		reg:    reg,
		flow:   flow,
		syncer: syncer,
		conf:   conf.norm(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS GET /chat?token=...&conversations=a,b&sync=1
// token 可选：带 token 走用户索引并登记 presence，不带只能收会话广播。
func (s *Server) HandleWS(c *gin.Context) {
	userID := ""
	if token := c.Query("token"); token != "" {
		claims, err := security.Verify(security.DefaultOptions(global.GetJwtSecret()), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid token"})
			return
		}
		userID = claims.UserID()
	}

	var interests []string
	if raw := c.Query("conversations"); raw != "" {
		interests = strings.Split(raw, ",")
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("[ws] upgrade failed: %v", err)
		return
	}

	conn := s.reg.RegisterConn(userID, interests)
	logger.Infof("[ws] conn up conn=%s user=%s node=%s", conn.ID, userID, s.nodeID)

	if userID != "" {
		if perr := storage.PresenceOnline(userID, s.nodeID, s.conf.PresenceTTL); perr != nil {
			logger.Warnf("[ws] presence online failed user=%s err=%v", userID, perr)
		}
	}

	writerDone := make(chan struct{})
	go s.writePump(ws, conn, writerDone)

	// 重连补发：客户端显式要求才回放
	if c.Query("sync") == "1" && userID != "" && s.syncer != nil {
		connID, uid := conn.ID, userID
		safe.SafeGo(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if rerr := s.syncer.Replay(ctx, s.tenant, uid, connID); rerr != nil {
				logger.Warnf("[ws] replay failed conn=%s err=%v", connID, rerr)
			}
		})
	}

	s.readLoop(ws, conn)

	// 读循环退出即传输层断开，直接拆除
	s.reg.RemoveConn(conn.ID)
	if userID != "" && s.reg.UserConnCount(userID) == 0 {
		if perr := storage.PresenceOffline(userID); perr != nil {
			logger.Warnf("[ws] presence offline failed user=%s err=%v", userID, perr)
		}
	}
	<-writerDone
	_ = ws.Close()
	logger.Infof("[ws] conn down conn=%s user=%s", conn.ID, userID)
}

// writePump ws 单写者：事件队列 + 心跳。每次写都带 deadline，
// 写失败即拆连接，不让慢对端拖垮进程。
func (s *Server) writePump(ws *websocket.Conn, conn *Conn, done chan struct{}) {
	ticker := time.NewTicker(s.conf.PingEvery)
	defer func() {
		ticker.Stop()
		close(done)
	}()
	for {
		select {
		case ev := <-conn.Events():
			_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Warnf("[ws] write failed conn=%s seq=%d err=%v", conn.ID, ev.Seq, err)
				s.reg.RemoveConn(conn.ID)
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.reg.RemoveConn(conn.ID)
				_ = ws.Close()
				return
			}
			// 心跳顺带续 presence；对端不回 pong 不主动断，
			// 死链靠写失败暴露
			if conn.UserID != "" {
				_ = storage.PresenceOnline(conn.UserID, s.nodeID, s.conf.PresenceTTL)
			}
		case <-conn.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readLoop 上行帧：目前只有回执。非法帧记日志继续，不断连接。
func (s *Server) readLoop(ws *websocket.Conn, conn *Conn) {
	ws.SetReadLimit(s.conf.ReadLimit)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, perr := ParseClientFrame(data)
		if perr != nil {
			logger.Warnf("[ws] bad frame conn=%s err=%v", conn.ID, perr)
			continue
		}
		switch frame.Type {
		case FrameAckDelivered, FrameAckRead:
			s.handleAck(conn, frame)
		default:
			logger.Warnf("[ws] unknown frame type=%s conn=%s", frame.Type, conn.ID)
		}
	}
}

func (s *Server) handleAck(conn *Conn, frame *ClientFrame) {
	p, err := decode.DecodeMap[AckPayload](frame.Payload)
	if err != nil || p.MessageID == "" {
		s.replyAckError(conn, "", errs.NewCodeError(400, "ack payload missing messageId"))
		return
	}
	if conn.UserID == "" {
		s.replyAckError(conn, p.MessageID, errs.NewCodeError(401, "ack requires an authenticated connection"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.conf.AckTimeout)
	defer cancel()

	var aerr error
	if frame.Type == FrameAckRead {
		_, aerr = s.flow.MarkRead(ctx, s.tenant, p.MessageID, conn.UserID)
	} else {
		_, aerr = s.flow.MarkDelivered(ctx, s.tenant, p.MessageID, conn.UserID)
	}
	if aerr != nil {
		s.replyAckError(conn, p.MessageID, aerr)
	}
}

// replyAckError 非法回执显式回错，不静默丢弃
func (s *Server) replyAckError(conn *Conn, messageID string, err error) {
	payload := AckErrorPayload{MessageID: messageID, Code: 500, Msg: err.Error()}
	var ce *errs.CodeError
	if errors.As(err, &ce) {
		payload.Code = ce.Code
		payload.Msg = ce.Msg
	}
	s.reg.SendToConn(conn.ID, EventAckError, payload)
}
