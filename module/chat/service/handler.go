package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"PulseChat/global"
	midsec "PulseChat/middleware/security"
	"PulseChat/module/chat/message"
	"PulseChat/module/chat/model"
	"PulseChat/tools/errs"
	"PulseChat/tools/safe"

	"github.com/gin-gonic/gin"
)

// API 消息域 HTTP 面。发送/回执/补齐都有 websocket 等价入口，
// HTTP 面给不便挂长连接的调用方用。
type API struct {
	Svc    *message.Service
	Flow   *message.StatusFlow
	Syncer *message.Syncer
}

const handlerTimeout = 5 * time.Second

// HandlerSend POST /message/send
func (a *API) HandlerSend(c *gin.Context) {
	uid := c.GetString(midsec.CtxUserID)
	var in message.SendInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "bad request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()

	m, err := a.Svc.SendMessage(ctx, global.GetTenantID(), uid, in)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": m})
}

type ackReq struct {
	MessageID string `json:"messageId" binding:"required"`
	Stage     string `json:"stage"     binding:"required"` // delivered | read
}

// HandlerAck POST /message/ack
func (a *API) HandlerAck(c *gin.Context) {
	uid := c.GetString(midsec.CtxUserID)
	var in ackReq
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "bad request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()

	var (
		status string
		err    error
	)
	switch in.Stage {
	case model.MessageStatusDelivered:
		status, err = a.Flow.MarkDelivered(ctx, global.GetTenantID(), in.MessageID, uid)
	case model.MessageStatusRead:
		status, err = a.Flow.MarkRead(ctx, global.GetTenantID(), in.MessageID, uid)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "stage must be delivered or read"})
		return
	}
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"messageId": in.MessageID, "status": status}})
}

// HandlerSync GET /sync?conn_id=xxx
// 回放发到指定的长连接上，HTTP 只负责触发
func (a *API) HandlerSync(c *gin.Context) {
	uid := c.GetString(midsec.CtxUserID)
	connID := c.Query("conn_id")
	if connID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "conn_id required"})
		return
	}

	syncer := a.Syncer
	tenant := global.GetTenantID()
	safe.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = syncer.Replay(ctx, tenant, uid, connID)
	})
	c.JSON(http.StatusAccepted, gin.H{"code": 0, "msg": "replaying"})
}

func writeErr(c *gin.Context, err error) {
	var ce *errs.CodeError
	if !errors.As(err, &ce) {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
		return
	}
	httpStatus := http.StatusInternalServerError
	switch ce.Code {
	case message.ErrArgs.Code:
		httpStatus = http.StatusBadRequest
	case message.ErrMessageNotFound.Code, message.ErrConversationNotFound.Code:
		httpStatus = http.StatusNotFound
	case message.ErrNotRecipient.Code, message.ErrNotMember.Code:
		httpStatus = http.StatusForbidden
	}
	c.JSON(httpStatus, gin.H{"code": ce.Code, "msg": ce.Msg})
}
