package chat

import (
	"encoding/json"
	"fmt"
)

// ===== 服务端推送事件目录 =====
//
// 事件通道的 wire 形态：{seq, type, payload}，seq 为进程级单调序号，
// 客户端断线后携带 last_seq 重连；缺口补齐走 Sync Service（有界回放），
// 注册中心不保留完整事件日志。
const (
	EventConnected     = "connected"      // 握手回执
	EventMessageNew    = "message:new"    // 新消息（推给接收方）
	EventMessageStatus = "message:status" // 状态变更（推给发送方）
	EventSyncInitial   = "sync:initial"   // 批量补齐：开始
	EventMessageSync   = "message:sync"   // 批量补齐：单条消息
	EventSyncError     = "sync:error"     // 批量补齐：失败
	EventAckError      = "ack:error"      // 对端回执被拒（非法回执的显式错误应答）
)

// ===== 客户端上行帧类型 =====
const (
	FrameAckDelivered = "ack:delivered"
	FrameAckRead      = "ack:read"
)

type Event struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ConnectedPayload struct {
	ConnID     string `json:"connId"`
	UserID     string `json:"userId,omitempty"`
	NodeID     string `json:"nodeId"`
	ServerTime int64  `json:"serverTime"`
}

type StatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	UserID    string `json:"userId"`
}

type SyncInitialPayload struct {
	Conversations int   `json:"conversations"`
	Since         int64 `json:"since"`
}

type SyncErrorPayload struct {
	Reason string `json:"reason"`
}

type AckErrorPayload struct {
	MessageID string `json:"messageId"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
}

// ClientFrame 客户端上行帧；payload 结构按 type 解释
type ClientFrame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type AckPayload struct {
	MessageID string `json:"messageId"`
}

func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	f := &ClientFrame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame without type")
	}
	return f, nil
}
