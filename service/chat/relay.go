package chat

import (
	"encoding/json"

	"PulseChat/logger"
	"PulseChat/service/natsx"
	"PulseChat/service/storage"
)

// RelayFrame 节点间转发帧。payload 原样透传，
// 接收节点用自己的序号重新编号后入队。
type RelayFrame struct {
	UserID  string          `json:"userId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func RelaySubject(nodeID string) string { return "pc.relay." + nodeID }

// RelayNotifier 先投本地；本地无连接且 presence 指向别的节点时，
// 经 NATS 转发过去。转发失败只记日志，持久层已落库，补发兜底。
type RelayNotifier struct {
	NodeID string
	Reg    *Registry
	Nats   *natsx.NatsxClient
}

func (n *RelayNotifier) SendToUser(userID, eventType string, payload any) int {
	cnt := n.Reg.SendToUser(userID, eventType, payload)
	if cnt > 0 || n.Nats == nil {
		return cnt
	}

	node, online, err := storage.PresenceLookup(userID)
	if err != nil {
		logger.Warnf("[relay] presence lookup failed user=%s err=%v", userID, err)
		return cnt
	}
	if !online || node == n.NodeID {
		return cnt
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("[relay] marshal payload failed type=%s err=%v", eventType, err)
		return cnt
	}
	frame, err := json.Marshal(RelayFrame{UserID: userID, Type: eventType, Payload: data})
	if err != nil {
		logger.Errorf("[relay] marshal frame failed user=%s err=%v", userID, err)
		return cnt
	}
	if perr := n.Nats.Publish(RelaySubject(node), frame); perr != nil {
		logger.Warnf("[relay] publish failed node=%s user=%s err=%v", node, userID, perr)
	}
	return cnt
}

// StartRelayConsumer 订阅本节点的转发主题并投递到本地注册中心
func StartRelayConsumer(nodeID string, nc *natsx.NatsxClient, reg *Registry) error {
	return nc.Subscribe(RelaySubject(nodeID), func(subject string, data []byte) {
		var f RelayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warnf("[relay] bad frame subject=%s err=%v", subject, err)
			return
		}
		if f.UserID == "" || f.Type == "" {
			return
		}
		reg.SendToUser(f.UserID, f.Type, f.Payload)
	})
}
