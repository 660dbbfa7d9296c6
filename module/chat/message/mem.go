package message

import (
	"context"
	"sort"
	"strings"
	"sync"

	"PulseChat/module/chat/model"
)

type memConv struct {
	members []string
	maxSeq  int64
}

// memStore 内存实现，语义对齐 mongo 版；单测与本地跑用
type memStore struct {
	mu    sync.Mutex
	byID  map[string]*model.MessageModel // tenant|server_msg_id
	byCID map[string]*model.MessageModel // tenant|sender|client_msg_id
	convs map[string]*memConv            // tenant|conversation_id
}

func NewMemStore() *memStore {
	return &memStore{
		byID:  make(map[string]*model.MessageModel),
		byCID: make(map[string]*model.MessageModel),
		convs: make(map[string]*memConv),
	}
}

func memKey(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// AddConversation 造数入口
func (s *memStore) AddConversation(tenant, conversationID string, members []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[memKey(tenant, conversationID)] = &memConv{members: append([]string(nil), members...)}
}

func cloneMsg(m *model.MessageModel) *model.MessageModel {
	c := *m
	c.Recipients = append([]string(nil), m.Recipients...)
	c.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	c.ReadBy = append([]string(nil), m.ReadBy...)
	return &c
}

func (s *memStore) InsertMessage(_ context.Context, m *model.MessageModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneMsg(m)
	s.byID[memKey(m.TenantID, m.ServerMsgID)] = c
	s.byCID[memKey(m.TenantID, m.SenderID, m.ClientMsgID)] = c
	return nil
}

func (s *memStore) FindByServerID(_ context.Context, tenant, serverMsgID string) (*model.MessageModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[memKey(tenant, serverMsgID)]
	if !ok {
		return nil, nil
	}
	return cloneMsg(m), nil
}

func (s *memStore) FindByClientID(_ context.Context, tenant, senderID, clientMsgID string) (*model.MessageModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byCID[memKey(tenant, senderID, clientMsgID)]
	if !ok {
		return nil, nil
	}
	return cloneMsg(m), nil
}

func addSet(set []string, v string) []string {
	for _, u := range set {
		if u == v {
			return set
		}
	}
	return append(set, v)
}

func (s *memStore) AddDelivered(_ context.Context, tenant, serverMsgID, userID string) (*model.MessageModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[memKey(tenant, serverMsgID)]
	if !ok {
		return nil, ErrMessageNotFound.WithDetail("server_msg_id=" + serverMsgID)
	}
	m.DeliveredTo = addSet(m.DeliveredTo, userID)
	return cloneMsg(m), nil
}

func (s *memStore) AddRead(_ context.Context, tenant, serverMsgID, userID string) (*model.MessageModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[memKey(tenant, serverMsgID)]
	if !ok {
		return nil, ErrMessageNotFound.WithDetail("server_msg_id=" + serverMsgID)
	}
	m.DeliveredTo = addSet(m.DeliveredTo, userID)
	m.ReadBy = addSet(m.ReadBy, userID)
	return cloneMsg(m), nil
}

func (s *memStore) AdvanceStatus(_ context.Context, tenant, serverMsgID, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[memKey(tenant, serverMsgID)]
	if !ok {
		return nil
	}
	if model.StatusRank(m.Status) < model.StatusRank(to) {
		m.Status = to
	}
	return nil
}

func (s *memStore) NextSeq(_ context.Context, tenant, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[memKey(tenant, conversationID)]
	if !ok {
		return 0, ErrConversationNotFound.WithDetail("conversation_id=" + conversationID)
	}
	c.maxSeq++
	return c.maxSeq, nil
}

func (s *memStore) MembersOf(_ context.Context, tenant, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[memKey(tenant, conversationID)]
	if !ok {
		return nil, ErrConversationNotFound.WithDetail("conversation_id=" + conversationID)
	}
	return append([]string(nil), c.members...), nil
}

func (s *memStore) ConversationsOf(_ context.Context, tenant, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := tenant + "|"
	var out []string
	for key, c := range s.convs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, u := range c.members {
			if u == userID {
				out = append(out, strings.TrimPrefix(key, prefix))
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) ListRecent(_ context.Context, tenant, conversationID string, sinceMS int64, limit int64) ([]*model.MessageModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.MessageModel
	for _, m := range s.byID {
		if m.TenantID != tenant || m.ConversationID != conversationID || m.SendTime < sinceMS {
			continue
		}
		out = append(out, cloneMsg(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && int64(len(out)) > limit {
		out = out[int64(len(out))-limit:]
	}
	return out, nil
}
