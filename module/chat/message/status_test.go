package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PulseChat/module/chat/model"
	"PulseChat/service/chat"
)

type notifyRec struct {
	mu     sync.Mutex
	events []struct {
		User string
		Type string
	}
}

func (n *notifyRec) SendToUser(userID, eventType string, _ any) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, struct {
		User string
		Type string
	}{userID, eventType})
	return 1
}

func (n *notifyRec) count(user, typ string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.User == user && e.Type == typ {
			c++
		}
	}
	return c
}

func seedMessage(t *testing.T, s Store, recipients []string) *model.MessageModel {
	t.Helper()
	m := &model.MessageModel{
		TenantID:       "t1",
		ConversationID: "conv1",
		SenderID:       "alice",
		ServerMsgID:    "m1",
		ClientMsgID:    "c1",
		Status:         model.MessageStatusSent,
		Recipients:     recipients,
		SendTime:       time.Now().UnixMilli(),
		Seq:            1,
	}
	if err := s.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func TestComputeStatus(t *testing.T) {
	cases := []struct {
		name       string
		recipients []string
		delivered  []string
		read       []string
		want       string
	}{
		{"no recipients", nil, nil, nil, model.MessageStatusDelivered},
		{"none acked", []string{"b", "c"}, nil, nil, model.MessageStatusSent},
		{"partial delivered", []string{"b", "c"}, []string{"b"}, nil, model.MessageStatusSent},
		{"all delivered", []string{"b", "c"}, []string{"b", "c"}, nil, model.MessageStatusDelivered},
		{"all delivered one read", []string{"b", "c"}, []string{"b", "c"}, []string{"b"}, model.MessageStatusDelivered},
		{"all read", []string{"b", "c"}, []string{"b", "c"}, []string{"b", "c"}, model.MessageStatusRead},
		{"stranger acks ignored", []string{"b"}, []string{"x"}, []string{"x"}, model.MessageStatusSent},
	}
	for _, tc := range cases {
		if got := ComputeStatus(tc.recipients, tc.delivered, tc.read); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestMarkDeliveredSingle(t *testing.T) {
	s := NewMemStore()
	rec := &notifyRec{}
	flow := NewStatusFlow(s, rec)
	seedMessage(t, s, []string{"bob"})

	status, err := flow.MarkDelivered(context.Background(), "t1", "m1", "bob")
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if status != model.MessageStatusDelivered {
		t.Fatalf("aggregate = %s, want delivered", status)
	}
	if rec.count("alice", chat.EventMessageStatus) != 1 {
		t.Fatal("sender not notified")
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	s := NewMemStore()
	rec := &notifyRec{}
	flow := NewStatusFlow(s, rec)
	seedMessage(t, s, []string{"bob"})

	for i := 0; i < 3; i++ {
		if _, err := flow.MarkDelivered(context.Background(), "t1", "m1", "bob"); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
	}
	m, _ := s.FindByServerID(context.Background(), "t1", "m1")
	if len(m.DeliveredTo) != 1 {
		t.Fatalf("delivered_to has %d entries, want 1", len(m.DeliveredTo))
	}
	// 重复回执不再通知
	if rec.count("alice", chat.EventMessageStatus) != 1 {
		t.Fatalf("sender notified %d times, want 1", rec.count("alice", chat.EventMessageStatus))
	}
}

func TestMarkReadImpliesDelivered(t *testing.T) {
	s := NewMemStore()
	flow := NewStatusFlow(s, &notifyRec{})
	seedMessage(t, s, []string{"bob"})

	status, err := flow.MarkRead(context.Background(), "t1", "m1", "bob")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if status != model.MessageStatusRead {
		t.Fatalf("aggregate = %s, want read", status)
	}
	m, _ := s.FindByServerID(context.Background(), "t1", "m1")
	if len(m.DeliveredTo) != 1 || len(m.ReadBy) != 1 {
		t.Fatalf("read ack must imply delivered: %+v", m)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	s := NewMemStore()
	flow := NewStatusFlow(s, &notifyRec{})
	seedMessage(t, s, []string{"bob"})

	if _, err := flow.MarkRead(context.Background(), "t1", "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	// read 之后再来 delivered 回执，聚合不得回退
	status, err := flow.MarkDelivered(context.Background(), "t1", "m1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if status != model.MessageStatusRead {
		t.Fatalf("aggregate regressed to %s", status)
	}
	m, _ := s.FindByServerID(context.Background(), "t1", "m1")
	if m.Status != model.MessageStatusRead {
		t.Fatalf("stored status regressed to %s", m.Status)
	}
}

func TestGroupAggregateIsMinimum(t *testing.T) {
	s := NewMemStore()
	flow := NewStatusFlow(s, &notifyRec{})
	seedMessage(t, s, []string{"bob", "carol"})

	ctx := context.Background()
	if status, _ := flow.MarkRead(ctx, "t1", "m1", "bob"); status != model.MessageStatusSent {
		t.Fatalf("after one read of two: %s, want sent", status)
	}
	if status, _ := flow.MarkDelivered(ctx, "t1", "m1", "carol"); status != model.MessageStatusDelivered {
		t.Fatalf("after all delivered: %s, want delivered", status)
	}
	if status, _ := flow.MarkRead(ctx, "t1", "m1", "carol"); status != model.MessageStatusRead {
		t.Fatalf("after all read: %s, want read", status)
	}
}

func TestAckUnknownMessage(t *testing.T) {
	flow := NewStatusFlow(NewMemStore(), &notifyRec{})
	_, err := flow.MarkDelivered(context.Background(), "t1", "ghost", "bob")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("got %v, want ErrMessageNotFound", err)
	}
}

func TestAckByNonRecipient(t *testing.T) {
	s := NewMemStore()
	flow := NewStatusFlow(s, &notifyRec{})
	seedMessage(t, s, []string{"bob"})

	// 发送者和路人都不是接收者
	for _, u := range []string{"alice", "mallory"} {
		_, err := flow.MarkRead(context.Background(), "t1", "m1", u)
		if !errors.Is(err, ErrNotRecipient) {
			t.Fatalf("user %s: got %v, want ErrNotRecipient", u, err)
		}
	}
	m, _ := s.FindByServerID(context.Background(), "t1", "m1")
	if len(m.DeliveredTo) != 0 || len(m.ReadBy) != 0 {
		t.Fatal("rejected ack mutated state")
	}
}
