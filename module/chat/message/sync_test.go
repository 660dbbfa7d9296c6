package message

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"PulseChat/module/chat/model"
	"PulseChat/service/chat"
)

type pushRec struct {
	mu     sync.Mutex
	alive  bool
	events []struct {
		Conn    string
		Type    string
		Payload any
	}
}

func newPushRec() *pushRec { return &pushRec{alive: true} }

func (p *pushRec) SendToConn(connID, eventType string, payload any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return false
	}
	p.events = append(p.events, struct {
		Conn    string
		Type    string
		Payload any
	}{connID, eventType, payload})
	return true
}

func (p *pushRec) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func seedSyncStore(t *testing.T, now time.Time) *memStore {
	t.Helper()
	s := NewMemStore()
	s.AddConversation("t1", "conv1", []string{"alice", "bob"})
	s.AddConversation("t1", "conv2", []string{"alice", "carol"})
	ctx := context.Background()

	mk := func(conv, sid string, seq int64, age time.Duration) {
		if err := s.InsertMessage(ctx, &model.MessageModel{
			TenantID:       "t1",
			ConversationID: conv,
			SenderID:       "bob",
			ServerMsgID:    sid,
			ClientMsgID:    "c-" + sid,
			Status:         model.MessageStatusSent,
			Recipients:     []string{"alice"},
			Seq:            seq,
			SendTime:       now.Add(-age).UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	mk("conv1", "m1", 1, 48*time.Hour)
	mk("conv1", "m2", 2, time.Hour)
	mk("conv1", "m-old", 0, 30*24*time.Hour) // 窗口外
	mk("conv2", "m3", 1, time.Minute)
	return s
}

func TestReplayOrderAndWindow(t *testing.T) {
	now := time.Now()
	s := seedSyncStore(t, now)
	push := newPushRec()
	syncer := NewSyncer(s, push, SyncOptions{WindowDays: 7}).WithClock(func() time.Time { return now })

	if err := syncer.Replay(context.Background(), "t1", "alice", "conn-1"); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	types := push.types()
	if len(types) == 0 || types[0] != chat.EventSyncInitial {
		t.Fatalf("replay must start with sync:initial, got %v", types)
	}
	// 3 条在窗口内，m-old 被滤掉
	syncCount := 0
	for _, typ := range types[1:] {
		if typ != chat.EventMessageSync {
			t.Fatalf("unexpected event %s in replay", typ)
		}
		syncCount++
	}
	if syncCount != 3 {
		t.Fatalf("replayed %d messages, want 3", syncCount)
	}

	// 会话内按 seq 升序
	lastSeq := map[string]int64{}
	for _, e := range push.events[1:] {
		m := e.Payload.(*model.MessageModel)
		if m.Seq <= lastSeq[m.ConversationID] {
			t.Fatalf("conv %s out of order: seq %d after %d", m.ConversationID, m.Seq, lastSeq[m.ConversationID])
		}
		lastSeq[m.ConversationID] = m.Seq
	}
}

func TestReplayInitialPayload(t *testing.T) {
	now := time.Now()
	s := seedSyncStore(t, now)
	push := newPushRec()
	syncer := NewSyncer(s, push, SyncOptions{}).WithClock(func() time.Time { return now })

	if err := syncer.Replay(context.Background(), "t1", "alice", "conn-1"); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(push.events[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	var p chat.SyncInitialPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Conversations != 2 {
		t.Fatalf("conversations = %d, want 2", p.Conversations)
	}
	if p.Since <= 0 {
		t.Fatalf("since = %d", p.Since)
	}
}

func TestReplayPerConversationCap(t *testing.T) {
	now := time.Now()
	s := NewMemStore()
	s.AddConversation("t1", "busy", []string{"alice", "bob"})
	ctx := context.Background()
	for i := int64(1); i <= 10; i++ {
		if err := s.InsertMessage(ctx, &model.MessageModel{
			TenantID:       "t1",
			ConversationID: "busy",
			SenderID:       "bob",
			ServerMsgID:    fmtID("m", i),
			ClientMsgID:    fmtID("c", i),
			Status:         model.MessageStatusSent,
			Recipients:     []string{"alice"},
			Seq:            i,
			SendTime:       now.UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	push := newPushRec()
	syncer := NewSyncer(s, push, SyncOptions{PerConvLimit: 4}).WithClock(func() time.Time { return now })
	if err := syncer.Replay(ctx, "t1", "alice", "conn-1"); err != nil {
		t.Fatal(err)
	}

	msgs := push.events[1:]
	if len(msgs) != 4 {
		t.Fatalf("replayed %d, want cap 4", len(msgs))
	}
	// 截断保最新
	if first := msgs[0].Payload.(*model.MessageModel); first.Seq != 7 {
		t.Fatalf("first replayed seq = %d, want 7", first.Seq)
	}
}

func TestReplayReadOnly(t *testing.T) {
	now := time.Now()
	s := seedSyncStore(t, now)
	push := newPushRec()
	syncer := NewSyncer(s, push, SyncOptions{}).WithClock(func() time.Time { return now })

	if err := syncer.Replay(context.Background(), "t1", "alice", "conn-1"); err != nil {
		t.Fatal(err)
	}
	// 回放不产生回执副作用
	m, _ := s.FindByServerID(context.Background(), "t1", "m2")
	if len(m.DeliveredTo) != 0 || len(m.ReadBy) != 0 || m.Status != model.MessageStatusSent {
		t.Fatalf("replay mutated message: %+v", m)
	}
}

func TestReplayStopsWhenConnGone(t *testing.T) {
	now := time.Now()
	s := seedSyncStore(t, now)
	push := newPushRec()
	push.alive = false
	syncer := NewSyncer(s, push, SyncOptions{}).WithClock(func() time.Time { return now })

	if err := syncer.Replay(context.Background(), "t1", "alice", "conn-1"); err == nil {
		t.Fatal("expected error when target conn is gone")
	}
}

func fmtID(prefix string, i int64) string {
	return prefix + "-" + strconv.FormatInt(i, 10)
}
