package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"PulseChat/service/storage"
)

func drainOne(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return Event{}
	}
}

func TestRegisterConnEmitsConnected(t *testing.T) {
	reg := NewRegistry("node-a", Conf{}, nil)
	c := reg.RegisterConn("u1", []string{"conv1"})
	if c.ID == "" {
		t.Fatal("conn id empty")
	}

	ev := drainOne(t, c)
	if ev.Type != EventConnected {
		t.Fatalf("expected connected, got %s", ev.Type)
	}
	if ev.Seq != 1 {
		t.Fatalf("first event seq = %d, want 1", ev.Seq)
	}
	var p ConnectedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ConnID != c.ID || p.UserID != "u1" || p.NodeID != "node-a" {
		t.Fatalf("bad payload: %+v", p)
	}
}

func TestSeqMonotonicAcrossPushes(t *testing.T) {
	reg := NewRegistry("node-a", Conf{}, nil)
	c := reg.RegisterConn("u1", nil)
	drainOne(t, c)

	for i := 0; i < 5; i++ {
		if n := reg.SendToUser("u1", EventMessageNew, map[string]string{"k": "v"}); n != 1 {
			t.Fatalf("push %d delivered to %d conns", i, n)
		}
	}
	last := int64(1)
	for i := 0; i < 5; i++ {
		ev := drainOne(t, c)
		if ev.Seq <= last {
			t.Fatalf("seq not increasing: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
	if c.LastSeq() != last {
		t.Fatalf("LastSeq = %d, want %d", c.LastSeq(), last)
	}
}

func TestSendToUserFansOutAllConns(t *testing.T) {
	reg := NewRegistry("node-a", Conf{}, nil)
	c1 := reg.RegisterConn("u1", nil)
	c2 := reg.RegisterConn("u1", nil)
	drainOne(t, c1)
	drainOne(t, c2)

	if n := reg.SendToUser("u1", EventMessageNew, nil); n != 2 {
		t.Fatalf("delivered to %d conns, want 2", n)
	}
	// 同一逻辑事件在两条连接上同 seq
	e1, e2 := drainOne(t, c1), drainOne(t, c2)
	if e1.Seq != e2.Seq {
		t.Fatalf("seq mismatch across conns: %d vs %d", e1.Seq, e2.Seq)
	}
	if n := reg.SendToUser("nobody", EventMessageNew, nil); n != 0 {
		t.Fatalf("delivered to %d conns for offline user, want 0", n)
	}
}

func TestRemoveConnIdempotentAndIndexClean(t *testing.T) {
	reg := NewRegistry("node-a", Conf{}, nil)
	c := reg.RegisterConn("u1", []string{"conv1"})
	drainOne(t, c)

	reg.RemoveConn(c.ID)
	reg.RemoveConn(c.ID) // 重复拆除无害

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after remove")
	}
	if reg.UserConnCount("u1") != 0 {
		t.Fatal("user index not cleaned")
	}
	if reg.GetConn(c.ID) != nil {
		t.Fatal("conn index not cleaned")
	}
	if n := reg.SendToUser("u1", EventMessageNew, nil); n != 0 {
		t.Fatalf("delivered %d after remove, want 0", n)
	}
}

func TestSlowConsumerTornDown(t *testing.T) {
	reg := NewRegistry("node-a", Conf{SendBuffer: 1, WriteTimeout: 50 * time.Millisecond}, nil)
	c := reg.RegisterConn("u1", nil)
	// 不消费：connected 占掉唯一的槽位

	reg.SendToUser("u1", EventMessageNew, nil) // 等待后超时，触发拆除

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("slow consumer not torn down")
	}
	if reg.UserConnCount("u1") != 0 {
		t.Fatal("slow consumer still indexed")
	}
}

func TestBroadcastResolvesMembershipOnDemand(t *testing.T) {
	members := storage.StaticResolver{"conv1": {"u1", "u2"}}
	reg := NewRegistry("node-a", Conf{}, members)
	c1 := reg.RegisterConn("u1", nil)
	c2 := reg.RegisterConn("u2", nil)
	c3 := reg.RegisterConn("u3", nil) // 非成员
	drainOne(t, c1)
	drainOne(t, c2)
	drainOne(t, c3)

	n := reg.BroadcastToConversation(context.Background(), "conv1", EventMessageNew, nil)
	if n != 2 {
		t.Fatalf("broadcast delivered %d, want 2", n)
	}
	if ev := drainOne(t, c1); ev.Type != EventMessageNew {
		t.Fatalf("u1 got %s", ev.Type)
	}
	if ev := drainOne(t, c2); ev.Type != EventMessageNew {
		t.Fatalf("u2 got %s", ev.Type)
	}
	select {
	case ev := <-c3.Events():
		t.Fatalf("non-member got event %s", ev.Type)
	default:
	}
}

func TestBroadcastCountsLiveConnsOnly(t *testing.T) {
	// u1 两台设备在线，u2 离线：计数 2，离线成员不报错
	members := storage.StaticResolver{"conv1": {"u1", "u2"}}
	reg := NewRegistry("node-a", Conf{}, members)
	c1 := reg.RegisterConn("u1", nil)
	c2 := reg.RegisterConn("u1", nil)
	drainOne(t, c1)
	drainOne(t, c2)

	n := reg.BroadcastToConversation(context.Background(), "conv1", EventMessageNew, nil)
	if n != 2 {
		t.Fatalf("broadcast delivered %d, want 2", n)
	}
	drainOne(t, c1)
	drainOne(t, c2)
}

func TestBroadcastReachesAnonymousInterest(t *testing.T) {
	members := storage.StaticResolver{"conv1": {"u1"}}
	reg := NewRegistry("node-a", Conf{}, members)
	anon := reg.RegisterConn("", []string{"conv1"})
	drainOne(t, anon)

	n := reg.BroadcastToConversation(context.Background(), "conv1", EventMessageNew, nil)
	if n != 1 {
		t.Fatalf("broadcast delivered %d, want 1", n)
	}
	if ev := drainOne(t, anon); ev.Type != EventMessageNew {
		t.Fatalf("anon got %s", ev.Type)
	}
}

func TestSendToConn(t *testing.T) {
	reg := NewRegistry("node-a", Conf{}, nil)
	c := reg.RegisterConn("u1", nil)
	drainOne(t, c)

	if !reg.SendToConn(c.ID, EventMessageSync, map[string]int{"a": 1}) {
		t.Fatal("SendToConn failed for live conn")
	}
	if ev := drainOne(t, c); ev.Type != EventMessageSync {
		t.Fatalf("got %s", ev.Type)
	}
	if reg.SendToConn("ghost", EventMessageSync, nil) {
		t.Fatal("SendToConn succeeded for unknown conn")
	}
}
