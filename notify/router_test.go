package notify

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/wrangler-bot/wrangler/delivery"
)

func newRouterForTest() (*Router, *Store, *delivery.Queue, *delivery.Queue, *SideBuffers) {
	store := NewStore(nil)
	httpQueue := delivery.NewQueue("http", 100, delivery.EvictOldest)
	tcpQueue := delivery.NewQueue("tcp", 100, delivery.DropNewest)
	side := NewSideBuffers(10)
	router := NewRouter(store, httpQueue, tcpQueue, side)
	return router, store, httpQueue, tcpQueue, side
}

func TestEmit_NoSubscribersInvokesNothing(t *testing.T) {
	router, _, httpQueue, tcpQueue, _ := newRouterForTest()

	var calls int32
	router.Register(TypeMessage, func(interface{}) (map[string]string, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]string{"x": "y"}, nil
	})

	router.Emit(TypeMessage, MessageEvent{})

	if atomic.LoadInt32(&calls) != 0 {
		t.Error("handler invoked with zero subscribers")
	}
	if httpQueue.Len() != 0 || tcpQueue.Len() != 0 {
		t.Error("queue insertions with zero subscribers")
	}
}

func TestEmit_OneEnvelopePerSubscriberDestination(t *testing.T) {
	router, store, httpQueue, tcpQueue, _ := newRouterForTest()
	RegisterDefaultHandlers(router)

	ctx := context.Background()
	store.SubscribeHTTP(ctx, "group-1", TypeMessage, "http://one.example/cb", nil)
	store.SubscribeHTTP(ctx, "group-1", TypeMessage, "http://two.example/cb", nil)
	store.SubscribeHTTP(ctx, "group-2", TypeMessage, "http://three.example/cb", nil)
	store.RegisterTCP("group-2", TypeMessage, "10.0.0.1:55000")

	router.Emit(TypeMessage, MessageEvent{
		Kind: "im", SenderID: "agent-1", SenderName: "Some Resident", Message: "hi",
	})

	if got := httpQueue.Len(); got != 3 {
		t.Errorf("http envelopes = %d, want one per (subscriber, destination) = 3", got)
	}
	if got := tcpQueue.Len(); got != 1 {
		t.Errorf("tcp envelopes = %d, want 1", got)
	}
}

func TestEmit_UnregisteredHandlerLogsAndReturns(t *testing.T) {
	router, store, httpQueue, _, _ := newRouterForTest()
	store.SubscribeHTTP(context.Background(), "group-1", TypeFeed, "http://cb.example", nil)

	router.Emit(TypeFeed, FeedEvent{})

	if httpQueue.Len() != 0 {
		t.Error("emission without a handler produced envelopes")
	}
}

func TestEmit_HandlerFailureIsolatedPerSubscriber(t *testing.T) {
	router, store, httpQueue, _, _ := newRouterForTest()

	ctx := context.Background()
	store.SubscribeHTTP(ctx, "group-1", TypeMessage, "http://one.example", nil)
	store.SubscribeHTTP(ctx, "group-2", TypeMessage, "http://two.example", nil)

	var call int32
	router.Register(TypeMessage, func(interface{}) (map[string]string, error) {
		if atomic.AddInt32(&call, 1) == 1 {
			return nil, errors.New("boom")
		}
		return map[string]string{"message": "ok"}, nil
	})

	router.Emit(TypeMessage, MessageEvent{})

	if got := httpQueue.Len(); got != 1 {
		t.Errorf("envelopes = %d, want 1: one handler failure must not affect other subscribers", got)
	}
}

func TestEmit_EmptyDataSkipsSubscriber(t *testing.T) {
	router, store, httpQueue, _, _ := newRouterForTest()
	store.SubscribeHTTP(context.Background(), "group-1", TypeMessage, "http://one.example", nil)

	router.Register(TypeMessage, func(interface{}) (map[string]string, error) {
		return map[string]string{}, nil
	})
	router.Emit(TypeMessage, MessageEvent{})

	if httpQueue.Len() != 0 {
		t.Error("subscriber with empty handler data received an envelope")
	}
}

func TestEmit_AfterburnNeverOverwritesHandlerKeys(t *testing.T) {
	router, store, httpQueue, _, _ := newRouterForTest()
	RegisterDefaultHandlers(router)

	ctx := context.Background()
	store.SubscribeHTTP(ctx, "group-1", TypeMessage, "http://cb.example", nil)
	store.SetAfterburn(ctx, "group-1", map[string]string{
		"message": "overwritten", // collides with a handler key
		"tag":     "custom",
	})

	router.Emit(TypeMessage, MessageEvent{Kind: "chat", Message: "original"})

	env, ok := httpQueue.Dequeue(context.Background())
	if !ok {
		t.Fatal("no envelope produced")
	}
	if v, _ := env.Payload.Get("message"); v != "original" {
		t.Errorf("handler key overwritten by afterburn: %q", v)
	}
	if v, _ := env.Payload.Get("tag"); v != "custom" {
		t.Errorf("afterburn field missing: %q", v)
	}
	if v, _ := env.Payload.Get("type"); v != "message" {
		t.Errorf("type not stamped: %q", v)
	}
}

func TestEmit_MirrorsHTTPIntoSideBuffer(t *testing.T) {
	router, store, _, _, side := newRouterForTest()
	RegisterDefaultHandlers(router)

	store.SubscribeHTTP(context.Background(), "group-1", TypeMessage, "http://cb.example", nil)
	router.Emit(TypeMessage, MessageEvent{Kind: "chat", Message: "hello"})

	lines := side.Drain("group-1")
	if len(lines) != 1 {
		t.Fatalf("side buffer lines = %d, want 1", len(lines))
	}
	if !strings.Contains(lines[0], "type=message") {
		t.Errorf("mirrored line %q missing type stamp", lines[0])
	}
	if side.Len("group-1") != 0 {
		t.Error("Drain did not clear the buffer")
	}
}

func TestSideBuffers_BoundedEviction(t *testing.T) {
	side := NewSideBuffers(3)
	for i := 0; i < 10; i++ {
		side.Mirror("group-1", strings.Repeat("x", i+1))
	}
	lines := side.Drain("group-1")
	if len(lines) != 3 {
		t.Fatalf("buffered lines = %d, want capacity 3", len(lines))
	}
	if len(lines[0]) != 8 {
		t.Errorf("oldest surviving line should be the 8th, got length %d", len(lines[0]))
	}
}

func TestRegisterDefaultHandlers_Complete(t *testing.T) {
	router, _, _, _, _ := newRouterForTest()
	RegisterDefaultHandlers(router)
	for _, typ := range AllTypes {
		if !router.HasHandler(typ) {
			t.Errorf("no handler registered for %s", typ.Name())
		}
	}
}

func TestParseTypeList(t *testing.T) {
	mask, unknown := ParseTypeList("message, heartbeat,bogus")
	if mask != TypeMessage|TypeHeartbeat {
		t.Errorf("mask = %v", mask)
	}
	if len(unknown) != 1 || unknown[0] != "bogus" {
		t.Errorf("unknown = %v", unknown)
	}
}
