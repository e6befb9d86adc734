package command

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wrangler-bot/wrangler/notify"
	"github.com/wrangler-bot/wrangler/wire"
)

func TestHandleNotify_SubscribeAndList(t *testing.T) {
	p, rt, _ := newTestPipeline(t, alphaGroup())
	ctx := context.Background()

	result := p.Handle(ctx,
		"command=notify&action=add&type=message%2Cmembership&url=http%3A%2F%2Fcb.example%2Fn&group=Alpha&password=secret",
		"tester", "")
	if v, _ := result.Get(wire.KeySuccess); v != "true" {
		t.Fatalf("subscribe failed: %s", result.Encode())
	}

	sub, ok := rt.Notify.Subscription(alphaUUID)
	if !ok {
		t.Fatal("no subscription stored")
	}
	if sub.Mask() != notify.TypeMessage|notify.TypeMembership {
		t.Errorf("mask = %v", sub.Mask())
	}

	result = p.Handle(ctx,
		"command=notify&action=list&group=Alpha&password=secret", "tester", "")
	data, _ := result.Get(wire.KeyData)
	if !strings.Contains(data, "message http://cb.example/n") {
		t.Errorf("list data = %q", data)
	}

	result = p.Handle(ctx,
		"command=notify&action=add&type=bogus&url=http%3A%2F%2Fcb.example&group=Alpha&password=secret",
		"tester", "")
	if v, _ := result.Get(wire.KeySuccess); v != "false" {
		t.Error("unknown notification type accepted")
	}
}

func TestHandleNotify_Afterburn(t *testing.T) {
	p, rt, _ := newTestPipeline(t, alphaGroup())

	result := p.Handle(context.Background(),
		"command=notify&action=afterburn&tag=custom&origin=hq&group=Alpha&password=secret",
		"tester", "")
	if v, _ := result.Get(wire.KeySuccess); v != "true" {
		t.Fatalf("afterburn failed: %s", result.Encode())
	}

	sub, ok := rt.Notify.Subscription(alphaUUID)
	if !ok {
		t.Fatal("no subscription stored")
	}
	if sub.Afterburn["tag"] != "custom" || sub.Afterburn["origin"] != "hq" {
		t.Errorf("afterburn = %v", sub.Afterburn)
	}
	if _, ok := sub.Afterburn["action"]; ok {
		t.Error("action argument stored as afterburn")
	}
	if _, ok := sub.Afterburn["password"]; ok {
		t.Error("password stored as afterburn")
	}
}

func TestHandleRetrieve_DrainsSideBuffer(t *testing.T) {
	p, rt, _ := newTestPipeline(t, alphaGroup())
	rt.Side.Mirror(alphaUUID, "type=message&message=hi")

	result := p.Handle(context.Background(),
		"command=retrieve&group=Alpha&password=secret", "tester", "")
	data, _ := result.Get(wire.KeyData)
	if !strings.Contains(data, "type=message") {
		t.Errorf("data = %q", data)
	}
	if rt.Side.Len(alphaUUID) != 0 {
		t.Error("side buffer not drained")
	}
}

func TestHandleSoftBan_AddMutesAndExpires(t *testing.T) {
	p, rt, fake := newTestPipeline(t, alphaGroup())
	fake.AddAgent("cc0d3c65-11aa-4b22-9c33-888888888888", "Bad Actor")
	ctx := context.Background()

	result := p.Handle(ctx,
		"command=softban&action=add&agent=Bad%20Actor&duration=1ms&group=Alpha&password=secret",
		"tester", "")
	if v, _ := result.Get(wire.KeySuccess); v != "true" {
		t.Fatalf("softban failed: %s", result.Encode())
	}
	if !rt.SoftBans.Has("cc0d3c65-11aa-4b22-9c33-888888888888") {
		t.Error("soft-ban not recorded")
	}
	if !rt.Caches.Mutes.Has("cc0d3c65-11aa-4b22-9c33-888888888888") {
		t.Error("soft-banned agent not muted")
	}

	time.Sleep(5 * time.Millisecond)
	expired, err := rt.SoftBans.TakeExpired(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].GroupID != alphaUUID {
		t.Fatalf("expired = %v", expired)
	}
}

func TestHandleClassify_LearnAndScore(t *testing.T) {
	p, _, _ := newTestPipeline(t, alphaGroup())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result := p.Handle(ctx,
			"command=classify&action=learn&text=buy%20cheap%20gold&group=Alpha&password=secret",
			"tester", "")
		if v, _ := result.Get(wire.KeySuccess); v != "true" {
			t.Fatalf("learn failed: %s", result.Encode())
		}
	}

	result := p.Handle(ctx,
		"command=classify&action=score&text=cheap%20gold%20here&group=Alpha&password=secret",
		"tester", "")
	if v, _ := result.Get(wire.KeyData); v != "4" {
		t.Errorf("score = %q, want 4", v)
	}
}

func TestHandleFeed_AddAndList(t *testing.T) {
	p, _, _ := newTestPipeline(t, alphaGroup())
	ctx := context.Background()

	result := p.Handle(ctx,
		"command=feed&action=add&url=http%3A%2F%2Fnews.example%2Frss&name=News&group=Alpha&password=secret",
		"tester", "")
	if v, _ := result.Get(wire.KeySuccess); v != "true" {
		t.Fatalf("feed add failed: %s", result.Encode())
	}

	result = p.Handle(ctx,
		"command=feed&action=list&group=Alpha&password=secret", "tester", "")
	if data, _ := result.Get(wire.KeyData); !strings.Contains(data, "http://news.example/rss") {
		t.Errorf("feed list = %q", data)
	}
}

func TestHandleGetGroupMembers(t *testing.T) {
	p, _, fake := newTestPipeline(t, alphaGroup())
	fake.AddGroup(alphaUUID, "Alpha", "member-1", "member-2")

	result := p.Handle(context.Background(),
		"command=getgroupmembers&group=Alpha&password=secret", "tester", "")
	if v, _ := result.Get(wire.KeySuccess); v != "true" {
		t.Fatalf("result %s", result.Encode())
	}
	data, _ := result.Get(wire.KeyData)
	if got := wire.SplitList(data); len(got) != 2 {
		t.Errorf("members = %v", got)
	}
}
