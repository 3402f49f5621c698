package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/transport"
)

type scriptedPage struct {
	page transport.Page
	err  error
}

// scriptedClient replays a fixed fetch script, then keeps returning empty
// pages so the loop idles.
type scriptedClient struct {
	mu      sync.Mutex
	script  []scriptedPage
	idx     int
	cursors []string
}

func (c *scriptedClient) FetchPage(_ context.Context, _, cursor string) (transport.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors = append(c.cursors, cursor)
	if c.idx < len(c.script) {
		step := c.script[c.idx]
		c.idx++
		return step.page, step.err
	}
	return transport.Page{NextCursor: cursor, PollInterval: time.Millisecond}, nil
}

func (c *scriptedClient) SendMessage(context.Context, string, string) (bool, error) {
	return true, nil
}

func (c *scriptedClient) ActiveLiveChatID(context.Context) (string, error) {
	return "", nil
}

func (c *scriptedClient) seenCursors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cursors...)
}

type recorder struct {
	mu   sync.Mutex
	msgs []core.ChatMessage
}

func (r *recorder) handler(_ context.Context, msg core.ChatMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []core.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.ChatMessage(nil), r.msgs...)
}

func fastConfig() Config {
	return Config{
		PollInterval:  time.Millisecond,
		Retry:         RetryPolicy{MaxConsecutive: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond},
		DedupCapacity: 100,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func msg(id, text string) core.ChatMessage {
	return core.ChatMessage{ID: id, AuthorID: "chan-1", DisplayName: "viewer", Text: text}
}

func transientErr() error {
	return &transport.Error{Kind: transport.KindTransient, Op: "fetch", Err: errors.New("boom")}
}

func TestEnginePrimingSkipsBacklog(t *testing.T) {
	client := &scriptedClient{script: []scriptedPage{
		{page: transport.Page{
			Messages:     []core.ChatMessage{msg("old-1", "before"), msg("old-2", "attach")},
			NextCursor:   "c1",
			PollInterval: time.Millisecond,
		}},
		{page: transport.Page{
			Messages:     []core.ChatMessage{msg("new-1", "after")},
			NextCursor:   "c2",
			PollInterval: time.Millisecond,
		}},
	}}
	rec := &recorder{}
	eng := New(client, "chat-1", fastConfig(), nil)
	eng.RegisterHandler(rec.handler)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	waitFor(t, "dispatch of post-priming message", func() bool {
		return len(rec.snapshot()) >= 1
	})
	got := rec.snapshot()
	if len(got) != 1 || got[0].ID != "new-1" {
		t.Fatalf("expected only post-priming message, got %+v", got)
	}
	stats := eng.Stats()
	if stats.DedupSize < 3 {
		t.Fatalf("primed keys should count toward the dedup cache, got %d", stats.DedupSize)
	}
	if stats.QueueDepth != 0 {
		t.Fatalf("synchronous dispatch never queues, got depth %d", stats.QueueDepth)
	}
}

func TestEngineDeduplicatesAndOrders(t *testing.T) {
	client := &scriptedClient{script: []scriptedPage{
		{page: transport.Page{NextCursor: "c1", PollInterval: time.Millisecond}},
		{page: transport.Page{
			Messages:     []core.ChatMessage{msg("a", "1"), msg("b", "2")},
			NextCursor:   "c2",
			PollInterval: time.Millisecond,
		}},
		// Page overlap: "b" comes back alongside a fresh message.
		{page: transport.Page{
			Messages:     []core.ChatMessage{msg("b", "2"), msg("c", "3")},
			NextCursor:   "c3",
			PollInterval: time.Millisecond,
		}},
	}}
	rec := &recorder{}
	eng := New(client, "chat-1", fastConfig(), nil)
	eng.RegisterHandler(rec.handler)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	waitFor(t, "three dispatched messages", func() bool {
		return len(rec.snapshot()) >= 3
	})
	got := rec.snapshot()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(got), got)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestEngineRecoversFromTransientFailures(t *testing.T) {
	client := &scriptedClient{script: []scriptedPage{
		{page: transport.Page{NextCursor: "c1", PollInterval: time.Millisecond}},
		{err: transientErr()},
		{err: transientErr()},
		{page: transport.Page{
			Messages:     []core.ChatMessage{msg("a", "made it")},
			NextCursor:   "c2",
			PollInterval: time.Millisecond,
		}},
	}}
	rec := &recorder{}
	eng := New(client, "chat-1", fastConfig(), nil)
	eng.RegisterHandler(rec.handler)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	waitFor(t, "message after transient failures", func() bool {
		return len(rec.snapshot()) == 1
	})
	if err := eng.Err(); err != nil {
		t.Fatalf("recovered run should carry no terminal error, got %v", err)
	}
}

func TestEngineCursorNotAdvancedOnFailure(t *testing.T) {
	client := &scriptedClient{script: []scriptedPage{
		{page: transport.Page{NextCursor: "c1", PollInterval: time.Millisecond}},
		{err: transientErr()},
		{page: transport.Page{NextCursor: "c2", PollInterval: time.Millisecond}},
	}}
	eng := New(client, "chat-1", fastConfig(), nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	waitFor(t, "retry fetch after failure", func() bool {
		return len(client.seenCursors()) >= 3
	})
	cursors := client.seenCursors()
	if cursors[0] != "" || cursors[1] != "c1" || cursors[2] != "c1" {
		t.Fatalf("failed fetch must not advance the cursor, got %v", cursors[:3])
	}
}

func TestEngineStopsAfterRepeatedTransientFailures(t *testing.T) {
	client := &scriptedClient{script: []scriptedPage{
		{err: transientErr()},
		{err: transientErr()},
		{err: transientErr()},
		{err: transientErr()},
		{err: transientErr()},
	}}
	cfg := fastConfig()
	cfg.Retry.MaxConsecutive = 2
	eng := New(client, "chat-1", cfg, nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "engine to give up", func() bool {
		return eng.Stats().State == "stopped"
	})
	if eng.Err() == nil {
		t.Fatalf("exhausted run should carry a terminal error")
	}
}

func TestEngineFatalErrorStopsImmediately(t *testing.T) {
	client := &scriptedClient{script: []scriptedPage{
		{page: transport.Page{NextCursor: "c1", PollInterval: time.Millisecond}},
		{err: &transport.Error{Kind: transport.KindAuthFailed, Op: "fetch", Err: errors.New("expired")}},
	}}
	eng := New(client, "chat-1", fastConfig(), nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "engine to stop on fatal error", func() bool {
		return eng.Stats().State == "stopped"
	})
	if kind := transport.KindOf(eng.Err()); kind != transport.KindAuthFailed {
		t.Fatalf("expected auth failure to surface, got %v (%v)", kind, eng.Err())
	}
	// A fatal failure must not be retried.
	if n := len(client.seenCursors()); n != 2 {
		t.Fatalf("expected exactly 2 fetches, got %d", n)
	}
}

func TestEngineHandlerPanicIsolated(t *testing.T) {
	client := &scriptedClient{script: []scriptedPage{
		{page: transport.Page{NextCursor: "c1", PollInterval: time.Millisecond}},
		{page: transport.Page{
			Messages:     []core.ChatMessage{msg("a", "1"), msg("b", "2")},
			NextCursor:   "c2",
			PollInterval: time.Millisecond,
		}},
	}}
	rec := &recorder{}
	eng := New(client, "chat-1", fastConfig(), nil)
	eng.RegisterHandler(func(context.Context, core.ChatMessage) {
		panic("broken handler")
	})
	eng.RegisterHandler(rec.handler)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	waitFor(t, "surviving handler to receive both messages", func() bool {
		return len(rec.snapshot()) == 2
	})
	if eng.Err() != nil {
		t.Fatalf("handler panic must not kill the run: %v", eng.Err())
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	client := &scriptedClient{}
	eng := New(client, "chat-1", fastConfig(), nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eng.Stop()
	eng.Stop()
	if state := eng.Stats().State; state != "stopped" {
		t.Fatalf("expected stopped after Stop, got %s", state)
	}
}

func TestEngineRejectsDoubleStart(t *testing.T) {
	client := &scriptedClient{}
	eng := New(client, "chat-1", fastConfig(), nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()
	if err := eng.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail while running")
	}
}

func TestEngineRejectsEmptyTarget(t *testing.T) {
	eng := New(&scriptedClient{}, "", fastConfig(), nil)
	if err := eng.Start(context.Background()); err == nil {
		t.Fatalf("empty target should be rejected")
	}
}
