package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/economy"
	"github.com/you/chatledger/internal/identity"
	"github.com/you/chatledger/internal/ledger"
	"github.com/you/chatledger/internal/transport"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	confirm bool
}

func (f *fakeSender) FetchPage(context.Context, string, string) (transport.Page, error) {
	return transport.Page{}, nil
}

func (f *fakeSender) SendMessage(_ context.Context, _ string, text string) (bool, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return f.confirm, nil
}

func (f *fakeSender) ActiveLiveChatID(context.Context) (string, error) { return "", nil }

func (f *fakeSender) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testRouter(t *testing.T, earning EarningConfig) (*Router, *economy.Service, *identity.Service, *fakeSender) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eco := economy.New(store)
	ident := identity.New(store)
	sender := &fakeSender{confirm: true}
	return NewRouter(eco, ident, sender, "chat-1", earning), eco, ident, sender
}

func chatMsg(id, channel, name, text string) core.ChatMessage {
	return core.ChatMessage{ID: id, AuthorID: channel, DisplayName: name, Text: text}
}

func TestEarningHandlerAwardsOncePerMessage(t *testing.T) {
	router, eco, ident, _ := testRouter(t, EarningConfig{Enabled: true, Amount: 10, IntervalSeconds: 60})
	handler := router.EarningHandler()
	ctx := context.Background()

	msg := chatMsg("m1", "UC1", "alice", "hello")
	handler(ctx, msg)
	// Replayed message: duplicate source id, silently ignored.
	handler(ctx, msg)
	// New message inside the cooldown window: also silently ignored.
	handler(ctx, chatMsg("m2", "UC1", "alice", "again"))

	user, err := ident.Lookup(ctx, identity.PlatformYouTube, "UC1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	balance, err := eco.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("expected single award of 10, got %d", balance)
	}
}

func TestEarningHandlerDisabled(t *testing.T) {
	router, _, ident, _ := testRouter(t, EarningConfig{Enabled: false, Amount: 10})
	router.EarningHandler()(context.Background(), chatMsg("m1", "UC1", "alice", "hello"))

	if _, err := ident.Lookup(context.Background(), identity.PlatformYouTube, "UC1"); err == nil {
		t.Fatalf("disabled earning must not create identities")
	}
}

func TestBalanceCommand(t *testing.T) {
	router, eco, ident, sender := testRouter(t, EarningConfig{CurrencyName: "coins"})
	ctx := context.Background()

	user, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC1", "alice")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := eco.Award(ctx, economy.AwardRequest{Identity: user, Amount: 42, Reason: "seed", Platform: "youtube"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	router.CommandHandler()(ctx, chatMsg("m1", "UC1", "alice", "!points"))

	replies := sender.replies()
	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %v", replies)
	}
	if !strings.Contains(replies[0], "@alice") || !strings.Contains(replies[0], "42 coins") {
		t.Fatalf("unexpected reply: %q", replies[0])
	}
}

func TestGiveCommand(t *testing.T) {
	router, eco, ident, sender := testRouter(t, EarningConfig{CurrencyName: "coins"})
	ctx := context.Background()

	alice, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC1", "alice")
	if err != nil {
		t.Fatalf("ensure alice: %v", err)
	}
	bob, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC2", "bob")
	if err != nil {
		t.Fatalf("ensure bob: %v", err)
	}
	if _, err := eco.Award(ctx, economy.AwardRequest{Identity: alice, Amount: 50, Reason: "seed", Platform: "youtube"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	router.CommandHandler()(ctx, chatMsg("m1", "UC1", "alice", "!give @bob 20"))

	if balance, _ := eco.GetBalance(ctx, alice); balance != 30 {
		t.Fatalf("expected alice at 30, got %d", balance)
	}
	if balance, _ := eco.GetBalance(ctx, bob); balance != 20 {
		t.Fatalf("expected bob at 20, got %d", balance)
	}
	replies := sender.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "gave 20 coins to bob") {
		t.Fatalf("unexpected replies: %v", replies)
	}
}

func TestGiveCommandRejections(t *testing.T) {
	router, eco, ident, sender := testRouter(t, EarningConfig{CurrencyName: "coins"})
	ctx := context.Background()
	handler := router.CommandHandler()

	alice, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC1", "alice")
	if err != nil {
		t.Fatalf("ensure alice: %v", err)
	}
	if _, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC2", "bob"); err != nil {
		t.Fatalf("ensure bob: %v", err)
	}
	if _, err := eco.Award(ctx, economy.AwardRequest{Identity: alice, Amount: 5, Reason: "seed", Platform: "youtube"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases := []struct {
		text string
		want string
	}{
		{"!give", "usage"},
		{"!give bob zero", "positive number"},
		{"!give bob -5", "positive number"},
		{"!give alice 3", "yourself"},
		{"!give nobody 3", "don't know"},
		{"!give bob 100", "don't have enough"},
	}
	for _, tc := range cases {
		handler(ctx, chatMsg("m-"+tc.text, "UC1", "alice", tc.text))
		replies := sender.replies()
		if len(replies) == 0 || !strings.Contains(replies[len(replies)-1], tc.want) {
			t.Fatalf("command %q: expected reply containing %q, got %v", tc.text, tc.want, replies)
		}
	}

	if balance, _ := eco.GetBalance(ctx, alice); balance != 5 {
		t.Fatalf("rejected gives must not touch the balance, got %d", balance)
	}
}

func modMsg(id, channel, name, text string) core.ChatMessage {
	msg := chatMsg(id, channel, name, text)
	msg.Moderator = true
	return msg
}

func TestAdminAddPoints(t *testing.T) {
	router, eco, ident, sender := testRouter(t, EarningConfig{CurrencyName: "coins"})
	ctx := context.Background()
	handler := router.CommandHandler()

	bob, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC2", "bob")
	if err != nil {
		t.Fatalf("ensure bob: %v", err)
	}

	handler(ctx, modMsg("m1", "UC1", "alice", "!aps @bob 25"))

	if balance, _ := eco.GetBalance(ctx, bob); balance != 25 {
		t.Fatalf("expected bob at 25, got %d", balance)
	}
	entries, err := eco.GetLedger(ctx, bob, 10)
	if err != nil || len(entries) != 1 || entries[0].Reason != "admin_add_points" {
		t.Fatalf("unexpected ledger: %v %+v", err, entries)
	}
	replies := sender.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "added 25 coins to bob") {
		t.Fatalf("unexpected replies: %v", replies)
	}

	// The same chat message redelivered must not apply twice.
	handler(ctx, modMsg("m1", "UC1", "alice", "!aps @bob 25"))
	if balance, _ := eco.GetBalance(ctx, bob); balance != 25 {
		t.Fatalf("replayed admin command applied twice, got %d", balance)
	}
	if replies := sender.replies(); len(replies) != 1 {
		t.Fatalf("replayed admin command must stay silent: %v", replies)
	}
}

func TestAdminRemovePoints(t *testing.T) {
	router, eco, ident, sender := testRouter(t, EarningConfig{CurrencyName: "coins"})
	ctx := context.Background()
	handler := router.CommandHandler()

	bob, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC2", "bob")
	if err != nil {
		t.Fatalf("ensure bob: %v", err)
	}
	if _, err := eco.Award(ctx, economy.AwardRequest{Identity: bob, Amount: 30, Reason: "seed", Platform: "youtube"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Removal is capped at the current balance.
	handler(ctx, modMsg("m1", "UC1", "alice", "!rps bob 100"))
	if balance, _ := eco.GetBalance(ctx, bob); balance != 0 {
		t.Fatalf("expected clamp to zero, got %d", balance)
	}
	replies := sender.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "removed 30 coins from bob") {
		t.Fatalf("unexpected replies: %v", replies)
	}

	// Nothing left to remove.
	handler(ctx, modMsg("m2", "UC1", "alice", "!rps bob all"))
	replies = sender.replies()
	if len(replies) != 2 || !strings.Contains(replies[1], "no coins to remove") {
		t.Fatalf("unexpected replies: %v", replies)
	}
}

func TestAdminRemoveAll(t *testing.T) {
	router, eco, ident, sender := testRouter(t, EarningConfig{CurrencyName: "coins"})
	ctx := context.Background()

	bob, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC2", "bob")
	if err != nil {
		t.Fatalf("ensure bob: %v", err)
	}
	if _, err := eco.Award(ctx, economy.AwardRequest{Identity: bob, Amount: 17, Reason: "seed", Platform: "youtube"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	router.CommandHandler()(ctx, modMsg("m1", "UC1", "alice", "!rps bob all"))

	if balance, _ := eco.GetBalance(ctx, bob); balance != 0 {
		t.Fatalf("expected drained balance, got %d", balance)
	}
	replies := sender.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "removed 17 coins from bob") {
		t.Fatalf("unexpected replies: %v", replies)
	}
}

func TestAdminSetPoints(t *testing.T) {
	router, eco, ident, sender := testRouter(t, EarningConfig{CurrencyName: "coins"})
	ctx := context.Background()

	bob, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC2", "bob")
	if err != nil {
		t.Fatalf("ensure bob: %v", err)
	}
	if _, err := eco.Award(ctx, economy.AwardRequest{Identity: bob, Amount: 10, Reason: "seed", Platform: "youtube"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Target resolved by universal id rather than username.
	router.CommandHandler()(ctx, modMsg("m1", "UC1", "alice", fmt.Sprintf("!pewset %d 50", bob)))

	if balance, _ := eco.GetBalance(ctx, bob); balance != 50 {
		t.Fatalf("expected pinned balance 50, got %d", balance)
	}
	entries, err := eco.GetLedger(ctx, bob, 10)
	if err != nil || len(entries) != 2 || entries[0].Reason != "admin_set_points" || entries[0].Delta != 40 {
		t.Fatalf("unexpected ledger: %v %+v", err, entries)
	}
	replies := sender.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "set bob's balance to 50 coins") {
		t.Fatalf("unexpected replies: %v", replies)
	}
}

func TestAdminCommandRequiresModerator(t *testing.T) {
	router, eco, ident, sender := testRouter(t, EarningConfig{CurrencyName: "coins"})
	ctx := context.Background()
	handler := router.CommandHandler()

	bob, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC2", "bob")
	if err != nil {
		t.Fatalf("ensure bob: %v", err)
	}

	plain := chatMsg("m1", "UC1", "alice", "!aps @bob 10")
	handler(ctx, plain)
	sponsor := chatMsg("m2", "UC1", "alice", "!aps @bob 10")
	sponsor.Sponsor = true
	handler(ctx, sponsor)

	if balance, _ := eco.GetBalance(ctx, bob); balance != 0 {
		t.Fatalf("unprivileged admin command applied, balance %d", balance)
	}
	replies := sender.replies()
	if len(replies) != 2 {
		t.Fatalf("expected two denials, got %v", replies)
	}
	for _, reply := range replies {
		if !strings.Contains(reply, "only moderators") {
			t.Fatalf("unexpected denial: %q", reply)
		}
	}
}

func TestAdminCommandRejections(t *testing.T) {
	router, eco, ident, sender := testRouter(t, EarningConfig{CurrencyName: "coins"})
	ctx := context.Background()
	handler := router.CommandHandler()

	bob, err := ident.Ensure(ctx, identity.PlatformYouTube, "UC2", "bob")
	if err != nil {
		t.Fatalf("ensure bob: %v", err)
	}

	cases := []struct {
		text string
		want string
	}{
		{"!aps", "usage"},
		{"!aps bob", "usage"},
		{"!aps bob zero", "positive number"},
		{"!aps bob -5", "positive number"},
		{"!rps bob some", "positive number or all"},
		{"!pewset bob -1", "zero or a positive number"},
		{"!aps nobody 10", "don't know"},
	}
	for _, tc := range cases {
		handler(ctx, modMsg("m-"+tc.text, "UC1", "alice", tc.text))
		replies := sender.replies()
		if len(replies) == 0 || !strings.Contains(replies[len(replies)-1], tc.want) {
			t.Fatalf("command %q: expected reply containing %q, got %v", tc.text, tc.want, replies)
		}
	}

	if balance, _ := eco.GetBalance(ctx, bob); balance != 0 {
		t.Fatalf("rejected admin commands must not touch the balance, got %d", balance)
	}
}

func TestNonCommandIgnored(t *testing.T) {
	router, _, _, sender := testRouter(t, EarningConfig{})
	router.CommandHandler()(context.Background(), chatMsg("m1", "UC1", "alice", "just chatting"))
	if replies := sender.replies(); len(replies) != 0 {
		t.Fatalf("plain chat must not trigger replies: %v", replies)
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	router, _, _, sender := testRouter(t, EarningConfig{})
	router.CommandHandler()(context.Background(), chatMsg("m1", "UC1", "alice", "!dance"))
	if replies := sender.replies(); len(replies) != 0 {
		t.Fatalf("unknown command must not trigger replies: %v", replies)
	}
}
