package commands

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/economy"
	"github.com/you/chatledger/internal/engine"
	"github.com/you/chatledger/internal/identity"
	"github.com/you/chatledger/internal/transport"
)

// EarningConfig controls passive chat earning.
type EarningConfig struct {
	Enabled         bool
	Amount          int64
	IntervalSeconds int
	CurrencyName    string
	CurrencySymbol  string
}

func (c EarningConfig) currency() string {
	if c.CurrencyName != "" {
		return c.CurrencyName
	}
	return "points"
}

// Router wires chat traffic to the economy: one handler pays message
// activity, the other answers "!" commands. A router is bound to the live
// chat it was built for; a target change means a new router on the new
// engine.
type Router struct {
	economy  *economy.Service
	identity *identity.Service
	client   transport.Client // nil disables chat replies
	target   string
	earning  EarningConfig
}

func NewRouter(eco *economy.Service, ident *identity.Service, client transport.Client, target string, earning EarningConfig) *Router {
	return &Router{
		economy:  eco,
		identity: ident,
		client:   client,
		target:   target,
		earning:  earning,
	}
}

// EarningHandler awards passive points for every deduplicated message.
// Cooldown and duplicate rejections are the expected steady state and stay
// silent; only persistence failures reach the log.
func (r *Router) EarningHandler() engine.Handler {
	return func(ctx context.Context, msg core.ChatMessage) {
		if !r.earning.Enabled || r.earning.Amount <= 0 {
			return
		}
		if msg.AuthorID == "" {
			return
		}
		userID, err := r.identity.Ensure(ctx, identity.PlatformYouTube, msg.AuthorID, msg.DisplayName)
		if err != nil {
			log.Printf("[commands] earning: ensure identity author=%s: %v", msg.AuthorID, err)
			return
		}
		_, err = r.economy.Award(ctx, economy.AwardRequest{
			Identity:        userID,
			Amount:          r.earning.Amount,
			Reason:          "message_earning",
			Platform:        identity.PlatformYouTube,
			Scope:           r.target,
			SourceID:        msg.DedupKey(),
			CooldownSeconds: r.earning.IntervalSeconds,
		})
		if err == nil ||
			errors.Is(err, economy.ErrCooldownActive) ||
			errors.Is(err, economy.ErrDuplicateEvent) {
			return
		}
		log.Printf("[commands] earning: award user=%d: %v", userID, err)
	}
}

// CommandHandler answers "!" commands. Replies are best effort: a failed or
// unconfirmed send is logged and the command's ledger effect stands.
func (r *Router) CommandHandler() engine.Handler {
	return func(ctx context.Context, msg core.ChatMessage) {
		text := strings.TrimSpace(msg.Text)
		if !strings.HasPrefix(text, "!") {
			return
		}
		fields := strings.Fields(text)
		switch strings.ToLower(fields[0]) {
		case "!points", "!balance":
			r.handleBalance(ctx, msg)
		case "!give":
			r.handleGive(ctx, msg, fields[1:])
		case "!aps", "!rps", "!pewset":
			r.handleAdmin(ctx, msg, strings.ToLower(fields[0]), fields[1:])
		}
	}
}

func (r *Router) handleBalance(ctx context.Context, msg core.ChatMessage) {
	userID, err := r.identity.Ensure(ctx, identity.PlatformYouTube, msg.AuthorID, msg.DisplayName)
	if err != nil {
		log.Printf("[commands] balance: ensure identity: %v", err)
		return
	}
	balance, err := r.economy.GetBalance(ctx, userID)
	if err != nil {
		log.Printf("[commands] balance: read: %v", err)
		return
	}
	r.reply(ctx, fmt.Sprintf("@%s you have %d %s%s",
		msg.DisplayName, balance, r.earning.currency(), r.earning.CurrencySymbol))
}

func (r *Router) handleGive(ctx context.Context, msg core.ChatMessage, args []string) {
	if len(args) < 2 {
		r.reply(ctx, fmt.Sprintf("@%s usage: !give <user> <amount>", msg.DisplayName))
		return
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		r.reply(ctx, fmt.Sprintf("@%s the amount must be a positive number", msg.DisplayName))
		return
	}

	fromID, err := r.identity.Ensure(ctx, identity.PlatformYouTube, msg.AuthorID, msg.DisplayName)
	if err != nil {
		log.Printf("[commands] give: ensure identity: %v", err)
		return
	}
	toID, err := r.identity.ResolveUsername(ctx, args[0])
	if errors.Is(err, identity.ErrUnknownIdentity) {
		r.reply(ctx, fmt.Sprintf("@%s I don't know %s yet", msg.DisplayName, strings.TrimPrefix(args[0], "@")))
		return
	}
	if err != nil {
		log.Printf("[commands] give: resolve %q: %v", args[0], err)
		return
	}

	_, _, err = r.economy.Transfer(ctx, fromID, toID, amount, identity.PlatformYouTube, r.target)
	switch {
	case errors.Is(err, economy.ErrInvalidTarget):
		r.reply(ctx, fmt.Sprintf("@%s you can't give %s to yourself", msg.DisplayName, r.earning.currency()))
	case errors.Is(err, economy.ErrInsufficientFunds):
		r.reply(ctx, fmt.Sprintf("@%s you don't have enough %s", msg.DisplayName, r.earning.currency()))
	case err != nil:
		log.Printf("[commands] give: transfer %d -> %d: %v", fromID, toID, err)
	default:
		r.reply(ctx, fmt.Sprintf("@%s gave %d %s to %s",
			msg.DisplayName, amount, r.earning.currency(), r.identity.DisplayName(ctx, toID)))
	}
}

// handleAdmin applies moderator balance adjustments: !aps adds, !rps removes
// (capped at the current balance, "all" drains it), !pewset pins an absolute
// value. Adjustments bypass the earning cooldown and carry their own reason
// on the ledger row; the triggering message id makes them idempotent against
// a replayed page.
func (r *Router) handleAdmin(ctx context.Context, msg core.ChatMessage, cmd string, args []string) {
	if !msg.Privileged() {
		r.reply(ctx, fmt.Sprintf("@%s only moderators can use this command", msg.DisplayName))
		return
	}
	if len(args) < 2 {
		hint := "<amount>"
		if cmd == "!rps" {
			hint = "<amount|all>"
		}
		r.reply(ctx, fmt.Sprintf("@%s usage: %s <user> %s", msg.DisplayName, cmd, hint))
		return
	}

	amountToken := args[len(args)-1]
	query := strings.TrimSpace(strings.Join(args[:len(args)-1], " "))
	targetID, err := r.resolveAdminTarget(ctx, query)
	if errors.Is(err, identity.ErrUnknownIdentity) {
		r.reply(ctx, fmt.Sprintf("@%s I don't know %s yet", msg.DisplayName, strings.TrimPrefix(query, "@")))
		return
	}
	if err != nil {
		log.Printf("[commands] %s: resolve %q: %v", cmd, query, err)
		return
	}

	current, err := r.economy.GetBalance(ctx, targetID)
	if err != nil {
		log.Printf("[commands] %s: read balance user=%d: %v", cmd, targetID, err)
		return
	}

	var (
		delta  int64
		reason string
	)
	switch cmd {
	case "!aps":
		amount, ok := parseAmount(amountToken)
		if !ok || amount <= 0 {
			r.reply(ctx, fmt.Sprintf("@%s the amount must be a positive number", msg.DisplayName))
			return
		}
		delta, reason = amount, "admin_add_points"
	case "!rps":
		amount := current
		if !strings.EqualFold(strings.TrimSpace(amountToken), "all") {
			parsed, ok := parseAmount(amountToken)
			if !ok || parsed <= 0 {
				r.reply(ctx, fmt.Sprintf("@%s the amount must be a positive number or all", msg.DisplayName))
				return
			}
			amount = parsed
		}
		if amount > current {
			amount = current
		}
		if amount <= 0 {
			r.reply(ctx, fmt.Sprintf("@%s %s has no %s to remove", msg.DisplayName, r.userLabel(ctx, targetID), r.earning.currency()))
			return
		}
		delta, reason = -amount, "admin_remove_points"
	case "!pewset":
		amount, ok := parseAmount(amountToken)
		if !ok || amount < 0 {
			r.reply(ctx, fmt.Sprintf("@%s the amount must be zero or a positive number", msg.DisplayName))
			return
		}
		delta, reason = amount-current, "admin_set_points"
	}

	balance, err := r.economy.Award(ctx, economy.AwardRequest{
		Identity: targetID,
		Amount:   delta,
		Reason:   reason,
		Platform: identity.PlatformYouTube,
		SourceID: "yt_admin:" + msg.DedupKey() + ":" + reason,
	})
	if errors.Is(err, economy.ErrDuplicateEvent) {
		return
	}
	if err != nil {
		log.Printf("[commands] %s: award user=%d delta=%d: %v", cmd, targetID, delta, err)
		return
	}

	label := r.userLabel(ctx, targetID)
	switch cmd {
	case "!aps":
		r.reply(ctx, fmt.Sprintf("@%s added %d %s to %s, new balance %d", msg.DisplayName, delta, r.earning.currency(), label, balance))
	case "!rps":
		r.reply(ctx, fmt.Sprintf("@%s removed %d %s from %s, new balance %d", msg.DisplayName, -delta, r.earning.currency(), label, balance))
	case "!pewset":
		r.reply(ctx, fmt.Sprintf("@%s set %s's balance to %d %s", msg.DisplayName, label, balance, r.earning.currency()))
	}
}

// resolveAdminTarget accepts a universal user id, a username (with or without
// a leading @) or a channel id.
func (r *Router) resolveAdminTarget(ctx context.Context, query string) (int64, error) {
	raw := strings.TrimSpace(query)
	if raw == "" {
		return 0, identity.ErrUnknownIdentity
	}
	if id, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil && id > 0 {
		known, err := r.identity.Exists(ctx, id)
		if err != nil {
			return 0, err
		}
		if known {
			return id, nil
		}
	}
	candidate := strings.TrimPrefix(raw, "@")
	id, err := r.identity.ResolveUsername(ctx, candidate)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, identity.ErrUnknownIdentity) {
		return 0, err
	}
	if strings.HasPrefix(candidate, "UC") {
		return r.identity.Lookup(ctx, identity.PlatformYouTube, candidate)
	}
	return 0, identity.ErrUnknownIdentity
}

func (r *Router) userLabel(ctx context.Context, userID int64) string {
	if name := r.identity.DisplayName(ctx, userID); name != "" {
		return name
	}
	return fmt.Sprintf("user %d", userID)
}

func parseAmount(token string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
	return n, err == nil
}

func (r *Router) reply(ctx context.Context, text string) {
	if r.client == nil || r.target == "" {
		log.Printf("[commands] reply suppressed (no send client): %s", text)
		return
	}
	sent, err := r.client.SendMessage(ctx, r.target, text)
	if err != nil {
		log.Printf("[commands] reply failed: %v", err)
		return
	}
	if !sent {
		log.Printf("[commands] reply not confirmed by platform: %s", text)
	}
}
