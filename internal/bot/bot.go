// Package bot wires the command surface of the relay service to the bot API.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	adminservice "forward-relay/internal/admin/service"
	"forward-relay/internal/registry"
	ruleservice "forward-relay/internal/rule/service"
	"forward-relay/internal/telemetry"
	telemetrydomain "forward-relay/internal/telemetry/domain"
	"forward-relay/internal/verify"
)

// Sender is the slice of the bot API the handlers need. *tgbotapi.BotAPI
// satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// AccountRecorder creates the account on first contact and marks it as
// recently active on every later one.
type AccountRecorder interface {
	Upsert(ctx context.Context, userID int64, phone string) error
}

// addStep is where a user is in the /add_forward conversation.
type addStep int

const (
	addSource addStep = iota
	addTarget
	addSubstitutions
)

type addState struct {
	step   addStep
	source string
	target string
}

// Bot routes incoming updates to the verification, rule, and admin services
// and turns their sentinel errors into corrective replies.
type Bot struct {
	api      Sender
	verify   *verify.Service
	rules    *ruleservice.RuleService
	admin    *adminservice.AdminService
	accounts AccountRecorder
	emitter  telemetry.EventEmitter
	owners   map[int64]bool

	mu     sync.Mutex
	adding map[int64]*addState
}

// New returns a Bot. owners are the user ids allowed to run admin commands.
func New(api Sender, verifySvc *verify.Service, rules *ruleservice.RuleService, admin *adminservice.AdminService, accounts AccountRecorder, emitter telemetry.EventEmitter, owners []int64) *Bot {
	ownerSet := make(map[int64]bool, len(owners))
	for _, id := range owners {
		ownerSet[id] = true
	}
	return &Bot{
		api:      api,
		verify:   verifySvc,
		rules:    rules,
		admin:    admin,
		accounts: accounts,
		emitter:  emitter,
		owners:   ownerSet,
		adding:   make(map[int64]*addState),
	}
}

// Run consumes updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate processes a single update. Exported for tests.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	userID := msg.From.ID
	if err := b.accounts.Upsert(ctx, userID, ""); err != nil {
		log.Printf("bot: record account %d: %v", userID, err)
	}

	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case msg.Contact != nil:
		b.handleContact(ctx, msg)
	default:
		b.handleText(ctx, msg)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	switch msg.Command() {
	case "start":
		b.reply(userID, "Welcome to the auto-forward relay.\n"+
			"Run /setup to verify your phone and connect your account, then /add_forward to create a forwarding rule.\n"+
			"Use /help for the full command list.")
	case "setup":
		b.startSetup(userID)
	case "add_forward":
		b.startAddForward(ctx, userID)
	case "list_rules":
		b.listRules(ctx, userID)
	case "stop_forward":
		b.stopForward(ctx, userID, msg.CommandArguments())
	case "cancel":
		b.cancel(userID)
	case "help":
		b.reply(userID, helpText(b.owners[userID]))
	case "broadcast":
		b.requireOwner(userID, func() { b.broadcast(ctx, userID, msg.CommandArguments()) })
	case "stats":
		b.requireOwner(userID, func() { b.stats(ctx, userID) })
	case "user_stats":
		b.requireOwner(userID, func() { b.userStats(ctx, userID, msg.CommandArguments()) })
	default:
		b.reply(userID, "Unknown command. See /help.")
	}
}

func (b *Bot) handleContact(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	if b.verify.Stage(userID) != verify.StagePhone {
		return
	}
	if msg.Contact.UserID != userID {
		b.reply(userID, "Please share your own contact, not someone else's.")
		return
	}
	b.submitPhone(ctx, userID, msg.Contact.PhoneNumber)
}

func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	b.mu.Lock()
	adding := b.adding[userID]
	b.mu.Unlock()
	if adding != nil {
		b.continueAddForward(ctx, userID, adding, text)
		return
	}

	switch b.verify.Stage(userID) {
	case verify.StagePhone:
		b.submitPhone(ctx, userID, text)
	case verify.StageCode:
		b.submitCode(ctx, userID, text)
	default:
		b.reply(userID, "I did not understand that. See /help.")
	}
}

func (b *Bot) startSetup(userID int64) {
	b.verify.Begin(userID)
	telemetry.EmitAsync(b.emitter, context.Background(), &telemetrydomain.Event{
		Kind:      telemetrydomain.KindVerificationStarted,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	})
	prompt := tgbotapi.NewMessage(userID,
		"Share your phone number with the button below, or type it in international format (e.g. +14155552671).")
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonContact("Share phone number")),
	)
	keyboard.OneTimeKeyboard = true
	prompt.ReplyMarkup = keyboard
	b.send(prompt)
}

func (b *Bot) submitPhone(ctx context.Context, userID int64, phone string) {
	result, err := b.verify.SubmitPhone(ctx, userID, phone)
	if err != nil {
		b.replyError(userID, err)
		return
	}
	var text string
	switch result.Channel {
	case verify.DeliveredSMS:
		text = fmt.Sprintf("A 6-digit code was sent via SMS to %s. Reply with the code.", result.Phone)
	default:
		text = fmt.Sprintf("SMS delivery is unavailable. Your verification code is %s. Reply with it to confirm.", result.Code)
	}
	reply := tgbotapi.NewMessage(userID, text)
	reply.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	b.send(reply)
}

func (b *Bot) submitCode(ctx context.Context, userID int64, code string) {
	result, err := b.verify.SubmitCode(ctx, userID, code)
	if err != nil {
		b.replyError(userID, err)
		return
	}
	telemetry.EmitAsync(b.emitter, context.Background(), &telemetrydomain.Event{
		Kind:      telemetrydomain.KindVerificationCompleted,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	})
	b.reply(userID, fmt.Sprintf("Verified %s and connected your account. Use /add_forward to create a forwarding rule.", result.Phone))
}

func (b *Bot) startAddForward(ctx context.Context, userID int64) {
	b.mu.Lock()
	b.adding[userID] = &addState{step: addSource}
	b.mu.Unlock()
	b.reply(userID, "Which chat should I forward FROM? Send its @username, invite link, or id.")
}

func (b *Bot) continueAddForward(ctx context.Context, userID int64, state *addState, text string) {
	switch state.step {
	case addSource:
		state.source = text
		state.step = addTarget
		b.reply(userID, "Which chat should I forward TO?")
	case addTarget:
		state.target = text
		state.step = addSubstitutions
		b.reply(userID, "Any text replacements? Send them as old->new, old2->new2 or reply skip.")
	case addSubstitutions:
		b.mu.Lock()
		delete(b.adding, userID)
		b.mu.Unlock()
		rule, err := b.rules.Create(ctx, userID, state.source, state.target, text)
		if err != nil {
			b.replyError(userID, err)
			return
		}
		telemetry.EmitAsync(b.emitter, context.Background(), &telemetrydomain.Event{
			Kind:      telemetrydomain.KindRuleCreated,
			UserID:    userID,
			RuleID:    rule.ID,
			CreatedAt: time.Now().UTC(),
		})
		b.reply(userID, fmt.Sprintf("Rule #%d is live: %s -> %s. New messages will be forwarded automatically.", rule.ID, rule.Source, rule.Target))
	}
}

func (b *Bot) listRules(ctx context.Context, userID int64) {
	summaries, err := b.rules.List(ctx, userID)
	if err != nil {
		b.replyError(userID, err)
		return
	}
	if len(summaries) == 0 {
		b.reply(userID, "You have no forwarding rules. Create one with /add_forward.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Your forwarding rules:\n")
	for _, s := range summaries {
		status := "active"
		if !s.Rule.Active {
			status = "stopped"
		}
		last := "never"
		if s.Rule.LastForwarded != nil {
			last = s.Rule.LastForwarded.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&sb, "#%d %s -> %s [%s] forwarded %d, last %s\n",
			s.Rule.ID, s.Rule.Source, s.Rule.Target, status, s.ForwardedCount, last)
	}
	b.reply(userID, sb.String())
}

func (b *Bot) stopForward(ctx context.Context, userID int64, arg string) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		b.reply(userID, "Usage: /stop_forward <rule id> (see /list_rules)")
		return
	}
	if err := b.rules.Deactivate(ctx, userID, id); err != nil {
		b.replyError(userID, err)
		return
	}
	telemetry.EmitAsync(b.emitter, context.Background(), &telemetrydomain.Event{
		Kind:      telemetrydomain.KindRuleDeactivated,
		UserID:    userID,
		RuleID:    id,
		CreatedAt: time.Now().UTC(),
	})
	b.reply(userID, fmt.Sprintf("Rule #%d stopped.", id))
}

func (b *Bot) cancel(userID int64) {
	b.verify.Cancel(userID)
	b.mu.Lock()
	delete(b.adding, userID)
	b.mu.Unlock()
	b.reply(userID, "Cancelled.")
}

func (b *Bot) broadcast(ctx context.Context, ownerID int64, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		b.reply(ownerID, "Usage: /broadcast <message>")
		return
	}
	report, err := b.admin.Broadcast(ctx, text, func(sent, total int) {
		b.reply(ownerID, fmt.Sprintf("Broadcast progress: %d/%d", sent, total))
	})
	if err != nil {
		b.replyError(ownerID, err)
		return
	}
	b.reply(ownerID, fmt.Sprintf("Broadcast done: %d delivered, %d failed of %d recipients.",
		report.Delivered, report.Failed, report.Recipients))
}

func (b *Bot) stats(ctx context.Context, ownerID int64) {
	stats, err := b.admin.Stats(ctx)
	if err != nil {
		b.replyError(ownerID, err)
		return
	}
	b.reply(ownerID, fmt.Sprintf(
		"Users: %d (%d verified, %d active today)\nRules: %d (%d active)\nForwarded messages: %d",
		stats.TotalUsers, stats.VerifiedUsers, stats.ActiveToday,
		stats.TotalRules, stats.ActiveRules, stats.ForwardedMessages))
}

func (b *Bot) userStats(ctx context.Context, ownerID int64, arg string) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		b.reply(ownerID, "Usage: /user_stats <user id>")
		return
	}
	stats, err := b.admin.UserStats(ctx, id)
	if err != nil {
		b.replyError(ownerID, err)
		return
	}
	verified := "no"
	if stats.Verified {
		verified = "yes"
	}
	b.reply(ownerID, fmt.Sprintf(
		"User %d\nPhone: %s\nVerified: %s\nJoined: %s\nLast active: %s\nRules: %d (%d active)\nForwarded: %d",
		stats.UserID, stats.Phone, verified,
		stats.Joined.Format("2006-01-02"), stats.LastActive.Format("2006-01-02 15:04"),
		stats.TotalRules, stats.ActiveRules, stats.ForwardedMessages))
}

func (b *Bot) requireOwner(userID int64, fn func()) {
	if !b.owners[userID] {
		b.reply(userID, "This command is restricted.")
		return
	}
	fn()
}

// replyError maps service sentinel errors to corrective messages. Raw errors
// are logged, never shown.
func (b *Bot) replyError(userID int64, err error) {
	var text string
	switch {
	case errors.Is(err, verify.ErrInvalidPhone):
		text = "That does not look like a valid phone number. Use international format, e.g. +14155552671."
	case errors.Is(err, verify.ErrPhoneConflict):
		text = "That phone number is already verified by another account."
	case errors.Is(err, verify.ErrNotInProgress):
		text = "No verification in progress. Start with /setup."
	case errors.Is(err, verify.ErrNoChallenge):
		text = "There is no pending code. Start again with /setup."
	case errors.Is(err, verify.ErrCodeExpired):
		text = "That code has expired. Start again with /setup."
	case errors.Is(err, verify.ErrCodeMismatch):
		text = "Incorrect code, try again."
	case errors.Is(err, verify.ErrProvisioning):
		text = "Could not connect your account. Check the code and try again."
	case errors.Is(err, registry.ErrSessionExpired):
		text = "Your session has expired. Re-verify with /setup."
	case errors.Is(err, ruleservice.ErrQuotaExceeded):
		text = "You reached the limit of active rules. Stop one with /stop_forward first."
	case errors.Is(err, ruleservice.ErrSourceUnreadable):
		text = "I cannot read that source chat with your account. Join it first, then retry."
	case errors.Is(err, ruleservice.ErrTargetUnwritable):
		text = "I cannot post to that target chat with your account. Check its permissions."
	case errors.Is(err, ruleservice.ErrRuleNotFound):
		text = "No such rule. Check /list_rules."
	case errors.Is(err, adminservice.ErrUserNotFound):
		text = "No account with that user id."
	default:
		log.Printf("bot: user %d: %v", userID, err)
		text = "Something went wrong, please try again."
	}
	b.reply(userID, text)
}

func (b *Bot) reply(userID int64, text string) {
	b.send(tgbotapi.NewMessage(userID, text))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		log.Printf("bot: send: %v", err)
	}
}

func helpText(owner bool) string {
	text := "Commands:\n" +
		"/setup - verify your phone and connect your account\n" +
		"/add_forward - create a forwarding rule\n" +
		"/list_rules - show your rules\n" +
		"/stop_forward <id> - stop a rule\n" +
		"/cancel - abort the current conversation\n" +
		"/help - this message"
	if owner {
		text += "\n\nAdmin:\n/broadcast <message>\n/stats\n/user_stats <user id>"
	}
	return text
}
