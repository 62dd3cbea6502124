package forward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/execgate/execgate/internal/approval"
)

// Resolver feeds chat decisions back into the approval engine.
// Implemented by approval.Service.
type Resolver interface {
	Resolve(ctx context.Context, idOrPrefix, decision, resolvedBy string) (string, error)
}

// TelegramConfig configures the Telegram approval channel.
type TelegramConfig struct {
	Token     string
	ChatID    int64
	AllowFrom []string
}

// Telegram surfaces approval prompts in a chat and consumes
// /approve and /deny replies from allow-listed senders.
type Telegram struct {
	cfg      TelegramConfig
	allow    map[string]bool
	bot      *tgbotapi.BotAPI
	resolver Resolver
}

func NewTelegram(cfg TelegramConfig, resolver Resolver) *Telegram {
	allow := make(map[string]bool)
	for _, id := range cfg.AllowFrom {
		id = strings.TrimSpace(strings.TrimPrefix(id, "@"))
		if id != "" {
			allow[id] = true
		}
	}
	return &Telegram{cfg: cfg, allow: allow, resolver: resolver}
}

// Start connects the bot and consumes updates until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot

	log.Info().Str("username", bot.Self.UserName).Msg("telegram bot connected")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		// Channel posts carry no sender; only direct users may decide.
		return
	}
	sender := fmt.Sprintf("%d", msg.From.ID)
	if !t.isAllowed(sender, msg.From.UserName) {
		log.Debug().Str("sender", sender).Msg("telegram sender not allowed")
		return
	}

	id, decision, ok := ParseDecisionCommand(msg.Text)
	if !ok {
		return
	}

	resolvedBy := msg.From.UserName
	if resolvedBy == "" {
		resolvedBy = sender
	}

	fullID, err := t.resolver.Resolve(ctx, id, decision, resolvedBy)
	if err != nil {
		t.reply(msg.Chat.ID, resolveErrorText(id, err))
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf("Recorded %s for %s.", decision, shortID(fullID)))
}

func (t *Telegram) isAllowed(senderID, username string) bool {
	if len(t.allow) == 0 {
		return true
	}
	return t.allow[senderID] || (username != "" && t.allow[username])
}

// HandleRequested pushes a prompt with the short id and the reply
// commands a human can type.
func (t *Telegram) HandleRequested(_ context.Context, ev approval.RequestedEvent) error {
	if t.bot == nil {
		return errors.New("telegram bot not connected")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Exec approval needed [%s]\n", shortID(ev.ID))
	fmt.Fprintf(&b, "command: %s\n", ev.Request.Command)
	if ev.Request.Cwd != "" {
		fmt.Fprintf(&b, "cwd: %s\n", ev.Request.Cwd)
	}
	if ev.Request.Host != "" {
		fmt.Fprintf(&b, "host: %s\n", ev.Request.Host)
	}
	if ev.Request.AgentID != "" {
		fmt.Fprintf(&b, "agent: %s\n", ev.Request.AgentID)
	}
	if ev.Request.AskReason != "" {
		fmt.Fprintf(&b, "reason: %s\n", ev.Request.AskReason)
	}
	expires := time.UnixMilli(ev.ExpiresAtMs)
	fmt.Fprintf(&b, "expires: %s\n\n", expires.Format(time.RFC3339))
	fmt.Fprintf(&b, "Reply /approve %s [allow-once|allow-always] or /deny %s", shortID(ev.ID), shortID(ev.ID))

	return t.reply(t.cfg.ChatID, b.String())
}

// HandleResolved reports the outcome back to the chat.
func (t *Telegram) HandleResolved(_ context.Context, ev approval.ResolvedEvent) error {
	if t.bot == nil {
		return errors.New("telegram bot not connected")
	}

	outcome := "timed out"
	if ev.Decision != nil {
		outcome = string(*ev.Decision)
	}
	text := fmt.Sprintf("Approval %s: %s", shortID(ev.ID), outcome)
	if ev.ResolvedBy != "" {
		text += " (by " + ev.ResolvedBy + ")"
	}
	return t.reply(t.cfg.ChatID, text)
}

func (t *Telegram) reply(chatID int64, text string) error {
	if chatID == 0 {
		return errors.New("telegram chat id not configured")
	}
	_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// ParseDecisionCommand extracts the target id and decision tag from a
// chat message. Supported forms:
//
//	/approve <id> [allow-once|allow-always]
//	/deny <id>
func ParseDecisionCommand(text string) (id, decision string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) < 2 {
		return "", "", false
	}

	cmd := strings.ToLower(fields[0])
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at] // strip bot mention suffix
	}

	switch cmd {
	case "/approve":
		decision = string(approval.DecisionAllowOnce)
		if len(fields) >= 3 {
			tag := strings.ToLower(fields[2])
			if tag != string(approval.DecisionAllowOnce) && tag != string(approval.DecisionAllowAlways) {
				return "", "", false
			}
			decision = tag
		}
		return fields[1], decision, true
	case "/deny":
		return fields[1], string(approval.DecisionDeny), true
	}
	return "", "", false
}

func resolveErrorText(id string, err error) string {
	var ambiguous *approval.AmbiguousPrefixError
	if errors.As(err, &ambiguous) {
		return fmt.Sprintf("Id %s is ambiguous:\n%s", id, strings.Join(ambiguous.Candidates, "\n"))
	}
	if errors.Is(err, approval.ErrNotFound) {
		return fmt.Sprintf("No open approval matches %s.", id)
	}
	return fmt.Sprintf("Could not resolve %s: %v", id, err)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
