// Package telegram provides a Telegram bot front-end for microcase.
//
// Uses long polling -- no public URL or webhook needed.
// Send a pull request link to the bot, solve the microcases it streams back,
// then send a short review of what you learned.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/jxucoder/microcase/channel"
	"github.com/jxucoder/microcase/engine"
	"github.com/jxucoder/microcase/model"
)

// sender is satisfied by *tgbotapi.BotAPI.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// chatState tracks one chat's progress through a generation.
type chatState struct {
	sessionID      string
	microcases     []model.MicrocasePayload
	current        int
	streaming      bool
	complete       bool
	awaitingReview bool
}

// Bot is the Telegram bot for microcase.
type Bot struct {
	api     *tgbotapi.BotAPI
	out     sender
	gateway channel.Gateway
	logger  *zap.Logger

	ctx context.Context

	mu    sync.Mutex
	chats map[int64]*chatState
}

var _ channel.Channel = (*Bot)(nil)

// NewBot creates a new Telegram bot.
func NewBot(token string, gw channel.Gateway, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}
	b := newBot(api, gw, logger)
	b.api = api
	b.logger.Info("telegram bot authorized", zap.String("username", api.Self.UserName))
	return b, nil
}

func newBot(out sender, gw channel.Gateway, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		out:     out,
		gateway: gw,
		logger:  logger.Named("telegram"),
		ctx:     context.Background(),
		chats:   make(map[int64]*chatState),
	}
}

// Name implements channel.Channel.
func (b *Bot) Name() string { return "telegram" }

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram bot listening for messages")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(update.Message.Chat.ID, update.Message.Text)
			}
		}
	}
}

// handleMessage processes an incoming message.
func (b *Bot) handleMessage(chatID int64, text string) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return
	case text == "/start" || text == "/help":
		b.send(chatID, ""+
			"*microcase* \\- turn code review comments into exercises\\.\n\n"+
			"1\\. Send a GitHub pull request link\\.\n"+
			"2\\. Solve each microcase by sending your Python code\\.\n"+
			"3\\. When all are solved, send a short review of what you learned\\.\n\n"+
			"/skip moves on to the next microcase\\.")
	case text == "/skip":
		b.skip(chatID)
	case strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://"):
		b.startGeneration(chatID, text)
	default:
		b.handleAnswer(chatID, text)
	}
}

func (b *Bot) startGeneration(chatID int64, link string) {
	b.mu.Lock()
	if st, ok := b.chats[chatID]; ok && st.streaming {
		b.mu.Unlock()
		b.send(chatID, "Generation is already running\\. Please wait for it to finish\\.")
		return
	}
	b.mu.Unlock()

	sess, err := b.gateway.CreateSession(b.ctx, requesterID(chatID), link)
	if err != nil {
		b.send(chatID, fmt.Sprintf("Could not start generation: %s", escapeMarkdown(err.Error())))
		return
	}
	events, err := b.gateway.Stream(b.ctx, sess.ID)
	if err != nil {
		b.send(chatID, fmt.Sprintf("Could not follow generation: %s", escapeMarkdown(err.Error())))
		return
	}

	b.mu.Lock()
	b.chats[chatID] = &chatState{sessionID: sess.ID, streaming: true}
	b.mu.Unlock()

	b.send(chatID, fmt.Sprintf("Generation started \\(session `%s`\\)\\. Microcases will arrive as they are ready\\.", sess.ID))
	go b.relay(chatID, sess.ID, events)
}

// relay forwards a session's events to the chat until the terminal event.
func (b *Bot) relay(chatID int64, sessionID string, events <-chan *model.Event) {
	for ev := range events {
		b.handleEvent(chatID, sessionID, ev)
	}
}

func (b *Bot) handleEvent(chatID int64, sessionID string, ev *model.Event) {
	b.mu.Lock()
	st, ok := b.chats[chatID]
	if !ok || st.sessionID != sessionID {
		b.mu.Unlock()
		return
	}

	switch ev.Type {
	case model.EventProgress:
		b.mu.Unlock()
		if p, err := decode[model.MessagePayload](ev); err == nil {
			b.send(chatID, "⏳ "+escapeMarkdown(p.Message))
		}

	case model.EventMicrocase:
		p, err := decode[model.MicrocasePayload](ev)
		if err != nil {
			b.mu.Unlock()
			b.logger.Warn("bad microcase event", zap.Error(err))
			return
		}
		st.microcases = append(st.microcases, p)
		first := len(st.microcases) == st.current+1
		b.mu.Unlock()
		if first {
			b.sendMicrocase(chatID, p)
		}

	case model.EventError:
		b.mu.Unlock()
		if p, err := decode[model.MessagePayload](ev); err == nil {
			b.send(chatID, "❌ *Generation failed:* "+escapeMarkdown(p.Message))
		}

	case model.EventComplete:
		st.streaming = false
		st.complete = true
		n := len(st.microcases)
		if n == 0 {
			delete(b.chats, chatID)
		}
		b.mu.Unlock()
		if n == 0 {
			b.send(chatID, "No microcases could be generated\\. Try another pull request\\.")
			return
		}
		b.send(chatID, fmt.Sprintf("🎉 Generation complete\\. Microcases: %d", n))
		b.promptReviewIfDone(chatID)

	default:
		b.mu.Unlock()
	}
}

func (b *Bot) handleAnswer(chatID int64, text string) {
	b.mu.Lock()
	st, ok := b.chats[chatID]
	if !ok {
		b.mu.Unlock()
		b.send(chatID, "There is no active session\\. Send a pull request link to start\\.")
		return
	}
	if st.awaitingReview {
		b.mu.Unlock()
		b.evaluate(chatID, text)
		return
	}
	if st.current >= len(st.microcases) {
		b.mu.Unlock()
		b.send(chatID, "The next microcase is not ready yet\\. Please wait\\.")
		return
	}
	mc := st.microcases[st.current]
	b.mu.Unlock()

	res, err := b.gateway.CheckMicrocase(b.ctx, engine.CheckRequest{
		RequesterID: requesterID(chatID),
		MicrocaseID: mc.MicrocaseID,
		Solution:    stripFences(text),
	})
	if err != nil {
		b.send(chatID, fmt.Sprintf("Could not check the solution: %s", escapeMarkdown(err.Error())))
		return
	}
	if res.Status != engine.CheckPassed {
		b.send(chatID, fmt.Sprintf("❌ Tests failed\\.\n```\n%s\n```\nFix your solution and send it again\\.",
			escapeCode(model.Tail(res.Explanation, 3000))))
		return
	}

	b.send(chatID, "✅ All tests passed\\!")
	b.advance(chatID)
}

// advance moves to the next microcase, or asks for the review once every
// microcase is done.
func (b *Bot) advance(chatID int64) {
	b.mu.Lock()
	st, ok := b.chats[chatID]
	if !ok {
		b.mu.Unlock()
		return
	}
	st.current++
	var next *model.MicrocasePayload
	if st.current < len(st.microcases) {
		next = &st.microcases[st.current]
	}
	b.mu.Unlock()

	if next != nil {
		b.sendMicrocase(chatID, *next)
		return
	}
	b.promptReviewIfDone(chatID)
}

func (b *Bot) skip(chatID int64) {
	b.mu.Lock()
	st, ok := b.chats[chatID]
	if !ok || st.awaitingReview || st.current >= len(st.microcases) {
		b.mu.Unlock()
		b.send(chatID, "Nothing to skip\\.")
		return
	}
	b.mu.Unlock()
	b.advance(chatID)
}

func (b *Bot) promptReviewIfDone(chatID int64) {
	b.mu.Lock()
	st, ok := b.chats[chatID]
	if !ok || !st.complete || st.awaitingReview || st.current < len(st.microcases) {
		b.mu.Unlock()
		return
	}
	st.awaitingReview = true
	b.mu.Unlock()
	b.send(chatID, "You went through every microcase\\. Send a short review: why you solved them the way you did and what you learned\\.")
}

func (b *Bot) evaluate(chatID int64, review string) {
	eval, err := b.gateway.EvaluateReview(b.ctx, engine.EvaluateRequest{
		RequesterID: requesterID(chatID),
		ReviewText:  review,
	})
	if errors.Is(err, engine.ErrNothingSolved) {
		b.send(chatID, "You have not solved any microcase yet, so there is nothing to review\\. Send a new link to try again\\.")
		b.reset(chatID)
		return
	}
	if err != nil {
		b.send(chatID, fmt.Sprintf("Could not evaluate the review: %s", escapeMarkdown(err.Error())))
		return
	}
	b.send(chatID, fmt.Sprintf("*Review score:* %d/100\n\n%s", eval.Score, escapeMarkdown(eval.Feedback)))
	b.reset(chatID)
	b.send(chatID, "Session finished\\. Send another pull request link whenever you like\\.")
}

func (b *Bot) reset(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chats, chatID)
}

func (b *Bot) sendMicrocase(chatID int64, mc model.MicrocasePayload) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📌 *Microcase \\#%d*\n", mc.MicrocaseID)
	if mc.FilePath != "" {
		fmt.Fprintf(&sb, "File: `%s:%d`\n", escapeCode(mc.FilePath), mc.LineNumber)
	}
	if mc.ReviewComment != "" {
		fmt.Fprintf(&sb, "Review comment: _%s_\n", escapeMarkdown(model.Truncate(mc.ReviewComment, 500)))
	}
	fmt.Fprintf(&sb, "\n%s\n\n", escapeMarkdown(mc.Comment))
	sb.WriteString("➡️ Send your solution as a message\\.")
	b.send(chatID, sb.String())
}

// send sends a MarkdownV2 message.
func (b *Bot) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	if _, err := b.out.Send(msg); err != nil {
		b.logger.Warn("failed to send message", zap.Int64("chat", chatID), zap.Error(err))
		// Retry without markdown in case of parse errors.
		msg.ParseMode = ""
		msg.Text = stripMarkdown(text)
		if _, err := b.out.Send(msg); err != nil {
			b.logger.Error("failed to send plain message", zap.Int64("chat", chatID), zap.Error(err))
		}
	}
}

func requesterID(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

func decode[T any](ev *model.Event) (T, error) {
	var v T
	err := json.Unmarshal([]byte(ev.Data), &v)
	return v, err
}

// stripFences removes a surrounding ``` block from a pasted solution.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimRight(t, "\n") + "\n"
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(s)
}

// escapeCode escapes text inside MarkdownV2 code entities.
func escapeCode(s string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(s)
}

// stripMarkdown removes MarkdownV2 escape sequences for plain text fallback.
func stripMarkdown(s string) string {
	r := strings.NewReplacer(
		"\\\\", "\\",
		"\\*", "*",
		"\\_", "_",
		"\\[", "[",
		"\\]", "]",
		"\\(", "(",
		"\\)", ")",
		"\\~", "~",
		"\\`", "`",
		"\\>", ">",
		"\\#", "#",
		"\\+", "+",
		"\\-", "-",
		"\\=", "=",
		"\\|", "|",
		"\\{", "{",
		"\\}", "}",
		"\\.", ".",
		"\\!", "!",
	)
	return r.Replace(s)
}
