// Package slack provides a Slack bot front-end for microcase using Socket Mode.
//
// Socket Mode connects to Slack via WebSocket -- no public URL needed.
// Mention the bot with a pull request link; microcases are posted in the
// thread and every reply in that thread is checked as a solution. Once all
// microcases are done, the next reply is scored as the learner's review.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/jxucoder/microcase/channel"
	"github.com/jxucoder/microcase/engine"
	"github.com/jxucoder/microcase/model"
)

// poster is satisfied by *slack.Client.
type poster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// thread identifies one conversation: a channel and the root message ts.
type thread struct {
	channel string
	ts      string
}

// threadState tracks one thread's progress through a generation.
type threadState struct {
	sessionID      string
	microcases     []model.MicrocasePayload
	current        int
	streaming      bool
	complete       bool
	awaitingReview bool
}

// Bot is the Slack Socket Mode bot for microcase.
type Bot struct {
	api          *slack.Client
	socketClient *socketmode.Client
	out          poster
	gateway      channel.Gateway
	logger       *zap.Logger

	ctx       context.Context
	botUserID string

	mu      sync.Mutex
	threads map[thread]*threadState
}

var _ channel.Channel = (*Bot)(nil)

var (
	mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)
	linkRe    = regexp.MustCompile(`<?(https?://[^|>\s]+)(?:\|[^>]*)?>?`)
)

// NewBot creates a new Slack Socket Mode bot.
func NewBot(botToken, appToken string, gw channel.Gateway, logger *zap.Logger) *Bot {
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)
	b := newBot(api, gw, logger)
	b.api = api
	b.socketClient = socketmode.New(
		api,
		socketmode.OptionLog(zap.NewStdLog(b.logger.Named("socketmode"))),
	)
	return b
}

func newBot(out poster, gw channel.Gateway, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		out:     out,
		gateway: gw,
		logger:  logger.Named("slack"),
		ctx:     context.Background(),
		threads: make(map[thread]*threadState),
	}
}

// Name implements channel.Channel.
func (b *Bot) Name() string { return "slack" }

// Run connects to Slack via Socket Mode and processes events.
// It blocks until the context is canceled or a fatal error occurs.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx
	auth, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.botUserID = auth.UserID
	b.logger.Info("slack bot authorized", zap.String("user", auth.User), zap.String("team", auth.Team))

	go b.eventLoop(ctx)
	err = b.socketClient.RunContext(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// eventLoop reads events from the Socket Mode client and dispatches them.
func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socketClient.Events:
			if !ok {
				return
			}
			b.handleEvent(evt)
		}
	}
}

func (b *Bot) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Debug("connecting")
	case socketmode.EventTypeConnected:
		b.logger.Info("connected")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("connection error, will retry")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Slack requires an ack within 3 seconds.
		if evt.Request != nil {
			b.socketClient.Ack(*evt.Request)
		}
		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			b.handleCallbackEvent(eventsAPIEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive, socketmode.EventTypeSlashCommand:
		if evt.Request != nil {
			b.socketClient.Ack(*evt.Request)
		}
	}
}

func (b *Bot) handleCallbackEvent(inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		go b.handleMention(ev)
	case *slackevents.MessageEvent:
		go b.handleThreadMessage(ev)
	}
}

// handleMention processes an @mention of the bot.
func (b *Bot) handleMention(ev *slackevents.AppMentionEvent) {
	ts := ev.TimeStamp
	if ev.ThreadTimeStamp != "" {
		ts = ev.ThreadTimeStamp
	}
	b.handleText(thread{channel: ev.Channel, ts: ts}, stripMention(ev.Text), true)
}

// handleThreadMessage treats plain replies in an active thread as answers.
// Replies that mention the bot arrive again as app_mention and are skipped.
func (b *Bot) handleThreadMessage(ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.SubType != "" || ev.ThreadTimeStamp == "" {
		return
	}
	if b.botUserID != "" && strings.Contains(ev.Text, "<@"+b.botUserID+">") {
		return
	}
	th := thread{channel: ev.Channel, ts: ev.ThreadTimeStamp}
	b.mu.Lock()
	_, active := b.threads[th]
	b.mu.Unlock()
	if !active {
		return
	}
	b.handleText(th, ev.Text, false)
}

func (b *Bot) handleText(th thread, text string, mentioned bool) {
	text = strings.TrimSpace(text)
	switch {
	case text == "" || text == "help":
		if mentioned {
			b.post(th, "*microcase* turns code review comments into exercises.\n"+
				"1. Mention me with a GitHub pull request link.\n"+
				"2. Reply in the thread with your Python solution for each microcase.\n"+
				"3. When all are solved, reply with a short review of what you learned.\n"+
				"Reply `skip` to move on to the next microcase.")
		}
	case text == "skip":
		b.skip(th)
	case mentioned:
		if link, ok := extractLink(text); ok {
			b.startGeneration(th, link)
			return
		}
		b.handleAnswer(th, text)
	default:
		b.handleAnswer(th, text)
	}
}

func (b *Bot) startGeneration(th thread, link string) {
	b.mu.Lock()
	if st, ok := b.threads[th]; ok && st.streaming {
		b.mu.Unlock()
		b.post(th, "Generation is already running in this thread. Please wait for it to finish.")
		return
	}
	b.mu.Unlock()

	sess, err := b.gateway.CreateSession(b.ctx, requesterID(th), link)
	if err != nil {
		b.post(th, fmt.Sprintf(":x: Could not start generation: %s", escape(err.Error())))
		return
	}
	events, err := b.gateway.Stream(b.ctx, sess.ID)
	if err != nil {
		b.post(th, fmt.Sprintf(":x: Could not follow generation: %s", escape(err.Error())))
		return
	}

	b.mu.Lock()
	b.threads[th] = &threadState{sessionID: sess.ID, streaming: true}
	b.mu.Unlock()

	b.post(th, fmt.Sprintf(":rocket: Generation started (session `%s`). Microcases will arrive as they are ready.", sess.ID))
	go b.relay(th, sess.ID, events)
}

// relay forwards a session's events to the thread until the terminal event.
func (b *Bot) relay(th thread, sessionID string, events <-chan *model.Event) {
	for ev := range events {
		b.handleSessionEvent(th, sessionID, ev)
	}
}

func (b *Bot) handleSessionEvent(th thread, sessionID string, ev *model.Event) {
	b.mu.Lock()
	st, ok := b.threads[th]
	if !ok || st.sessionID != sessionID {
		b.mu.Unlock()
		return
	}

	switch ev.Type {
	case model.EventProgress:
		b.mu.Unlock()
		if p, err := decode[model.MessagePayload](ev); err == nil {
			b.post(th, ":gear: "+escape(p.Message))
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
			b.postMicrocase(th, p)
		}

	case model.EventError:
		b.mu.Unlock()
		if p, err := decode[model.MessagePayload](ev); err == nil {
			b.post(th, ":x: *Generation failed:* "+escape(p.Message))
		}

	case model.EventComplete:
		st.streaming = false
		st.complete = true
		n := len(st.microcases)
		if n == 0 {
			delete(b.threads, th)
		}
		b.mu.Unlock()
		if n == 0 {
			b.post(th, "No microcases could be generated. Try another pull request.")
			return
		}
		b.post(th, fmt.Sprintf(":tada: Generation complete. Microcases: %d", n))
		b.promptReviewIfDone(th)

	default:
		b.mu.Unlock()
	}
}

func (b *Bot) handleAnswer(th thread, text string) {
	b.mu.Lock()
	st, ok := b.threads[th]
	if !ok {
		b.mu.Unlock()
		b.post(th, "There is no active session here. Mention me with a pull request link to start.")
		return
	}
	if st.awaitingReview {
		b.mu.Unlock()
		b.evaluate(th, html.UnescapeString(text))
		return
	}
	if st.current >= len(st.microcases) {
		b.mu.Unlock()
		b.post(th, "The next microcase is not ready yet. Please wait.")
		return
	}
	mc := st.microcases[st.current]
	b.mu.Unlock()

	res, err := b.gateway.CheckMicrocase(b.ctx, engine.CheckRequest{
		RequesterID: requesterID(th),
		MicrocaseID: mc.MicrocaseID,
		Solution:    solutionFromText(text),
	})
	if err != nil {
		b.post(th, fmt.Sprintf(":x: Could not check the solution: %s", escape(err.Error())))
		return
	}
	if res.Status != engine.CheckPassed {
		b.post(th, fmt.Sprintf(":x: Tests failed.\n```\n%s\n```\nFix your solution and reply again.",
			escape(model.Tail(res.Explanation, 2500))))
		return
	}

	b.post(th, ":white_check_mark: All tests passed!")
	b.advance(th)
}

// advance moves to the next microcase, or asks for the review once every
// microcase is done.
func (b *Bot) advance(th thread) {
	b.mu.Lock()
	st, ok := b.threads[th]
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
		b.postMicrocase(th, *next)
		return
	}
	b.promptReviewIfDone(th)
}

func (b *Bot) skip(th thread) {
	b.mu.Lock()
	st, ok := b.threads[th]
	if !ok || st.awaitingReview || st.current >= len(st.microcases) {
		b.mu.Unlock()
		b.post(th, "Nothing to skip.")
		return
	}
	b.mu.Unlock()
	b.advance(th)
}

func (b *Bot) promptReviewIfDone(th thread) {
	b.mu.Lock()
	st, ok := b.threads[th]
	if !ok || !st.complete || st.awaitingReview || st.current < len(st.microcases) {
		b.mu.Unlock()
		return
	}
	st.awaitingReview = true
	b.mu.Unlock()
	b.post(th, "You went through every microcase. Reply with a short review: why you solved them the way you did and what you learned.")
}

func (b *Bot) evaluate(th thread, review string) {
	eval, err := b.gateway.EvaluateReview(b.ctx, engine.EvaluateRequest{
		RequesterID: requesterID(th),
		ReviewText:  review,
	})
	if errors.Is(err, engine.ErrNothingSolved) {
		b.post(th, "You have not solved any microcase yet, so there is nothing to review. Mention me with a new link to try again.")
		b.reset(th)
		return
	}
	if err != nil {
		b.post(th, fmt.Sprintf(":x: Could not evaluate the review: %s", escape(err.Error())))
		return
	}
	b.post(th, fmt.Sprintf("*Review score:* %d/100\n>%s", eval.Score, escape(eval.Feedback)))
	b.reset(th)
}

func (b *Bot) reset(th thread) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.threads, th)
}

// postMicrocase posts a microcase as a Block Kit message with a plain text
// fallback for notifications.
func (b *Bot) postMicrocase(th thread, mc model.MicrocasePayload) {
	title := fmt.Sprintf(":pushpin: *Microcase #%d*", mc.MicrocaseID)
	body := slack.NewTextBlockObject(slack.MarkdownType,
		title+"\n\n"+escape(model.Truncate(mc.Comment, 2800)), false, false)
	blocks := []slack.Block{slack.NewSectionBlock(body, nil, nil)}

	var meta []slack.MixedElement
	if mc.FilePath != "" {
		meta = append(meta, slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("File `%s:%d`", escape(mc.FilePath), mc.LineNumber), false, false))
	}
	if mc.ReviewComment != "" {
		meta = append(meta, slack.NewTextBlockObject(slack.MarkdownType,
			"Review comment: _"+escape(model.Truncate(mc.ReviewComment, 500))+"_", false, false))
	}
	if len(meta) > 0 {
		blocks = append(blocks, slack.NewContextBlock("", meta...))
	}
	blocks = append(blocks, slack.NewDividerBlock(), slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, "Reply in this thread with your solution.", false, false),
		nil, nil))

	_, _, err := b.out.PostMessage(th.channel,
		slack.MsgOptionText(fmt.Sprintf("Microcase #%d", mc.MicrocaseID), false),
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionTS(th.ts),
	)
	if err != nil {
		b.logger.Warn("failed to post microcase blocks", zap.String("channel", th.channel), zap.Error(err))
		b.post(th, title+"\n"+escape(mc.Comment))
	}
}

// post sends a mrkdwn message as a thread reply.
func (b *Bot) post(th thread, text string) {
	_, _, err := b.out.PostMessage(th.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(th.ts),
	)
	if err != nil {
		b.logger.Error("failed to post message", zap.String("channel", th.channel), zap.Error(err))
	}
}

func requesterID(th thread) string {
	return "slack:" + th.channel + ":" + th.ts
}

func decode[T any](ev *model.Event) (T, error) {
	var v T
	err := json.Unmarshal([]byte(ev.Data), &v)
	return v, err
}

func stripMention(s string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(s, ""))
}

// extractLink finds the first URL in a message. Slack wraps links as
// <url> or <url|label>.
func extractLink(s string) (string, bool) {
	m := linkRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// solutionFromText undoes Slack's entity encoding and strips a surrounding
// ``` block from a pasted solution.
func solutionFromText(s string) string {
	t := strings.TrimSpace(html.UnescapeString(s))
	if !strings.HasPrefix(t, "```") {
		return t + "\n"
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 && strings.TrimSpace(t[:i]) == "python" {
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.Trim(t, "\n") + "\n"
}

// escape encodes the three characters Slack reserves for control sequences.
func escape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
