// Package session implements the SessionManager (spec §4.6): the per-chat
// conversational dispatcher that routes messages to a conversational model,
// parses workspace-action blocks out of its replies, and enforces the
// context-window handoff policy.
//
// The per-chat mutex map is grounded on jaakkos-stringwork's SessionRegistry
// (a per-key map behind one lock, with TouchSession-style last-active
// bookkeeping played here by ChatSession.LastActiveAt); the conversational
// event dispatch is grounded on the teacher's eventconv.go type-switch
// idiom, adapted to dispatch into chat callbacks instead of out to wire
// bytes.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/maslow-ai/maslow/internal/capabilities"
	"github.com/maslow-ai/maslow/internal/clock"
	"github.com/maslow-ai/maslow/internal/errs"
	"github.com/maslow-ai/maslow/internal/heartbeat"
	"github.com/maslow-ai/maslow/internal/model"
)

// DefaultAutoHandoffPct and DefaultWarnPct are the context-usage thresholds
// of spec §4.6.2.
const (
	DefaultAutoHandoffPct    = 50.0
	DefaultWarnPct           = 80.0
	DefaultContextWindowSize = 200_000 // fallback when a result event carries no window size
	restartCommand           = "/restart_claude"
)

var (
	taskBriefPrefix     = regexp.MustCompile(`^(TASK:|Brief:)`)
	continuationPattern = regexp.MustCompile(`(?i)\bcontinue\b`)
)

// TaskBriefSubmitter is the subset of Heartbeat the SessionManager depends
// on to turn a "TASK:"/"Brief:" message into a backlog card.
type TaskBriefSubmitter interface {
	SubmitTaskBrief(ctx context.Context, text string, opts heartbeat.SubmitOptions) (*model.Card, error)
}

// Attachment is one binary attachment (image or voice note) on an inbound
// message.
type Attachment struct {
	Name string
	Data []byte
}

// Message is one inbound chat message (spec §4.6).
type Message struct {
	ChatID  string
	Text    string
	Caption string
	Images  []Attachment
	Voice   *Attachment
}

// Manager is the SessionManager.
type Manager struct {
	ChatSessions capabilities.ChatSessions
	Kanban       capabilities.Kanban
	Projects     capabilities.Projects
	Model        capabilities.ConversationalModel
	Chat         capabilities.ChatAdapter
	Voice        capabilities.Voice
	Thinking     capabilities.ThinkingPartner
	Broadcast    capabilities.BroadcastSink
	Heartbeat    TaskBriefSubmitter
	Clock        clock.Source

	// AutoHandoffPct/WarnPct override the spec §4.6.2 defaults (50/80); zero
	// means "use the default."
	AutoHandoffPct float64
	WarnPct        float64
	// ContextWindow is the fallback window size used when a result event's
	// usage carries no ContextWindow (zero means DefaultContextWindowSize).
	ContextWindow int

	mu     sync.Mutex
	chatMu map[string]*sync.Mutex
}

func (m *Manager) lockChat(chatID string) func() {
	m.mu.Lock()
	if m.chatMu == nil {
		m.chatMu = make(map[string]*sync.Mutex)
	}
	l, ok := m.chatMu[chatID]
	if !ok {
		l = &sync.Mutex{}
		m.chatMu[chatID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// HandleMessage routes one inbound message per spec §4.6.1 and, for the
// conversational path, drives the reply loop and handoff policy of §4.6.2.
func (m *Manager) HandleMessage(ctx context.Context, msg Message) error {
	unlock := m.lockChat(msg.ChatID)
	defer unlock()

	text := strings.TrimSpace(msg.Text)

	if text == restartCommand {
		if err := m.ChatSessions.DeleteSession(ctx, msg.ChatID); err != nil {
			slog.Warn("session: delete session on restart failed", "chat", msg.ChatID, "err", err)
		}
		return m.reply(ctx, msg.ChatID, "Session cleared")
	}

	if taskBriefPrefix.MatchString(text) {
		return m.handleTaskBrief(ctx, msg.ChatID, msg.Text)
	}

	prompt, isVoice, err := m.resolvePrompt(ctx, msg)
	if err != nil {
		slog.Warn("session: prompt resolution failed", "chat", msg.ChatID, "err", err)
		return m.reply(ctx, msg.ChatID, "Voice unavailable")
	}

	sess, err := m.loadOrCreateSession(ctx, msg.ChatID)
	if err != nil {
		return fmt.Errorf("session: load session: %w", err)
	}

	if sess.PendingContinuation && continuationPattern.MatchString(prompt) {
		return m.performHandoff(ctx, msg.ChatID, "Generating handoff summary…")
	}

	return m.converse(ctx, sess, prompt, msg.Images, isVoice)
}

// HandleContinuation is the public entry point for an explicit handoff
// request (spec §4.6.3). It acquires the chat's mutex itself; callers that
// already hold it (the continuation-affirmation branch of HandleMessage)
// must call performHandoff directly instead.
func (m *Manager) HandleContinuation(ctx context.Context, chatID string) error {
	unlock := m.lockChat(chatID)
	defer unlock()
	return m.performHandoff(ctx, chatID, "Generating handoff summary…")
}

func (m *Manager) handleTaskBrief(ctx context.Context, chatID, text string) error {
	if m.Heartbeat == nil {
		return m.reply(ctx, chatID, "Autonomous mode unavailable")
	}
	if _, err := m.Heartbeat.SubmitTaskBrief(ctx, text, heartbeat.SubmitOptions{}); err != nil {
		slog.Warn("session: submitTaskBrief failed", "chat", chatID, "err", err)
		return m.reply(ctx, chatID, fmt.Sprintf("Could not start task: %v", err))
	}
	return m.reply(ctx, chatID, "Autonomous mode activated")
}

// resolvePrompt turns a message into a text prompt, transcribing voice and
// falling back to a default caption for image-only messages (spec §4.6
// opening paragraph).
func (m *Manager) resolvePrompt(ctx context.Context, msg Message) (prompt string, isVoice bool, err error) {
	if msg.Voice != nil {
		if m.Voice == nil {
			return "", false, fmt.Errorf("voice unavailable: no voice collaborator configured")
		}
		stt, _ := m.Voice.IsAvailable(ctx)
		if !stt {
			return "", false, fmt.Errorf("voice unavailable: stt disabled")
		}
		text, terr := m.Voice.Transcribe(ctx, msg.Voice.Data)
		if terr != nil {
			return "", false, fmt.Errorf("transcribe: %w", terr)
		}
		return text, true, nil
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" && len(msg.Images) > 0 {
		text = "please analyze this image"
	}
	return text, false, nil
}

func (m *Manager) loadOrCreateSession(ctx context.Context, chatID string) (*model.ChatSession, error) {
	sess, err := m.ChatSessions.GetSession(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &model.ChatSession{ChatID: chatID}
	}
	if err := m.ChatSessions.UpdateLastActive(ctx, chatID); err != nil {
		slog.Warn("session: update last active failed", "chat", chatID, "err", err)
	}
	return sess, nil
}

// converse drives one conversational exchange: stream the model's events,
// forward them per spec §4.6.2's event policy, persist context usage, parse
// and execute any workspace-action blocks in the text reply, and trigger an
// auto-handoff if the usage threshold was crossed.
func (m *Manager) converse(ctx context.Context, sess *model.ChatSession, prompt string, images []Attachment, isVoice bool) error {
	if m.Chat != nil {
		if err := m.Chat.SendTyping(ctx, sess.ChatID); err != nil {
			slog.Warn("session: send typing failed", "chat", sess.ChatID, "err", err)
		}
	}

	req := capabilities.ModelRequest{
		Prompt:          prompt,
		Cwd:             sess.WorkingDirectory,
		ResumeSessionID: sess.ModelSessionID,
	}
	for _, img := range images {
		req.Images = append(req.Images, capabilities.Image{Name: img.Name, Data: img.Data})
	}

	events, err := m.Model.SendMessage(ctx, req)
	if err != nil {
		m.sendReply(ctx, sess.ChatID, fmt.Sprintf("Error: %v", err), isVoice)
		return errs.ModelStream("send message", err)
	}

	var finalText strings.Builder
	suppressReply := false
	triggerHandoff := false

	for ev := range events {
		switch ev.Type {
		case capabilities.ModelEventText:
			if ev.SessionID != "" {
				sess.ModelSessionID = ev.SessionID
			}
			finalText.WriteString(ev.Content)
		case capabilities.ModelEventToolCall:
			m.sendReply(ctx, sess.ChatID, "Tool call: "+ev.ToolCall, false)
		case capabilities.ModelEventToolResult:
			m.sendReply(ctx, sess.ChatID, "Tool result: "+ev.ToolResult, false)
		case capabilities.ModelEventError:
			m.sendReply(ctx, sess.ChatID, fmt.Sprintf("Error: %v", ev.Err), isVoice)
			suppressReply = true
		case capabilities.ModelEventResult:
			pct := m.usagePercent(ev.Usage)
			sess.ContextUsagePercent = pct
			if err := m.ChatSessions.UpdateContextUsage(ctx, sess.ChatID, pct); err != nil {
				slog.Warn("session: update context usage failed", "chat", sess.ChatID, "err", err)
			}
			if pct >= m.autoHandoffPct() {
				triggerHandoff = true
				suppressReply = true
			} else if pct >= m.warnPct() {
				sess.PendingContinuation = true
				m.sendReply(ctx, sess.ChatID, "Continuation offered: this session is nearing its context limit. Reply \"continue\" to hand off to a fresh one.", isVoice)
			}
		}
	}

	if err := m.ChatSessions.SaveSession(ctx, sess); err != nil {
		slog.Warn("session: save session failed", "chat", sess.ChatID, "err", err)
	}

	if finalText.Len() > 0 {
		reply := finalText.String()
		m.executeActions(ctx, sess.ChatID, reply)
		if !suppressReply {
			m.sendReply(ctx, sess.ChatID, reply, isVoice)
		}
	}

	if triggerHandoff {
		return m.performHandoff(ctx, sess.ChatID, "Auto-handoff triggered: generating handoff summary…")
	}
	return nil
}

// performHandoff implements the five-step handoff protocol of spec §4.6.3,
// shared by the explicit HandleContinuation entry point, the
// continuation-affirmation branch of HandleMessage, and auto-handoff.
// Callers must already hold the chat's mutex.
func (m *Manager) performHandoff(ctx context.Context, chatID, leadMessage string) error {
	sess, err := m.ChatSessions.GetSession(ctx, chatID)
	if err != nil {
		return fmt.Errorf("session: load session for handoff: %w", err)
	}
	if sess == nil || sess.ModelSessionID == "" {
		return m.reply(ctx, chatID, "No active session")
	}

	if err := m.reply(ctx, chatID, leadMessage); err != nil {
		slog.Warn("session: handoff lead message failed", "chat", chatID, "err", err)
	}

	summary, err := m.Model.GenerateHandoff(ctx, sess.ModelSessionID, sess.WorkingDirectory)
	if err != nil {
		herr := errs.Handoff("generate handoff summary", err)
		_ = m.reply(ctx, chatID, fmt.Sprintf("Handoff generation failed: %v", err))
		return herr
	}

	if err := m.ChatSessions.DeleteSession(ctx, chatID); err != nil {
		slog.Warn("session: delete old session during handoff failed", "chat", chatID, "err", err)
	}

	if err := m.reply(ctx, chatID, summary); err != nil {
		slog.Warn("session: deliver handoff summary failed", "chat", chatID, "err", err)
	}

	newSess := &model.ChatSession{
		ChatID:           chatID,
		WorkingDirectory: sess.WorkingDirectory,
	}
	if err := m.ChatSessions.SaveSession(ctx, newSess); err != nil {
		slog.Warn("session: save post-handoff session failed", "chat", chatID, "err", err)
	}

	return m.converse(ctx, newSess, "Previous session handoff: "+summary, nil, false)
}

func (m *Manager) reply(ctx context.Context, chatID, text string) error {
	if m.Chat == nil {
		return nil
	}
	return m.Chat.SendMessage(ctx, chatID, text)
}

// sendReply delivers text as a voice note when the triggering input was
// voice and TTS is available, otherwise as plain text (spec §4.6.2 closing
// sentence).
func (m *Manager) sendReply(ctx context.Context, chatID, text string, voice bool) {
	if m.Chat == nil {
		return
	}
	if voice && m.Voice != nil {
		if _, tts := m.Voice.IsAvailable(ctx); tts {
			audio, err := m.Voice.Synthesize(ctx, text)
			if err == nil {
				if err := m.Chat.SendVoiceNote(ctx, chatID, audio); err == nil {
					return
				}
			} else {
				slog.Warn("session: voice synthesis failed, falling back to text", "chat", chatID, "err", err)
			}
		}
	}
	if err := m.Chat.SendMessage(ctx, chatID, text); err != nil {
		slog.Warn("session: send reply failed", "chat", chatID, "err", err)
	}
}

func (m *Manager) usagePercent(u capabilities.ModelUsage) float64 {
	window := u.ContextWindow
	if window <= 0 {
		window = m.ContextWindow
	}
	if window <= 0 {
		window = DefaultContextWindowSize
	}
	return float64(u.InputTokens+u.OutputTokens) / float64(window) * 100
}

func (m *Manager) autoHandoffPct() float64 {
	if m.AutoHandoffPct > 0 {
		return m.AutoHandoffPct
	}
	return DefaultAutoHandoffPct
}

func (m *Manager) warnPct() float64 {
	if m.WarnPct > 0 {
		return m.WarnPct
	}
	return DefaultWarnPct
}
