package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/maslow-ai/maslow/internal/capabilities"
	"github.com/maslow-ai/maslow/internal/heartbeat"
	"github.com/maslow-ai/maslow/internal/model"
)

type fakeChatSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.ChatSession
	pctLog   []float64
}

func newFakeChatSessions() *fakeChatSessions {
	return &fakeChatSessions{sessions: make(map[string]*model.ChatSession)}
}

func (f *fakeChatSessions) GetSession(_ context.Context, chatID string) (*model.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[chatID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeChatSessions) SaveSession(_ context.Context, session *model.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *session
	f.sessions[session.ChatID] = &cp
	return nil
}

func (f *fakeChatSessions) UpdateLastActive(context.Context, string) error { return nil }

func (f *fakeChatSessions) UpdateContextUsage(_ context.Context, chatID string, pct float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pctLog = append(f.pctLog, pct)
	if s, ok := f.sessions[chatID]; ok {
		s.ContextUsagePercent = pct
	}
	return nil
}

func (f *fakeChatSessions) DeleteSession(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, chatID)
	return nil
}

func (f *fakeChatSessions) GetLastActiveChatID(context.Context) (string, error) { return "", nil }

var _ capabilities.ChatSessions = (*fakeChatSessions)(nil)

type scriptedModel struct {
	mu        sync.Mutex
	events    []capabilities.ModelEvent
	handoff   string
	handoffErr error
	requests  []capabilities.ModelRequest
	handoffCalls int
}

// SendMessage only replays the scripted events on the first call; later
// calls (e.g. the conversational turn performHandoff kicks off after a
// handoff) get an empty stream, so a scripted handoff-triggering usage
// event can't recurse forever.
func (m *scriptedModel) SendMessage(_ context.Context, req capabilities.ModelRequest) (<-chan capabilities.ModelEvent, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	call := len(m.requests)
	m.mu.Unlock()
	ch := make(chan capabilities.ModelEvent, len(m.events))
	if call == 1 {
		for _, e := range m.events {
			ch <- e
		}
	}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) GenerateHandoff(context.Context, string, string) (string, error) {
	m.mu.Lock()
	m.handoffCalls++
	m.mu.Unlock()
	return m.handoff, m.handoffErr
}

var _ capabilities.ConversationalModel = (*scriptedModel)(nil)

type recordingChat struct {
	mu       sync.Mutex
	messages []string
	voices   int
}

func (c *recordingChat) SendMessage(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}
func (c *recordingChat) SendTyping(context.Context, string) error { return nil }
func (c *recordingChat) EditMessage(context.Context, string, string, string) error { return nil }
func (c *recordingChat) SendVoiceNote(_ context.Context, _ string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voices++
	return nil
}
func (c *recordingChat) SendRecordingVoice(context.Context, string) error     { return nil }
func (c *recordingChat) GetFileBuffer(context.Context, string) ([]byte, error) { return nil, nil }
func (c *recordingChat) Start(context.Context) error                          { return nil }
func (c *recordingChat) Stop(context.Context) error                           { return nil }

var _ capabilities.ChatAdapter = (*recordingChat)(nil)

func (c *recordingChat) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1]
}

func (c *recordingChat) any(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

type fakeHeartbeat struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeHeartbeat) SubmitTaskBrief(_ context.Context, text string, _ heartbeat.SubmitOptions) (*model.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return &model.Card{ID: "c1"}, nil
}

var _ TaskBriefSubmitter = (*fakeHeartbeat)(nil)

func newTestManager(chat *recordingChat, sessions *fakeChatSessions, mdl *scriptedModel) *Manager {
	return &Manager{
		ChatSessions: sessions,
		Model:        mdl,
		Chat:         chat,
	}
}

func TestHandleMessageRestartClearsSession(t *testing.T) {
	sessions := newFakeChatSessions()
	sessions.sessions["chat1"] = &model.ChatSession{ChatID: "chat1", ModelSessionID: "old"}
	chat := &recordingChat{}
	m := newTestManager(chat, sessions, &scriptedModel{})

	if err := m.HandleMessage(context.Background(), Message{ChatID: "chat1", Text: "/restart_claude"}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if _, ok := sessions.sessions["chat1"]; ok {
		t.Fatal("expected session to be deleted")
	}
	if chat.last() != "Session cleared" {
		t.Fatalf("reply = %q", chat.last())
	}
}

func TestHandleMessageTaskBriefSkipsModel(t *testing.T) {
	sessions := newFakeChatSessions()
	chat := &recordingChat{}
	mdl := &scriptedModel{}
	hb := &fakeHeartbeat{}
	m := newTestManager(chat, sessions, mdl)
	m.Heartbeat = hb

	if err := m.HandleMessage(context.Background(), Message{ChatID: "chat1", Text: "TASK: fix the thing"}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(hb.texts) != 1 || hb.texts[0] != "TASK: fix the thing" {
		t.Fatalf("expected submitTaskBrief called once with the message, got %v", hb.texts)
	}
	if len(mdl.requests) != 0 {
		t.Fatal("conversational model must not be called for a task brief")
	}
	if chat.last() != "Autonomous mode activated" {
		t.Fatalf("reply = %q", chat.last())
	}
}

func TestConversationalReplyPersistsContextUsage(t *testing.T) {
	sessions := newFakeChatSessions()
	chat := &recordingChat{}
	mdl := &scriptedModel{events: []capabilities.ModelEvent{
		{Type: capabilities.ModelEventText, SessionID: "sess1", Content: "hello there"},
		{Type: capabilities.ModelEventResult, Usage: capabilities.ModelUsage{InputTokens: 1000, OutputTokens: 1000, ContextWindow: 100000}},
	}}
	m := newTestManager(chat, sessions, mdl)

	if err := m.HandleMessage(context.Background(), Message{ChatID: "chat1", Text: "hi"}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(sessions.pctLog) != 1 || sessions.pctLog[0] != 2.0 {
		t.Fatalf("pctLog = %v, want [2.0]", sessions.pctLog)
	}
	if sessions.sessions["chat1"].ModelSessionID != "sess1" {
		t.Fatalf("expected modelSessionId persisted, got %q", sessions.sessions["chat1"].ModelSessionID)
	}
	if !chat.any("hello there") {
		t.Fatalf("expected reply text forwarded, got %v", chat.messages)
	}
}

// TestAutoHandoffAt60Percent exercises scenario S6: a result usage of 60%
// triggers an immediate auto-handoff, deletes the old session, and leaves a
// fresh session with contextUsagePercent reset to 0.
func TestAutoHandoffAt60Percent(t *testing.T) {
	sessions := newFakeChatSessions()
	sessions.sessions["chat1"] = &model.ChatSession{ChatID: "chat1", ModelSessionID: "old-session"}
	chat := &recordingChat{}
	mdl := &scriptedModel{
		events: []capabilities.ModelEvent{
			{Type: capabilities.ModelEventResult, Usage: capabilities.ModelUsage{InputTokens: 60000, OutputTokens: 0, ContextWindow: 100000}},
		},
		handoff: "summary of prior work",
	}
	m := newTestManager(chat, sessions, mdl)

	if err := m.HandleMessage(context.Background(), Message{ChatID: "chat1", Text: "keep going"}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if mdl.handoffCalls != 1 {
		t.Fatalf("expected GenerateHandoff called once, got %d", mdl.handoffCalls)
	}
	sess, ok := sessions.sessions["chat1"]
	if !ok {
		t.Fatal("expected a new ChatSession to exist after auto-handoff")
	}
	if sess.ModelSessionID != "" {
		t.Fatalf("expected empty modelSessionId on the new session, got %q", sess.ModelSessionID)
	}
	if sess.ContextUsagePercent != 0 {
		t.Fatalf("expected contextUsagePercent reset to 0, got %v", sess.ContextUsagePercent)
	}
	if !chat.any("Auto-handoff") {
		t.Fatalf("expected an auto-handoff notice, got %v", chat.messages)
	}
	if !chat.any("summary of prior work") {
		t.Fatalf("expected the formatted handoff summary delivered, got %v", chat.messages)
	}
}

func TestContinuationAffirmationTriggersHandoff(t *testing.T) {
	sessions := newFakeChatSessions()
	sessions.sessions["chat1"] = &model.ChatSession{ChatID: "chat1", ModelSessionID: "sess1", PendingContinuation: true}
	chat := &recordingChat{}
	mdl := &scriptedModel{handoff: "handoff text"}
	m := newTestManager(chat, sessions, mdl)

	if err := m.HandleMessage(context.Background(), Message{ChatID: "chat1", Text: "yes, continue"}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if mdl.handoffCalls != 1 {
		t.Fatalf("expected handoff triggered, got %d calls", mdl.handoffCalls)
	}
}

func TestHandleContinuationWithNoActiveSession(t *testing.T) {
	sessions := newFakeChatSessions()
	chat := &recordingChat{}
	m := newTestManager(chat, sessions, &scriptedModel{})

	if err := m.HandleContinuation(context.Background(), "chat1"); err != nil {
		t.Fatalf("HandleContinuation: %v", err)
	}
	if chat.last() != "No active session" {
		t.Fatalf("reply = %q", chat.last())
	}
}

func TestVoiceInputRepliesWithVoiceNote(t *testing.T) {
	sessions := newFakeChatSessions()
	chat := &recordingChat{}
	mdl := &scriptedModel{events: []capabilities.ModelEvent{
		{Type: capabilities.ModelEventText, Content: "spoken reply"},
	}}
	m := newTestManager(chat, sessions, mdl)
	m.Voice = &fakeVoice{sttAvailable: true, ttsAvailable: true, transcript: "what is the status"}

	err := m.HandleMessage(context.Background(), Message{ChatID: "chat1", Voice: &Attachment{Data: []byte("audio")}})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if chat.voices != 1 {
		t.Fatalf("expected one voice note reply, got %d", chat.voices)
	}
	if len(mdl.requests) != 1 || mdl.requests[0].Prompt != "what is the status" {
		t.Fatalf("expected transcribed prompt forwarded to model, got %+v", mdl.requests)
	}
}

func TestVoiceUnavailableSkipsModel(t *testing.T) {
	sessions := newFakeChatSessions()
	chat := &recordingChat{}
	mdl := &scriptedModel{}
	m := newTestManager(chat, sessions, mdl)
	m.Voice = &fakeVoice{sttAvailable: false}

	err := m.HandleMessage(context.Background(), Message{ChatID: "chat1", Voice: &Attachment{Data: []byte("audio")}})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(mdl.requests) != 0 {
		t.Fatal("model must not be called when transcription is unavailable")
	}
	if chat.last() != "Voice unavailable" {
		t.Fatalf("reply = %q", chat.last())
	}
}

type fakeVoice struct {
	sttAvailable bool
	ttsAvailable bool
	transcript   string
	transcribeErr error
}

func (v *fakeVoice) Transcribe(context.Context, []byte) (string, error) {
	return v.transcript, v.transcribeErr
}
func (v *fakeVoice) Synthesize(context.Context, string) ([]byte, error) { return []byte("audio"), nil }
func (v *fakeVoice) IsAvailable(context.Context) (bool, bool)           { return v.sttAvailable, v.ttsAvailable }

var _ capabilities.Voice = (*fakeVoice)(nil)

func TestImageOnlyMessageUsesDefaultPrompt(t *testing.T) {
	sessions := newFakeChatSessions()
	chat := &recordingChat{}
	mdl := &scriptedModel{}
	m := newTestManager(chat, sessions, mdl)

	err := m.HandleMessage(context.Background(), Message{ChatID: "chat1", Images: []Attachment{{Name: "a.png", Data: []byte("x")}}})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(mdl.requests) != 1 || mdl.requests[0].Prompt != "please analyze this image" {
		t.Fatalf("requests = %+v", mdl.requests)
	}
}

func TestPerChatMutexSerializesMessages(t *testing.T) {
	sessions := newFakeChatSessions()
	chat := &recordingChat{}
	mdl := &scriptedModel{}
	m := newTestManager(chat, sessions, mdl)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.HandleMessage(context.Background(), Message{ChatID: "chat1", Text: fmt.Sprintf("msg %d", i)})
		}(i)
	}
	wg.Wait()
	if len(mdl.requests) != 10 {
		t.Fatalf("expected all 10 messages processed, got %d", len(mdl.requests))
	}
}
