package agentrunner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/maslow-ai/maslow/internal/capabilities"
	"github.com/maslow-ai/maslow/internal/clock"
	"github.com/maslow-ai/maslow/internal/model"
	"github.com/maslow-ai/maslow/internal/registry"
)

// fakeKanban implements capabilities.Kanban, recording only the calls
// AgentRunner's post-exit cleanup makes.
type fakeKanban struct {
	mu              sync.Mutex
	savedSnapshot   string
	savedSessionID  string
	blockedReason   string
	completedCardID string
}

func (f *fakeKanban) GetBoard(context.Context, string) ([]*model.Card, error)        { return nil, nil }
func (f *fakeKanban) GetNext(context.Context, string) (*model.Card, error)           { return nil, nil }
func (f *fakeKanban) CreateCard(context.Context, string, string, string, model.Column) (*model.Card, error) {
	return nil, nil
}
func (f *fakeKanban) UpdateCard(context.Context, *model.Card) error    { return nil }
func (f *fakeKanban) DeleteCard(context.Context, string) error        { return nil }
func (f *fakeKanban) MoveCard(context.Context, string, model.Column) error { return nil }
func (f *fakeKanban) SkipToBack(context.Context, string) error        { return nil }
func (f *fakeKanban) SaveContext(_ context.Context, _, snapshot, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedSnapshot = snapshot
	f.savedSessionID = sessionID
	return nil
}
func (f *fakeKanban) Resume(context.Context, string) (string, string, error) { return "", "", nil }
func (f *fakeKanban) AssignAgent(context.Context, string, model.Harness) error { return nil }
func (f *fakeKanban) UpdateAgentStatus(_ context.Context, _ string, _ model.AgentStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockedReason = reason
	return nil
}
func (f *fakeKanban) StartWork(context.Context, string, model.Harness, string) error { return nil }
func (f *fakeKanban) CompleteWork(_ context.Context, cardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedCardID = cardID
	return nil
}
func (f *fakeKanban) InProgressCards(context.Context) ([]*model.Card, error) { return nil, nil }

var _ capabilities.Kanban = (*fakeKanban)(nil)

type recordingBus struct {
	mu     sync.Mutex
	events []capabilities.Event
}

func (b *recordingBus) Emit(e capabilities.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) last() (capabilities.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return capabilities.Event{}, false
	}
	return b.events[len(b.events)-1], true
}

func newTestRunner(kanban *fakeKanban, bus *recordingBus) *Runner {
	r := New(clock.NewFake(time.Now()))
	r.Kanban = kanban
	r.Broadcast = bus
	r.Registry = registry.New(clock.NewFake(time.Now()))
	return r
}

func TestSpawnOllamaCompletesAndCleansUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"hello ","done":false}` + "\n"))
		w.Write([]byte(`{"response":"world","done":true}` + "\n"))
	}))
	defer srv.Close()

	kanban := &fakeKanban{}
	bus := &recordingBus{}
	r := newTestRunner(kanban, bus)
	r.Ollama = &OllamaClient{Host: srv.URL, Model: "llama3"}
	r.Registry.Reserve("card1", "proj1", 3) //nolint:errcheck // test setup

	proc, err := r.Spawn(context.Background(), SpawnRequest{
		CardID:    "card1",
		ProjectID: "proj1",
		Agent:     model.HarnessOllama,
		Prompt:    "hi",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if proc.Status != model.ProcessRunning {
		t.Fatalf("Status = %v, want running immediately after Spawn", proc.Status)
	}

	deadline := time.After(2 * time.Second)
	for {
		kanban.mu.Lock()
		done := kanban.completedCardID == "card1"
		kanban.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for completion cleanup")
		case <-time.After(10 * time.Millisecond):
		}
	}

	ev, ok := bus.last()
	if !ok || ev.Type != "agent.completed" {
		t.Fatalf("expected a terminal agent.completed broadcast, got %+v (ok=%v)", ev, ok)
	}
	if r.Registry.CountRunning() != 0 {
		t.Fatalf("expected registry slot vacated, got %d running", r.Registry.CountRunning())
	}
}

func TestSpawnOllamaWithoutClientFails(t *testing.T) {
	r := newTestRunner(&fakeKanban{}, &recordingBus{})
	_, err := r.Spawn(context.Background(), SpawnRequest{CardID: "c1", ProjectID: "p1", Agent: model.HarnessOllama, Prompt: "hi"})
	if err == nil {
		t.Fatal("expected an error when no OllamaClient is configured")
	}
}

func TestStopCancelsSupervisedAgent(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush() // send headers so Spawn returns while the stream stays open
		<-block
	}))
	defer srv.Close()
	defer close(block)

	kanban := &fakeKanban{}
	r := newTestRunner(kanban, &recordingBus{})
	r.Ollama = &OllamaClient{Host: srv.URL, Model: "llama3"}

	proc, err := r.Spawn(context.Background(), SpawnRequest{CardID: "c1", ProjectID: "p1", Agent: model.HarnessOllama, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	r.Stop("c1")
	if proc.Status != model.ProcessCancelled {
		t.Fatalf("Status = %v, want cancelled", proc.Status)
	}
}
