package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/geovera/agentd/internal/budget"
	"github.com/geovera/agentd/internal/character"
	"github.com/geovera/agentd/internal/provider"
	"github.com/geovera/agentd/internal/storage"
)

// openBudgetStore grants every consumption; dialogue tests are not about quotas.
type openBudgetStore struct{}

func (openBudgetStore) ConsumeBudget(string, string, float64, int) (bool, error) {
	return true, nil
}

func (openBudgetStore) ListBudgetRecords(string) ([]storage.BudgetRecord, error) {
	return nil, nil
}

// scriptedLLM is an invoker factory whose clients reply "turn-N" in call
// order and record every prompt they were sent.
type scriptedLLM struct {
	mu      sync.Mutex
	calls   [][]provider.Message
	errOn   int // 1-based call number that fails; 0 disables
	lastErr error
}

func (s *scriptedLLM) factory(provider.Config) (provider.Invoker, error) {
	return scriptedInvoker{llm: s}, nil
}

type scriptedInvoker struct {
	llm *scriptedLLM
}

func (inv scriptedInvoker) Invoke(_ context.Context, messages []provider.Message) (string, error) {
	inv.llm.mu.Lock()
	defer inv.llm.mu.Unlock()
	inv.llm.calls = append(inv.llm.calls, messages)
	n := len(inv.llm.calls)
	if inv.llm.errOn != 0 && n == inv.llm.errOn {
		if inv.llm.lastErr == nil {
			inv.llm.lastErr = errors.New("backend unavailable")
		}
		return "", inv.llm.lastErr
	}
	return fmt.Sprintf("turn-%d", n), nil
}

func newTestCaller(llm *scriptedLLM) *budget.Caller {
	governor := budget.NewGovernor(openBudgetStore{}, budget.Limits{})
	router := budget.NewRouter(budget.Routing{
		Default: budget.Route{
			Primary: budget.ProviderSpec{
				Capability: "openai_gpt4o_mini",
				Config:     provider.Config{Provider: "openai", Model: "gpt-4o-mini"},
			},
		},
	}, governor)
	return budget.NewCallerWithFactory(router, governor, nil, llm.factory)
}

func testParticipants() []character.Character {
	return []character.Character{
		{ID: "c1", Name: "Mira", Role: "creative"},
		{ID: "c2", Name: "Theo", Role: "creative"},
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(1, 3); err != ErrTooFewParticipants {
		t.Errorf("1 participant: got %v", err)
	}
	if err := Validate(9, 3); err != ErrTooManyParticipants {
		t.Errorf("9 participants: got %v", err)
	}
	if err := Validate(2, 0); err != ErrBadRounds {
		t.Errorf("0 rounds: got %v", err)
	}
	if err := Validate(2, MaxRoundsLimit+1); err != ErrBadRounds {
		t.Errorf("too many rounds: got %v", err)
	}
	if err := Validate(2, 3); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

func TestEngineRunRoundRobin(t *testing.T) {
	llm := &scriptedLLM{}
	engine := NewEngine(newTestCaller(llm))

	outcome, err := engine.Run(context.Background(), Params{
		Participants: testParticipants(),
		Topic:        "the future of tea",
		MaxRounds:    3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.RoundsCompleted != 3 {
		t.Errorf("expected 3 rounds, got %d", outcome.RoundsCompleted)
	}
	// 1 seed line + 2 participants x 3 rounds.
	if len(outcome.Turns) != 7 {
		t.Fatalf("expected 7 turns, got %d", len(outcome.Turns))
	}
	if outcome.Turns[0].Role != "user" || outcome.Turns[0].Speaker != "Host" {
		t.Errorf("missing topic seed: %+v", outcome.Turns[0])
	}

	wantSpeakers := []string{"Mira", "Theo", "Mira", "Theo", "Mira", "Theo"}
	wantRounds := []int{0, 0, 1, 1, 2, 2}
	for i, turn := range outcome.Turns[1:] {
		if turn.Role != "assistant" {
			t.Errorf("turn %d: role %q", i, turn.Role)
		}
		if turn.Speaker != wantSpeakers[i] {
			t.Errorf("turn %d: speaker %q, want %q", i, turn.Speaker, wantSpeakers[i])
		}
		if turn.Round != wantRounds[i] {
			t.Errorf("turn %d: round %d, want %d", i, turn.Round, wantRounds[i])
		}
	}
}

func TestEngineRunPerspectives(t *testing.T) {
	llm := &scriptedLLM{}
	engine := NewEngine(newTestCaller(llm))

	_, err := engine.Run(context.Background(), Params{
		Participants: testParticipants(),
		Topic:        "tea",
		MaxRounds:    2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(llm.calls) != 4 {
		t.Fatalf("expected 4 LLM calls, got %d", len(llm.calls))
	}

	// Theo's first turn (call 2) sees Mira's line tagged as user content.
	theoSees := llm.calls[1]
	found := false
	for _, m := range theoSees {
		if m.Role == "user" && m.Content == "[Mira]: turn-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Theo should see Mira's turn tagged: %+v", theoSees)
	}

	// Mira's second turn (call 3) sees her own first line as assistant.
	miraSees := llm.calls[2]
	found = false
	for _, m := range miraSees {
		if m.Role == "assistant" && m.Content == "turn-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Mira should see her own turn as assistant: %+v", miraSees)
	}

	// Each speaker's system prompt names the other participant.
	system := llm.calls[0][0].Content
	if !strings.Contains(system, "Theo") {
		t.Errorf("Mira's system prompt missing roster: %q", system)
	}
}

func TestEngineRunTurnFailureAborts(t *testing.T) {
	llm := &scriptedLLM{errOn: 3}
	engine := NewEngine(newTestCaller(llm))

	_, err := engine.Run(context.Background(), Params{
		Participants: testParticipants(),
		Topic:        "tea",
		MaxRounds:    3,
	})
	if err == nil {
		t.Fatal("expected turn failure to abort the run")
	}
	if !strings.Contains(err.Error(), `turn for "Mira" (round 1)`) {
		t.Errorf("error should name speaker and round: %v", err)
	}
	// No further turns after the failure.
	if len(llm.calls) != 3 {
		t.Errorf("engine kept going after the failure: %d calls", len(llm.calls))
	}
}

func TestEngineRunValidatesParams(t *testing.T) {
	engine := NewEngine(newTestCaller(&scriptedLLM{}))

	_, err := engine.Run(context.Background(), Params{
		Participants: testParticipants()[:1],
		MaxRounds:    3,
	})
	if err != ErrTooFewParticipants {
		t.Errorf("expected participant validation, got %v", err)
	}
}
