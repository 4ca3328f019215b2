package dialogue

import (
	"context"
	"errors"
	"fmt"

	"github.com/geovera/agentd/internal/budget"
	"github.com/geovera/agentd/internal/character"
	"github.com/geovera/agentd/internal/provider"
)

const (
	MinParticipants = 2
	MaxParticipants = 8
	MaxRoundsLimit  = 10
)

var (
	ErrTooFewParticipants  = errors.New("conversation requires at least 2 characters")
	ErrTooManyParticipants = errors.New("conversation allows at most 8 characters")
	ErrBadRounds           = fmt.Errorf("max_rounds must be between 1 and %d", MaxRoundsLimit)
)

// Turn is one transcript entry. Seed lines (topic, user message) carry role
// "user" and no character id; character turns carry role "assistant".
type Turn struct {
	Role        string `json:"role"`
	Speaker     string `json:"speaker"`
	CharacterID string `json:"character_id,omitempty"`
	Content     string `json:"content"`
	Round       int    `json:"round"`
}

// Params configures one engine run. Participants must already be loaded.
type Params struct {
	Participants []character.Character
	Topic        string
	UserMessage  string
	MaxRounds    int
	Override     *provider.Config
}

// Outcome is a finished conversation.
type Outcome struct {
	Turns           []Turn
	RoundsCompleted int
}

// Engine drives round-robin multi-character conversations. Speakers take
// turns in participant order; a round completes when the rotation wraps back
// to the first speaker.
type Engine struct {
	caller *budget.Caller
}

func NewEngine(caller *budget.Caller) *Engine {
	return &Engine{caller: caller}
}

// Validate checks participant count and round bounds.
func Validate(participants, maxRounds int) error {
	if participants < MinParticipants {
		return ErrTooFewParticipants
	}
	if participants > MaxParticipants {
		return ErrTooManyParticipants
	}
	if maxRounds < 1 || maxRounds > MaxRoundsLimit {
		return ErrBadRounds
	}
	return nil
}

// Run executes the conversation to completion. Any turn failure aborts the
// run: a transcript with silently missing turns is worse than no transcript.
func (e *Engine) Run(ctx context.Context, p Params) (Outcome, error) {
	if err := Validate(len(p.Participants), p.MaxRounds); err != nil {
		return Outcome{}, err
	}

	turns := seedTurns(p.Topic, p.UserMessage)

	speaker := 0
	rounds := 0
	for rounds < p.MaxRounds {
		char := p.Participants[speaker]

		others := make([]character.Character, 0, len(p.Participants)-1)
		for i, o := range p.Participants {
			if i != speaker {
				others = append(others, o)
			}
		}

		system := BuildSystemPrompt(char, others)
		history := RenderHistory(char.ID, turns)

		reply, err := e.caller.Generate(ctx, char.Role, p.Override, system, history)
		if err != nil {
			return Outcome{}, fmt.Errorf("turn for %q (round %d): %w", char.Name, rounds, err)
		}

		turns = append(turns, Turn{
			Role:        "assistant",
			Speaker:     char.Name,
			CharacterID: char.ID,
			Content:     reply.Text,
			Round:       rounds,
		})

		speaker = (speaker + 1) % len(p.Participants)
		if speaker == 0 {
			rounds++
		}
	}

	return Outcome{Turns: turns, RoundsCompleted: rounds}, nil
}

// seedTurns builds the moderator lines that open a conversation.
func seedTurns(topic, userMessage string) []Turn {
	var turns []Turn
	if topic != "" {
		turns = append(turns, Turn{
			Role:    "user",
			Speaker: "Host",
			Content: "Topic for discussion: " + topic,
			Round:   0,
		})
	}
	if userMessage != "" {
		turns = append(turns, Turn{
			Role:    "user",
			Speaker: "User",
			Content: userMessage,
			Round:   0,
		})
	}
	return turns
}
