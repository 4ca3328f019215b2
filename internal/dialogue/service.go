package dialogue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/geovera/agentd/internal/budget"
	"github.com/geovera/agentd/internal/character"
	"github.com/geovera/agentd/internal/provider"
	"github.com/geovera/agentd/internal/storage"
)

// chatHistoryLimit bounds how much stored transcript a follow-up chat
// message carries back into the model.
const chatHistoryLimit = 50

// MessageStore defines the persistence the Service needs.
// Implemented by storage.Store.
type MessageStore interface {
	CreateConversation(c storage.Conversation) error
	CompleteConversation(id string, currentRound int) error
	SaveMessage(m storage.Message) error
	GetConversationMessages(conversationID string, limit int) ([]storage.Message, error)
	NextSequenceNumber(conversationID string) (int, error)
}

// Service glues the engine and single-turn chat to persistence. Both the
// HTTP handlers and the MCP tools go through it.
type Service struct {
	characters *character.Manager
	caller     *budget.Caller
	engine     *Engine
	store      MessageStore
}

func NewService(characters *character.Manager, caller *budget.Caller, store MessageStore) *Service {
	return &Service{
		characters: characters,
		caller:     caller,
		engine:     NewEngine(caller),
		store:      store,
	}
}

type ChatParams struct {
	CharacterID    string
	Message        string
	ConversationID string
	Override       *provider.Config
	Save           bool
}

type ChatResult struct {
	CharacterID    string `json:"character_id"`
	CharacterName  string `json:"character_name"`
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model,omitempty"`
	RoutingLabel   string `json:"routing_label,omitempty"`
	UsedFallback   bool   `json:"used_fallback,omitempty"`
}

// Chat produces one reply from one character, optionally continuing and
// persisting a stored conversation.
func (s *Service) Chat(ctx context.Context, p ChatParams) (ChatResult, error) {
	char, err := s.characters.Get(p.CharacterID)
	if err != nil {
		return ChatResult{}, err
	}

	var prior []Turn
	if p.ConversationID != "" {
		msgs, err := s.store.GetConversationMessages(p.ConversationID, chatHistoryLimit)
		if err != nil {
			return ChatResult{}, fmt.Errorf("loading conversation history: %w", err)
		}
		prior = turnsFromMessages(msgs, char)
	}

	system := BuildSystemPrompt(char, nil)
	history := RenderHistory(char.ID, prior)
	history = append(history, provider.Message{Role: "user", Content: p.Message})

	reply, err := s.caller.Generate(ctx, char.Role, p.Override, system, history)
	if err != nil {
		return ChatResult{}, err
	}

	convID := p.ConversationID
	if p.Save {
		if convID == "" {
			convID = uuid.New().String()
			err := s.store.CreateConversation(storage.Conversation{
				ID:             convID,
				ParticipantIDs: encodeIDs([]string{char.ID}),
				Mode:           "single",
				MaxRounds:      100,
				Status:         "active",
				LLMConfig:      encodeLLMConfig(p.Override),
			})
			if err != nil {
				return ChatResult{}, fmt.Errorf("creating conversation: %w", err)
			}
		}
		// History rendering is capped, so the next sequence number must
		// come from the stored rows, not from len(prior).
		seq := 0
		if p.ConversationID != "" {
			seq, err = s.store.NextSequenceNumber(p.ConversationID)
			if err != nil {
				return ChatResult{}, fmt.Errorf("next sequence number: %w", err)
			}
		}
		if err := s.saveTurn(convID, "", "user", p.Message, 0, seq); err != nil {
			return ChatResult{}, err
		}
		if err := s.saveTurn(convID, char.ID, "assistant", reply.Text, 0, seq+1); err != nil {
			return ChatResult{}, err
		}
	}
	if convID == "" {
		convID = "unsaved"
	}

	return ChatResult{
		CharacterID:    char.ID,
		CharacterName:  char.Name,
		Reply:          reply.Text,
		ConversationID: convID,
		Model:          reply.Model,
		RoutingLabel:   reply.Label,
		UsedFallback:   reply.UsedFallback,
	}, nil
}

type ConversationParams struct {
	CharacterIDs []string
	Topic        string
	UserMessage  string
	MaxRounds    int
	Override     *provider.Config
	Save         bool
}

type ConversationResult struct {
	ConversationID  string `json:"conversation_id"`
	Turns           []Turn `json:"messages"`
	RoundsCompleted int    `json:"rounds_completed"`
}

// Conversation loads the participants, runs the engine to completion, and
// persists the transcript when asked.
func (s *Service) Conversation(ctx context.Context, p ConversationParams) (ConversationResult, error) {
	if err := Validate(len(p.CharacterIDs), p.MaxRounds); err != nil {
		return ConversationResult{}, err
	}

	participants := make([]character.Character, len(p.CharacterIDs))
	for i, id := range p.CharacterIDs {
		char, err := s.characters.Get(id)
		if err != nil {
			return ConversationResult{}, fmt.Errorf("loading character %q: %w", id, err)
		}
		participants[i] = char
	}

	outcome, err := s.engine.Run(ctx, Params{
		Participants: participants,
		Topic:        p.Topic,
		UserMessage:  p.UserMessage,
		MaxRounds:    p.MaxRounds,
		Override:     p.Override,
	})
	if err != nil {
		return ConversationResult{}, err
	}

	convID := "unsaved"
	if p.Save {
		convID = uuid.New().String()
		err := s.store.CreateConversation(storage.Conversation{
			ID:             convID,
			ParticipantIDs: encodeIDs(p.CharacterIDs),
			Mode:           "multi",
			Topic:          p.Topic,
			MaxRounds:      p.MaxRounds,
			Status:         "active",
			LLMConfig:      encodeLLMConfig(p.Override),
		})
		if err != nil {
			return ConversationResult{}, fmt.Errorf("creating conversation: %w", err)
		}
		for seq, turn := range outcome.Turns {
			if err := s.saveTurn(convID, turn.CharacterID, turn.Role, turn.Content, turn.Round, seq); err != nil {
				return ConversationResult{}, err
			}
		}
		if err := s.store.CompleteConversation(convID, outcome.RoundsCompleted); err != nil {
			return ConversationResult{}, fmt.Errorf("completing conversation: %w", err)
		}
	}

	return ConversationResult{
		ConversationID:  convID,
		Turns:           outcome.Turns,
		RoundsCompleted: outcome.RoundsCompleted,
	}, nil
}

func (s *Service) saveTurn(convID, characterID, role, content string, round, seq int) error {
	err := s.store.SaveMessage(storage.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		CharacterID:    characterID,
		Role:           role,
		Content:        content,
		RoundNumber:    round,
		SequenceNumber: seq,
	})
	if err != nil {
		return fmt.Errorf("saving message %d: %w", seq, err)
	}
	return nil
}

// turnsFromMessages rebuilds Turn entries from stored rows for history
// rendering. Speaker names only matter for other characters' lines, which a
// single-character chat does not produce.
func turnsFromMessages(msgs []storage.Message, self character.Character) []Turn {
	turns := make([]Turn, len(msgs))
	for i, m := range msgs {
		speaker := "User"
		if m.Role == "assistant" {
			speaker = self.Name
		}
		turns[i] = Turn{
			Role:        m.Role,
			Speaker:     speaker,
			CharacterID: m.CharacterID,
			Content:     m.Content,
			Round:       m.RoundNumber,
		}
	}
	return turns
}

func encodeIDs(ids []string) string {
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func encodeLLMConfig(cfg *provider.Config) string {
	if cfg == nil {
		return "{}"
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(b)
}
