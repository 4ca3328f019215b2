package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Character is a persona profile owned by the external record store.
// Skillsets, Mindsets and KnowledgeNotes are JSON arrays stored as text.
type Character struct {
	ID             string
	Name           string
	Gender         string
	Ethnicity      string
	Age            string
	Role           string
	SystemPrompt   string
	Skillsets      string
	Mindsets       string
	KnowledgeNotes string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Conversation struct {
	ID             string
	ParticipantIDs string // JSON array stored as text
	Mode           string // "single" or "multi"
	Topic          string
	MaxRounds      int
	CurrentRound   int
	Status         string // "active", "completed"
	LLMConfig      string // JSON object stored as text
	CreatedAt      time.Time
}

// Message is one immutable transcript entry. SequenceNumber is strictly
// increasing within a conversation and defines the total order.
type Message struct {
	ID             string
	ConversationID string
	CharacterID    string // empty for moderator/user lines
	Role           string // "user" or "assistant"
	Content        string
	RoundNumber    int
	SequenceNumber int
	CreatedAt      time.Time
}

// BudgetRecord is the per-day, per-capability quota counter.
type BudgetRecord struct {
	Capability      string
	Day             string // YYYY-MM-DD
	DailyLimit      int
	CallsToday      int
	CostAccumulated float64
}

type APIKey struct {
	ID         string
	Name       string
	HashedKey  string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

type EvolutionLog struct {
	ID               string
	CharacterID      string
	SkillsBefore     string // JSON
	SkillsAfter      string // JSON
	DiffSummary      string // JSON
	MessagesAnalyzed int
	TriggeredBy      string
	CreatedAt        time.Time
}

// GenerationJob is the audit snapshot of a finished batch job. The live job
// state is owned by the in-process job store; only terminal snapshots are
// persisted here.
type GenerationJob struct {
	ID            string
	Status        string
	ItemsJSON     string
	ResultsJSON   string
	StartedAt     time.Time
	TotalTimeSecs float64
	TotalCost     float64
	Message       string
}
