// Package character provides structured access to persona profiles.
package character

import (
	"encoding/json"
	"time"
)

// MaxKnowledgeNotes bounds the knowledge list; evolution keeps the most
// recent entries when the cap is hit.
const MaxKnowledgeNotes = 15

// Character is a decoded persona. The list fields are stored as JSON text
// in the record store and decoded here.
type Character struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Gender         string    `json:"gender,omitempty"`
	Ethnicity      string    `json:"ethnicity,omitempty"`
	Age            string    `json:"age,omitempty"`
	Role           string    `json:"role,omitempty"`
	SystemPrompt   string    `json:"system_prompt,omitempty"`
	Skillsets      []string  `json:"skillsets"`
	Mindsets       []string  `json:"mindsets"`
	KnowledgeNotes []string  `json:"knowledge_notes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// decodeList parses a JSON string array. Malformed or empty input decodes
// to nil rather than failing a read.
func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// encodeList renders a string slice as JSON, with nil becoming "[]".
func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}
