// Package dialogue runs character conversations: single-turn chat and the
// round-robin multi-character engine.
package dialogue

import (
	"fmt"
	"strings"

	"github.com/geovera/agentd/internal/character"
	"github.com/geovera/agentd/internal/provider"
)

// recentNotesInPrompt caps how many knowledge notes are injected into the
// system prompt; the newest entries matter most.
const recentNotesInPrompt = 10

// BuildSystemPrompt assembles the system context for one character. A stored
// prompt wins; otherwise a minimal identity is synthesized from the profile.
// Knowledge notes and multi-character context are appended in both cases.
func BuildSystemPrompt(c character.Character, others []character.Character) string {
	base := c.SystemPrompt
	if base == "" {
		gender := c.Gender
		if gender == "" {
			gender = "person"
		}
		base = fmt.Sprintf(
			"# Character: %s\nYou are %s, a %s %s %s.\nSpeak always as %s. Never break character.\n",
			c.Name, c.Name, c.Age, c.Ethnicity, gender, c.Name)
	}

	if len(c.KnowledgeNotes) > 0 {
		notes := c.KnowledgeNotes
		if len(notes) > recentNotesInPrompt {
			notes = notes[len(notes)-recentNotesInPrompt:]
		}
		var sb strings.Builder
		for _, n := range notes {
			sb.WriteString("- ")
			sb.WriteString(n)
			sb.WriteString("\n")
		}
		base += "\n\n## Accumulated Knowledge\n" + strings.TrimRight(sb.String(), "\n")
	}

	if len(others) > 0 {
		names := make([]string, len(others))
		for i, o := range others {
			names[i] = o.Name
		}
		base += fmt.Sprintf(
			"\n\n## Conversation Context\n"+
				"You are in a multi-character discussion with: %s.\n"+
				"Engage with their ideas directly. Be concise (2-4 sentences per turn).\n"+
				"Stay in character. Do NOT narrate actions.",
			strings.Join(names, ", "))
	}

	return base
}

// RenderHistory converts the shared transcript into the message list one
// character sees. Its own prior turns become assistant messages so the model
// recognizes its voice; every other line arrives as user content, with
// other speakers tagged by name.
func RenderHistory(selfID string, turns []Turn) []provider.Message {
	out := make([]provider.Message, 0, len(turns))
	for _, t := range turns {
		switch {
		case t.Role == "user":
			out = append(out, provider.Message{Role: "user", Content: t.Content})
		case t.CharacterID == selfID:
			out = append(out, provider.Message{Role: "assistant", Content: t.Content})
		default:
			out = append(out, provider.Message{
				Role:    "user",
				Content: fmt.Sprintf("[%s]: %s", t.Speaker, t.Content),
			})
		}
	}
	return out
}
