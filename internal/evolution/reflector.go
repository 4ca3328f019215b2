// Package evolution extracts skill and mindset changes from conversation
// transcripts and folds them back into character profiles.
package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/geovera/agentd/internal/budget"
	"github.com/geovera/agentd/internal/character"
	"github.com/geovera/agentd/internal/provider"
	"github.com/geovera/agentd/internal/storage"
)

// ReflectionRole is the routing role used for the analysis call. It maps to
// a fixed high-quality model in the routing table.
const ReflectionRole = "reflection"

// DefaultLastN is how many recent messages are analyzed when the request
// does not say.
const DefaultLastN = 50

// ErrNoTranscript means there were no messages to analyze.
var ErrNoTranscript = errors.New("no messages found for reflection")

// Insights is the structured diff the analysis model returns.
type Insights struct {
	NewSkills             []string `json:"new_skills_demonstrated"`
	StrengthenedSkills    []string `json:"strengthened_skills"`
	NewMindsets           []string `json:"new_mindsets_demonstrated"`
	KeyInsights           []string `json:"key_insights"`
	UpdatedKnowledgeNotes []string `json:"updated_knowledge_notes"`
	Confidence            float64  `json:"confidence"`
}

// SkillState snapshots a profile before or after evolution.
type SkillState struct {
	Skillsets      []string `json:"skillsets"`
	Mindsets       []string `json:"mindsets"`
	KnowledgeNotes []string `json:"knowledge_notes"`
}

// Result is one completed reflection.
type Result struct {
	CharacterID      string     `json:"character_id"`
	CharacterName    string     `json:"character_name"`
	Before           SkillState `json:"skills_before"`
	After            SkillState `json:"skills_after"`
	Diff             Insights   `json:"diff_summary"`
	MessagesAnalyzed int        `json:"messages_analyzed"`
}

// TranscriptStore loads the messages a reflection analyzes.
// Implemented by storage.Store.
type TranscriptStore interface {
	GetConversationMessages(conversationID string, limit int) ([]storage.Message, error)
	GetRecentMessagesForCharacter(characterID string, n int) ([]storage.Message, error)
	SaveEvolutionLog(l storage.EvolutionLog) error
}

// Reflector runs the reflection sub-pipeline: load transcript, one analysis
// call, defensive parse, merge, persist.
type Reflector struct {
	caller     *budget.Caller
	characters *character.Manager
	store      TranscriptStore
}

func NewReflector(caller *budget.Caller, characters *character.Manager, store TranscriptStore) *Reflector {
	return &Reflector{
		caller:     caller,
		characters: characters,
		store:      store,
	}
}

// Reflect analyzes the character's recent transcript and applies the
// resulting profile changes. conversationID narrows the transcript to one
// conversation; empty means the character's most recent messages anywhere.
func (r *Reflector) Reflect(ctx context.Context, characterID, conversationID string, lastN int, override *provider.Config) (Result, error) {
	char, err := r.characters.Get(characterID)
	if err != nil {
		return Result{}, err
	}

	if lastN <= 0 {
		lastN = DefaultLastN
	}

	var msgs []storage.Message
	if conversationID != "" {
		msgs, err = r.store.GetConversationMessages(conversationID, lastN)
	} else {
		msgs, err = r.store.GetRecentMessagesForCharacter(characterID, lastN)
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading transcript: %w", err)
	}
	if len(msgs) == 0 {
		return Result{}, ErrNoTranscript
	}

	transcript := renderTranscript(char.Name, msgs)

	before := SkillState{
		Skillsets:      append([]string(nil), char.Skillsets...),
		Mindsets:       append([]string(nil), char.Mindsets...),
		KnowledgeNotes: append([]string(nil), char.KnowledgeNotes...),
	}

	diff := r.analyze(ctx, char, transcript, override)
	after := merge(before, diff)

	if err := r.characters.ApplyEvolution(char.ID, after.Skillsets, after.Mindsets, after.KnowledgeNotes); err != nil {
		return Result{}, err
	}
	if err := r.audit(char.ID, before, after, diff, len(msgs)); err != nil {
		return Result{}, err
	}

	return Result{
		CharacterID:      char.ID,
		CharacterName:    char.Name,
		Before:           before,
		After:            after,
		Diff:             diff,
		MessagesAnalyzed: len(msgs),
	}, nil
}

const analysisSystem = "You are an expert analyst extracting skill and mindset evolution signals " +
	"from conversation transcripts. Be precise and data-driven. Respond ONLY with valid JSON."

const analysisPromptFormat = `Analyze this conversation transcript for character %q:

---
%s
---

Current character profile:
- Skillsets: %s
- Mindsets: %s
- Knowledge notes: %s

Extract skill evolution signals. Return JSON with this exact structure:
{
  "new_skills_demonstrated": ["skill1", "skill2"],
  "strengthened_skills": ["skill1"],
  "new_mindsets_demonstrated": ["mindset1"],
  "key_insights": ["insight1", "insight2", "insight3"],
  "updated_knowledge_notes": ["note1", "note2"],
  "confidence": 0.0
}

Rules:
- Only include skills/mindsets clearly demonstrated in the transcript
- key_insights: max 5 concise bullet points about what this character learned/showed
- updated_knowledge_notes: replace or add to existing notes (max %d total)
- confidence: 0.0 to 1.0 how much the character evolved`

// analyze runs the single analysis call. An unusable reply degrades to an
// empty diff with confidence 0 rather than failing the reflection.
func (r *Reflector) analyze(ctx context.Context, char character.Character, transcript string, override *provider.Config) Insights {
	prompt := fmt.Sprintf(analysisPromptFormat,
		char.Name, transcript,
		jsonList(char.Skillsets), jsonList(char.Mindsets), jsonList(char.KnowledgeNotes),
		character.MaxKnowledgeNotes)

	reply, err := r.caller.Generate(ctx, ReflectionRole, override, analysisSystem,
		[]provider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return Insights{}
	}
	return parseInsights(reply.Text)
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseInsights pulls the outermost JSON object out of the reply and decodes
// it. Anything unparseable yields a zero diff.
func parseInsights(raw string) Insights {
	if match := jsonObjectRe.FindString(raw); match != "" {
		raw = match
	}
	var insights Insights
	if err := json.Unmarshal([]byte(raw), &insights); err != nil {
		return Insights{}
	}
	return insights
}

// merge folds the diff into the profile: skills and mindsets are set-unioned
// and sorted, knowledge notes keep existing entries first and drop the
// oldest beyond the cap.
func merge(before SkillState, diff Insights) SkillState {
	skills := unionSorted(before.Skillsets, append(diff.NewSkills, diff.StrengthenedSkills...))
	mindsets := unionSorted(before.Mindsets, diff.NewMindsets)

	notes := append([]string(nil), before.KnowledgeNotes...)
	if len(diff.UpdatedKnowledgeNotes) > 0 {
		seen := make(map[string]bool, len(notes))
		for _, n := range notes {
			seen[n] = true
		}
		for _, n := range diff.UpdatedKnowledgeNotes {
			if !seen[n] {
				notes = append(notes, n)
				seen[n] = true
			}
		}
		if len(notes) > character.MaxKnowledgeNotes {
			notes = notes[len(notes)-character.MaxKnowledgeNotes:]
		}
	}

	return SkillState{Skillsets: skills, Mindsets: mindsets, KnowledgeNotes: notes}
}

func unionSorted(existing, added []string) []string {
	set := make(map[string]bool, len(existing)+len(added))
	for _, s := range existing {
		set[s] = true
	}
	for _, s := range added {
		if s != "" {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Reflector) audit(characterID string, before, after SkillState, diff Insights, analyzed int) error {
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	diffJSON, _ := json.Marshal(diff)

	err := r.store.SaveEvolutionLog(storage.EvolutionLog{
		ID:               uuid.New().String(),
		CharacterID:      characterID,
		SkillsBefore:     string(beforeJSON),
		SkillsAfter:      string(afterJSON),
		DiffSummary:      string(diffJSON),
		MessagesAnalyzed: analyzed,
		TriggeredBy:      "manual",
	})
	if err != nil {
		return fmt.Errorf("saving evolution log: %w", err)
	}
	return nil
}

// renderTranscript flattens messages into speaker-prefixed lines.
func renderTranscript(name string, msgs []storage.Message) string {
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		speaker := "User"
		if m.Role == "assistant" {
			speaker = "[" + name + "]"
		}
		lines[i] = speaker + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}

func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}
