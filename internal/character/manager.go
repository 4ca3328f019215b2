package character

import (
	"fmt"
	"sync"
	"time"

	"github.com/geovera/agentd/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SaveCharacter(c storage.Character) error
	GetCharacter(id string) (storage.Character, error)
	ListCharacters(limit int) ([]storage.Character, error)
	UpdateCharacterProfile(id, skillsets, mindsets, knowledgeNotes string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	char     Character
	cachedAt time.Time
}

// Manager provides cached, decoded access to characters. Profiles change
// rarely (only through saves and evolution, both of which invalidate), so a
// short TTL keeps dialogue turns from re-reading the same row.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		clock: realClock{},
		ttl:   60 * time.Second,
		cache: make(map[string]cacheEntry),
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	m := NewManager(store)
	m.clock = clock
	m.ttl = ttl
	return m
}

// Get returns the decoded character. Unknown ids surface storage.ErrNotFound.
func (m *Manager) Get(id string) (Character, error) {
	m.mu.RLock()
	if entry, ok := m.cache[id]; ok && m.clock.Now().Before(entry.cachedAt.Add(m.ttl)) {
		c := entry.char
		m.mu.RUnlock()
		return copyCharacter(c), nil
	}
	m.mu.RUnlock()

	rec, err := m.store.GetCharacter(id)
	if err != nil {
		return Character{}, err
	}
	c := decode(rec)

	m.mu.Lock()
	m.cache[id] = cacheEntry{char: c, cachedAt: m.clock.Now()}
	m.mu.Unlock()

	return copyCharacter(c), nil
}

// List returns up to limit characters, bypassing the cache.
func (m *Manager) List(limit int) ([]Character, error) {
	recs, err := m.store.ListCharacters(limit)
	if err != nil {
		return nil, fmt.Errorf("listing characters: %w", err)
	}
	out := make([]Character, len(recs))
	for i, rec := range recs {
		out[i] = decode(rec)
	}
	return out, nil
}

// Save persists a character and invalidates its cache entry.
func (m *Manager) Save(c Character) error {
	rec := storage.Character{
		ID:             c.ID,
		Name:           c.Name,
		Gender:         c.Gender,
		Ethnicity:      c.Ethnicity,
		Age:            c.Age,
		Role:           c.Role,
		SystemPrompt:   c.SystemPrompt,
		Skillsets:      encodeList(c.Skillsets),
		Mindsets:       encodeList(c.Mindsets),
		KnowledgeNotes: encodeList(c.KnowledgeNotes),
	}
	if err := m.store.SaveCharacter(rec); err != nil {
		return fmt.Errorf("saving character %q: %w", c.ID, err)
	}
	m.invalidate(c.ID)
	return nil
}

// ApplyEvolution replaces the character's skill profile and invalidates the
// cache entry.
func (m *Manager) ApplyEvolution(id string, skillsets, mindsets, knowledgeNotes []string) error {
	err := m.store.UpdateCharacterProfile(id,
		encodeList(skillsets), encodeList(mindsets), encodeList(knowledgeNotes))
	if err != nil {
		return fmt.Errorf("updating character profile %q: %w", id, err)
	}
	m.invalidate(id)
	return nil
}

func (m *Manager) invalidate(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}

func decode(rec storage.Character) Character {
	return Character{
		ID:             rec.ID,
		Name:           rec.Name,
		Gender:         rec.Gender,
		Ethnicity:      rec.Ethnicity,
		Age:            rec.Age,
		Role:           rec.Role,
		SystemPrompt:   rec.SystemPrompt,
		Skillsets:      decodeList(rec.Skillsets),
		Mindsets:       decodeList(rec.Mindsets),
		KnowledgeNotes: decodeList(rec.KnowledgeNotes),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func copyCharacter(c Character) Character {
	c.Skillsets = append([]string(nil), c.Skillsets...)
	c.Mindsets = append([]string(nil), c.Mindsets...)
	c.KnowledgeNotes = append([]string(nil), c.KnowledgeNotes...)
	return c
}
