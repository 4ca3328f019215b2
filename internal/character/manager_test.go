package character

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/geovera/agentd/internal/storage"
)

type mockStore struct {
	getCalls int
	getFn    func(id string) (storage.Character, error)
	saveFn   func(c storage.Character) error
	listFn   func(limit int) ([]storage.Character, error)
	updateFn func(id, skillsets, mindsets, knowledgeNotes string) error
}

func (m *mockStore) GetCharacter(id string) (storage.Character, error) {
	m.getCalls++
	if m.getFn != nil {
		return m.getFn(id)
	}
	return storage.Character{}, storage.ErrNotFound
}

func (m *mockStore) SaveCharacter(c storage.Character) error {
	if m.saveFn != nil {
		return m.saveFn(c)
	}
	return nil
}

func (m *mockStore) ListCharacters(limit int) ([]storage.Character, error) {
	if m.listFn != nil {
		return m.listFn(limit)
	}
	return nil, nil
}

func (m *mockStore) UpdateCharacterProfile(id, skillsets, mindsets, knowledgeNotes string) error {
	if m.updateFn != nil {
		return m.updateFn(id, skillsets, mindsets, knowledgeNotes)
	}
	return nil
}

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func storedMira() storage.Character {
	return storage.Character{
		ID: "c1", Name: "Mira", Role: "creative",
		Skillsets:      `["storytelling"]`,
		Mindsets:       `["curious"]`,
		KnowledgeNotes: `["likes tea"]`,
	}
}

func TestGetDecodesLists(t *testing.T) {
	store := &mockStore{getFn: func(string) (storage.Character, error) { return storedMira(), nil }}
	m := NewManager(store)

	c, err := m.Get("c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(c.Skillsets, []string{"storytelling"}) {
		t.Errorf("skillsets not decoded: %v", c.Skillsets)
	}
	if !reflect.DeepEqual(c.KnowledgeNotes, []string{"likes tea"}) {
		t.Errorf("notes not decoded: %v", c.KnowledgeNotes)
	}
}

func TestGetMalformedListsDecodeEmpty(t *testing.T) {
	store := &mockStore{getFn: func(string) (storage.Character, error) {
		return storage.Character{ID: "c1", Name: "Mira", Skillsets: "{not json"}, nil
	}}
	m := NewManager(store)

	c, err := m.Get("c1")
	if err != nil {
		t.Fatalf("malformed list must not fail the read: %v", err)
	}
	if len(c.Skillsets) != 0 {
		t.Errorf("expected empty skillsets, got %v", c.Skillsets)
	}
}

func TestGetCachesWithinTTL(t *testing.T) {
	store := &mockStore{getFn: func(string) (storage.Character, error) { return storedMira(), nil }}
	clock := &mockClock{now: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)}
	m := NewManagerWithClock(store, clock, time.Minute)

	if _, err := m.Get("c1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := m.Get("c1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if store.getCalls != 1 {
		t.Errorf("second read within TTL should hit the cache, got %d store reads", store.getCalls)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if _, err := m.Get("c1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if store.getCalls != 2 {
		t.Errorf("expired entry should re-read the store, got %d reads", store.getCalls)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	store := &mockStore{getFn: func(string) (storage.Character, error) { return storedMira(), nil }}
	m := NewManager(store)

	a, _ := m.Get("c1")
	a.Skillsets[0] = "mutated"

	b, _ := m.Get("c1")
	if b.Skillsets[0] != "storytelling" {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestSaveInvalidatesCache(t *testing.T) {
	name := "Mira"
	store := &mockStore{getFn: func(string) (storage.Character, error) {
		c := storedMira()
		c.Name = name
		return c, nil
	}}
	clock := &mockClock{now: time.Now()}
	m := NewManagerWithClock(store, clock, time.Hour)

	if _, err := m.Get("c1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	name = "Mira Reyes"
	if err := m.Save(Character{ID: "c1", Name: name}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c, err := m.Get("c1")
	if err != nil {
		t.Fatalf("Get after save: %v", err)
	}
	if c.Name != "Mira Reyes" {
		t.Errorf("stale cache entry survived the save: %q", c.Name)
	}
}

func TestSaveEncodesNilListsAsEmpty(t *testing.T) {
	var saved storage.Character
	store := &mockStore{saveFn: func(c storage.Character) error {
		saved = c
		return nil
	}}
	m := NewManager(store)

	if err := m.Save(Character{ID: "c1", Name: "Mira"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Skillsets != "[]" || saved.Mindsets != "[]" || saved.KnowledgeNotes != "[]" {
		t.Errorf("nil lists should encode as []: %+v", saved)
	}
}

func TestApplyEvolutionInvalidatesCache(t *testing.T) {
	skills := `["storytelling"]`
	store := &mockStore{
		getFn: func(string) (storage.Character, error) {
			c := storedMira()
			c.Skillsets = skills
			return c, nil
		},
		updateFn: func(_, s, _, _ string) error {
			skills = s
			return nil
		},
	}
	m := NewManagerWithClock(store, &mockClock{now: time.Now()}, time.Hour)

	if _, err := m.Get("c1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := m.ApplyEvolution("c1", []string{"negotiation"}, nil, nil); err != nil {
		t.Fatalf("ApplyEvolution: %v", err)
	}

	c, err := m.Get("c1")
	if err != nil {
		t.Fatalf("Get after evolution: %v", err)
	}
	if !reflect.DeepEqual(c.Skillsets, []string{"negotiation"}) {
		t.Errorf("evolution not visible after invalidation: %v", c.Skillsets)
	}
}

func TestApplyEvolutionStoreError(t *testing.T) {
	store := &mockStore{updateFn: func(string, string, string, string) error {
		return errors.New("disk full")
	}}
	m := NewManager(store)

	if err := m.ApplyEvolution("c1", nil, nil, nil); err == nil {
		t.Error("store error must propagate")
	}
}

func TestListBypassesCache(t *testing.T) {
	store := &mockStore{listFn: func(limit int) ([]storage.Character, error) {
		if limit != 10 {
			t.Errorf("limit not forwarded: %d", limit)
		}
		return []storage.Character{storedMira()}, nil
	}}
	m := NewManager(store)

	chars, err := m.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(chars) != 1 || chars[0].Name != "Mira" {
		t.Errorf("unexpected list: %+v", chars)
	}
}
