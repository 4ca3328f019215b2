package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for characters, conversations,
// budget records, API keys, and job audit snapshots.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "agentd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for test fixtures.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Characters ---

func (s *Store) SaveCharacter(c Character) error {
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !c.CreatedAt.IsZero() {
		createdAt = c.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO characters (id, name, gender, ethnicity, age, role, system_prompt, skillsets, mindsets, knowledge_notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, gender = excluded.gender, ethnicity = excluded.ethnicity,
			age = excluded.age, role = excluded.role, system_prompt = excluded.system_prompt,
			skillsets = excluded.skillsets, mindsets = excluded.mindsets,
			knowledge_notes = excluded.knowledge_notes, updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Gender, c.Ethnicity, c.Age, c.Role, c.SystemPrompt,
		orJSON(c.Skillsets), orJSON(c.Mindsets), orJSON(c.KnowledgeNotes), createdAt, now,
	)
	return err
}

func (s *Store) GetCharacter(id string) (Character, error) {
	var c Character
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, name, gender, ethnicity, age, role, system_prompt, skillsets, mindsets, knowledge_notes, created_at, updated_at
		FROM characters WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Gender, &c.Ethnicity, &c.Age, &c.Role, &c.SystemPrompt,
		&c.Skillsets, &c.Mindsets, &c.KnowledgeNotes, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Character{}, ErrNotFound
	}
	if err != nil {
		return Character{}, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Character{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Character{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func (s *Store) ListCharacters(limit int) ([]Character, error) {
	rows, err := s.db.Query(`
		SELECT id, name, role, skillsets, mindsets, knowledge_notes
		FROM characters ORDER BY name ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Character
	for rows.Next() {
		var c Character
		if err := rows.Scan(&c.ID, &c.Name, &c.Role, &c.Skillsets, &c.Mindsets, &c.KnowledgeNotes); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// UpdateCharacterProfile persists the evolved skill/mindset/notes state after
// a reflection pass.
func (s *Store) UpdateCharacterProfile(id, skillsets, mindsets, knowledgeNotes string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE characters SET skillsets = ?, mindsets = ?, knowledge_notes = ?, updated_at = ?
		WHERE id = ?`, skillsets, mindsets, knowledgeNotes, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Conversations & Messages ---

func (s *Store) CreateConversation(c Conversation) error {
	now := time.Now().UTC().Format(time.RFC3339)
	status := c.Status
	if status == "" {
		status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, participant_ids, mode, topic, max_rounds, current_round, status, llm_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, orJSON(c.ParticipantIDs), c.Mode, c.Topic, c.MaxRounds, c.CurrentRound, status, orObjectJSON(c.LLMConfig), now,
	)
	return err
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, participant_ids, mode, topic, max_rounds, current_round, status, llm_config, created_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.ParticipantIDs, &c.Mode, &c.Topic, &c.MaxRounds, &c.CurrentRound, &c.Status, &c.LLMConfig, &createdAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// CompleteConversation marks a conversation finished with the final round count.
func (s *Store) CompleteConversation(id string, currentRound int) error {
	res, err := s.db.Exec(`UPDATE conversations SET status = 'completed', current_round = ? WHERE id = ?`, currentRound, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SaveMessage(m Message) error {
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !m.CreatedAt.IsZero() {
		createdAt = m.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, character_id, role, content, round_number, sequence_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.CharacterID, m.Role, m.Content, m.RoundNumber, m.SequenceNumber, createdAt,
	)
	return err
}

// NextSequenceNumber returns the sequence number the next message appended
// to a conversation must use. Empty conversations start at 0.
func (s *Store) NextSequenceNumber(conversationID string) (int, error) {
	var next int
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(sequence_number) + 1, 0)
		FROM messages WHERE conversation_id = ?`, conversationID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// GetConversationMessages returns up to limit messages of a conversation in
// sequence order.
func (s *Store) GetConversationMessages(conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, character_id, role, content, round_number, sequence_number, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY sequence_number ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessagesForCharacter returns the character's last n transcript
// entries in chronological order.
func (s *Store) GetRecentMessagesForCharacter(characterID string, n int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, character_id, role, content, round_number, sequence_number, created_at
		FROM messages WHERE character_id = ?
		ORDER BY created_at DESC, sequence_number DESC LIMIT ?`, characterID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.CharacterID, &m.Role, &m.Content,
			&m.RoundNumber, &m.SequenceNumber, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Budget records ---

// ConsumeBudget atomically records one call against (capability, day).
// A missing record is created lazily with the limit inherited from the most
// recent prior day (or defaultLimit) and counts this call as the first.
// Returns false without mutating anything when the daily limit is reached.
//
// The increment is a single conditional UPDATE so concurrent callers can
// never push calls_today past daily_limit.
func (s *Store) ConsumeBudget(capability, day string, unitCost float64, defaultLimit int) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE budget_records
		SET calls_today = calls_today + 1, cost_accumulated = cost_accumulated + ?
		WHERE capability = ? AND day = ? AND calls_today < daily_limit`,
		unitCost, capability, day)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM budget_records WHERE capability = ? AND day = ?`,
		capability, day).Scan(&exists); err != nil {
		return false, err
	}
	if exists > 0 {
		// Record present and exhausted.
		return false, nil
	}

	limit := defaultLimit
	var inherited int
	err = s.db.QueryRow(
		`SELECT daily_limit FROM budget_records WHERE capability = ? ORDER BY day DESC LIMIT 1`,
		capability).Scan(&inherited)
	if err == nil {
		limit = inherited
	} else if err != sql.ErrNoRows {
		return false, err
	}

	res, err = s.db.Exec(`
		INSERT INTO budget_records (capability, day, daily_limit, calls_today, cost_accumulated)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(capability, day) DO NOTHING`,
		capability, day, limit, unitCost)
	if err != nil {
		return false, err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// Lost the insert race; retry the conditional increment once.
	res, err = s.db.Exec(`
		UPDATE budget_records
		SET calls_today = calls_today + 1, cost_accumulated = cost_accumulated + ?
		WHERE capability = ? AND day = ? AND calls_today < daily_limit`,
		unitCost, capability, day)
	if err != nil {
		return false, err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetBudgetRecord(capability, day string) (BudgetRecord, error) {
	var r BudgetRecord
	err := s.db.QueryRow(`
		SELECT capability, day, daily_limit, calls_today, cost_accumulated
		FROM budget_records WHERE capability = ? AND day = ?`, capability, day,
	).Scan(&r.Capability, &r.Day, &r.DailyLimit, &r.CallsToday, &r.CostAccumulated)
	if err == sql.ErrNoRows {
		return BudgetRecord{}, ErrNotFound
	}
	return r, err
}

// ListBudgetRecords returns all records for a day ordered by capability name.
func (s *Store) ListBudgetRecords(day string) ([]BudgetRecord, error) {
	rows, err := s.db.Query(`
		SELECT capability, day, daily_limit, calls_today, cost_accumulated
		FROM budget_records WHERE day = ? ORDER BY capability ASC`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BudgetRecord
	for rows.Next() {
		var r BudgetRecord
		if err := rows.Scan(&r.Capability, &r.Day, &r.DailyLimit, &r.CallsToday, &r.CostAccumulated); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- API keys ---

func (s *Store) CreateAPIKey(k APIKey) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO api_keys (id, name, hashed_key, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.HashedKey, boolToInt(k.IsActive), now)
	return err
}

func (s *Store) GetAPIKeyByHash(hashedKey string) (APIKey, error) {
	var k APIKey
	var active int
	var createdAt string
	var lastUsed sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, hashed_key, is_active, created_at, last_used_at
		FROM api_keys WHERE hashed_key = ?`, hashedKey,
	).Scan(&k.ID, &k.Name, &k.HashedKey, &active, &createdAt, &lastUsed)
	if err == sql.ErrNoRows {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, err
	}
	k.IsActive = active != 0
	if k.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return APIKey{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastUsed.Valid {
		if t, perr := time.Parse(time.RFC3339, lastUsed.String); perr == nil {
			k.LastUsedAt = t
		}
	}
	return k, nil
}

// TouchAPIKey updates the last-used timestamp. Callers treat failure as
// non-fatal telemetry loss.
func (s *Store) TouchAPIKey(hashedKey string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE hashed_key = ?`, now, hashedKey)
	return err
}

func (s *Store) ListAPIKeys() ([]APIKey, error) {
	rows, err := s.db.Query(`SELECT id, name, is_active, created_at, last_used_at FROM api_keys ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []APIKey
	for rows.Next() {
		var k APIKey
		var active int
		var createdAt string
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.Name, &active, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		k.IsActive = active != 0
		if k.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if lastUsed.Valid {
			if t, perr := time.Parse(time.RFC3339, lastUsed.String); perr == nil {
				k.LastUsedAt = t
			}
		}
		results = append(results, k)
	}
	return results, rows.Err()
}

func (s *Store) RevokeAPIKey(id string) error {
	res, err := s.db.Exec(`UPDATE api_keys SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Skill evolution log ---

func (s *Store) SaveEvolutionLog(l EvolutionLog) error {
	now := time.Now().UTC().Format(time.RFC3339)
	triggeredBy := l.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "manual"
	}
	_, err := s.db.Exec(`
		INSERT INTO skill_evolution_log (id, character_id, skills_before, skills_after, diff_summary, messages_analyzed, triggered_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CharacterID, orObjectJSON(l.SkillsBefore), orObjectJSON(l.SkillsAfter),
		orObjectJSON(l.DiffSummary), l.MessagesAnalyzed, triggeredBy, now)
	return err
}

// --- Generation job audit ---

func (s *Store) SaveGenerationJob(j GenerationJob) error {
	_, err := s.db.Exec(`
		INSERT INTO generation_jobs (id, status, items, results, started_at, total_time_secs, total_cost, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, results = excluded.results,
			total_time_secs = excluded.total_time_secs, total_cost = excluded.total_cost,
			message = excluded.message`,
		j.ID, j.Status, orJSON(j.ItemsJSON), orJSON(j.ResultsJSON),
		j.StartedAt.UTC().Format(time.RFC3339), j.TotalTimeSecs, j.TotalCost, j.Message)
	return err
}

func orJSON(v string) string {
	if v == "" {
		return "[]"
	}
	return v
}

func orObjectJSON(v string) string {
	if v == "" {
		return "{}"
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
