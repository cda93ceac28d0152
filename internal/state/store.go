// Package state persists the runtime's recoverable bookkeeping: budget
// ledgers, subchat groups, and feed cursors. Everything here is
// write-through from the dispatch goroutine; reads outside recovery are
// rare.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("state: not found")
	ErrAlreadyResolved = errors.New("state: group already resolved")
)

// Budget is one conversation's spend ledger
type Budget struct {
	ConversationID string
	SpentUSD       float64
	CeilingUSD     float64
	Blocked        bool
	UpdatedAt      time.Time
}

// Group is one subchat group awaiting or past resolution
type Group struct {
	ID                   string
	ParentConversationID string
	InvocationID         string
	Deadline             time.Time
	CreatedAt            time.Time
	ResolvedAt           *time.Time
	Resolution           string
}

// Child is one member conversation of a group. Position preserves the
// spawn order used for aggregation.
type Child struct {
	GroupID        string
	ConversationID string
	Position       int
	Profile        string
	Finalized      bool
	Value          string
}

// Store handles runtime state persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a state store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "marionette.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS budgets (
		conversation_id TEXT PRIMARY KEY,
		spent_usd REAL NOT NULL DEFAULT 0,
		ceiling_usd REAL NOT NULL,
		blocked INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS subchat_groups (
		id TEXT PRIMARY KEY,
		parent_conversation_id TEXT NOT NULL,
		invocation_id TEXT NOT NULL,
		deadline DATETIME NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME,
		resolution TEXT
	);
	CREATE TABLE IF NOT EXISTS subchat_children (
		group_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		profile TEXT,
		finalized INTEGER NOT NULL DEFAULT 0,
		value TEXT,
		PRIMARY KEY (group_id, conversation_id)
	);
	CREATE INDEX IF NOT EXISTS idx_subchat_children_group ON subchat_children(group_id);
	CREATE TABLE IF NOT EXISTS feed_cursors (
		source TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBudget upserts a conversation's ledger
func (s *Store) SaveBudget(b Budget) error {
	_, err := s.db.Exec(
		`INSERT INTO budgets (conversation_id, spent_usd, ceiling_usd, blocked, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		 spent_usd = excluded.spent_usd,
		 ceiling_usd = excluded.ceiling_usd,
		 blocked = excluded.blocked,
		 updated_at = excluded.updated_at`,
		b.ConversationID, b.SpentUSD, b.CeilingUSD, boolToInt(b.Blocked), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save budget: %w", err)
	}
	return nil
}

// GetBudget returns one conversation's ledger
func (s *Store) GetBudget(conversationID string) (*Budget, error) {
	var b Budget
	var blocked int

	err := s.db.QueryRow(
		`SELECT conversation_id, spent_usd, ceiling_usd, blocked, updated_at FROM budgets WHERE conversation_id = ?`,
		conversationID,
	).Scan(&b.ConversationID, &b.SpentUSD, &b.CeilingUSD, &blocked, &b.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query budget: %w", err)
	}

	b.Blocked = blocked != 0
	return &b, nil
}

// ListBudgets returns every tracked ledger
func (s *Store) ListBudgets() ([]*Budget, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, spent_usd, ceiling_usd, blocked, updated_at FROM budgets ORDER BY conversation_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var budgets []*Budget
	for rows.Next() {
		var b Budget
		var blocked int
		if err := rows.Scan(&b.ConversationID, &b.SpentUSD, &b.CeilingUSD, &blocked, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		b.Blocked = blocked != 0
		budgets = append(budgets, &b)
	}

	return budgets, rows.Err()
}

// CreateGroup records a group and its children in one transaction
func (s *Store) CreateGroup(g Group, children []Child) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO subchat_groups (id, parent_conversation_id, invocation_id, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.ParentConversationID, g.InvocationID, g.Deadline.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}

	for _, c := range children {
		_, err = tx.Exec(
			`INSERT INTO subchat_children (group_id, conversation_id, position, profile)
			 VALUES (?, ?, ?, ?)`,
			c.GroupID, c.ConversationID, c.Position, c.Profile,
		)
		if err != nil {
			return fmt.Errorf("failed to insert child: %w", err)
		}
	}

	return tx.Commit()
}

// FinalizeChild records a child's terminal value
func (s *Store) FinalizeChild(groupID, conversationID, value string) error {
	result, err := s.db.Exec(
		`UPDATE subchat_children SET finalized = 1, value = ? WHERE group_id = ? AND conversation_id = ?`,
		value, groupID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize child: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveGroup marks a group resolved exactly once
func (s *Store) ResolveGroup(groupID, resolution string) error {
	result, err := s.db.Exec(
		`UPDATE subchat_groups SET resolved_at = ?, resolution = ? WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UTC(), resolution, groupID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve group: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// OpenGroups returns groups that have not resolved yet, oldest first
func (s *Store) OpenGroups() ([]*Group, error) {
	rows, err := s.db.Query(
		`SELECT id, parent_conversation_id, invocation_id, deadline, created_at, resolved_at, resolution
		 FROM subchat_groups WHERE resolved_at IS NULL ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

// GetGroup returns one group by ID
func (s *Store) GetGroup(groupID string) (*Group, error) {
	row := s.db.QueryRow(
		`SELECT id, parent_conversation_id, invocation_id, deadline, created_at, resolved_at, resolution
		 FROM subchat_groups WHERE id = ?`,
		groupID,
	)

	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	var resolvedAt sql.NullTime
	var resolution sql.NullString

	err := row.Scan(&g.ID, &g.ParentConversationID, &g.InvocationID, &g.Deadline, &g.CreatedAt, &resolvedAt, &resolution)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}

	if resolvedAt.Valid {
		g.ResolvedAt = &resolvedAt.Time
	}
	if resolution.Valid {
		g.Resolution = resolution.String
	}
	return &g, nil
}

// ChildrenOf returns a group's children in spawn order
func (s *Store) ChildrenOf(groupID string) ([]*Child, error) {
	rows, err := s.db.Query(
		`SELECT group_id, conversation_id, position, profile, finalized, value
		 FROM subchat_children WHERE group_id = ? ORDER BY position`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var children []*Child
	for rows.Next() {
		var c Child
		var finalized int
		var profile, value sql.NullString
		if err := rows.Scan(&c.GroupID, &c.ConversationID, &c.Position, &profile, &finalized, &value); err != nil {
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		c.Finalized = finalized != 0
		c.Profile = profile.String
		c.Value = value.String
		children = append(children, &c)
	}

	return children, rows.Err()
}

// SetCursor records the last delivered sequence for a source
func (s *Store) SetCursor(source string, seq uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO feed_cursors (source, seq, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(source) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		source, int64(seq), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// GetCursor returns the last delivered sequence for a source, or zero
// when the source has never delivered
func (s *Store) GetCursor(source string) (uint64, error) {
	var seq int64
	err := s.db.QueryRow(`SELECT seq FROM feed_cursors WHERE source = ?`, source).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query cursor: %w", err)
	}
	return uint64(seq), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
