// Package history keeps a local record of successful generations in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DatabaseFileName is the history database inside the data directory.
const DatabaseFileName = "history.db"

const defaultListLimit = 20

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("history entry not found")

// Entry is one successful generation.
type Entry struct {
	ID             string    `json:"id"`
	PageID         string    `json:"pageId"`
	PageName       string    `json:"pageName"`
	ProductID      string    `json:"productId"`
	Output         string    `json:"output"`
	RemainingUsage int64     `json:"remainingUsage"`
	UsageCount     int64     `json:"usageCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Filter narrows List.
type Filter struct {
	ProductID string
	PageID    string
	Limit     int
}

// Store persists entries in SQLite.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// Open creates or opens the history database under dataDir.
func Open(dataDir string) (*Store, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	dataDir = filepath.Clean(dataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create history data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		page_id TEXT NOT NULL,
		page_name TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL,
		output TEXT NOT NULL,
		remaining_usage INTEGER NOT NULL,
		usage_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_generations_product ON generations(product_id);
	CREATE INDEX IF NOT EXISTS idx_generations_page ON generations(page_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("history store is closed")
	}
	return s.db, nil
}

// Record stores entry, assigning an id and timestamp when missing.
func (s *Store) Record(ctx context.Context, entry Entry) (Entry, error) {
	db, err := s.conn()
	if err != nil {
		return Entry{}, err
	}
	if entry.PageID == "" || entry.ProductID == "" {
		return Entry{}, fmt.Errorf("page id and product id are required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO generations (id, page_id, page_name, product_id, output, remaining_usage, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.PageID, entry.PageName, entry.ProductID, entry.Output,
		entry.RemainingUsage, entry.UsageCount, entry.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert history entry: %w", err)
	}

	log.Debug().Str("id", entry.ID).Str("page_id", entry.PageID).Msg("Recorded generation")
	return entry, nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, page_id, page_name, product_id, output, remaining_usage, usage_count, created_at FROM generations`
	var (
		clauses []string
		args    []any
	)
	if f.ProductID != "" {
		clauses = append(clauses, "product_id = ?")
		args = append(args, f.ProductID)
	}
	if f.PageID != "" {
		clauses = append(clauses, "page_id = ?")
		args = append(args, f.PageID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// Get returns one entry by id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	db, err := s.conn()
	if err != nil {
		return Entry{}, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT id, page_id, page_name, product_id, output, remaining_usage, usage_count, created_at
		FROM generations WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, err
}

// Prune deletes everything but the newest keep entries and returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM generations WHERE id NOT IN (
			SELECT id FROM generations ORDER BY created_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		entry   Entry
		created int64
	)
	if err := row.Scan(&entry.ID, &entry.PageID, &entry.PageName, &entry.ProductID, &entry.Output,
		&entry.RemainingUsage, &entry.UsageCount, &created); err != nil {
		return Entry{}, err
	}
	entry.CreatedAt = time.UnixMilli(created).UTC()
	return entry, nil
}
