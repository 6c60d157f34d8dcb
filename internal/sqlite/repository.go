package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavel-fokin/files-drop/internal/files"
	_ "modernc.org/sqlite"
)

// Repository implements ledger.Store using SQLite
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite repository
func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps snapshot writes serialized at the driver too
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db}

	// Initialize database schema
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// initSchema creates the necessary database tables
func (r *Repository) initSchema() error {
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`
	if _, err := r.db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("failed to create files table: %w", err)
	}

	return nil
}

// Load reads every record in the files table
func (r *Repository) Load() (map[string]*files.File, error) {
	query := `SELECT id, path, name, created_at FROM files`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	records := make(map[string]*files.File)
	for rows.Next() {
		var (
			file      files.File
			createdAt int64
		)
		if err := rows.Scan(&file.ID, &file.Path, &file.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan file row: %w", files.ErrCorruptData, err)
		}
		if file.ID == "" || file.Path == "" || createdAt <= 0 {
			return nil, fmt.Errorf("%w: malformed record %q", files.ErrCorruptData, file.ID)
		}
		file.CreatedAt = time.UnixMilli(createdAt)
		records[file.ID] = &file
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file rows: %w", err)
	}

	return records, nil
}

// Save rewrites the files table with records in a single transaction
func (r *Repository) Save(records map[string]*files.File) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM files`); err != nil {
		return fmt.Errorf("failed to clear files: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO files (id, path, name, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for id, file := range records {
		if _, err := stmt.Exec(id, file.Path, file.Name, file.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert file record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
