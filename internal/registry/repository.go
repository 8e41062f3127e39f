package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for account entry persistence.
// This abstraction allows for different implementations (SQLite, mock)
// and enables unit testing without database dependencies.
type Repository interface {
	// List retrieves all entries ordered by creation time, then ID.
	// This ordering is load-bearing: the migrator's seed-selection rule
	// depends on it being stable across restarts.
	List(ctx context.Context) ([]Entry, error)

	// GetByID retrieves an entry by its unique identifier.
	// Returns ErrEntryNotFound if the entry does not exist.
	GetByID(ctx context.Context, id string) (*Entry, error)

	// Create inserts a new entry.
	// Returns ErrEntryExists if an entry with the same ID already exists.
	Create(ctx context.Context, entry *Entry) error

	// Update replaces an existing entry's version, title, and data.
	// Returns ErrEntryNotFound if the entry does not exist.
	Update(ctx context.Context, entry *Entry) error

	// Delete removes an entry by ID.
	// Returns ErrEntryNotFound if the entry does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the
// account_entries table migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// List retrieves all entries ordered by creation time, then ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Entry, error) {
	query := `
		SELECT id, version, title, data, created_at, updated_at
		FROM account_entries
		ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}

// GetByID retrieves an entry by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Entry, error) {
	query := `
		SELECT id, version, title, data, created_at, updated_at
		FROM account_entries
		WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("querying entry by id: %w", err)
	}
	return entry, nil
}

// Create inserts a new entry.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	query := `
		INSERT INTO account_entries (id, version, title, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.Version,
		entry.Title,
		string(entry.Data),
		entry.CreatedAt.Format(time.RFC3339Nano),
		entry.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrEntryExists
		}
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// Update replaces an existing entry's version, title, and data.
func (r *SQLiteRepository) Update(ctx context.Context, entry *Entry) error {
	entry.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE account_entries
		SET version = ?, title = ?, data = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		entry.Version,
		entry.Title,
		string(entry.Data),
		entry.UpdatedAt.Format(time.RFC3339Nano),
		entry.ID,
	)
	if err != nil {
		return fmt.Errorf("updating entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Delete removes an entry by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM account_entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanEntry.
type scanner interface {
	Scan(dest ...any) error
}

// scanEntry reads one entry row.
func scanEntry(s scanner) (*Entry, error) {
	var entry Entry
	var data, createdAt, updatedAt string

	if err := s.Scan(&entry.ID, &entry.Version, &entry.Title, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	entry.Data = []byte(data)

	var err error
	if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if entry.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &entry, nil
}
