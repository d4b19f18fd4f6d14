package posts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps posts in a sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the sqlite database at path and
// runs the schema migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migration driver: %w", err)
	}
	if err := migrateUp("sqlite", driver); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// List returns every post in insertion order.
func (s *SQLiteStore) List(ctx context.Context) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT title, description FROM posts ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("querying posts: %w", err)
	}
	defer rows.Close()

	list := []Post{}
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.Title, &p.Description); err != nil {
			return nil, fmt.Errorf("scanning post: %w", err)
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// Add appends a post.
func (s *SQLiteStore) Add(ctx context.Context, p Post) error {
	if err := validate(p); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO posts (title, description, createdAt) VALUES (?, ?, ?)",
		p.Title, p.Description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting post: %w", err)
	}
	return nil
}

// Seed inserts list in one transaction if the table is empty.
func (s *SQLiteStore) Seed(ctx context.Context, list []Post) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting posts: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	for _, p := range list {
		if err := validate(p); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO posts (title, description, createdAt) VALUES (?, ?, ?)",
			p.Title, p.Description, now); err != nil {
			return 0, fmt.Errorf("inserting seed post: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(list), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
