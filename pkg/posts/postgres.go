package posts

import (
	"context"
	"database/sql"
	"fmt"

	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps posts in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres runs the schema migrations against dsn and connects a pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := migratePostgres(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// migratePostgres runs the migrations over a short-lived database/sql
// handle, which is what the migrate driver takes.
func migratePostgres(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening postgres for migrations: %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	defer driver.Close()
	return migrateUp("postgres", driver)
}

// List returns every post in insertion order.
func (s *PostgresStore) List(ctx context.Context) ([]Post, error) {
	rows, err := s.pool.Query(ctx, "SELECT title, description FROM posts ORDER BY id ASC")
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
func (s *PostgresStore) Add(ctx context.Context, p Post) error {
	if err := validate(p); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		"INSERT INTO posts (title, description) VALUES ($1, $2)",
		p.Title, p.Description); err != nil {
		return fmt.Errorf("inserting post: %w", err)
	}
	return nil
}

// Seed inserts list in one transaction if the table is empty.
func (s *PostgresStore) Seed(ctx context.Context, list []Post) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM posts").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting posts: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	for _, p := range list {
		if err := validate(p); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO posts (title, description) VALUES ($1, $2)",
			p.Title, p.Description); err != nil {
			return 0, fmt.Errorf("inserting seed post: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(list), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
