package posts

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidPost is returned when a post has no title.
var ErrInvalidPost = errors.New("post title is required")

// Store persists the posts served by GET /api/blogPosts.
type Store interface {
	// List returns every post in insertion order.
	List(ctx context.Context) ([]Post, error)
	// Add appends a post.
	Add(ctx context.Context, p Post) error
	// Seed inserts posts only when the store is empty and reports how many were written.
	Seed(ctx context.Context, list []Post) (int, error)
	Close() error
}

// Open picks a backend from the DSN: postgres:// and postgresql:// URLs go
// to Postgres, anything else is treated as a sqlite path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func validate(p Post) error {
	if strings.TrimSpace(p.Title) == "" {
		return ErrInvalidPost
	}
	return nil
}
