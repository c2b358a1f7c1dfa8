package history

import (
	"context"
	"strings"
)

// NewStore opens PostgreSQL when databaseURL is set and falls back to an
// in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewInMemoryStore(), nil
	}
	pg, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return pg, nil
}
