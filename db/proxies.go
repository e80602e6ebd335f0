package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetProxyURL returns the URL of a configured outbound proxy.
func (db *Database) GetProxyURL(ctx context.Context, id int64) (string, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var url string
	err := db.timedQueryRow(ctx, "get_proxy", `SELECT url FROM proxies WHERE id = $1`, id).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrProxyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load proxy %d: %w", id, err)
	}
	return url, nil
}

// CreateProxy registers an outbound proxy and returns its id.
func (db *Database) CreateProxy(ctx context.Context, url string) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var id int64
	if err := db.timedQueryRow(ctx, "create_proxy", `INSERT INTO proxies (url) VALUES ($1) RETURNING id`, url).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create proxy: %w", err)
	}
	return id, nil
}
