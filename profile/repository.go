package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested member does not exist.
var ErrNotFound = errors.New("profile: not found")

// Repository provides read access to public member cards.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a member card by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Card, error) {
	const query = `
		SELECT id, full_name, bio, skills, rating, created_at
		FROM users
		WHERE id = $1
	`

	var card Card
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&card.ID,
		&card.FullName,
		&card.Bio,
		&card.Skills,
		&card.Rating,
		&card.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Card{}, ErrNotFound
		}
		return Card{}, fmt.Errorf("profile: query by id: %w", err)
	}

	return card, nil
}

// List fetches up to limit member cards, highest rated first.
func (r *Repository) List(ctx context.Context, limit int) ([]Card, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, full_name, bio, skills, rating, created_at
		FROM users
		ORDER BY rating DESC, full_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	defer rows.Close()

	cards := make([]Card, 0, limit)
	for rows.Next() {
		var card Card
		if err := rows.Scan(&card.ID, &card.FullName, &card.Bio, &card.Skills, &card.Rating, &card.CreatedAt); err != nil {
			return nil, fmt.Errorf("profile: scan card: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: iterate cards: %w", err)
	}

	return cards, nil
}
