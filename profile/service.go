package profile

import "context"

// CardReader abstracts repository operations for the service.
type CardReader interface {
	GetByID(ctx context.Context, id string) (Card, error)
	List(ctx context.Context, limit int) ([]Card, error)
}

// Service exposes business-level profile operations.
type Service struct {
	repo CardReader
}

// NewService builds a Service using the provided repository.
func NewService(repo CardReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the public card for the given member.
func (s *Service) GetByID(ctx context.Context, id string) (Card, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit member cards.
func (s *Service) List(ctx context.Context, limit int) ([]Card, error) {
	return s.repo.List(ctx, limit)
}
