package service

import (
	"context"
	"fmt"
	"time"

	"consult_realtime/internal/repository"
	"consult_realtime/pkg/logger"
)

type RateLimitService interface {
	// Allow counts one hit against key and reports whether it is within
	// limit hits per window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		log:           log,
	}
}

func (s *rateLimitService) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ok, err := s.rateLimitRepo.CheckLimit(ctx, key, limit)
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	if !ok {
		return false, nil
	}

	count, err := s.rateLimitRepo.Increment(ctx, key, window)
	if err != nil {
		return false, fmt.Errorf("rate limit increment: %w", err)
	}
	return count <= int64(limit), nil
}
