package server

import (
	"context"

	"github.com/matcha-dating/matcha/internal/experiment"
	"github.com/matcha-dating/matcha/internal/match"
	"github.com/matcha-dating/matcha/internal/repository"
	"github.com/matcha-dating/matcha/internal/service"
)

type Service interface {
	CreateToggle(ctx context.Context, toggle experiment.FeatureToggle) (experiment.FeatureToggle, error)
	UpdateToggle(ctx context.Context, toggle experiment.FeatureToggle) (experiment.FeatureToggle, error)
	GetToggle(ctx context.Context, id string) (experiment.FeatureToggle, error)
	ListToggles(ctx context.Context) ([]experiment.FeatureToggle, error)
	DeleteToggle(ctx context.Context, id string) error
	ReplaceSnapshot(ctx context.Context, toggles []experiment.FeatureToggle) error
	IsEnabled(ctx context.Context, toggleID string, user experiment.UserContext) bool
	GetVariant(ctx context.Context, toggleID string, user experiment.UserContext) string
	ActiveExperiments(ctx context.Context, user experiment.UserContext) map[string]experiment.Assignment
	CalculateMatch(ctx context.Context, a, b match.UserProfile, tier match.Tier) (match.MatchScore, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.ToggleEvent, error)
	ListEventsSinceForToggle(ctx context.Context, eventID int64, toggleID string) ([]repository.ToggleEvent, error)
}

var _ Service = (*service.Service)(nil)
