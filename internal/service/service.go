// Package service orchestrates the toggle registry, its PostgreSQL backing
// store, and the match scorer behind one API used by the HTTP and admin
// layers.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matcha-dating/matcha/internal/experiment"
	"github.com/matcha-dating/matcha/internal/match"
	"github.com/matcha-dating/matcha/internal/repository"
)

const (
	EventTypeUpdated  = "updated"
	EventTypeDeleted  = "deleted"
	EventTypeSnapshot = "snapshot"

	bestEffortTimeout     = 2 * time.Second
	defaultResyncInterval = time.Minute
	registryReloadTimeout = 5 * time.Second
)

var (
	ErrToggleNotFound = errors.New("toggle not found")
	ErrInvalidToggle  = experiment.ErrInvalidToggle
)

type Repository interface {
	CreateToggle(ctx context.Context, toggle repository.Toggle) (repository.Toggle, error)
	UpdateToggle(ctx context.Context, toggle repository.Toggle) (repository.Toggle, error)
	GetToggle(ctx context.Context, id string) (repository.Toggle, error)
	ListToggles(ctx context.Context) ([]repository.Toggle, error)
	DeleteToggle(ctx context.Context, id string) error
	ReplaceToggles(ctx context.Context, toggles []repository.Toggle) error
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.ToggleEvent, error)
	ListEventsSinceForToggle(ctx context.Context, eventID int64, toggleID string) ([]repository.ToggleEvent, error)
	PublishToggleEvent(ctx context.Context, event repository.ToggleEvent) (repository.ToggleEvent, error)
}

type registryInvalidationSubscriber interface {
	SubscribeToggleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

type Options struct {
	// ResyncInterval bounds how stale the registry can go if a NOTIFY is
	// missed. Defaults to one minute.
	ResyncInterval time.Duration
	// Now is injectable for deterministic toggle-window evaluation in tests.
	Now func() time.Time
	// OnRegistryReload is invoked after each successful snapshot install
	// with the installed toggle count.
	OnRegistryReload func(toggleCount int)
	// OnInvalidation is invoked for each invalidation notification received.
	OnInvalidation func()
}

type Service struct {
	repo     Repository
	registry *experiment.Registry
	scorer   *match.Scorer
	now      func() time.Time

	onRegistryReload func(toggleCount int)
	onInvalidation   func()

	// mu serializes mutations so concurrent writers cannot interleave a
	// persist with a stale registry reload.
	mu sync.Mutex
}

func New(ctx context.Context, repo Repository, registry *experiment.Registry, scorer *match.Scorer, opts Options) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if scorer == nil {
		return nil, errors.New("scorer is nil")
	}

	svc := &Service{
		repo:             repo,
		registry:         registry,
		scorer:           scorer,
		now:              opts.Now,
		onRegistryReload: opts.OnRegistryReload,
		onInvalidation:   opts.OnInvalidation,
	}
	if svc.now == nil {
		svc.now = time.Now
	}

	if err := svc.LoadRegistry(ctx); err != nil {
		return nil, err
	}

	resyncInterval := opts.ResyncInterval
	if resyncInterval <= 0 {
		resyncInterval = defaultResyncInterval
	}
	if subscriber, ok := repo.(registryInvalidationSubscriber); ok {
		if err := svc.startInvalidationListener(ctx, subscriber, resyncInterval); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadRegistry replaces the in-memory snapshot with the persisted toggle
// set.
func (s *Service) LoadRegistry(ctx context.Context) error {
	stored, err := s.repo.ListToggles(ctx)
	if err != nil {
		return fmt.Errorf("load toggles: %w", err)
	}

	toggles := make([]experiment.FeatureToggle, 0, len(stored))
	for _, row := range stored {
		toggle, err := storedToggleToModel(row)
		if err != nil {
			return fmt.Errorf("decode toggle %q: %w", row.ID, err)
		}
		toggles = append(toggles, toggle)
	}

	if err := s.registry.ReplaceSnapshot(toggles); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}

	if s.onRegistryReload != nil {
		s.onRegistryReload(len(toggles))
	}

	return nil
}

// -- toggle management -------------------------------------------------------

func (s *Service) CreateToggle(ctx context.Context, toggle experiment.FeatureToggle) (experiment.FeatureToggle, error) {
	if err := s.registry.Validate(toggle); err != nil {
		return experiment.FeatureToggle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := modelToStoredToggle(toggle)
	if err != nil {
		return experiment.FeatureToggle{}, err
	}

	created, err := s.repo.CreateToggle(ctx, row)
	if err != nil {
		return experiment.FeatureToggle{}, fmt.Errorf("create toggle: %w", err)
	}

	s.reloadRegistry(ctx)
	s.publishToggleEventBestEffort(ctx, EventTypeUpdated, created)

	result, err := storedToggleToModel(created)
	if err != nil {
		return experiment.FeatureToggle{}, err
	}

	return result, nil
}

func (s *Service) UpdateToggle(ctx context.Context, toggle experiment.FeatureToggle) (experiment.FeatureToggle, error) {
	if err := s.registry.Validate(toggle); err != nil {
		return experiment.FeatureToggle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := modelToStoredToggle(toggle)
	if err != nil {
		return experiment.FeatureToggle{}, err
	}

	updated, err := s.repo.UpdateToggle(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return experiment.FeatureToggle{}, ErrToggleNotFound
		}
		return experiment.FeatureToggle{}, fmt.Errorf("update toggle: %w", err)
	}

	s.reloadRegistry(ctx)
	s.publishToggleEventBestEffort(ctx, EventTypeUpdated, updated)

	result, err := storedToggleToModel(updated)
	if err != nil {
		return experiment.FeatureToggle{}, err
	}

	return result, nil
}

func (s *Service) GetToggle(ctx context.Context, id string) (experiment.FeatureToggle, error) {
	if strings.TrimSpace(id) == "" {
		return experiment.FeatureToggle{}, errors.New("toggle id is required")
	}

	if toggle, ok := s.registry.Get(id); ok {
		return toggle, nil
	}

	row, err := s.repo.GetToggle(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return experiment.FeatureToggle{}, ErrToggleNotFound
		}
		return experiment.FeatureToggle{}, fmt.Errorf("get toggle: %w", err)
	}

	return storedToggleToModel(row)
}

func (s *Service) ListToggles(_ context.Context) ([]experiment.FeatureToggle, error) {
	return s.registry.List(), nil
}

func (s *Service) DeleteToggle(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.GetToggle(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrToggleNotFound
		}
		return fmt.Errorf("get toggle: %w", err)
	}

	if err := s.repo.DeleteToggle(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrToggleNotFound
		}
		return fmt.Errorf("delete toggle: %w", err)
	}

	s.reloadRegistry(ctx)
	s.publishToggleEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

// ReplaceSnapshot validates and persists a complete toggle set, then
// installs it. Any invalid toggle rejects the whole batch.
func (s *Service) ReplaceSnapshot(ctx context.Context, toggles []experiment.FeatureToggle) error {
	seen := make(map[string]struct{}, len(toggles))
	for _, toggle := range toggles {
		if err := s.registry.Validate(toggle); err != nil {
			return err
		}
		if _, dup := seen[toggle.ID]; dup {
			return fmt.Errorf("%w: duplicate toggle id %q", ErrInvalidToggle, toggle.ID)
		}
		seen[toggle.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]repository.Toggle, 0, len(toggles))
	for _, toggle := range toggles {
		row, err := modelToStoredToggle(toggle)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	if err := s.repo.ReplaceToggles(ctx, rows); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	// Already validated above; install cannot fail.
	if err := s.registry.ReplaceSnapshot(toggles); err != nil {
		return err
	}
	if s.onRegistryReload != nil {
		s.onRegistryReload(len(toggles))
	}

	s.publishToggleEventBestEffort(ctx, EventTypeSnapshot, repository.Toggle{})

	return nil
}

// -- evaluation --------------------------------------------------------------

func (s *Service) IsEnabled(_ context.Context, toggleID string, user experiment.UserContext) bool {
	return s.registry.IsEnabled(toggleID, user, s.now())
}

func (s *Service) GetVariant(_ context.Context, toggleID string, user experiment.UserContext) string {
	return s.registry.Variant(toggleID, user)
}

func (s *Service) ActiveExperiments(_ context.Context, user experiment.UserContext) map[string]experiment.Assignment {
	return s.registry.ActiveExperiments(user, s.now())
}

func (s *Service) CalculateMatch(ctx context.Context, a, b match.UserProfile, tier match.Tier) (match.MatchScore, error) {
	if tier != match.TierPremium {
		tier = match.TierFree
	}

	return s.scorer.CalculateMatch(ctx, a, b, tier)
}

// -- events ------------------------------------------------------------------

func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.ToggleEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) ListEventsSinceForToggle(ctx context.Context, eventID int64, toggleID string) ([]repository.ToggleEvent, error) {
	if strings.TrimSpace(toggleID) == "" {
		return nil, errors.New("toggle id is required")
	}

	events, err := s.repo.ListEventsSinceForToggle(ctx, eventID, toggleID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for toggle %q: %w", eventID, toggleID, err)
	}

	return events, nil
}

// -- internals ---------------------------------------------------------------

func (s *Service) startInvalidationListener(ctx context.Context, subscriber registryInvalidationSubscriber, resyncInterval time.Duration) error {
	invalidations, err := subscriber.SubscribeToggleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe registry invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeToggleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadRegistry(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeToggleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onInvalidation != nil {
					s.onInvalidation()
				}
				s.reloadRegistry(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadRegistry(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryReloadTimeout)
	defer cancel()
	_ = s.LoadRegistry(reloadCtx)
}

func (s *Service) publishToggleEventBestEffort(ctx context.Context, eventType string, toggle repository.Toggle) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.publishToggleEvent(publishCtx, eventType, toggle)
}

func (s *Service) publishToggleEvent(ctx context.Context, eventType string, toggle repository.Toggle) error {
	payload, err := json.Marshal(toggle)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishToggleEvent(ctx, repository.ToggleEvent{
		ToggleID:  toggle.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

// -- conversions -------------------------------------------------------------

func storedToggleToModel(row repository.Toggle) (experiment.FeatureToggle, error) {
	toggle := experiment.FeatureToggle{
		ID:                row.ID,
		Name:              row.Name,
		Description:       row.Description,
		Enabled:           row.Enabled,
		RolloutPercentage: row.RolloutPercentage,
		StartDate:         row.StartDate,
		EndDate:           row.EndDate,
		Expression:        row.Expression,
	}

	if len(row.Conditions) > 0 {
		if err := json.Unmarshal(row.Conditions, &toggle.Conditions); err != nil {
			return experiment.FeatureToggle{}, fmt.Errorf("%w: conditions: %v", ErrInvalidToggle, err)
		}
	}
	if len(row.Variants) > 0 {
		if err := json.Unmarshal(row.Variants, &toggle.Variants); err != nil {
			return experiment.FeatureToggle{}, fmt.Errorf("%w: variants: %v", ErrInvalidToggle, err)
		}
	}

	return toggle, nil
}

func modelToStoredToggle(toggle experiment.FeatureToggle) (repository.Toggle, error) {
	conditions, err := json.Marshal(toggle.Conditions)
	if err != nil {
		return repository.Toggle{}, fmt.Errorf("%w: conditions: %v", ErrInvalidToggle, err)
	}
	variants, err := json.Marshal(toggle.Variants)
	if err != nil {
		return repository.Toggle{}, fmt.Errorf("%w: variants: %v", ErrInvalidToggle, err)
	}

	return repository.Toggle{
		ID:                toggle.ID,
		Name:              toggle.Name,
		Description:       toggle.Description,
		Enabled:           toggle.Enabled,
		RolloutPercentage: toggle.RolloutPercentage,
		StartDate:         toggle.StartDate,
		EndDate:           toggle.EndDate,
		Conditions:        conditions,
		Expression:        toggle.Expression,
		Variants:          variants,
	}, nil
}
