package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidProfile is returned only when both profiles are unusable. A
// single missing attribute degrades to a neutral factor instead.
var ErrInvalidProfile = errors.New("invalid profile")

const defaultAITimeout = 500 * time.Millisecond

type factorWeight struct {
	name   string
	weight float64
}

// Weight tables per tier. Both sum to 1; aggregation still divides by the
// weight actually applied so an absent factor redistributes proportionally
// instead of dragging the score toward zero.
var (
	basicWeights = []factorWeight{
		{FactorInterests, 0.4},
		{FactorLocation, 0.3},
		{FactorAgePreference, 0.2},
		{FactorActiveStatus, 0.1},
	}

	premiumWeights = []factorWeight{
		{FactorInterests, 0.2},
		{FactorLocation, 0.15},
		{FactorAgePreference, 0.1},
		{FactorActiveStatus, 0.05},
		{FactorCompatibility, 0.15},
		{FactorBehavior, 0.1},
		{FactorPreferences, 0.1},
		{FactorActivity, 0.05},
		{FactorSocialGraph, 0.05},
		{FactorAIScore, 0.05},
	}
)

// AIScorer is the optional external collaborator consulted for premium
// matches. Implementations must respect the context deadline.
type AIScorer interface {
	GetMatchScore(ctx context.Context, a, b UserProfile) (float64, error)
}

type ScorerOptions struct {
	// MaxDistanceKm scales the location decay. Defaults to 100.
	MaxDistanceKm float64
	// AIScorer, when set, contributes the aiScore factor on premium calls.
	AIScorer AIScorer
	// AITimeout bounds each AI call. Defaults to 500ms.
	AITimeout time.Duration
	// Now is injectable so repeated calls with identical inputs produce
	// bit-identical scores.
	Now    func() time.Time
	Logger *slog.Logger
}

type Scorer struct {
	maxDistanceKm float64
	ai            AIScorer
	aiTimeout     time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

func NewScorer(opts ScorerOptions) *Scorer {
	scorer := &Scorer{
		maxDistanceKm: opts.MaxDistanceKm,
		ai:            opts.AIScorer,
		aiTimeout:     opts.AITimeout,
		now:           opts.Now,
		logger:        opts.Logger,
	}
	if scorer.maxDistanceKm <= 0 {
		scorer.maxDistanceKm = defaultMaxDistanceKm
	}
	if scorer.aiTimeout <= 0 {
		scorer.aiTimeout = defaultAITimeout
	}
	if scorer.now == nil {
		scorer.now = time.Now
	}
	if scorer.logger == nil {
		scorer.logger = slog.Default()
	}

	return scorer
}

// CalculateMatch scores the pair under the tier's weight table. Unknown
// tiers score as free.
func (s *Scorer) CalculateMatch(ctx context.Context, a, b UserProfile, tier Tier) (MatchScore, error) {
	if a.ID == "" && b.ID == "" {
		return MatchScore{}, fmt.Errorf("%w: both profiles missing", ErrInvalidProfile)
	}

	now := s.now()
	factors := map[string]float64{
		FactorInterests:     InterestScore(a, b),
		FactorLocation:      LocationScore(a, b, s.maxDistanceKm),
		FactorAgePreference: AgePreferenceScore(a, b),
		FactorActiveStatus:  ActiveStatusScore(a, b, now),
	}

	weights := basicWeights
	var aiScore *float64

	if tier == TierPremium {
		weights = premiumWeights
		factors[FactorCompatibility] = CompatibilityScore(a, b)
		factors[FactorBehavior] = BehaviorScore(a, b)
		factors[FactorPreferences] = PreferenceScore(a, b)
		factors[FactorActivity] = ActivityScore(a, b)
		factors[FactorSocialGraph] = SocialGraphScore(a, b)

		if s.ai != nil {
			if score, err := s.queryAIScorer(ctx, a, b); err != nil {
				// Recovered locally: the aiScore weight is redistributed
				// across the remaining factors by the aggregation below.
				s.logger.Warn("ai scorer unavailable, redistributing weight",
					"profile_a", a.ID, "profile_b", b.ID, "error", err)
			} else {
				aiScore = &score
			}
		}
	}

	aggregated := factors
	if aiScore != nil {
		aggregated = make(map[string]float64, len(factors)+1)
		for name, score := range factors {
			aggregated[name] = score
		}
		aggregated[FactorAIScore] = *aiScore
	}

	return MatchScore{
		Overall: weightedAverage(aggregated, weights),
		Factors: factors,
		Tier:    tier,
		AIScore: aiScore,
	}, nil
}

func (s *Scorer) queryAIScorer(ctx context.Context, a, b UserProfile) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.aiTimeout)
	defer cancel()

	score, err := s.ai.GetMatchScore(ctx, a, b)
	if err != nil {
		return 0, err
	}
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("score %v outside [0,1]", score)
	}

	return score, nil
}

// weightedAverage divides by the weight actually applied, never the
// nominal table sum. Iteration follows the fixed table order so repeated
// calls sum in the same order and stay bit-identical.
func weightedAverage(factors map[string]float64, weights []factorWeight) float64 {
	var total, weightSum float64
	for _, fw := range weights {
		score, ok := factors[fw.name]
		if !ok {
			continue
		}
		total += score * fw.weight
		weightSum += fw.weight
	}

	if weightSum == 0 {
		return 0
	}

	return total / weightSum
}
