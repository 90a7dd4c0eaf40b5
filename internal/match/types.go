// Package match computes weighted compatibility scores between two user
// profiles, with a tier-specific factor set and optional AI assistance for
// premium users.
package match

import "time"

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Factor names, shared by the weight tables and the score breakdown.
const (
	FactorInterests     = "interests"
	FactorLocation      = "location"
	FactorAgePreference = "agePreference"
	FactorActiveStatus  = "activeStatus"
	FactorCompatibility = "compatibility"
	FactorBehavior      = "behavior"
	FactorPreferences   = "preferences"
	FactorActivity      = "activity"
	FactorSocialGraph   = "socialGraph"
	FactorAIScore       = "aiScore"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AgeRange is a profile's stated preference, inclusive on both ends.
type AgeRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// UserProfile is a read-only value supplied by the caller. Every field
// beyond ID is optional; evaluators score missing data as neutral rather
// than failing.
type UserProfile struct {
	ID               string             `json:"id"`
	Age              int                `json:"age,omitempty"`
	Interests        []string           `json:"interests,omitempty"`
	Location         *Location          `json:"location,omitempty"`
	AgePreference    *AgeRange          `json:"age_preference,omitempty"`
	LastActive       *time.Time         `json:"last_active,omitempty"`
	Traits           map[string]float64 `json:"traits,omitempty"`
	ResponseRate     *float64           `json:"response_rate,omitempty"`
	RelationshipGoal string             `json:"relationship_goal,omitempty"`
	ActiveHours      []int              `json:"active_hours,omitempty"`
	Connections      []string           `json:"connections,omitempty"`
}

// MatchScore is the immutable result of one scoring call.
type MatchScore struct {
	Overall float64            `json:"overall"`
	Factors map[string]float64 `json:"factors"`
	Tier    Tier               `json:"tier"`
	AIScore *float64           `json:"ai_score,omitempty"`
}
