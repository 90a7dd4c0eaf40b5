// Package matcha provides client interfaces and domain types for the matcha
// feature experimentation and match scoring service.
//
// Use the http sub-package to create a client:
//
//	import matchahttp "github.com/matcha-dating/matcha/clients/go/http"
package matcha

import (
	"context"
	"time"
)

// ToggleManager covers CRUD operations on feature toggles.
type ToggleManager interface {
	CreateToggle(ctx context.Context, toggle Toggle) (Toggle, error)
	GetToggle(ctx context.Context, id string) (Toggle, error)
	ListToggles(ctx context.Context) ([]Toggle, error)
	UpdateToggle(ctx context.Context, toggle Toggle) (Toggle, error)
	DeleteToggle(ctx context.Context, id string) error
	ReplaceSnapshot(ctx context.Context, toggles []Toggle) error
}

// Evaluator covers toggle evaluation for a given user.
type Evaluator interface {
	IsEnabled(ctx context.Context, toggleID string, user UserContext) (bool, error)
	EvaluateBatch(ctx context.Context, toggleIDs []string, user UserContext) ([]EvaluateResult, error)
	GetVariant(ctx context.Context, toggleID string, user UserContext) (string, error)
	ActiveExperiments(ctx context.Context, user UserContext) (map[string]Assignment, error)
}

// Matcher scores the compatibility of two profiles.
type Matcher interface {
	CalculateMatch(ctx context.Context, a, b UserProfile, tier string) (MatchScore, error)
}

// Streamer delivers real-time toggle change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan ToggleEvent, error)
}

// Toggle is the client-side representation of a feature toggle.
type Toggle struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Enabled           bool           `json:"enabled"`
	RolloutPercentage int            `json:"rollout_percentage"`
	StartDate         *time.Time     `json:"start_date,omitempty"`
	EndDate           *time.Time     `json:"end_date,omitempty"`
	Conditions        map[string]any `json:"conditions,omitempty"`
	Expression        string         `json:"expression,omitempty"`
	Variants          []Variant      `json:"variants,omitempty"`
}

// Variant is one weighted arm of an experiment.
type Variant struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// UserContext identifies the user a toggle is evaluated for.
type UserContext struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EvaluateResult is the outcome of a single toggle evaluation.
type EvaluateResult struct {
	ToggleID string `json:"toggle_id"`
	Enabled  bool   `json:"enabled"`
}

// Assignment is one entry of an active-experiments report.
type Assignment struct {
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant,omitempty"`
}

// UserProfile carries the match-scoring inputs for one user.
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

// Location is a WGS84 coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AgeRange is an inclusive age preference window.
type AgeRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// MatchScore is the scored compatibility of two profiles.
type MatchScore struct {
	Overall float64            `json:"overall"`
	Factors map[string]float64 `json:"factors"`
	Tier    string             `json:"tier"`
	AIScore *float64           `json:"ai_score,omitempty"`
}

// ToggleEvent is a real-time notification of a toggle change.
type ToggleEvent struct {
	Type    string // "update" | "delete" | "snapshot"
	ID      string
	Toggle  *Toggle // decoded event payload when present
	EventID int64
}
