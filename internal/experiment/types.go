package experiment

import "time"

// Variant is one weighted arm of an A/B/n toggle. Declaration order matters:
// cumulative weight boundaries follow the order variants appear in.
type Variant struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// FeatureToggle is an immutable toggle definition. A change replaces the
// registry entry wholesale; nothing mutates a toggle in place.
type FeatureToggle struct {
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

type UserContext struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Assignment is one entry of an active-experiments report.
type Assignment struct {
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant,omitempty"`
}
