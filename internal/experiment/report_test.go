package experiment

import (
	"reflect"
	"testing"
	"time"
)

func TestActiveExperiments(t *testing.T) {
	// Positions for these users: premium_trial alice=96 bob=7 carol=65,
	// ai_matching alice=38 bob=89 carol=7, location_boost alice=79 bob=32.
	registry := newTestRegistry(t,
		FeatureToggle{ID: "premium_trial", Enabled: true, RolloutPercentage: 50},
		FeatureToggle{
			ID:                "ai_matching",
			Enabled:           true,
			RolloutPercentage: 25,
			Variants: []Variant{
				{Name: "control", Weight: 0.33},
				{Name: "variant_a", Weight: 0.33},
				{Name: "variant_b", Weight: 0.34},
			},
		},
		FeatureToggle{ID: "location_boost", Enabled: true, RolloutPercentage: 30},
	)

	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		userID string
		want   map[string]Assignment
	}{
		{
			userID: "alice",
			want:   map[string]Assignment{},
		},
		{
			userID: "bob",
			want: map[string]Assignment{
				"premium_trial": {Enabled: true},
			},
		},
		{
			userID: "carol",
			want: map[string]Assignment{
				"ai_matching": {Enabled: true, Variant: "control"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.userID, func(t *testing.T) {
			got := registry.ActiveExperiments(UserContext{ID: test.userID}, now)
			if !reflect.DeepEqual(got, test.want) {
				t.Fatalf("ActiveExperiments = %v, want %v", got, test.want)
			}
		})
	}
}

func TestActiveExperimentsSkipsExpired(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	ended := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	registry := newTestRegistry(t, FeatureToggle{
		ID:                "premium_trial",
		Enabled:           true,
		RolloutPercentage: 100,
		EndDate:           &ended,
	})

	got := registry.ActiveExperiments(UserContext{ID: "bob"}, now)
	if len(got) != 0 {
		t.Fatalf("ActiveExperiments = %v, want empty", got)
	}
}
