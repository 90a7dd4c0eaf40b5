package match

import (
	"math"
	"time"
)

// neutralScore is returned whenever a factor's required attributes are
// missing from either profile. One absent attribute never aborts scoring.
const neutralScore = 0.5

const (
	earthRadiusKm        = 6371
	defaultMaxDistanceKm = 100
	activityHalfLife     = 72 * time.Hour
)

// InterestScore is the Jaccard overlap of the two declared interest sets.
func InterestScore(a, b UserProfile) float64 {
	if len(a.Interests) == 0 || len(b.Interests) == 0 {
		return neutralScore
	}

	return jaccard(a.Interests, b.Interests)
}

// LocationScore decays exponentially with distance, scaled so the score is
// near zero past maxDistanceKm.
func LocationScore(a, b UserProfile, maxDistanceKm float64) float64 {
	if a.Location == nil || b.Location == nil {
		return neutralScore
	}
	if maxDistanceKm <= 0 {
		maxDistanceKm = defaultMaxDistanceKm
	}

	distance := haversineKm(*a.Location, *b.Location)
	score := math.Exp(-distance / (maxDistanceKm / 2))

	return clamp01(score)
}

func haversineKm(from, to Location) float64 {
	dLat := (to.Latitude - from.Latitude) * math.Pi / 180
	dLon := (to.Longitude - from.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(from.Latitude*math.Pi/180)*math.Cos(to.Latitude*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// AgePreferenceScore grades mutual fit: each profile with a stated range
// contributes one direction, satisfied when the other's age falls inside it.
func AgePreferenceScore(a, b UserProfile) float64 {
	var directions, satisfied float64

	if a.AgePreference != nil && b.Age > 0 {
		directions++
		if b.Age >= a.AgePreference.Min && b.Age <= a.AgePreference.Max {
			satisfied++
		}
	}
	if b.AgePreference != nil && a.Age > 0 {
		directions++
		if a.Age >= b.AgePreference.Min && a.Age <= b.AgePreference.Max {
			satisfied++
		}
	}

	if directions == 0 {
		return neutralScore
	}

	return satisfied / directions
}

// ActiveStatusScore averages each profile's recency, decaying with time
// since last activity.
func ActiveStatusScore(a, b UserProfile, now time.Time) float64 {
	return (recency(a.LastActive, now) + recency(b.LastActive, now)) / 2
}

func recency(lastActive *time.Time, now time.Time) float64 {
	if lastActive == nil {
		return neutralScore
	}

	since := now.Sub(*lastActive)
	if since <= 0 {
		return 1
	}

	return clamp01(math.Exp(-float64(since) / float64(activityHalfLife)))
}

// CompatibilityScore compares the trait vectors over their shared keys.
func CompatibilityScore(a, b UserProfile) float64 {
	var shared float64
	var totalDiff float64
	for trait, left := range a.Traits {
		right, ok := b.Traits[trait]
		if !ok {
			continue
		}
		shared++
		totalDiff += math.Abs(clamp01(left) - clamp01(right))
	}

	if shared == 0 {
		return neutralScore
	}

	return 1 - totalDiff/shared
}

// BehaviorScore compares engagement via response-rate similarity.
func BehaviorScore(a, b UserProfile) float64 {
	if a.ResponseRate == nil || b.ResponseRate == nil {
		return neutralScore
	}

	return 1 - math.Abs(clamp01(*a.ResponseRate)-clamp01(*b.ResponseRate))
}

var goalAffinity = map[[2]string]float64{
	{"long_term", "marriage"}:   0.8,
	{"casual", "friendship"}:    0.7,
	{"casual", "long_term"}:     0.2,
	{"casual", "marriage"}:      0.1,
	{"friendship", "long_term"}: 0.3,
}

// PreferenceScore compares stated relationship goals. Identical goals score
// full marks, known adjacent pairs score their affinity, everything else a
// low floor.
func PreferenceScore(a, b UserProfile) float64 {
	if a.RelationshipGoal == "" || b.RelationshipGoal == "" {
		return neutralScore
	}
	if a.RelationshipGoal == b.RelationshipGoal {
		return 1
	}

	key := [2]string{a.RelationshipGoal, b.RelationshipGoal}
	if key[0] > key[1] {
		key[0], key[1] = key[1], key[0]
	}
	if affinity, ok := goalAffinity[key]; ok {
		return affinity
	}

	return 0.3
}

// ActivityScore is the overlap of the hours of day each user tends to be
// online.
func ActivityScore(a, b UserProfile) float64 {
	if len(a.ActiveHours) == 0 || len(b.ActiveHours) == 0 {
		return neutralScore
	}

	left := make(map[int]struct{}, len(a.ActiveHours))
	for _, hour := range a.ActiveHours {
		left[hour] = struct{}{}
	}
	right := make(map[int]struct{}, len(b.ActiveHours))
	for _, hour := range b.ActiveHours {
		right[hour] = struct{}{}
	}

	intersection := 0
	for hour := range left {
		if _, ok := right[hour]; ok {
			intersection++
		}
	}

	union := len(left) + len(right) - intersection
	if union == 0 {
		return neutralScore
	}

	return float64(intersection) / float64(union)
}

// SocialGraphScore is the Jaccard overlap of the two connection lists.
func SocialGraphScore(a, b UserProfile) float64 {
	if len(a.Connections) == 0 || len(b.Connections) == 0 {
		return neutralScore
	}

	return jaccard(a.Connections, b.Connections)
}

func jaccard(left, right []string) float64 {
	set := make(map[string]struct{}, len(left))
	for _, item := range left {
		set[item] = struct{}{}
	}

	seen := make(map[string]struct{}, len(right))
	intersection := 0
	for _, item := range right {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		if _, ok := set[item]; ok {
			intersection++
		}
	}

	union := len(set) + len(seen) - intersection
	if union == 0 {
		return neutralScore
	}

	return float64(intersection) / float64(union)
}

func clamp01(value float64) float64 {
	return math.Min(1, math.Max(0, value))
}
