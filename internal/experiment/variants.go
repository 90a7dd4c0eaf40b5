package experiment

import "github.com/matcha-dating/matcha/internal/bucket"

// Variant picks the variant assigned to the user, or "" when the toggle is
// unknown or declares no variants. Assignment is a pure function of toggle
// id, user id and the declared weights; repeated calls always agree.
func (r *Registry) Variant(toggleID string, user UserContext) string {
	toggle, ok := r.snap.Load().toggles[toggleID]
	if !ok || len(toggle.Variants) == 0 {
		return ""
	}

	return selectVariant(toggleID, user.ID, toggle.Variants)
}

func selectVariant(toggleID, userID string, variants []Variant) string {
	var totalWeight float64
	for _, variant := range variants {
		totalWeight += variant.Weight
	}

	userValue := float64(bucket.Position(toggleID, userID)) / 100 * totalWeight

	var accumulated float64
	for _, variant := range variants {
		accumulated += variant.Weight
		// A value exactly on a boundary goes to the earlier variant.
		if accumulated >= userValue {
			return variant.Name
		}
	}

	// Floating-point accumulation can leave userValue a hair past the final
	// cumulative weight; nobody is ever left unassigned.
	return variants[len(variants)-1].Name
}
