package experiment

import "time"

// ActiveExperiments reports every toggle enabled for the user at the
// supplied time, with the variant assigned to them. Read-only aggregation
// for observability; not on any evaluation hot path.
func (r *Registry) ActiveExperiments(user UserContext, now time.Time) map[string]Assignment {
	snap := r.snap.Load()

	active := make(map[string]Assignment)
	for _, id := range snap.order {
		toggle := snap.toggles[id]
		if !toggle.enabledFor(user, now) {
			continue
		}

		assignment := Assignment{Enabled: true}
		if len(toggle.Variants) > 0 {
			assignment.Variant = selectVariant(id, user.ID, toggle.Variants)
		}
		active[id] = assignment
	}

	return active
}
