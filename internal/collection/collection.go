// Package collection expands collections into candidate offers.
package collection

import (
	"offer-decisioning-api/internal/catalog"
	"offer-decisioning-api/internal/models"
)

// Resolve returns the offers of collection col as seen in snap.
//
// Static collections map their offer IDs through the snapshot in stored
// order and drop IDs that no longer exist. Dynamic collections return every
// live personalized offer carrying any of the collection's tags, or all of
// them when the collection has no tags. Fallback offers are never returned;
// they only reach a placement through a slot's fallback reference.
func Resolve(snap *catalog.Snapshot, col models.Collection) []models.Offer {
	switch col.Kind {
	case models.CollectionStatic:
		return resolveStatic(snap, col.OfferIDs)
	case models.CollectionDynamic:
		return resolveDynamic(snap, col.Tags)
	}
	return nil
}

func resolveStatic(snap *catalog.Snapshot, ids []string) []models.Offer {
	seen := make(map[string]bool, len(ids))
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if o, ok := snap.Offer(id); ok && o.Type != models.OfferTypeFallback {
			out = append(out, o)
		}
	}
	return out
}

func resolveDynamic(snap *catalog.Snapshot, tags []string) []models.Offer {
	candidates := snap.CandidateOffers()
	if len(tags) == 0 {
		return candidates
	}
	out := make([]models.Offer, 0, len(candidates))
	for _, o := range candidates {
		for _, tag := range tags {
			if o.HasTag(tag) {
				out = append(out, o)
				break
			}
		}
	}
	return out
}
