package catalog

import (
	"sort"

	"offer-decisioning-api/internal/models"
)

// Snapshot is an immutable view of the decisioning configuration. A
// resolution reads from one snapshot from start to finish, so concurrent
// admin edits never show up halfway through a call.
type Snapshot struct {
	Version uint64

	offers          map[string]models.Offer
	placements      map[string]models.Placement
	representations map[string]models.Representation
	collections     map[string]models.Collection
	rules           map[string]models.DecisionRule
	strategies      map[string]models.SelectionStrategy
	formulas        map[string]models.Formula
	aiModels        map[string]models.AIModel
	decisions       map[string]models.Decision
	constraints     map[string]models.OfferConstraint
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		offers:          make(map[string]models.Offer),
		placements:      make(map[string]models.Placement),
		representations: make(map[string]models.Representation),
		collections:     make(map[string]models.Collection),
		rules:           make(map[string]models.DecisionRule),
		strategies:      make(map[string]models.SelectionStrategy),
		formulas:        make(map[string]models.Formula),
		aiModels:        make(map[string]models.AIModel),
		decisions:       make(map[string]models.Decision),
		constraints:     make(map[string]models.OfferConstraint),
	}
}

// clone copies the maps so the receiver can be patched without affecting readers.
func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		Version:         s.Version + 1,
		offers:          cloneMap(s.offers),
		placements:      cloneMap(s.placements),
		representations: cloneMap(s.representations),
		collections:     cloneMap(s.collections),
		rules:           cloneMap(s.rules),
		strategies:      cloneMap(s.strategies),
		formulas:        cloneMap(s.formulas),
		aiModels:        cloneMap(s.aiModels),
		decisions:       cloneMap(s.decisions),
		constraints:     cloneMap(s.constraints),
	}
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedValues[V any](m map[string]V) []V {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func repKey(offerID, placementID string) string {
	return offerID + "/" + placementID
}

func (s *Snapshot) Offer(id string) (models.Offer, bool) {
	o, ok := s.offers[id]
	return o, ok
}

// Offers returns every offer ordered by ID.
func (s *Snapshot) Offers() []models.Offer {
	return sortedValues(s.offers)
}

// CandidateOffers returns the live personalized offers ordered by ID.
func (s *Snapshot) CandidateOffers() []models.Offer {
	var out []models.Offer
	for _, o := range s.Offers() {
		if o.IsCandidate() {
			out = append(out, o)
		}
	}
	return out
}

func (s *Snapshot) Placement(id string) (models.Placement, bool) {
	p, ok := s.placements[id]
	return p, ok
}

func (s *Snapshot) Placements() []models.Placement {
	return sortedValues(s.placements)
}

func (s *Snapshot) Representation(offerID, placementID string) (models.Representation, bool) {
	r, ok := s.representations[repKey(offerID, placementID)]
	return r, ok
}

func (s *Snapshot) Collection(id string) (models.Collection, bool) {
	c, ok := s.collections[id]
	return c, ok
}

func (s *Snapshot) Collections() []models.Collection {
	return sortedValues(s.collections)
}

func (s *Snapshot) Rule(id string) (models.DecisionRule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

func (s *Snapshot) Rules() []models.DecisionRule {
	return sortedValues(s.rules)
}

func (s *Snapshot) Strategy(id string) (models.SelectionStrategy, bool) {
	st, ok := s.strategies[id]
	return st, ok
}

func (s *Snapshot) Strategies() []models.SelectionStrategy {
	return sortedValues(s.strategies)
}

func (s *Snapshot) Formula(id string) (models.Formula, bool) {
	f, ok := s.formulas[id]
	return f, ok
}

func (s *Snapshot) Model(id string) (models.AIModel, bool) {
	m, ok := s.aiModels[id]
	return m, ok
}

func (s *Snapshot) Decision(id string) (models.Decision, bool) {
	d, ok := s.decisions[id]
	return d, ok
}

func (s *Snapshot) Decisions() []models.Decision {
	return sortedValues(s.decisions)
}

// Constraint returns the offer's constraint, or nil when it has none.
func (s *Snapshot) Constraint(offerID string) *models.OfferConstraint {
	c, ok := s.constraints[offerID]
	if !ok {
		return nil
	}
	return &c
}
