package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"offer-decisioning-api/internal/models"
)

type table[T any] struct {
	mu   sync.RWMutex
	rows map[string]T
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]T)}
}

func (t *table[T]) get(id string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return v, nil
}

// list returns rows ordered by key so callers see a stable order.
func (t *table[T]) list() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.rows[k])
	}
	return out
}

func (t *table[T]) put(id string, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[id] = v
}

func (t *table[T]) delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; !ok {
		return ErrNotFound
	}
	delete(t.rows, id)
	return nil
}

func (t *table[T]) deleteWhere(match func(T) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.rows {
		if match(v) {
			delete(t.rows, k)
		}
	}
}

// Memory implements every repository interface in process memory.
type Memory struct {
	offers          *table[models.Offer]
	placements      *table[models.Placement]
	representations *table[models.Representation]
	collections     *table[models.Collection]
	rules           *table[models.DecisionRule]
	strategies      *table[models.SelectionStrategy]
	formulas        *table[models.Formula]
	aiModels        *table[models.AIModel]
	decisions       *table[models.Decision]
	constraints     *table[models.OfferConstraint]
	contacts        *table[models.Contact]

	mu           sync.RWMutex
	orders       map[string][]models.Order
	activities   map[string][]models.Activity
	propositions []models.Proposition
	propIndex    map[string]int
	events       []models.OfferEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		offers:          newTable[models.Offer](),
		placements:      newTable[models.Placement](),
		representations: newTable[models.Representation](),
		collections:     newTable[models.Collection](),
		rules:           newTable[models.DecisionRule](),
		strategies:      newTable[models.SelectionStrategy](),
		formulas:        newTable[models.Formula](),
		aiModels:        newTable[models.AIModel](),
		decisions:       newTable[models.Decision](),
		constraints:     newTable[models.OfferConstraint](),
		contacts:        newTable[models.Contact](),
		orders:          make(map[string][]models.Order),
		activities:      make(map[string][]models.Activity),
		propIndex:       make(map[string]int),
	}
}

func representationKey(offerID, placementID string) string {
	return offerID + "/" + placementID
}

func (m *Memory) ListOffers(_ context.Context) ([]models.Offer, error) {
	return m.offers.list(), nil
}

func (m *Memory) SaveOffer(_ context.Context, offer models.Offer) error {
	m.offers.put(offer.ID, offer)
	return nil
}

func (m *Memory) DeleteOffer(_ context.Context, id string) error {
	if err := m.offers.delete(id); err != nil {
		return err
	}
	m.representations.deleteWhere(func(r models.Representation) bool { return r.OfferID == id })
	m.constraints.deleteWhere(func(c models.OfferConstraint) bool { return c.OfferID == id })
	return nil
}

func (m *Memory) ListPlacements(_ context.Context) ([]models.Placement, error) {
	return m.placements.list(), nil
}

func (m *Memory) SavePlacement(_ context.Context, placement models.Placement) error {
	m.placements.put(placement.ID, placement)
	return nil
}

func (m *Memory) DeletePlacement(_ context.Context, id string) error {
	if err := m.placements.delete(id); err != nil {
		return err
	}
	m.representations.deleteWhere(func(r models.Representation) bool { return r.PlacementID == id })
	return nil
}

func (m *Memory) ListRepresentations(_ context.Context) ([]models.Representation, error) {
	return m.representations.list(), nil
}

func (m *Memory) SaveRepresentation(_ context.Context, rep models.Representation) error {
	m.representations.put(representationKey(rep.OfferID, rep.PlacementID), rep)
	return nil
}

func (m *Memory) DeleteRepresentation(_ context.Context, offerID, placementID string) error {
	return m.representations.delete(representationKey(offerID, placementID))
}

func (m *Memory) ListCollections(_ context.Context) ([]models.Collection, error) {
	return m.collections.list(), nil
}

func (m *Memory) SaveCollection(_ context.Context, collection models.Collection) error {
	m.collections.put(collection.ID, collection)
	return nil
}

func (m *Memory) DeleteCollection(_ context.Context, id string) error {
	return m.collections.delete(id)
}

func (m *Memory) ListRules(_ context.Context) ([]models.DecisionRule, error) {
	return m.rules.list(), nil
}

func (m *Memory) SaveRule(_ context.Context, rule models.DecisionRule) error {
	m.rules.put(rule.ID, rule)
	return nil
}

func (m *Memory) DeleteRule(_ context.Context, id string) error {
	return m.rules.delete(id)
}

func (m *Memory) ListStrategies(_ context.Context) ([]models.SelectionStrategy, error) {
	return m.strategies.list(), nil
}

func (m *Memory) SaveStrategy(_ context.Context, strategy models.SelectionStrategy) error {
	m.strategies.put(strategy.ID, strategy)
	return nil
}

func (m *Memory) DeleteStrategy(_ context.Context, id string) error {
	return m.strategies.delete(id)
}

func (m *Memory) ListFormulas(_ context.Context) ([]models.Formula, error) {
	return m.formulas.list(), nil
}

func (m *Memory) SaveFormula(_ context.Context, formula models.Formula) error {
	m.formulas.put(formula.ID, formula)
	return nil
}

func (m *Memory) ListModels(_ context.Context) ([]models.AIModel, error) {
	return m.aiModels.list(), nil
}

func (m *Memory) SaveModel(_ context.Context, model models.AIModel) error {
	m.aiModels.put(model.ID, model)
	return nil
}

func (m *Memory) ListDecisions(_ context.Context) ([]models.Decision, error) {
	return m.decisions.list(), nil
}

func (m *Memory) SaveDecision(_ context.Context, decision models.Decision) error {
	m.decisions.put(decision.ID, decision)
	return nil
}

func (m *Memory) DeleteDecision(_ context.Context, id string) error {
	return m.decisions.delete(id)
}

func (m *Memory) ListConstraints(_ context.Context) ([]models.OfferConstraint, error) {
	return m.constraints.list(), nil
}

func (m *Memory) SaveConstraint(_ context.Context, constraint models.OfferConstraint) error {
	m.constraints.put(constraint.OfferID, constraint)
	return nil
}

func (m *Memory) DeleteConstraint(_ context.Context, offerID string) error {
	return m.constraints.delete(offerID)
}

func (m *Memory) GetContact(_ context.Context, id string) (models.Contact, error) {
	return m.contacts.get(id)
}

func (m *Memory) SaveContact(_ context.Context, contact models.Contact) error {
	m.contacts.put(contact.ID, contact)
	return nil
}

func (m *Memory) AddOrder(_ context.Context, order models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ContactID] = append(m.orders[order.ContactID], order)
	return nil
}

func (m *Memory) OrderSummary(_ context.Context, contactID string) (models.OrderSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var summary models.OrderSummary
	var latest time.Time
	for _, o := range m.orders[contactID] {
		summary.Count++
		summary.TotalValue += o.Total
		if summary.Latest == nil || !o.PlacedAt.Before(latest) {
			latest = o.PlacedAt
			summary.Latest = OrderFields(o)
		}
	}
	return summary, nil
}

func (m *Memory) AddActivity(_ context.Context, activity models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[activity.ContactID] = append(m.activities[activity.ContactID], activity)
	return nil
}

func (m *Memory) ActivitySummary(_ context.Context, contactID string) (models.ActivitySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var summary models.ActivitySummary
	var latest time.Time
	for _, a := range m.activities[contactID] {
		summary.Count++
		if summary.Latest == nil || !a.OccurredAt.Before(latest) {
			latest = a.OccurredAt
			summary.Latest = ActivityFields(a)
		}
	}
	return summary, nil
}

func (m *Memory) AppendProposition(_ context.Context, p models.Proposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.propIndex[p.ID] = len(m.propositions)
	m.propositions = append(m.propositions, p)
	return nil
}

func (m *Memory) GetProposition(_ context.Context, id string) (models.Proposition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.propIndex[id]
	if !ok {
		return models.Proposition{}, ErrNotFound
	}
	return m.propositions[i], nil
}

func (m *Memory) RecordEvent(_ context.Context, event models.OfferEvent, status models.PropositionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status != "" {
		i, ok := m.propIndex[event.PropositionID]
		if !ok {
			return ErrNotFound
		}
		m.propositions[i].Status = status
	}
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, propositionID string) ([]models.OfferEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OfferEvent
	for _, e := range m.events {
		if e.PropositionID == propositionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) CountPropositions(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.propositions), nil
}

func (m *Memory) ForEachProposition(_ context.Context, fn func(models.Proposition) error) error {
	m.mu.RLock()
	rows := make([]models.Proposition, len(m.propositions))
	copy(rows, m.propositions)
	m.mu.RUnlock()
	for _, p := range rows {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// OrderFields flattens an order into the attribute map eligibility reads.
func OrderFields(o models.Order) map[string]any {
	fields := make(map[string]any, len(o.Fields)+3)
	for k, v := range o.Fields {
		fields[k] = v
	}
	fields["id"] = o.ID
	fields["total"] = o.Total
	fields["placed_at"] = o.PlacedAt.Format(time.RFC3339)
	return fields
}

// ActivityFields flattens an activity into the attribute map eligibility reads.
func ActivityFields(a models.Activity) map[string]any {
	fields := make(map[string]any, len(a.Fields)+3)
	for k, v := range a.Fields {
		fields[k] = v
	}
	fields["id"] = a.ID
	fields["name"] = a.Name
	fields["occurred_at"] = a.OccurredAt.Format(time.RFC3339)
	return fields
}
