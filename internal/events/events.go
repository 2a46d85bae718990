package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventOfferStatusChanged is emitted after an offer lifecycle transition
	EventOfferStatusChanged EventType = "offer.status_changed"
	// EventPropositionCreated is emitted for every proposition appended to the ledger
	EventPropositionCreated EventType = "proposition.created"
	// EventOfferEventRecorded is emitted when an interaction is recorded against a proposition
	EventOfferEventRecorded EventType = "offer_event.recorded"
	// EventDecisionResolved is emitted after a resolve or simulate call
	EventDecisionResolved EventType = "decision.resolved"
)

// AllTypes lists every event type the service publishes.
var AllTypes = []EventType{
	EventOfferStatusChanged,
	EventPropositionCreated,
	EventOfferEventRecorded,
	EventDecisionResolved,
}

// Event represents an event in the system.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// OfferStatusChangedData contains data for offer status changes.
type OfferStatusChangedData struct {
	OfferID string             `json:"offer_id"`
	From    models.OfferStatus `json:"from"`
	To      models.OfferStatus `json:"to"`
}

// PropositionCreatedData contains data for proposition created events.
type PropositionCreatedData struct {
	Proposition models.Proposition `json:"proposition"`
}

// OfferEventRecordedData contains data for recorded offer events.
type OfferEventRecordedData struct {
	Event       models.OfferEvent  `json:"event"`
	Proposition models.Proposition `json:"proposition"`
}

// DecisionResolvedData summarises a resolution.
type DecisionResolvedData struct {
	DecisionID string    `json:"decision_id"`
	ContactID  string    `json:"contact_id"`
	Simulated  bool      `json:"simulated"`
	Offers     int       `json:"offers"`
	Fallbacks  int       `json:"fallbacks"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Key returns the partitioning key of the event payload.
func (e Event) Key() string {
	switch d := e.Data.(type) {
	case OfferStatusChangedData:
		return d.OfferID
	case PropositionCreatedData:
		return d.Proposition.OfferID
	case OfferEventRecordedData:
		return d.Proposition.OfferID
	case DecisionResolvedData:
		return d.ContactID
	}
	return string(e.Type)
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Sink receives every event and holds a connection that Shutdown closes.
type Sink interface {
	Handle(ctx context.Context, event Event) error
	Close() error
}

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	sinks    []Sink
	enabled  bool
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, log zerolog.Logger) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		log:      log,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// SubscribeAll subscribes a handler to every published event type.
func (m *Manager) SubscribeAll(handler Handler) {
	for _, t := range AllTypes {
		m.Subscribe(t, handler)
	}
}

// SubscribeSink subscribes s to every event type. Shutdown closes s once
// the handlers already running have returned.
func (m *Manager) SubscribeSink(s Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
	m.SubscribeAll(s.Handle)
}

// Publish publishes an event to all subscribed handlers. Handlers run
// asynchronously and outlive the caller's context cancellation.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data any) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := m.handlers[eventType]
	if len(handlers) > 0 {
		m.wg.Add(len(handlers))
	}
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	ctx = context.WithoutCancel(ctx)

	for _, handler := range handlers {
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(ctx, event); err != nil {
				m.log.Error().Err(err).Str("event_type", string(eventType)).Msg("event handler failed")
			}
		}(handler)
	}
}

// PublishOfferStatusChanged publishes an offer lifecycle transition.
func (m *Manager) PublishOfferStatusChanged(ctx context.Context, offerID string, from, to models.OfferStatus) {
	m.Publish(ctx, EventOfferStatusChanged, OfferStatusChangedData{OfferID: offerID, From: from, To: to})
}

// PublishPropositionCreated publishes a proposition created event.
func (m *Manager) PublishPropositionCreated(ctx context.Context, p models.Proposition) {
	m.Publish(ctx, EventPropositionCreated, PropositionCreatedData{Proposition: p})
}

// PublishOfferEventRecorded publishes a recorded interaction.
func (m *Manager) PublishOfferEventRecorded(ctx context.Context, e models.OfferEvent, p models.Proposition) {
	m.Publish(ctx, EventOfferEventRecorded, OfferEventRecordedData{Event: e, Proposition: p})
}

// PublishDecisionResolved publishes a resolution summary.
func (m *Manager) PublishDecisionResolved(ctx context.Context, result models.ResolutionResult) {
	data := DecisionResolvedData{
		DecisionID: result.DecisionID,
		ContactID:  result.ContactID,
		Simulated:  result.Simulated,
		ResolvedAt: result.ResolvedAt,
	}
	for _, p := range result.Placements {
		data.Offers += len(p.Offers)
		if p.FallbackUsed {
			data.Fallbacks++
		}
	}
	m.Publish(ctx, EventDecisionResolved, data)
}

// Shutdown stops accepting events, waits for running handlers and then
// closes subscribed sinks.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	sinks := m.sinks
	m.sinks = nil
	m.mu.Unlock()

	m.wg.Wait()
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			m.log.Error().Err(err).Msg("failed to close event sink")
		}
	}
}
