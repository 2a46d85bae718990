// Package ledger records propositions and keeps the aggregates capping and
// AI ranking read from. Aggregates are maintained incrementally on every
// append and status change, so reads never scan the proposition history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
)

// ErrUnknownEventType is returned for event types the ledger does not track.
var ErrUnknownEventType = errors.New("unknown event type")

// statusRank orders proposition statuses. A status only moves forward.
var statusRank = map[models.PropositionStatus]int{
	models.PropositionProposed:  0,
	models.PropositionViewed:    1,
	models.PropositionDismissed: 2,
	models.PropositionClicked:   3,
	models.PropositionConverted: 4,
}

var eventStatus = map[models.EventType]models.PropositionStatus{
	models.EventImpression: models.PropositionViewed,
	models.EventClick:      models.PropositionClicked,
	models.EventConversion: models.PropositionConverted,
	models.EventDismiss:    models.PropositionDismissed,
}

// StatusForEvent returns the status an event moves a proposition to.
func StatusForEvent(t models.EventType) (models.PropositionStatus, bool) {
	s, ok := eventStatus[t]
	return s, ok
}

// Ledger is the append-only proposition log plus its counters.
type Ledger struct {
	repo     repository.PropositionRepository
	counters Counters
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex // serialises status transitions
	offerMu [offerStripes]sync.Mutex
}

const offerStripes = 64

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocation sets the time zone capping windows are computed in.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New creates a ledger on top of repo. counters defaults to in-memory counters.
func New(repo repository.PropositionRepository, counters Counters, opts ...Option) *Ledger {
	if counters == nil {
		counters = NewMemoryCounters()
	}
	l := &Ledger{
		repo:     repo,
		counters: counters,
		loc:      time.UTC,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Location returns the time zone windows are computed in.
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// Append records a proposition with status proposed. ID and CreatedAt are
// filled in when empty.
func (l *Ledger) Append(ctx context.Context, p models.Proposition) (models.Proposition, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now()
	}
	p.Status = models.PropositionProposed

	if err := l.repo.AppendProposition(ctx, p); err != nil {
		return models.Proposition{}, fmt.Errorf("failed to append proposition: %w", err)
	}
	if err := l.counters.Add(ctx, l.appendDeltas(p, l.now())); err != nil {
		// the row is durable; counters are rebuilt on restart
		l.log.Error().Err(err).Str("proposition_id", p.ID).Msg("failed to update ledger counters")
	}
	return p, nil
}

// AppendIf appends p only if allow still holds while no other AppendIf for
// the same offer runs. allow reads the counters the append updates, so a cap
// checked in allow cannot be overshot by concurrent callers in this process.
// ok is false when allow rejected the proposition.
func (l *Ledger) AppendIf(ctx context.Context, p models.Proposition, allow func(ctx context.Context) bool) (models.Proposition, bool, error) {
	mu := &l.offerMu[xxhash.Sum64String(p.OfferID)%offerStripes]
	mu.Lock()
	defer mu.Unlock()

	if !allow(ctx) {
		return models.Proposition{}, false, nil
	}
	appended, err := l.Append(ctx, p)
	if err != nil {
		return models.Proposition{}, false, err
	}
	return appended, true, nil
}

// RecordEvent stores an interaction and advances the proposition status when
// the event moves it forward. The updated proposition is returned.
func (l *Ledger) RecordEvent(ctx context.Context, propositionID string, eventType models.EventType) (models.OfferEvent, models.Proposition, error) {
	target, ok := eventStatus[eventType]
	if !ok {
		return models.OfferEvent{}, models.Proposition{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.repo.GetProposition(ctx, propositionID)
	if err != nil {
		return models.OfferEvent{}, models.Proposition{}, err
	}

	event := models.OfferEvent{
		ID:            uuid.New().String(),
		PropositionID: propositionID,
		EventType:     eventType,
		CreatedAt:     l.now(),
	}
	advance := statusRank[target] > statusRank[p.Status]
	var next models.PropositionStatus
	if advance {
		next = target
	}
	if err := l.repo.RecordEvent(ctx, event, next); err != nil {
		return models.OfferEvent{}, models.Proposition{}, fmt.Errorf("failed to record event: %w", err)
	}
	if !advance {
		return event, p, nil
	}
	deltas := []Delta{
		{Key: statusKey(p.OfferID, p.Status), N: -1},
		{Key: statusKey(p.OfferID, target), N: 1},
	}
	if err := l.counters.Add(ctx, deltas); err != nil {
		l.log.Error().Err(err).Str("proposition_id", p.ID).Msg("failed to update status counters")
	}
	p.Status = target
	return event, p, nil
}

// Rebuild replays the stored propositions into the counters. It is meant for
// empty in-process counters at startup.
func (l *Ledger) Rebuild(ctx context.Context) (int, error) {
	now := l.now()
	n := 0
	err := l.repo.ForEachProposition(ctx, func(p models.Proposition) error {
		deltas := l.appendDeltas(p, now)
		if p.Status != "" && p.Status != models.PropositionProposed {
			deltas = append(deltas,
				Delta{Key: statusKey(p.OfferID, models.PropositionProposed), N: -1},
				Delta{Key: statusKey(p.OfferID, p.Status), N: 1},
			)
		}
		n++
		return l.counters.Add(ctx, deltas)
	})
	if err != nil {
		return n, fmt.Errorf("failed to rebuild ledger counters: %w", err)
	}
	return n, nil
}

// appendDeltas returns the counter changes caused by appending p. Window
// counters whose retention already ended at now are skipped.
func (l *Ledger) appendDeltas(p models.Proposition, now time.Time) []Delta {
	deltas := []Delta{
		{Key: totalKey(p.OfferID), N: 1},
		{Key: statusKey(p.OfferID, models.PropositionProposed), N: 1},
		{Key: contactKey(p.OfferID, p.ContactID, models.PeriodLifetime, time.Time{}), N: 1},
	}
	if p.PlacementID != "" {
		deltas = append(deltas, Delta{Key: placementKey(p.OfferID, p.PlacementID), N: 1})
	}
	for _, period := range windowedPeriods {
		start := WindowStart(period, p.CreatedAt, l.loc)
		// keep one extra window so late readers near the boundary still see it
		expire := windowEnd(period, windowEnd(period, start))
		if !expire.After(now) {
			continue
		}
		deltas = append(deltas, Delta{
			Key:      contactKey(p.OfferID, p.ContactID, period, start),
			N:        1,
			ExpireAt: expire,
		})
	}
	return deltas
}

// TotalCount returns how many propositions exist for the offer.
func (l *Ledger) TotalCount(ctx context.Context, offerID string) (int64, error) {
	return l.counters.Get(ctx, totalKey(offerID))
}

// PlacementCount returns how many propositions exist for the offer in a placement.
func (l *Ledger) PlacementCount(ctx context.Context, offerID, placementID string) (int64, error) {
	return l.counters.Get(ctx, placementKey(offerID, placementID))
}

// ContactCount returns how many propositions the contact received for the
// offer in the window of period containing now.
func (l *Ledger) ContactCount(ctx context.Context, offerID, contactID string, period models.FrequencyPeriod, now time.Time) (int64, error) {
	switch period {
	case models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly:
		return l.counters.Get(ctx, contactKey(offerID, contactID, period, WindowStart(period, now, l.loc)))
	}
	return l.counters.Get(ctx, contactKey(offerID, contactID, models.PeriodLifetime, time.Time{}))
}

// Stats returns the performance aggregates of an offer. Clicks and
// conversions count propositions currently in that status.
func (l *Ledger) Stats(ctx context.Context, offerID string) (models.OfferStats, error) {
	stats := models.OfferStats{OfferID: offerID}
	reads := []struct {
		key string
		dst *int64
	}{
		{totalKey(offerID), &stats.Impressions},
		{statusKey(offerID, models.PropositionViewed), &stats.Views},
		{statusKey(offerID, models.PropositionClicked), &stats.Clicks},
		{statusKey(offerID, models.PropositionConverted), &stats.Conversions},
		{statusKey(offerID, models.PropositionDismissed), &stats.Dismissals},
	}
	for _, r := range reads {
		n, err := l.counters.Get(ctx, r.key)
		if err != nil {
			return models.OfferStats{}, fmt.Errorf("failed to read offer stats: %w", err)
		}
		*r.dst = n
	}
	if stats.Impressions > 0 {
		stats.ClickRate = float64(stats.Clicks) / float64(stats.Impressions)
		stats.ConvRate = float64(stats.Conversions) / float64(stats.Impressions)
	}
	return stats, nil
}

// Events returns the interactions recorded for a proposition, oldest first.
func (l *Ledger) Events(ctx context.Context, propositionID string) ([]models.OfferEvent, error) {
	if _, err := l.repo.GetProposition(ctx, propositionID); err != nil {
		return nil, err
	}
	events, err := l.repo.ListEvents(ctx, propositionID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.OfferEvent{}
	}
	return events, nil
}

// Count returns the number of propositions stored.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	return l.repo.CountPropositions(ctx)
}
