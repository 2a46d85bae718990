// Package ranking scores and orders candidate offers.
package ranking

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/formula"
	"offer-decisioning-api/internal/models"
)

// Input is what a strategy may read besides the offer itself.
type Input struct {
	Profile models.Profile
	Context map[string]any
}

// Strategy scores a single offer. Higher is better.
type Strategy interface {
	Score(ctx context.Context, offer models.Offer, in Input) float64
}

// Candidate is an offer with its score.
type Candidate struct {
	Offer models.Offer
	Score float64
}

// Rank scores offers and returns them best first. Equal scores are ordered
// by offer ID so the result is deterministic.
func Rank(ctx context.Context, s Strategy, offers []models.Offer, in Input) []Candidate {
	out := make([]Candidate, len(offers))
	for i, o := range offers {
		out[i] = Candidate{Offer: o, Score: s.Score(ctx, o, in)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Offer.ID < out[j].Offer.ID
	})
	return out
}

// PriorityStrategy scores an offer by its priority.
type PriorityStrategy struct{}

func (PriorityStrategy) Score(_ context.Context, offer models.Offer, _ Input) float64 {
	return float64(offer.Priority)
}

// FormulaStrategy scores an offer with a compiled formula. Any evaluation
// failure, such as an identifier with no numeric value, scores the offer by
// its priority instead.
type FormulaStrategy struct {
	expr *formula.Expression
	log  zerolog.Logger
}

// NewFormulaStrategy compiles source. A malformed formula returns the
// SyntaxError so callers can decide how to degrade.
func NewFormulaStrategy(source string, log zerolog.Logger) (*FormulaStrategy, error) {
	expr, err := formula.Compile(source)
	if err != nil {
		return nil, err
	}
	return &FormulaStrategy{expr: expr, log: log}, nil
}

func (s *FormulaStrategy) Score(_ context.Context, offer models.Offer, in Input) float64 {
	score, err := s.expr.Eval(Env(offer, in))
	if err != nil {
		s.log.Debug().Err(err).Str("offer_id", offer.ID).Str("formula", s.expr.String()).Msg("formula fell back to priority")
		return float64(offer.Priority)
	}
	return score
}

// Env exposes offer.X, profile.X and context.X to a formula. Only numeric
// values resolve.
func Env(offer models.Offer, in Input) formula.Env {
	return formula.EnvFunc(func(name string) (float64, bool) {
		scope, key, ok := strings.Cut(name, ".")
		if !ok {
			return 0, false
		}
		switch scope {
		case "offer":
			if key == "priority" {
				return float64(offer.Priority), true
			}
			return number(offer.Attributes[key])
		case "profile":
			return number(in.Profile[key])
		case "context":
			return number(in.Context[key])
		}
		return 0, false
	})
}

// StatsSource provides historical offer performance.
type StatsSource interface {
	Stats(ctx context.Context, offerID string) (models.OfferStats, error)
}

// Default AI score weights.
const (
	DefaultConversionWeight = 0.6
	DefaultClickWeight      = 0.4
	DefaultPriorityWeight   = 0.1
)

// AIScoreStrategy scores an offer from its historical click and conversion
// rates plus a small priority term.
type AIScoreStrategy struct {
	stats StatsSource
	model models.AIModel
	log   zerolog.Logger
}

// NewAIScoreStrategy creates the strategy. A nil model uses the default weights.
func NewAIScoreStrategy(stats StatsSource, model *models.AIModel, log zerolog.Logger) *AIScoreStrategy {
	m := models.AIModel{
		ConversionWeight: DefaultConversionWeight,
		ClickWeight:      DefaultClickWeight,
		PriorityWeight:   DefaultPriorityWeight,
	}
	if model != nil {
		m = *model
	}
	return &AIScoreStrategy{stats: stats, model: m, log: log}
}

func (s *AIScoreStrategy) Score(ctx context.Context, offer models.Offer, _ Input) float64 {
	priority := float64(offer.Priority) * s.model.PriorityWeight
	stats, err := s.stats.Stats(ctx, offer.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("offer_id", offer.ID).Msg("offer stats unavailable")
		return priority
	}
	return s.model.ConversionWeight*stats.ConvRate + s.model.ClickWeight*stats.ClickRate + priority
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
