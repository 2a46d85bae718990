package database

import (
	"context"
	"fmt"

	"offer-decisioning-api/internal/models"
)

// SaveCollection creates or updates a collection.
func (db *DB) SaveCollection(ctx context.Context, c models.Collection) error {
	offerIDs, err := encodeJSON(c.OfferIDs)
	if err != nil {
		return fmt.Errorf("failed to encode collection offers: %w", err)
	}
	tags, err := encodeJSON(c.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode collection tags: %w", err)
	}

	query := `INSERT INTO collections (id, name, kind, offer_ids, tags, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		kind = excluded.kind,
		offer_ids = excluded.offer_ids,
		tags = excluded.tags,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query,
		c.ID, c.Name, string(c.Kind), offerIDs, tags,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert collection: %w", err)
	}
	return nil
}

const collectionSelect = `SELECT id, name, kind, offer_ids, tags, created_at, updated_at FROM collections`

func (db *DB) ListCollections(ctx context.Context) ([]models.Collection, error) {
	rows, err := db.conn.QueryContext(ctx, collectionSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %w", err)
	}
	defer rows.Close()

	var out []models.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return out, nil
}

func (db *DB) DeleteCollection(ctx context.Context, id string) error {
	return deleteRow(ctx, db.conn, "collection", `DELETE FROM collections WHERE id = ?`, id)
}

func scanCollection(s scanner) (models.Collection, error) {
	var (
		c                    models.Collection
		kind, offerIDs, tags string
		createdAt, updatedAt string
	)
	if err := s.Scan(&c.ID, &c.Name, &kind, &offerIDs, &tags, &createdAt, &updatedAt); err != nil {
		return models.Collection{}, err
	}
	c.Kind = models.CollectionKind(kind)
	if err := decodeJSON(offerIDs, &c.OfferIDs); err != nil {
		return models.Collection{}, fmt.Errorf("failed to decode collection offers: %w", err)
	}
	if err := decodeJSON(tags, &c.Tags); err != nil {
		return models.Collection{}, fmt.Errorf("failed to decode collection tags: %w", err)
	}
	var err error
	if c.CreatedAt, c.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
		return models.Collection{}, err
	}
	return c, nil
}

// SaveRule creates or updates an eligibility rule. Conditions are stored as JSON.
func (db *DB) SaveRule(ctx context.Context, r models.DecisionRule) error {
	conditions, err := encodeJSON(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode rule conditions: %w", err)
	}

	query := `INSERT INTO rules (id, name, conditions, logic, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		conditions = excluded.conditions,
		logic = excluded.logic,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query,
		r.ID, r.Name, conditions, string(r.Logic),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

const ruleSelect = `SELECT id, name, conditions, logic, created_at, updated_at FROM rules`

func (db *DB) ListRules(ctx context.Context) ([]models.DecisionRule, error) {
	rows, err := db.conn.QueryContext(ctx, ruleSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []models.DecisionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

func (db *DB) DeleteRule(ctx context.Context, id string) error {
	return deleteRow(ctx, db.conn, "rule", `DELETE FROM rules WHERE id = ?`, id)
}

func scanRule(s scanner) (models.DecisionRule, error) {
	var (
		r                    models.DecisionRule
		conditions, logic    string
		createdAt, updatedAt string
	)
	if err := s.Scan(&r.ID, &r.Name, &conditions, &logic, &createdAt, &updatedAt); err != nil {
		return models.DecisionRule{}, err
	}
	r.Logic = models.Logic(logic)
	if err := decodeJSON(conditions, &r.Conditions); err != nil {
		return models.DecisionRule{}, fmt.Errorf("failed to decode rule conditions: %w", err)
	}
	var err error
	if r.CreatedAt, r.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
		return models.DecisionRule{}, err
	}
	return r, nil
}

// SaveStrategy creates or updates a selection strategy.
func (db *DB) SaveStrategy(ctx context.Context, st models.SelectionStrategy) error {
	query := `INSERT INTO strategies (
		id, name, collection_id, rule_id, ranking_method, formula_id, model_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		collection_id = excluded.collection_id,
		rule_id = excluded.rule_id,
		ranking_method = excluded.ranking_method,
		formula_id = excluded.formula_id,
		model_id = excluded.model_id,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		st.ID, st.Name, st.CollectionID, st.RuleID, string(st.RankingMethod), st.FormulaID, st.ModelID,
		formatTime(st.CreatedAt), formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy: %w", err)
	}
	return nil
}

const strategySelect = `SELECT id, name, collection_id, rule_id, ranking_method, formula_id, model_id,
	created_at, updated_at FROM strategies`

func (db *DB) ListStrategies(ctx context.Context) ([]models.SelectionStrategy, error) {
	rows, err := db.conn.QueryContext(ctx, strategySelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []models.SelectionStrategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategies: %w", err)
	}
	return out, nil
}

func (db *DB) DeleteStrategy(ctx context.Context, id string) error {
	return deleteRow(ctx, db.conn, "strategy", `DELETE FROM strategies WHERE id = ?`, id)
}

func scanStrategy(s scanner) (models.SelectionStrategy, error) {
	var (
		st                   models.SelectionStrategy
		method               string
		createdAt, updatedAt string
	)
	err := s.Scan(&st.ID, &st.Name, &st.CollectionID, &st.RuleID, &method, &st.FormulaID, &st.ModelID,
		&createdAt, &updatedAt)
	if err != nil {
		return models.SelectionStrategy{}, err
	}
	st.RankingMethod = models.RankingMethod(method)
	if st.CreatedAt, st.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
		return models.SelectionStrategy{}, err
	}
	return st, nil
}

// SaveFormula creates or updates a ranking formula.
func (db *DB) SaveFormula(ctx context.Context, f models.Formula) error {
	query := `INSERT INTO formulas (id, name, expression, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		expression = excluded.expression,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		f.ID, f.Name, f.Expression, formatTime(f.CreatedAt), formatTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert formula: %w", err)
	}
	return nil
}

func (db *DB) ListFormulas(ctx context.Context) ([]models.Formula, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, expression, created_at, updated_at FROM formulas ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query formulas: %w", err)
	}
	defer rows.Close()

	var out []models.Formula
	for rows.Next() {
		var (
			f                    models.Formula
			createdAt, updatedAt string
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Expression, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan formula: %w", err)
		}
		if f.CreatedAt, f.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating formulas: %w", err)
	}
	return out, nil
}

// SaveModel creates or updates the weights of an AI ranking model.
func (db *DB) SaveModel(ctx context.Context, m models.AIModel) error {
	query := `INSERT INTO ai_models (
		id, name, conversion_weight, click_weight, priority_weight, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		conversion_weight = excluded.conversion_weight,
		click_weight = excluded.click_weight,
		priority_weight = excluded.priority_weight,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		m.ID, m.Name, m.ConversionWeight, m.ClickWeight, m.PriorityWeight,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert model: %w", err)
	}
	return nil
}

func (db *DB) ListModels(ctx context.Context) ([]models.AIModel, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, conversion_weight, click_weight, priority_weight,
		created_at, updated_at FROM ai_models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var out []models.AIModel
	for rows.Next() {
		var (
			m                    models.AIModel
			createdAt, updatedAt string
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.ConversionWeight, &m.ClickWeight, &m.PriorityWeight,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		if m.CreatedAt, m.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating models: %w", err)
	}
	return out, nil
}

// SaveDecision creates or updates a decision. Slot order is preserved.
func (db *DB) SaveDecision(ctx context.Context, d models.Decision) error {
	slots, err := encodeJSON(d.Slots)
	if err != nil {
		return fmt.Errorf("failed to encode decision slots: %w", err)
	}

	query := `INSERT INTO decisions (id, name, slots, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		slots = excluded.slots,
		status = excluded.status,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query,
		d.ID, d.Name, slots, string(d.Status), formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert decision: %w", err)
	}
	return nil
}

const decisionSelect = `SELECT id, name, slots, status, created_at, updated_at FROM decisions`

func (db *DB) ListDecisions(ctx context.Context) ([]models.Decision, error) {
	rows, err := db.conn.QueryContext(ctx, decisionSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return out, nil
}

func (db *DB) DeleteDecision(ctx context.Context, id string) error {
	return deleteRow(ctx, db.conn, "decision", `DELETE FROM decisions WHERE id = ?`, id)
}

func scanDecision(s scanner) (models.Decision, error) {
	var (
		d                    models.Decision
		slots, status        string
		createdAt, updatedAt string
	)
	if err := s.Scan(&d.ID, &d.Name, &slots, &status, &createdAt, &updatedAt); err != nil {
		return models.Decision{}, err
	}
	d.Status = models.DecisionStatus(status)
	if err := decodeJSON(slots, &d.Slots); err != nil {
		return models.Decision{}, fmt.Errorf("failed to decode decision slots: %w", err)
	}
	var err error
	if d.CreatedAt, d.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
		return models.Decision{}, err
	}
	return d, nil
}

// SaveConstraint creates or replaces the capping constraint of an offer.
func (db *DB) SaveConstraint(ctx context.Context, c models.OfferConstraint) error {
	caps, err := encodeJSON(c.PerPlacementCaps)
	if err != nil {
		return fmt.Errorf("failed to encode placement caps: %w", err)
	}

	query := `INSERT INTO offer_constraints (
		offer_id, per_user_cap, frequency_period, total_cap, per_placement_caps, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(offer_id) DO UPDATE SET
		per_user_cap = excluded.per_user_cap,
		frequency_period = excluded.frequency_period,
		total_cap = excluded.total_cap,
		per_placement_caps = excluded.per_placement_caps,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query,
		c.OfferID, c.PerUserCap, string(c.FrequencyPeriod), c.TotalCap, caps,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert constraint: %w", err)
	}
	return nil
}

const constraintSelect = `SELECT offer_id, per_user_cap, frequency_period, total_cap, per_placement_caps,
	created_at, updated_at FROM offer_constraints`

func (db *DB) ListConstraints(ctx context.Context) ([]models.OfferConstraint, error) {
	rows, err := db.conn.QueryContext(ctx, constraintSelect+` ORDER BY offer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query constraints: %w", err)
	}
	defer rows.Close()

	var out []models.OfferConstraint
	for rows.Next() {
		c, err := scanConstraint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating constraints: %w", err)
	}
	return out, nil
}

func (db *DB) DeleteConstraint(ctx context.Context, offerID string) error {
	return deleteRow(ctx, db.conn, "constraint", `DELETE FROM offer_constraints WHERE offer_id = ?`, offerID)
}

func scanConstraint(s scanner) (models.OfferConstraint, error) {
	var (
		c                    models.OfferConstraint
		period, caps         string
		createdAt, updatedAt string
	)
	if err := s.Scan(&c.OfferID, &c.PerUserCap, &period, &c.TotalCap, &caps, &createdAt, &updatedAt); err != nil {
		return models.OfferConstraint{}, err
	}
	c.FrequencyPeriod = models.FrequencyPeriod(period)
	if err := decodeJSON(caps, &c.PerPlacementCaps); err != nil {
		return models.OfferConstraint{}, fmt.Errorf("failed to decode placement caps: %w", err)
	}
	var err error
	if c.CreatedAt, c.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
		return models.OfferConstraint{}, err
	}
	return c, nil
}
