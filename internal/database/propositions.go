package database

import (
	"context"
	"database/sql"
	"fmt"

	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
)

const propositionColumns = `id, offer_id, contact_id, decision_id, placement_id, channel,
	is_fallback, context, status, created_at`

// AppendProposition inserts a proposition. Rows are never updated except for status.
func (db *DB) AppendProposition(ctx context.Context, p models.Proposition) error {
	reqCtx, err := encodeJSON(p.Context)
	if err != nil {
		return fmt.Errorf("failed to encode proposition context: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO propositions (`+propositionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OfferID, p.ContactID, p.DecisionID, p.PlacementID, string(p.Channel),
		p.IsFallback, reqCtx, string(p.Status), formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert proposition: %w", err)
	}
	return nil
}

func (db *DB) GetProposition(ctx context.Context, id string) (models.Proposition, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+propositionColumns+` FROM propositions WHERE id = ?`, id)
	p, err := scanProposition(row)
	if err != nil {
		return models.Proposition{}, notFound(err)
	}
	return p, nil
}

// RecordEvent inserts an offer event and, when status is set, moves the
// proposition to it. Both writes commit together.
func (db *DB) RecordEvent(ctx context.Context, e models.OfferEvent, status models.PropositionStatus) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO offer_events (id, proposition_id, event_type, created_at) VALUES (?, ?, ?, ?)`,
			e.ID, e.PropositionID, string(e.EventType), formatTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert offer event: %w", err)
		}
		if status == "" {
			return nil
		}
		res, err := tx.ExecContext(ctx, `UPDATE propositions SET status = ? WHERE id = ?`, string(status), e.PropositionID)
		if err != nil {
			return fmt.Errorf("failed to update proposition status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update proposition status: %w", err)
		}
		if n == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// ListEvents returns the events of a proposition in insertion order.
func (db *DB) ListEvents(ctx context.Context, propositionID string) ([]models.OfferEvent, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, proposition_id, event_type, created_at FROM offer_events
		WHERE proposition_id = ? ORDER BY rowid`, propositionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offer events: %w", err)
	}
	defer rows.Close()

	var out []models.OfferEvent
	for rows.Next() {
		var (
			e                    models.OfferEvent
			eventType, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.PropositionID, &eventType, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan offer event: %w", err)
		}
		e.EventType = models.EventType(eventType)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offer events: %w", err)
	}
	return out, nil
}

func (db *DB) CountPropositions(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM propositions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count propositions: %w", err)
	}
	return n, nil
}

// ForEachProposition streams propositions in append order. It stops at the
// first error returned by fn.
func (db *DB) ForEachProposition(ctx context.Context, fn func(models.Proposition) error) error {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+propositionColumns+` FROM propositions ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query propositions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProposition(rows)
		if err != nil {
			return fmt.Errorf("failed to scan proposition: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating propositions: %w", err)
	}
	return nil
}

func scanProposition(s scanner) (models.Proposition, error) {
	var (
		p                       models.Proposition
		channel, reqCtx, status string
		createdAt               string
	)
	err := s.Scan(&p.ID, &p.OfferID, &p.ContactID, &p.DecisionID, &p.PlacementID, &channel,
		&p.IsFallback, &reqCtx, &status, &createdAt)
	if err != nil {
		return models.Proposition{}, err
	}
	p.Channel = models.Channel(channel)
	p.Status = models.PropositionStatus(status)
	if err := decodeJSON(reqCtx, &p.Context); err != nil {
		return models.Proposition{}, fmt.Errorf("failed to decode proposition context: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Proposition{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return p, nil
}
