package database

import (
	"context"
	"database/sql"
	"fmt"

	"offer-decisioning-api/internal/models"
)

const offerColumns = `id, name, type, status, priority, start_date, end_date,
	attributes, rule_id, tags, created_at, updated_at`

// SaveOffer creates or updates an offer.
func (db *DB) SaveOffer(ctx context.Context, offer models.Offer) error {
	attributes, err := encodeJSON(offer.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode offer attributes: %w", err)
	}
	tags, err := encodeJSON(offer.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode offer tags: %w", err)
	}

	query := `INSERT INTO offers (` + offerColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		status = excluded.status,
		priority = excluded.priority,
		start_date = excluded.start_date,
		end_date = excluded.end_date,
		attributes = excluded.attributes,
		rule_id = excluded.rule_id,
		tags = excluded.tags,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query,
		offer.ID,
		offer.Name,
		string(offer.Type),
		string(offer.Status),
		offer.Priority,
		formatOptionalTime(offer.StartDate),
		formatOptionalTime(offer.EndDate),
		attributes,
		offer.RuleID,
		tags,
		formatTime(offer.CreatedAt),
		formatTime(offer.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert offer: %w", err)
	}
	return nil
}

// ListOffers returns every offer ordered by id.
func (db *DB) ListOffers(ctx context.Context) ([]models.Offer, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offers: %w", err)
	}
	return offers, nil
}

// DeleteOffer removes an offer together with its representations and constraint.
func (db *DB) DeleteOffer(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM representations WHERE offer_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete offer representations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM offer_constraints WHERE offer_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete offer constraint: %w", err)
		}
		return deleteRow(ctx, tx, "offer", `DELETE FROM offers WHERE id = ?`, id)
	})
}

func scanOffer(s scanner) (models.Offer, error) {
	var (
		offer                models.Offer
		offerType, status    string
		startDate, endDate   sql.NullString
		attributes, tags     string
		createdAt, updatedAt string
	)
	err := s.Scan(
		&offer.ID,
		&offer.Name,
		&offerType,
		&status,
		&offer.Priority,
		&startDate,
		&endDate,
		&attributes,
		&offer.RuleID,
		&tags,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return models.Offer{}, err
	}
	offer.Type = models.OfferType(offerType)
	offer.Status = models.OfferStatus(status)

	if offer.StartDate, err = parseOptionalTime(startDate); err != nil {
		return models.Offer{}, fmt.Errorf("failed to parse start_date: %w", err)
	}
	if offer.EndDate, err = parseOptionalTime(endDate); err != nil {
		return models.Offer{}, fmt.Errorf("failed to parse end_date: %w", err)
	}
	if err := decodeJSON(attributes, &offer.Attributes); err != nil {
		return models.Offer{}, fmt.Errorf("failed to decode offer attributes: %w", err)
	}
	if err := decodeJSON(tags, &offer.Tags); err != nil {
		return models.Offer{}, fmt.Errorf("failed to decode offer tags: %w", err)
	}
	if offer.CreatedAt, offer.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
		return models.Offer{}, err
	}
	return offer, nil
}

const placementColumns = `id, name, channel, content_type, max_items, created_at, updated_at`

// SavePlacement creates or updates a placement.
func (db *DB) SavePlacement(ctx context.Context, p models.Placement) error {
	query := `INSERT INTO placements (` + placementColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		channel = excluded.channel,
		content_type = excluded.content_type,
		max_items = excluded.max_items,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		p.ID, p.Name, string(p.Channel), string(p.ContentType), p.MaxItems,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert placement: %w", err)
	}
	return nil
}

func (db *DB) ListPlacements(ctx context.Context) ([]models.Placement, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+placementColumns+` FROM placements ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query placements: %w", err)
	}
	defer rows.Close()

	var out []models.Placement
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating placements: %w", err)
	}
	return out, nil
}

// DeletePlacement removes a placement and the representations targeting it.
func (db *DB) DeletePlacement(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM representations WHERE placement_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete placement representations: %w", err)
		}
		return deleteRow(ctx, tx, "placement", `DELETE FROM placements WHERE id = ?`, id)
	})
}

func scanPlacement(s scanner) (models.Placement, error) {
	var (
		p                    models.Placement
		channel, contentType string
		createdAt, updatedAt string
	)
	if err := s.Scan(&p.ID, &p.Name, &channel, &contentType, &p.MaxItems, &createdAt, &updatedAt); err != nil {
		return models.Placement{}, err
	}
	p.Channel = models.Channel(channel)
	p.ContentType = models.ContentType(contentType)
	var err error
	if p.CreatedAt, p.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
		return models.Placement{}, err
	}
	return p, nil
}

const representationColumns = `offer_id, placement_id, content, created_at, updated_at`

// SaveRepresentation creates or replaces the content of an offer for a placement.
func (db *DB) SaveRepresentation(ctx context.Context, rep models.Representation) error {
	content, err := encodeJSON(rep.Content)
	if err != nil {
		return fmt.Errorf("failed to encode representation content: %w", err)
	}

	query := `INSERT INTO representations (` + representationColumns + `)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(offer_id, placement_id) DO UPDATE SET
		content = excluded.content,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query,
		rep.OfferID, rep.PlacementID, content,
		formatTime(rep.CreatedAt), formatTime(rep.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert representation: %w", err)
	}
	return nil
}

func (db *DB) ListRepresentations(ctx context.Context) ([]models.Representation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+representationColumns+` FROM representations ORDER BY offer_id, placement_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query representations: %w", err)
	}
	defer rows.Close()

	var out []models.Representation
	for rows.Next() {
		rep, err := scanRepresentation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating representations: %w", err)
	}
	return out, nil
}

func (db *DB) DeleteRepresentation(ctx context.Context, offerID, placementID string) error {
	return deleteRow(ctx, db.conn, "representation",
		`DELETE FROM representations WHERE offer_id = ? AND placement_id = ?`, offerID, placementID)
}

func scanRepresentation(s scanner) (models.Representation, error) {
	var (
		rep                  models.Representation
		content              string
		createdAt, updatedAt string
	)
	if err := s.Scan(&rep.OfferID, &rep.PlacementID, &content, &createdAt, &updatedAt); err != nil {
		return models.Representation{}, err
	}
	if err := decodeJSON(content, &rep.Content); err != nil {
		return models.Representation{}, fmt.Errorf("failed to decode representation content: %w", err)
	}
	var err error
	if rep.CreatedAt, rep.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
		return models.Representation{}, err
	}
	return rep, nil
}
