package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
)

// SaveContact creates or updates a contact and its attribute map.
func (db *DB) SaveContact(ctx context.Context, c models.Contact) error {
	attributes, err := encodeJSON(c.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode contact attributes: %w", err)
	}

	query := `INSERT INTO contacts (id, attributes, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		attributes = excluded.attributes,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query, c.ID, attributes, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

func (db *DB) GetContact(ctx context.Context, id string) (models.Contact, error) {
	var (
		c                    models.Contact
		attributes           string
		createdAt, updatedAt string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, attributes, created_at, updated_at FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &attributes, &createdAt, &updatedAt)
	if err != nil {
		return models.Contact{}, notFound(err)
	}
	if err := decodeJSON(attributes, &c.Attributes); err != nil {
		return models.Contact{}, fmt.Errorf("failed to decode contact attributes: %w", err)
	}
	if c.CreatedAt, c.UpdatedAt, err = stamps(createdAt, updatedAt); err != nil {
		return models.Contact{}, err
	}
	return c, nil
}

// AddOrder records a purchase of a contact.
func (db *DB) AddOrder(ctx context.Context, o models.Order) error {
	fields, err := encodeJSON(o.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode order fields: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO orders (id, contact_id, total, fields, placed_at) VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.ContactID, o.Total, fields, formatTime(o.PlacedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	return nil
}

// OrderSummary returns the order count, total value and latest order of a contact.
func (db *DB) OrderSummary(ctx context.Context, contactID string) (models.OrderSummary, error) {
	var summary models.OrderSummary
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total), 0) FROM orders WHERE contact_id = ?`, contactID,
	).Scan(&summary.Count, &summary.TotalValue)
	if err != nil {
		return models.OrderSummary{}, fmt.Errorf("failed to summarise orders: %w", err)
	}
	if summary.Count == 0 {
		return summary, nil
	}

	var (
		o              models.Order
		fields, placed string
	)
	err = db.conn.QueryRowContext(ctx,
		`SELECT id, contact_id, total, fields, placed_at FROM orders
		WHERE contact_id = ? ORDER BY placed_at DESC, rowid DESC LIMIT 1`, contactID,
	).Scan(&o.ID, &o.ContactID, &o.Total, &fields, &placed)
	if err != nil {
		return models.OrderSummary{}, fmt.Errorf("failed to load latest order: %w", err)
	}
	if err := decodeJSON(fields, &o.Fields); err != nil {
		return models.OrderSummary{}, fmt.Errorf("failed to decode order fields: %w", err)
	}
	if o.PlacedAt, err = parseTime(placed); err != nil {
		return models.OrderSummary{}, fmt.Errorf("failed to parse placed_at: %w", err)
	}
	summary.Latest = repository.OrderFields(o)
	return summary, nil
}

// AddActivity records a behavioural event of a contact.
func (db *DB) AddActivity(ctx context.Context, a models.Activity) error {
	fields, err := encodeJSON(a.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode activity fields: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO activities (id, contact_id, name, fields, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.ContactID, a.Name, fields, formatTime(a.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity %s: %w", a.ID, err)
	}
	return nil
}

// ActivitySummary returns the activity count and latest activity of a contact.
func (db *DB) ActivitySummary(ctx context.Context, contactID string) (models.ActivitySummary, error) {
	var (
		a                models.Activity
		fields, occurred string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, contact_id, name, fields, occurred_at FROM activities
		WHERE contact_id = ? ORDER BY occurred_at DESC, rowid DESC LIMIT 1`, contactID,
	).Scan(&a.ID, &a.ContactID, &a.Name, &fields, &occurred)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ActivitySummary{}, nil
	}
	if err != nil {
		return models.ActivitySummary{}, fmt.Errorf("failed to load latest activity: %w", err)
	}

	var summary models.ActivitySummary
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activities WHERE contact_id = ?`, contactID,
	).Scan(&summary.Count); err != nil {
		return models.ActivitySummary{}, fmt.Errorf("failed to count activities: %w", err)
	}
	if err := decodeJSON(fields, &a.Fields); err != nil {
		return models.ActivitySummary{}, fmt.Errorf("failed to decode activity fields: %w", err)
	}
	if a.OccurredAt, err = parseTime(occurred); err != nil {
		return models.ActivitySummary{}, fmt.Errorf("failed to parse occurred_at: %w", err)
	}
	summary.Latest = repository.ActivityFields(a)
	return summary, nil
}
