// ABOUTME: Envelope journal persistence for sent and received A2A envelopes
// ABOUTME: Implements the Journal interface on SQLiteStore

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RecordEnvelope appends a row to the journal and sets rec.ID.
func (s *SQLiteStore) RecordEnvelope(ctx context.Context, rec *EnvelopeRecord) error {
	if rec.Agent == "" {
		return errors.New("agent is required")
	}
	if rec.Direction != DirectionInbound && rec.Direction != DirectionOutbound {
		return fmt.Errorf("invalid direction %q", rec.Direction)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO envelopes (agent, direction, envelope_id, kind, peer, text, payload, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Agent,
		string(rec.Direction),
		rec.EnvelopeID,
		rec.Kind,
		rec.Peer,
		rec.Text,
		rec.Payload,
		errText,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting envelope: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading envelope row id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListEnvelopes returns journal rows matching filter, newest first.
func (s *SQLiteStore) ListEnvelopes(ctx context.Context, filter EnvelopeFilter) ([]*EnvelopeRecord, error) {
	var where []string
	var args []any

	if filter.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, filter.Agent)
	}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(filter.Direction))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT id, agent, direction, envelope_id, kind, peer, text, payload, error, created_at FROM envelopes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying envelopes: %w", err)
	}
	defer rows.Close()

	var records []*EnvelopeRecord
	for rows.Next() {
		var rec EnvelopeRecord
		var direction, createdAtStr string
		var errText sql.NullString

		if err := rows.Scan(
			&rec.ID,
			&rec.Agent,
			&direction,
			&rec.EnvelopeID,
			&rec.Kind,
			&rec.Peer,
			&rec.Text,
			&rec.Payload,
			&errText,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning envelope: %w", err)
		}

		rec.Direction = Direction(direction)
		rec.Error = errText.String
		rec.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating envelopes: %w", err)
	}
	return records, nil
}
