package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by the chat_session table.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) queryable {
	if c := db.TxFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const snapshotCols = `id, patient, turns, prescriptions, state, cart, updated_at`

func (r *storePG) scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var s Snapshot
	var patient, turns, prescriptions []byte
	var state, cart []byte
	if err := row.Scan(&s.SessionID, &patient, &turns, &prescriptions, &state, &cart, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patient, &s.Patient); err != nil {
		return nil, fmt.Errorf("decode patient: %w", err)
	}
	if err := json.Unmarshal(turns, &s.Turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	if len(prescriptions) > 0 {
		if err := json.Unmarshal(prescriptions, &s.Prescriptions); err != nil {
			return nil, fmt.Errorf("decode prescriptions: %w", err)
		}
	}
	s.State = state
	s.Cart = cart
	return &s, nil
}

func (r *storePG) Save(ctx context.Context, snap *Snapshot) error {
	patient, err := json.Marshal(snap.Patient)
	if err != nil {
		return fmt.Errorf("encode patient: %w", err)
	}
	turns, err := json.Marshal(snap.Turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}
	prescriptions, err := json.Marshal(snap.Prescriptions)
	if err != nil {
		return fmt.Errorf("encode prescriptions: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO chat_session (id, patient_id, patient, turns, prescriptions, state, cart, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			patient = EXCLUDED.patient,
			turns = EXCLUDED.turns,
			prescriptions = EXCLUDED.prescriptions,
			state = EXCLUDED.state,
			cart = EXCLUDED.cart,
			updated_at = NOW()`,
		snap.SessionID, snap.Patient.ID, patient, turns, prescriptions, nullJSON(snap.State), nullJSON(snap.Cart))
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.SessionID, err)
	}
	return nil
}

func (r *storePG) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	s, err := r.scanSnapshot(r.conn(ctx).QueryRow(ctx, `SELECT `+snapshotCols+` FROM chat_session WHERE id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return s, nil
}

func (r *storePG) Delete(ctx context.Context, sessionID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM chat_session WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *storePG) List(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+snapshotCols+` FROM chat_session ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var items []*Snapshot
	for rows.Next() {
		s, err := r.scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
