package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_meter/internal/models"
)

// DB is the subset of pgxpool.Pool the ledger store needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the append-only persistent ledger of individual usage events.
// Inserts are idempotent on the event identity; rows are never mutated.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

const insertEventSQL = `
	INSERT INTO usage_events (
		event_id, workspace_id, project_id, card_id, agent_id, run_id,
		provider, model, input_tokens, output_tokens, cost, price, ts
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (event_id) DO NOTHING
`

// InsertEvents bulk-inserts events, skipping rows whose identity already
// exists. Returns the number of rows actually written.
func (s *Store) InsertEvents(ctx context.Context, events []models.UsageEvent) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("ledger store not initialized")
	}

	var inserted int64
	for _, event := range events {
		tag, err := s.db.Exec(ctx, insertEventSQL,
			toPgUUID(event.EventID),
			toPgUUID(event.WorkspaceID),
			toPgNullableUUID(event.ProjectID),
			toPgNullableUUID(event.CardID),
			toPgNullableUUID(event.AgentID),
			toPgNullableUUID(event.RunID),
			event.Provider,
			event.Model,
			event.InputTokens,
			event.OutputTokens,
			event.Cost.String(),
			event.Price.String(),
			pgtype.Timestamptz{Time: event.Timestamp.UTC(), Valid: true},
		)
		if err != nil {
			return inserted, fmt.Errorf("insert usage event %s: %w", event.EventID, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

const selectRangeSQL = `
	SELECT event_id, workspace_id, project_id, card_id, agent_id, run_id,
	       provider, model, input_tokens, output_tokens, cost::text, price::text, ts
	FROM usage_events
	WHERE workspace_id = $1 AND ts >= $2 AND ts < $3
	ORDER BY ts
`

// EventsInRange returns the workspace's events with timestamps in [start, end).
func (s *Store) EventsInRange(ctx context.Context, workspaceID uuid.UUID, start, end time.Time) ([]models.UsageEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}

	rows, err := s.db.Query(ctx, selectRangeSQL,
		toPgUUID(workspaceID),
		pgtype.Timestamptz{Time: start.UTC(), Valid: true},
		pgtype.Timestamptz{Time: end.UTC(), Valid: true},
	)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage events: %w", err)
	}
	return events, nil
}

const activeWorkspacesSQL = `
	SELECT DISTINCT workspace_id
	FROM usage_events
	WHERE ts >= $1
`

// ActiveWorkspaces returns workspaces with at least one event since the cutoff.
func (s *Store) ActiveWorkspaces(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}

	rows, err := s.db.Query(ctx, activeWorkspacesSQL, pgtype.Timestamptz{Time: since.UTC(), Valid: true})
	if err != nil {
		return nil, fmt.Errorf("query active workspaces: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw pgtype.UUID
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan workspace id: %w", err)
		}
		id, err := fromPgUUID(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active workspaces: %w", err)
	}
	return ids, nil
}

func scanEvent(rows pgx.Rows) (models.UsageEvent, error) {
	var (
		event                      models.UsageEvent
		eventID, workspaceID       pgtype.UUID
		projectID, cardID, agentID pgtype.UUID
		runID                      pgtype.UUID
		costText, priceText        string
		ts                         pgtype.Timestamptz
	)
	if err := rows.Scan(
		&eventID, &workspaceID, &projectID, &cardID, &agentID, &runID,
		&event.Provider, &event.Model, &event.InputTokens, &event.OutputTokens,
		&costText, &priceText, &ts,
	); err != nil {
		return models.UsageEvent{}, fmt.Errorf("scan usage event: %w", err)
	}

	var err error
	if event.EventID, err = fromPgUUID(eventID); err != nil {
		return models.UsageEvent{}, err
	}
	if event.WorkspaceID, err = fromPgUUID(workspaceID); err != nil {
		return models.UsageEvent{}, err
	}
	event.ProjectID = fromPgNullableUUID(projectID)
	event.CardID = fromPgNullableUUID(cardID)
	event.AgentID = fromPgNullableUUID(agentID)
	event.RunID = fromPgNullableUUID(runID)

	if event.Cost, err = decimal.NewFromString(costText); err != nil {
		return models.UsageEvent{}, fmt.Errorf("parse event cost: %w", err)
	}
	if event.Price, err = decimal.NewFromString(priceText); err != nil {
		return models.UsageEvent{}, fmt.Errorf("parse event price: %w", err)
	}
	event.Timestamp = ts.Time.UTC()
	return event, nil
}

func toPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func toPgNullableUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return toPgUUID(id)
}

func fromPgUUID(id pgtype.UUID) (uuid.UUID, error) {
	if !id.Valid {
		return uuid.UUID{}, fmt.Errorf("invalid uuid")
	}
	return uuid.FromBytes(id.Bytes[:])
}

func fromPgNullableUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	out, err := uuid.FromBytes(id.Bytes[:])
	if err != nil {
		return uuid.Nil
	}
	return out
}
