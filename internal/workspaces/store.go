package workspaces

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

var ErrNotFound = errors.New("workspace not found")

// Metadata is the workspace descriptor attached to billing reports.
type Metadata struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	OwnerID      uuid.UUID `json:"owner_id"`
	OwnerEmail   string    `json:"owner_email,omitempty"`
	ProjectCount int64     `json:"project_count"`
	MemberCount  int64     `json:"member_count"`
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store looks up workspace metadata owned elsewhere in the platform.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

const metadataSQL = `
	SELECT w.id, w.name, w.owner_id, COALESCE(w.owner_email, ''),
	       (SELECT COUNT(*) FROM projects p WHERE p.workspace_id = w.id),
	       (SELECT COUNT(*) FROM workspace_members m WHERE m.workspace_id = w.id)
	FROM workspaces w
	WHERE w.id = $1
`

// GetMetadata returns the workspace's name, owner, and counts.
func (s *Store) GetMetadata(ctx context.Context, workspaceID uuid.UUID) (Metadata, error) {
	if s == nil || s.db == nil {
		return Metadata{}, fmt.Errorf("workspace store not initialized")
	}

	var (
		meta        Metadata
		id, ownerID pgtype.UUID
	)
	err := s.db.QueryRow(ctx, metadataSQL, pgtype.UUID{Bytes: workspaceID, Valid: true}).Scan(
		&id, &meta.Name, &ownerID, &meta.OwnerEmail, &meta.ProjectCount, &meta.MemberCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("query workspace metadata: %w", err)
	}

	if id.Valid {
		meta.ID, _ = uuid.FromBytes(id.Bytes[:])
	}
	if ownerID.Valid {
		meta.OwnerID, _ = uuid.FromBytes(ownerID.Bytes[:])
	}
	return meta, nil
}
