package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nxlb/turnplane/internal/store"
)

// AgentStore implements store.AgentStore backed by Postgres.
type AgentStore struct {
	db *sql.DB
}

func NewPGAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

func (a *AgentStore) GetByKey(ctx context.Context, key string) (store.AgentRecord, error) {
	var id uuid.UUID
	err := a.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE key = $1`, key).Scan(&id)
	if err != nil {
		return store.AgentRecord{}, fmt.Errorf("lookup agent %q: %w", key, err)
	}
	return store.AgentRecord{ID: id, Key: key}, nil
}
