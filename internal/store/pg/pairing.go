package pg

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
)

// PairingStore implements store.PairingStore backed by Postgres, for
// managed (multi-tenant) deployments where approvals happen through an
// admin surface rather than by editing a local file.
type PairingStore struct {
	db *sql.DB
}

func NewPGPairingStore(db *sql.DB) *PairingStore {
	return &PairingStore{db: db}
}

func (p *PairingStore) IsPaired(userID, channel string) bool {
	var approved bool
	err := p.db.QueryRow(
		`SELECT approved FROM pairings WHERE user_id = $1 AND channel = $2`,
		userID, channel,
	).Scan(&approved)
	if err != nil {
		return false
	}
	return approved
}

func (p *PairingStore) RequestPairing(userID, channel, chatID, agentID string) (string, error) {
	var existing string
	var approved bool
	err := p.db.QueryRow(
		`SELECT code, approved FROM pairings WHERE user_id = $1 AND channel = $2`,
		userID, channel,
	).Scan(&existing, &approved)
	if err == nil && !approved {
		return existing, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup pairing: %w", err)
	}

	code, err := generatePGCode()
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	_, err = p.db.Exec(
		`INSERT INTO pairings (user_id, channel, chat_id, agent_id, code, approved, requested_at)
		 VALUES ($1, $2, $3, $4, $5, false, now())
		 ON CONFLICT (user_id, channel) DO UPDATE
		 SET chat_id = $3, agent_id = $4, code = $5, approved = false, requested_at = now()`,
		userID, channel, chatID, agentID, code,
	)
	if err != nil {
		return "", fmt.Errorf("insert pairing: %w", err)
	}
	return code, nil
}

func generatePGCode() (string, error) {
	const digits = "0123456789"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}
