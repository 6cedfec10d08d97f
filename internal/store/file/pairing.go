package file

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// pairingRecord is one entry in the allowlist: a user/channel pair that has
// either been approved or is waiting on a pending code.
type pairingRecord struct {
	UserID      string    `json:"userID"`
	Channel     string    `json:"channel"`
	ChatID      string    `json:"chatID"`
	AgentID     string    `json:"agentID"`
	Code        string    `json:"code"`
	Approved    bool      `json:"approved"`
	RequestedAt time.Time `json:"requestedAt"`
}

func pairingKey(userID, channel string) string {
	return channel + ":" + userID
}

// PairingOptions tune code issuance. Zero values fall back to the defaults
// below.
type PairingOptions struct {
	CodeLength int           // default 6
	Expiry     time.Duration // pending codes older than this are swept; default 10m
	MaxPending int           // cap on outstanding unapproved codes; default 1000
}

const (
	defaultCodeLength = 6
	defaultExpiry     = 10 * time.Minute
	defaultMaxPending = 1000
)

// PairingStore persists pairing approvals to a single JSON file. It
// implements store.PairingStore for standalone (single-tenant) deployments,
// where an operator approves codes with the pairing CLI command rather than
// through a managed admin UI.
type PairingStore struct {
	mu      sync.Mutex
	path    string
	opts    PairingOptions
	records map[string]*pairingRecord
}

// NewPairingStore loads (or creates) the pairing allowlist at path.
func NewPairingStore(path string, opts PairingOptions) (*PairingStore, error) {
	if opts.CodeLength <= 0 {
		opts.CodeLength = defaultCodeLength
	}
	if opts.Expiry <= 0 {
		opts.Expiry = defaultExpiry
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	p := &PairingStore{
		path:    path,
		opts:    opts,
		records: make(map[string]*pairingRecord),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PairingStore) load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pairing store: %w", err)
	}
	var records []*pairingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse pairing store: %w", err)
	}
	for _, r := range records {
		p.records[pairingKey(r.UserID, r.Channel)] = r
	}
	return nil
}

func (p *PairingStore) saveLocked() error {
	records := make([]*pairingRecord, 0, len(p.records))
	for _, r := range p.records {
		records = append(records, r)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pairing store: %w", err)
	}
	if dir := filepath.Dir(p.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create pairing store dir: %w", err)
		}
	}
	return os.WriteFile(p.path, data, 0o644)
}

// IsPaired reports whether userID has an approved record on channel.
func (p *PairingStore) IsPaired(userID, channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[pairingKey(userID, channel)]
	return ok && r.Approved
}

// RequestPairing issues a new pairing code for userID on channel/chatID, or
// returns the existing pending code if one was already requested and not
// yet approved. Fails once MaxPending unapproved codes are outstanding.
func (p *PairingStore) RequestPairing(userID, channel, chatID, agentID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pairingKey(userID, channel)
	if r, ok := p.records[key]; ok && !r.Approved {
		return r.Code, nil
	}

	pending := 0
	for _, r := range p.records {
		if !r.Approved {
			pending++
		}
	}
	if pending >= p.opts.MaxPending {
		return "", fmt.Errorf("pairing: too many pending codes (%d)", pending)
	}

	code, err := generateCode(p.opts.CodeLength)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	p.records[key] = &pairingRecord{
		UserID:      userID,
		Channel:     channel,
		ChatID:      chatID,
		AgentID:     agentID,
		Code:        code,
		RequestedAt: time.Now(),
	}
	if err := p.saveLocked(); err != nil {
		return "", err
	}
	return code, nil
}

// Approve marks the pending request for userID/channel as approved if its
// code matches.
func (p *PairingStore) Approve(userID, channel, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.records[pairingKey(userID, channel)]
	if !ok {
		return fmt.Errorf("no pairing request for %s on %s", userID, channel)
	}
	if r.Code != code {
		return fmt.Errorf("code mismatch")
	}
	r.Approved = true
	return p.saveLocked()
}

// ApproveByCode approves the pending request holding code, the form the
// operator-facing CLI uses (codes are unique enough within the pending set).
func (p *PairingStore) ApproveByCode(code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.records {
		if !r.Approved && r.Code == code {
			r.Approved = true
			return p.saveLocked()
		}
	}
	return fmt.Errorf("no pending pairing request with code %s", code)
}

// Pending lists outstanding unapproved requests, oldest first.
func (p *PairingStore) Pending() []struct{ UserID, Channel, Code string } {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pending []*pairingRecord
	for _, r := range p.records {
		if !r.Approved {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].RequestedAt.Before(pending[j].RequestedAt) })

	var out []struct{ UserID, Channel, Code string }
	for _, r := range pending {
		out = append(out, struct{ UserID, Channel, Code string }{r.UserID, r.Channel, r.Code})
	}
	return out
}

// Sweep evicts pending codes older than the configured expiry. Driven by the
// health monitor's sweep tick.
func (p *PairingStore) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.opts.Expiry)
	dirty := false
	for key, r := range p.records {
		if !r.Approved && r.RequestedAt.Before(cutoff) {
			delete(p.records, key)
			dirty = true
		}
	}
	if dirty {
		p.saveLocked()
	}
}

func generateCode(length int) (string, error) {
	const digits = "0123456789"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}
