package session

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session: interaction not found")

type Kind string

const (
	KindQuery Kind = "query"
	KindChart Kind = "chart"
)

func (k Kind) Valid() bool {
	return k == KindQuery || k == KindChart
}

// State of the two-phase protocol. Only previewed interactions are
// stored; idle means no row exists and committed is never persisted.
type State string

const (
	StateIdle      State = "idle"
	StatePreviewed State = "previewed"
	StateCommitted State = "committed"
)

// Key identifies the single pending interaction a session may hold for
// one question about one dataset.
type Key struct {
	TenantID  string
	SessionID string
	Dataset   string
	Kind      Kind
	Question  string
}

type Interaction struct {
	ID          string
	TenantID    string
	SessionID   string
	Dataset     string
	Question    string
	Kind        Kind
	State       State
	Fragment    string
	Cardinality int64
	Attempts    int
	Provider    string
	Model       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

func (i Interaction) Key() Key {
	return Key{TenantID: i.TenantID, SessionID: i.SessionID, Dataset: i.Dataset, Kind: i.Kind, Question: i.Question}
}

type Store interface {
	Get(ctx context.Context, tenantID, id string) (Interaction, error)
	FindByKey(ctx context.Context, key Key) (Interaction, error)
	// Save inserts or replaces the interaction stored under its key.
	Save(ctx context.Context, in Interaction) (Interaction, error)
	Delete(ctx context.Context, tenantID, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
