package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tabletalk/tabletalk/internal/session"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// Store keeps pending interactions in the pending_interaction table so
// every API replica sees the same protocol state.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ session.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const interactionColumns = `interaction_id, tenant_id, session_id, dataset, question, kind, state, fragment, cardinality, attempts, provider, model, created_at, updated_at, expires_at`

func (s *Store) Get(ctx context.Context, tenantID, id string) (session.Interaction, error) {
	query := `
SELECT ` + interactionColumns + `
FROM pending_interaction
WHERE tenant_id = $1 AND interaction_id = $2 AND expires_at > $3`
	in, err := scanInteraction(s.db.QueryRowContext(ctx, query, tenantID, id, s.now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Interaction{}, session.ErrNotFound
		}
		return session.Interaction{}, fmt.Errorf("get interaction: %w", err)
	}
	return in, nil
}

func (s *Store) FindByKey(ctx context.Context, key session.Key) (session.Interaction, error) {
	query := `
SELECT ` + interactionColumns + `
FROM pending_interaction
WHERE tenant_id = $1 AND session_id = $2 AND dataset = $3 AND kind = $4 AND md5(question) = md5($5) AND question = $5 AND expires_at > $6`
	in, err := scanInteraction(s.db.QueryRowContext(ctx, query,
		key.TenantID, key.SessionID, key.Dataset, string(key.Kind), key.Question, s.now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Interaction{}, session.ErrNotFound
		}
		return session.Interaction{}, fmt.Errorf("find interaction: %w", err)
	}
	return in, nil
}

func (s *Store) Save(ctx context.Context, in session.Interaction) (session.Interaction, error) {
	query := `
INSERT INTO pending_interaction (interaction_id, tenant_id, session_id, dataset, question, kind, state, fragment, cardinality, attempts, provider, model, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (tenant_id, session_id, dataset, kind, md5(question))
DO UPDATE SET interaction_id = EXCLUDED.interaction_id,
    state = EXCLUDED.state,
    fragment = EXCLUDED.fragment,
    cardinality = EXCLUDED.cardinality,
    attempts = EXCLUDED.attempts,
    provider = EXCLUDED.provider,
    model = EXCLUDED.model,
    updated_at = now(),
    expires_at = EXCLUDED.expires_at
RETURNING created_at, updated_at`

	if err := s.db.QueryRowContext(ctx, query,
		in.ID,
		in.TenantID,
		in.SessionID,
		in.Dataset,
		in.Question,
		string(in.Kind),
		string(in.State),
		in.Fragment,
		in.Cardinality,
		in.Attempts,
		in.Provider,
		in.Model,
		in.ExpiresAt.UTC(),
	).Scan(&in.CreatedAt, &in.UpdatedAt); err != nil {
		return session.Interaction{}, fmt.Errorf("save interaction: %w", err)
	}
	return in, nil
}

func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM pending_interaction
WHERE tenant_id = $1 AND interaction_id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete interaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete interaction rows affected: %w", err)
	}
	if affected == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM pending_interaction
WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired interactions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows affected: %w", err)
	}
	return int(affected), nil
}

func scanInteraction(row rowScanner) (session.Interaction, error) {
	var (
		in    session.Interaction
		kind  string
		state string
	)
	if err := row.Scan(
		&in.ID,
		&in.TenantID,
		&in.SessionID,
		&in.Dataset,
		&in.Question,
		&kind,
		&state,
		&in.Fragment,
		&in.Cardinality,
		&in.Attempts,
		&in.Provider,
		&in.Model,
		&in.CreatedAt,
		&in.UpdatedAt,
		&in.ExpiresAt,
	); err != nil {
		return session.Interaction{}, err
	}
	in.Kind = session.Kind(kind)
	in.State = session.State(state)
	return in, nil
}
