package authcode

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store against the auth_codes table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed authorization-code store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, record *AuthCode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_codes (
			code, client_id, redirect_uri, user_id, realm, scopes,
			code_challenge, code_challenge_method, granted_permissions,
			created_at, expires_at, used
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		record.Code,
		record.ClientID,
		record.RedirectURI,
		record.UserID,
		record.Realm,
		pq.Array(record.Scopes),
		record.CodeChallenge,
		record.CodeChallengeMethod,
		grantedPermissionsJSON(record.GrantedPermissions),
		record.CreatedAt,
		record.ExpiresAt,
		record.Used,
	)
	if err != nil {
		return fmt.Errorf("authcode: create: %w", err)
	}
	return nil
}

func (p *PostgresStore) Consume(ctx context.Context, code string, now int64) (*AuthCode, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE auth_codes
		SET used = TRUE
		WHERE code = $1 AND used = FALSE AND expires_at > $2
		RETURNING code, client_id, redirect_uri, user_id, realm, scopes,
		          code_challenge, code_challenge_method, granted_permissions,
		          created_at, expires_at
	`, code, now)

	var rec AuthCode
	var grantedRaw []byte
	err := row.Scan(
		&rec.Code, &rec.ClientID, &rec.RedirectURI, &rec.UserID, &rec.Realm, pq.Array(&rec.Scopes),
		&rec.CodeChallenge, &rec.CodeChallengeMethod, &grantedRaw,
		&rec.CreatedAt, &rec.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authcode: consume: %w", err)
	}
	rec.Used = true
	rec.GrantedPermissions = parseGrantedPermissions(grantedRaw)
	return &rec, nil
}
