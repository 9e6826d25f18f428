package delegatestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/casfa/casfa/internal/pagination"
)

// PostgresStore implements Store against a delegates table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed delegate store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Delegate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO delegates (
			delegate_id, realm, parent_id, chain, depth,
			can_upload, can_manage_depot, delegated_depots,
			scope_node_hash, scope_set_node_id, expires_at,
			is_revoked, revoked_at, revoked_by, created_at,
			current_rt_hash, current_at_hash, at_expires_at, name
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		d.DelegateID,
		d.Realm,
		nullString(d.ParentID),
		pq.Array(d.Chain),
		d.Depth,
		d.CanUpload,
		d.CanManageDepot,
		pq.Array(d.DelegatedDepots),
		nullString(d.ScopeNodeHash),
		nullString(d.ScopeSetNodeID),
		nullInt64(d.ExpiresAt),
		d.IsRevoked,
		nullInt64(d.RevokedAt),
		nullString(d.RevokedBy),
		d.CreatedAt,
		d.CurrentRTHash,
		d.CurrentATHash,
		d.ATExpiresAt,
		nullString(d.Name),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("delegatestore: create: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, delegateID string) (*Delegate, error) {
	row := p.db.QueryRowContext(ctx, delegateSelectCols+` FROM delegates WHERE delegate_id = $1`, delegateID)
	d, err := scanDelegate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delegatestore: get: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) RotateTokens(ctx context.Context, req RotateRequest) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE delegates
		SET current_rt_hash = $1, current_at_hash = $2, at_expires_at = $3
		WHERE delegate_id = $4 AND current_rt_hash = $5
	`, req.NewRTHash, req.NewATHash, req.NewATExpiresAt, req.DelegateID, req.ExpectedRTHash)
	if err != nil {
		return false, fmt.Errorf("delegatestore: rotate: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (p *PostgresStore) Revoke(ctx context.Context, delegateID, by string, now int64) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE delegates
		SET is_revoked = TRUE, revoked_at = $1, revoked_by = $2
		WHERE delegate_id = $3 AND is_revoked = FALSE
	`, now, nullString(by), delegateID)
	if err != nil {
		return false, fmt.Errorf("delegatestore: revoke: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (p *PostgresStore) ListChildren(ctx context.Context, realm, parentID string, limit int, cursor string) (ChildPage, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return ChildPage{}, err
	}

	var rows *sql.Rows
	if after == nil {
		rows, err = p.db.QueryContext(ctx, delegateSelectCols+`
			FROM delegates
			WHERE realm = $1 AND parent_id = $2
			ORDER BY created_at ASC, delegate_id ASC
			LIMIT $3
		`, realm, parentID, limit+1)
	} else {
		rows, err = p.db.QueryContext(ctx, delegateSelectCols+`
			FROM delegates
			WHERE realm = $1 AND parent_id = $2
			  AND (created_at > $3 OR (created_at = $3 AND delegate_id > $4))
			ORDER BY created_at ASC, delegate_id ASC
			LIMIT $5
		`, realm, parentID, after.CreatedAt.UnixMilli(), after.ID, limit+1)
	}
	if err != nil {
		return ChildPage{}, fmt.Errorf("delegatestore: list children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Delegate
	for rows.Next() {
		d, err := scanDelegate(rows)
		if err != nil {
			return ChildPage{}, fmt.Errorf("delegatestore: scan child: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return ChildPage{}, err
	}

	page, nextCursor, hasMore := pagination.ComputePage(out, limit, func(d *Delegate) (time.Time, string) {
		return time.UnixMilli(d.CreatedAt), d.DelegateID
	})
	return ChildPage{Delegates: page, Cursor: nextCursor, HasMore: hasMore}, nil
}

func (p *PostgresStore) GetOrCreateRoot(ctx context.Context, realm string, proposedID string, now int64) (*Delegate, bool, error) {
	if existing, err := p.getRoot(ctx, realm); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	root := &Delegate{
		DelegateID:     proposedID,
		Realm:          realm,
		Chain:          []string{proposedID},
		Depth:          0,
		CanUpload:      true,
		CanManageDepot: true,
		CreatedAt:      now,
	}
	err := p.Create(ctx, root)
	switch {
	case err == nil:
		return root, true, nil
	case err == ErrAlreadyExists:
		existing, rerr := p.getRoot(ctx, realm)
		if rerr != nil {
			return nil, false, rerr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("delegatestore: %w", errRace)
		}
		return existing, false, nil
	default:
		return nil, false, err
	}
}

func (p *PostgresStore) getRoot(ctx context.Context, realm string) (*Delegate, error) {
	row := p.db.QueryRowContext(ctx, delegateSelectCols+`
		FROM delegates WHERE realm = $1 AND parent_id IS NULL
	`, realm)
	d, err := scanDelegate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delegatestore: get root: %w", err)
	}
	return d, nil
}

const delegateSelectCols = `
	SELECT delegate_id, realm, parent_id, chain, depth,
	       can_upload, can_manage_depot, delegated_depots,
	       scope_node_hash, scope_set_node_id, expires_at,
	       is_revoked, revoked_at, revoked_by, created_at,
	       current_rt_hash, current_at_hash, at_expires_at, name
`

type scanner interface {
	Scan(dest ...any) error
}

func scanDelegate(row scanner) (*Delegate, error) {
	var d Delegate
	var parentID, scopeNodeHash, scopeSetNodeID, revokedBy, name sql.NullString
	var expiresAt, revokedAt sql.NullInt64

	err := row.Scan(
		&d.DelegateID, &d.Realm, &parentID, pq.Array(&d.Chain), &d.Depth,
		&d.CanUpload, &d.CanManageDepot, pq.Array(&d.DelegatedDepots),
		&scopeNodeHash, &scopeSetNodeID, &expiresAt,
		&d.IsRevoked, &revokedAt, &revokedBy, &d.CreatedAt,
		&d.CurrentRTHash, &d.CurrentATHash, &d.ATExpiresAt, &name,
	)
	if err != nil {
		return nil, err
	}

	d.ParentID = parentID.String
	d.ScopeNodeHash = scopeNodeHash.String
	d.ScopeSetNodeID = scopeSetNodeID.String
	d.RevokedBy = revokedBy.String
	d.Name = name.String
	d.ExpiresAt = expiresAt.Int64
	d.RevokedAt = revokedAt.Int64
	return &d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
