package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/docgate-service/internal/model"
)

func (p *Postgres) ArchiveAPIKey(ctx context.Context, key *model.APIKey) error {
	allowList, err := json.Marshal(key.IPAllowList)
	if err != nil {
		return fmt.Errorf("marshal ip_allow_list: %w", err)
	}
	if key.IPAllowList == nil {
		allowList = []byte("[]")
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO api_keys (
			id, key_hash, owner, role, key_class, description,
			ip_allow_list, active, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`,
		key.ID, key.KeyHash, key.Owner, key.Role.String(), string(key.Class), key.Description,
		allowList, key.Active, key.ExpiresAt, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert api_key: %w", err)
	}
	return nil
}

func (p *Postgres) MarkAPIKeyRevoked(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE api_keys SET active = FALSE, revoked_at = $1 WHERE id = $2
	`, at, id)
	if err != nil {
		return fmt.Errorf("revoke api_key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const apiKeyColumns = `id, key_hash, owner, role, key_class, description,
	ip_allow_list, active, expires_at, created_at`

func (p *Postgres) GetArchivedAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query api_key: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query api_key: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanAPIKeyFromRow(rows)
}

func scanAPIKeyFromRow(rows pgx.Rows) (*model.APIKey, error) {
	var key model.APIKey
	var role, class string
	var allowJSON []byte

	err := rows.Scan(
		&key.ID, &key.KeyHash, &key.Owner, &role, &class, &key.Description,
		&allowJSON, &key.Active, &key.ExpiresAt, &key.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api_key: %w", err)
	}

	if key.Role, err = model.ParseRole(role); err != nil {
		return nil, fmt.Errorf("scan api_key: %w", err)
	}
	key.Class = model.KeyClass(class)
	if err := json.Unmarshal(allowJSON, &key.IPAllowList); err != nil {
		return nil, fmt.Errorf("unmarshal ip_allow_list: %w", err)
	}
	return &key, nil
}
