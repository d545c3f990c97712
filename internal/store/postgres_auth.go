package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.LastLogin, &u.Disabled); err != nil {
		return nil, err
	}
	return &u, nil
}

const userColumns = `id, username, email, password_hash, role, created_at, last_login, disabled`

func (p *Postgres) InsertUser(ctx context.Context, u *User) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, created_at, disabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.CreatedAt, u.Disabled)
	if isUniqueViolation(err) {
		return errs.New(errs.KindConflict, "username already exists")
	}
	return mapErr(err, "")
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	u, err := scanUser(row)
	if err != nil {
		return nil, mapErr(err, "user not found")
	}
	return u, nil
}

func (p *Postgres) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, mapErr(err, "user not found")
	}
	return u, nil
}

func (p *Postgres) UpdateUserLastLogin(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapErr(err, "")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "user not found")
	}
	return nil
}

const apiKeyColumns = `id, user_id, prefix, hash, role, created_at, last_used, expires_at, revoked`

func scanApiKey(row pgx.Row) (*ApiKey, error) {
	var k ApiKey
	if err := row.Scan(&k.ID, &k.UserID, &k.Prefix, &k.Hash, &k.Role, &k.CreatedAt, &k.LastUsed, &k.ExpiresAt, &k.Revoked); err != nil {
		return nil, err
	}
	return &k, nil
}

func (p *Postgres) InsertApiKey(ctx context.Context, k *ApiKey) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, prefix, hash, role, created_at, expires_at, revoked)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		k.ID, k.UserID, k.Prefix, k.Hash, k.Role, k.CreatedAt, k.ExpiresAt, k.Revoked)
	return mapErr(err, "")
}

func (p *Postgres) GetApiKeyByHash(ctx context.Context, hash string) (*ApiKey, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE hash = $1 AND NOT revoked`, hash)
	k, err := scanApiKey(row)
	if err != nil {
		return nil, mapErr(err, "api key not found")
	}
	return k, nil
}

func (p *Postgres) UpdateApiKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE api_keys SET last_used = $2 WHERE id = $1`, id, at)
	return mapErr(err, "")
}

const sessionColumns = `id, user_id, token_hash, created_at, expires_at, revoked`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.CreatedAt, &s.ExpiresAt, &s.Revoked); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) InsertSession(ctx context.Context, s *Session) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at, revoked)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		s.ID, s.UserID, s.TokenHash, s.CreatedAt, s.ExpiresAt, s.Revoked)
	return mapErr(err, "")
}

func (p *Postgres) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, tokenHash)
	s, err := scanSession(row)
	if err != nil {
		return nil, mapErr(err, "session not found")
	}
	return s, nil
}

func (p *Postgres) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	row := p.pool.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE user_id = $1 AND NOT revoked`, userID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, mapErr(err, "")
	}
	return n, nil
}

func (p *Postgres) ListActiveSessionsOldestFirst(ctx context.Context, userID string) ([]Session, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 AND NOT revoked ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) RevokeSession(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE sessions SET revoked = true WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "session not found")
	}
	return nil
}

func (p *Postgres) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, mapErr(err, "")
	}
	return int(tag.RowsAffected()), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && pgErrCode(err) == "23505"
}
