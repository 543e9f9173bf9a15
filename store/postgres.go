package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/chatrelay/crypto"
	"github.com/onnwee/chatrelay/platform"
)

// Postgres implements LinkedAccountStore on the linked_accounts table.
// With a keyring, tokens are sealed before they are written
// (encryption_version=1); plaintext rows (version 0) remain readable.
type Postgres struct {
	db   *sql.DB
	keys *crypto.Keyring
}

// NewPostgres wraps an open database. keys may be nil to store plaintext.
func NewPostgres(db *sql.DB, keys *crypto.Keyring) *Postgres {
	return &Postgres{db: db, keys: keys}
}

const selectCols = `user_id, platform, platform_user_id, username, access_token, refresh_token,
	expires_at, scopes, is_moderator, encryption_version, encryption_key_id`

type scanner interface{ Scan(dest ...any) error }

func (s *Postgres) scan(row scanner) (*LinkedAccount, error) {
	var (
		a          LinkedAccount
		p, scopes  string
		expires    sql.NullTime
		encVersion int
		keyID      sql.NullString
	)
	if err := row.Scan(&a.UserID, &p, &a.PlatformUserID, &a.Username, &a.AccessToken, &a.RefreshToken,
		&expires, &scopes, &a.IsModerator, &encVersion, &keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Platform = platform.Platform(p)
	a.Scopes = ParseScopes(scopes)
	if expires.Valid {
		a.ExpiresAt = expires.Time
	}
	if encVersion == 1 {
		if s.keys == nil {
			return nil, fmt.Errorf("token for %s/%s is encrypted but ENCRYPTION_KEY not configured", a.UserID, a.Platform)
		}
		var err error
		if a.AccessToken, err = s.keys.Open(a.AccessToken, keyID.String); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if a.RefreshToken, err = s.keys.Open(a.RefreshToken, keyID.String); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return &a, nil
}

// seal returns the stored form of both tokens plus encryption metadata.
func (s *Postgres) seal(access, refresh string) (string, string, int, sql.NullString, error) {
	if s.keys == nil {
		return access, refresh, 0, sql.NullString{}, nil
	}
	encAccess, keyID, err := s.keys.Seal(access)
	if err != nil {
		return "", "", 0, sql.NullString{}, fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, _, err := s.keys.Seal(refresh)
	if err != nil {
		return "", "", 0, sql.NullString{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return encAccess, encRefresh, 1, sql.NullString{String: keyID, Valid: true}, nil
}

func nullTime(t time.Time) sql.NullTime { return sql.NullTime{Time: t, Valid: !t.IsZero()} }

func (s *Postgres) Get(ctx context.Context, userID string, p platform.Platform) (*LinkedAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM linked_accounts WHERE user_id=$1 AND platform=$2`, userID, string(p))
	return s.scan(row)
}

func (s *Postgres) FindByUsername(ctx context.Context, p platform.Platform, username string) (*LinkedAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM linked_accounts
		WHERE platform=$1 AND lower(username)=lower($2) ORDER BY updated_at DESC LIMIT 1`, string(p), username)
	return s.scan(row)
}

func (s *Postgres) FindByPlatformUserID(ctx context.Context, p platform.Platform, id string) (*LinkedAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM linked_accounts
		WHERE platform=$1 AND platform_user_id=$2 ORDER BY updated_at DESC LIMIT 1`, string(p), id)
	return s.scan(row)
}

func (s *Postgres) Upsert(ctx context.Context, a LinkedAccount) error {
	access, refresh, encVersion, keyID, err := s.seal(a.AccessToken, a.RefreshToken)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO linked_accounts
		(user_id, platform, platform_user_id, username, access_token, refresh_token, expires_at, scopes, is_moderator, encryption_version, encryption_key_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		ON CONFLICT (user_id, platform) DO UPDATE SET
		  platform_user_id=EXCLUDED.platform_user_id,
		  username=EXCLUDED.username,
		  access_token=EXCLUDED.access_token,
		  refresh_token=EXCLUDED.refresh_token,
		  expires_at=EXCLUDED.expires_at,
		  scopes=EXCLUDED.scopes,
		  is_moderator=EXCLUDED.is_moderator,
		  encryption_version=EXCLUDED.encryption_version,
		  encryption_key_id=EXCLUDED.encryption_key_id,
		  updated_at=NOW()`,
		a.UserID, string(a.Platform), a.PlatformUserID, a.Username, access, refresh,
		nullTime(a.ExpiresAt), JoinScopes(a.Scopes), a.IsModerator, encVersion, keyID)
	return err
}

func (s *Postgres) UpdateTokens(ctx context.Context, userID string, p platform.Platform, upd TokenUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.scan(tx.QueryRowContext(ctx, `SELECT `+selectCols+` FROM linked_accounts WHERE user_id=$1 AND platform=$2 FOR UPDATE`, userID, string(p)))
	if err != nil {
		return err
	}
	refresh := upd.RefreshToken
	if refresh == "" {
		refresh = cur.RefreshToken
	}
	scopes := cur.Scopes
	if upd.Scopes != nil {
		scopes = upd.Scopes
	}
	access, refresh, encVersion, keyID, err := s.seal(upd.AccessToken, refresh)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE linked_accounts SET access_token=$1, refresh_token=$2, expires_at=$3, scopes=$4,
		encryption_version=$5, encryption_key_id=$6, updated_at=NOW() WHERE user_id=$7 AND platform=$8`,
		access, refresh, nullTime(upd.ExpiresAt), JoinScopes(scopes), encVersion, keyID, userID, string(p)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Postgres) SetModerator(ctx context.Context, userID string, p platform.Platform, isMod bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE linked_accounts SET is_moderator=$1, updated_at=NOW() WHERE user_id=$2 AND platform=$3`, isMod, userID, string(p))
	return affected(res, err)
}

func (s *Postgres) PropagateModerator(ctx context.Context, userID string, isMod bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE linked_accounts SET is_moderator=$1, updated_at=NOW() WHERE user_id=$2`, isMod, userID)
	return affected(res, err)
}

func (s *Postgres) ListExpiring(ctx context.Context, before time.Time) ([]LinkedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectCols+` FROM linked_accounts
		WHERE refresh_token <> '' AND expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at`, before)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []LinkedAccount
	for rows.Next() {
		a, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
