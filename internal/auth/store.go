package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver, registers as "sqlite"
)

// Device is one registered client device.
type Device struct {
	ID          string    `json:"deviceId"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Platform    string    `json:"platform"`
	SecretHash  string    `json:"-"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Admin       bool      `json:"admin"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt,omitempty"`
}

// InviteToken is a one-time registration credential.
type InviteToken struct {
	Token     string     `json:"token"`
	UserID    string     `json:"userId"`
	Label     string     `json:"label,omitempty"`
	Admin     bool       `json:"admin"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists devices, invite tokens, and the auth audit log in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed creates) the auth database. Path may be
// ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open auth db: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		platform     TEXT NOT NULL DEFAULT '',
		secret_hash  TEXT NOT NULL,
		fingerprint  TEXT NOT NULL DEFAULT '',
		admin        INTEGER NOT NULL DEFAULT 0,
		revoked      INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);

	CREATE TABLE IF NOT EXISTS invite_tokens (
		token      TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		label      TEXT NOT NULL DEFAULT '',
		admin      INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		used_at    TIMESTAMP,
		revoked    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		at         TIMESTAMP NOT NULL,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		subject    TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init auth schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveDevice inserts or replaces a device record.
func (s *Store) SaveDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, name, platform, secret_hash, fingerprint, admin, revoked, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			secret_hash = excluded.secret_hash,
			fingerprint = excluded.fingerprint,
			admin = excluded.admin,
			revoked = excluded.revoked,
			last_seen_at = excluded.last_seen_at`,
		d.ID, d.UserID, d.Name, d.Platform, d.SecretHash, d.Fingerprint,
		boolInt(d.Admin), boolInt(d.Revoked), d.CreatedAt, nullTime(d.LastSeenAt))
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// GetDevice loads one device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, platform, secret_hash, fingerprint, admin, revoked, created_at, last_seen_at
		FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// ListDevices returns all devices, newest first.
func (s *Store) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, platform, secret_hash, fingerprint, admin, revoked, created_at, last_seen_at
		FROM devices ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDeviceRevoked flips the revoked flag.
func (s *Store) SetDeviceRevoked(ctx context.Context, id string, revoked bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET revoked = ? WHERE id = ?`, boolInt(revoked), id)
	if err != nil {
		return fmt.Errorf("set device revoked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// SetDeviceFingerprint records a new hardware fingerprint.
func (s *Store) SetDeviceFingerprint(ctx context.Context, id, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET fingerprint = ? WHERE id = ?`, fingerprint, id)
	return err
}

// TouchDevice updates last_seen_at.
func (s *Store) TouchDevice(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE id = ?`, at, id)
	return err
}

// SaveInviteToken persists a freshly minted token.
func (s *Store) SaveInviteToken(ctx context.Context, t *InviteToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invite_tokens (token, user_id, label, admin, created_at, expires_at, used_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 0)`,
		t.Token, t.UserID, t.Label, boolInt(t.Admin), t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save invite token: %w", err)
	}
	return nil
}

// ConsumeInviteToken atomically marks an unused, unexpired token as used and
// returns it. The single UPDATE guarantees one-time semantics even under
// concurrent registration attempts.
func (s *Store) ConsumeInviteToken(ctx context.Context, token string, now time.Time) (*InviteToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE invite_tokens SET used_at = ?
		WHERE token = ? AND used_at IS NULL AND revoked = 0 AND expires_at > ?`,
		now, token, now)
	if err != nil {
		return nil, fmt.Errorf("consume invite token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Sort out which failure to report.
		t, lookupErr := getInviteToken(ctx, tx, token)
		if lookupErr != nil {
			return nil, ErrTokenNotFound
		}
		switch {
		case t.Revoked:
			return nil, ErrTokenNotFound
		case t.UsedAt != nil:
			return nil, ErrTokenUsed
		case !t.ExpiresAt.After(now):
			return nil, ErrTokenExpired
		default:
			return nil, ErrTokenNotFound
		}
	}

	t, err := getInviteToken(ctx, tx, token)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// ListInviteTokens returns all tokens, newest first.
func (s *Store) ListInviteTokens(ctx context.Context) ([]*InviteToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, user_id, label, admin, created_at, expires_at, used_at, revoked
		FROM invite_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list invite tokens: %w", err)
	}
	defer rows.Close()

	var out []*InviteToken
	for rows.Next() {
		t, err := scanInviteToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RevokeInviteToken marks a token revoked.
func (s *Store) RevokeInviteToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE invite_tokens SET revoked = 1 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("revoke invite token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// AppendAudit records one auth-surface action.
func (s *Store) AppendAudit(ctx context.Context, actor, action, subject, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (at, actor, action, subject, detail) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC(), actor, action, subject, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var admin, revoked int
	var lastSeen sql.NullTime
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &d.SecretHash,
		&d.Fingerprint, &admin, &revoked, &d.CreatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.Admin = admin != 0
	d.Revoked = revoked != 0
	if lastSeen.Valid {
		d.LastSeenAt = lastSeen.Time
	}
	return &d, nil
}

func scanInviteToken(row rowScanner) (*InviteToken, error) {
	var t InviteToken
	var admin, revoked int
	var used sql.NullTime
	err := row.Scan(&t.Token, &t.UserID, &t.Label, &admin, &t.CreatedAt, &t.ExpiresAt, &used, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invite token: %w", err)
	}
	t.Admin = admin != 0
	t.Revoked = revoked != 0
	if used.Valid {
		t.UsedAt = &used.Time
	}
	return &t, nil
}

func getInviteToken(ctx context.Context, tx *sql.Tx, token string) (*InviteToken, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT token, user_id, label, admin, created_at, expires_at, used_at, revoked
		FROM invite_tokens WHERE token = ?`, token)
	return scanInviteToken(row)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
