package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tessera.id/internal/ids"
)

// PGStore implements the core's store interfaces on PostgreSQL via
// database/sql with the pgx stdlib driver.
type PGStore struct {
	db *sql.DB
}

var (
	_ IdentityStore      = (*PGStore)(nil)
	_ TenantDirectory    = (*PGStore)(nil)
	_ AuthorizationStore = (*PGStore)(nil)
	_ SessionStore       = (*PGStore)(nil)
)

// NewPGStore wraps an open connection pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Tenant directory ----------------------------------------------------------

func (s *PGStore) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, name, status, trial_expires_at, mfa_required,
		       pw_min_length, pw_require_upper, pw_require_digit, pw_require_special, pw_history,
		       session_timeout_seconds, api_quota_daily
		from tenants where id=$1`, tenantID)

	var (
		tenant       Tenant
		status       string
		trialExpires sql.NullTime
		mfaRequired  sql.NullBool
		minLength    sql.NullInt64
		reqUpper     sql.NullBool
		reqDigit     sql.NullBool
		reqSpecial   sql.NullBool
		history      sql.NullInt64
		timeout      sql.NullInt64
		quota        sql.NullInt64
	)
	err := row.Scan(&tenant.ID, &tenant.Name, &status, &trialExpires, &mfaRequired,
		&minLength, &reqUpper, &reqDigit, &reqSpecial, &history, &timeout, &quota)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	tenant.Status = TenantStatus(status)
	if trialExpires.Valid {
		tenant.TrialExpiresAt = trialExpires.Time
	}
	if mfaRequired.Valid {
		v := mfaRequired.Bool
		tenant.MFARequired = &v
	}
	if minLength.Valid {
		tenant.PasswordPolicy = &PasswordPolicy{
			MinLength:      int(minLength.Int64),
			RequireUpper:   reqUpper.Valid && reqUpper.Bool,
			RequireDigit:   reqDigit.Valid && reqDigit.Bool,
			RequireSpecial: reqSpecial.Valid && reqSpecial.Bool,
			HistorySize:    int(history.Int64),
		}
	}
	if timeout.Valid {
		tenant.SessionTimeoutSeconds = int(timeout.Int64)
	}
	if quota.Valid {
		tenant.APIQuotaDaily = int(quota.Int64)
	}
	return tenant, nil
}

// Identity store ------------------------------------------------------------

const subjectColumns = `id, tenant_id, email, role, verified, mfa_enabled, status, failed_logins, locked_until, created_at, updated_at`

func scanSubject(row *sql.Row) (Subject, error) {
	var (
		subject     Subject
		lockedUntil sql.NullTime
	)
	err := row.Scan(&subject.ID, &subject.TenantID, &subject.Email, &subject.Role,
		&subject.Verified, &subject.MFAEnabled, &subject.Status,
		&subject.FailedLogins, &lockedUntil, &subject.CreatedAt, &subject.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		return Subject{}, err
	}
	if lockedUntil.Valid {
		subject.LockedUntil = lockedUntil.Time
	}
	return subject, nil
}

func (s *PGStore) FindSubject(ctx context.Context, subjectID string) (Subject, error) {
	return scanSubject(s.db.QueryRowContext(ctx,
		`select `+subjectColumns+` from subjects where id=$1`, subjectID))
}

func (s *PGStore) FindSubjectByEmail(ctx context.Context, tenantID, email string) (Subject, error) {
	return scanSubject(s.db.QueryRowContext(ctx,
		`select `+subjectColumns+` from subjects where tenant_id=$1 and email=$2`, tenantID, email))
}

func (s *PGStore) CreateSubject(ctx context.Context, subject Subject, passwordHash string) (Subject, error) {
	if subject.ID == "" {
		subject.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Subject{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into subjects(id, tenant_id, email, role, verified, mfa_enabled, status)
		values($1,$2,$3,$4,$5,$6,$7)
		on conflict (tenant_id, email) do nothing`,
		subject.ID, subject.TenantID, subject.Email, subject.Role,
		subject.Verified, subject.MFAEnabled, subject.Status,
	)
	if err != nil {
		return Subject{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Subject{}, fmt.Errorf("%w: %s", ErrAlreadyExists, subject.Email)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into credentials(subject_id, password_hash) values($1,$2)`,
		subject.ID, passwordHash,
	); err != nil {
		return Subject{}, err
	}
	if err := tx.Commit(); err != nil {
		return Subject{}, err
	}
	now := time.Now().UTC()
	subject.CreatedAt = now
	subject.UpdatedAt = now
	return subject, nil
}

func (s *PGStore) FindCredential(ctx context.Context, subjectID string) (Credential, error) {
	var credential Credential
	err := s.db.QueryRowContext(ctx,
		`select subject_id, password_hash from credentials where subject_id=$1`, subjectID,
	).Scan(&credential.SubjectID, &credential.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	return credential, nil
}

func (s *PGStore) UpdateCredential(ctx context.Context, subjectID, passwordHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Archive the hash being replaced before overwriting it.
	if _, err := tx.ExecContext(ctx, `
		insert into credential_history(subject_id, password_hash)
		select subject_id, password_hash from credentials where subject_id=$1`,
		subjectID,
	); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`update credentials set password_hash=$2, updated_at=now() where subject_id=$1`,
		subjectID, passwordHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *PGStore) ListPasswordHistory(ctx context.Context, subjectID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select password_hash from credential_history
		where subject_id=$1 order by created_at desc limit $2`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}

func (s *PGStore) RecordLoginFailure(ctx context.Context, subjectID string, failures int, lockedUntil time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update subjects set failed_logins=$2, locked_until=$3, updated_at=now() where id=$1`,
		subjectID, failures,
		sql.NullTime{Time: lockedUntil, Valid: !lockedUntil.IsZero()})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ResetLoginFailures(ctx context.Context, subjectID string) error {
	res, err := s.db.ExecContext(ctx, `
		update subjects set failed_logins=0, locked_until=null, updated_at=now() where id=$1`,
		subjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Authorization store -------------------------------------------------------

func (s *PGStore) ListGrants(ctx context.Context, tenantID, role string) ([]RoleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select tenant_id, role, resource, action
		from role_grants where tenant_id=$1 and role=$2`, tenantID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []RoleGrant
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(&g.TenantID, &g.Role, &g.Resource, &g.Action); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// Session store -------------------------------------------------------------

func (s *PGStore) Create(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(id, subject_id, tenant_id, refresh_id, issued_at, expires_at, revoked)
		values($1,$2,$3,$4,$5,$6,false)`,
		session.ID, session.SubjectID, session.TenantID, session.RefreshID,
		session.IssuedAt, session.ExpiresAt,
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, subject_id, tenant_id, refresh_id, issued_at, last_refreshed_at, expires_at, revoked
		from sessions where id=$1`, sessionID)

	var (
		session       Session
		lastRefreshed sql.NullTime
	)
	err := row.Scan(&session.ID, &session.SubjectID, &session.TenantID, &session.RefreshID,
		&session.IssuedAt, &lastRefreshed, &session.ExpiresAt, &session.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if lastRefreshed.Valid {
		session.LastRefreshedAt = lastRefreshed.Time
	}
	return session, nil
}

func (s *PGStore) SwapRefreshID(ctx context.Context, sessionID, oldID, newID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set refresh_id=$3, last_refreshed_at=$4
		where id=$1 and refresh_id=$2 and not revoked`,
		sessionID, oldID, newID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the session is gone or another caller already swapped the
		// refresh id: the compare-and-set distinguishes replay from miss.
		if _, findErr := s.Find(ctx, sessionID); errors.Is(findErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTokenReplayed
	}
	return nil
}

func (s *PGStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set last_refreshed_at=$2 where id=$1`, sessionID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Revoke(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true where id=$1`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`select revoked from sessions where id=$1`, sessionID).Scan(&revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	return revoked, nil
}

func (s *PGStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from sessions where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
