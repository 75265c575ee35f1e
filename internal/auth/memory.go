package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tessera.id/internal/ids"
)

// MemoryStore is an in-memory implementation of IdentityStore,
// TenantDirectory, AuthorizationStore and SessionStore. It backs tests and
// single-node deployments; all methods are safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	tenants     map[string]Tenant
	subjects    map[string]Subject
	credentials map[string]string
	// history keeps archived password hashes per subject, newest first.
	history  map[string][]string
	grants   []RoleGrant
	sessions map[string]Session
}

var (
	_ IdentityStore      = (*MemoryStore)(nil)
	_ TenantDirectory    = (*MemoryStore)(nil)
	_ AuthorizationStore = (*MemoryStore)(nil)
	_ SessionStore       = (*MemoryStore)(nil)
)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[string]Tenant),
		subjects:    make(map[string]Subject),
		credentials: make(map[string]string),
		history:     make(map[string][]string),
		sessions:    make(map[string]Session),
	}
}

// AddTenant inserts or replaces a tenant record.
func (m *MemoryStore) AddTenant(tenant Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenant.ID] = tenant
}

// AddGrant registers a role grant.
func (m *MemoryStore) AddGrant(grant RoleGrant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = append(m.grants, grant)
}

func (m *MemoryStore) GetTenant(_ context.Context, tenantID string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, ok := m.tenants[tenantID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return tenant, nil
}

func (m *MemoryStore) FindSubject(_ context.Context, subjectID string) (Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subject, ok := m.subjects[subjectID]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return subject, nil
}

func (m *MemoryStore) FindSubjectByEmail(_ context.Context, tenantID, email string) (Subject, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, subject := range m.subjects {
		if subject.TenantID == tenantID && subject.Email == email {
			return subject, nil
		}
	}
	return Subject{}, ErrNotFound
}

func (m *MemoryStore) CreateSubject(_ context.Context, subject Subject, passwordHash string) (Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.subjects {
		if existing.TenantID == subject.TenantID && existing.Email == subject.Email {
			return Subject{}, fmt.Errorf("%w: %s", ErrAlreadyExists, subject.Email)
		}
	}
	if subject.ID == "" {
		subject.ID = ids.New()
	}
	now := time.Now().UTC()
	subject.CreatedAt = now
	subject.UpdatedAt = now
	m.subjects[subject.ID] = subject
	m.credentials[subject.ID] = passwordHash
	return subject, nil
}

func (m *MemoryStore) FindCredential(_ context.Context, subjectID string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.credentials[subjectID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return Credential{SubjectID: subjectID, PasswordHash: hash}, nil
}

func (m *MemoryStore) UpdateCredential(_ context.Context, subjectID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous, ok := m.credentials[subjectID]
	if !ok {
		return ErrNotFound
	}
	m.history[subjectID] = append([]string{previous}, m.history[subjectID]...)
	m.credentials[subjectID] = passwordHash
	return nil
}

func (m *MemoryStore) ListPasswordHistory(_ context.Context, subjectID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	archived := m.history[subjectID]
	if limit < len(archived) {
		archived = archived[:limit]
	}
	out := make([]string, len(archived))
	copy(out, archived)
	return out, nil
}

func (m *MemoryStore) RecordLoginFailure(_ context.Context, subjectID string, failures int, lockedUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subject, ok := m.subjects[subjectID]
	if !ok {
		return ErrNotFound
	}
	subject.FailedLogins = failures
	subject.LockedUntil = lockedUntil
	subject.UpdatedAt = time.Now().UTC()
	m.subjects[subjectID] = subject
	return nil
}

func (m *MemoryStore) ResetLoginFailures(_ context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subject, ok := m.subjects[subjectID]
	if !ok {
		return ErrNotFound
	}
	subject.FailedLogins = 0
	subject.LockedUntil = time.Time{}
	subject.UpdatedAt = time.Now().UTC()
	m.subjects[subjectID] = subject
	return nil
}

func (m *MemoryStore) ListGrants(_ context.Context, tenantID, role string) ([]RoleGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RoleGrant
	for _, g := range m.grants {
		if g.TenantID == tenantID && g.Role == role {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return fmt.Errorf("%w: session %s", ErrAlreadyExists, session.ID)
	}
	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStore) Find(_ context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (m *MemoryStore) SwapRefreshID(_ context.Context, sessionID, oldID, newID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.RefreshID != oldID {
		return ErrTokenReplayed
	}
	session.RefreshID = newID
	session.LastRefreshedAt = at
	m.sessions[sessionID] = session
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.LastRefreshedAt = at
	m.sessions[sessionID] = session
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.Revoked = true
	m.sessions[sessionID] = session
	return nil
}

func (m *MemoryStore) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		// Unknown sessions read as revoked: they were either never issued
		// or already garbage-collected.
		return true, nil
	}
	return session.Revoked, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, session := range m.sessions {
		if session.ExpiresAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
