// Package session is the wallet unlock abstraction the orchestrator signs
// through. Unlocking runs the vault KDF once; the resulting handle is held
// in memory keyed by session id, and the caller gets back a signed JWT for
// resumption. Passwords are never stored and never leave the Unlock call.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chainpilot/chainpilot/pkg/contracts"
	"github.com/chainpilot/chainpilot/pkg/vault"
)

// Claims is the JWT payload of a session token.
type Claims struct {
	SessionID string `json:"sid"`
	Wallet    string `json:"wallet"`
	jwt.RegisteredClaims
}

// Manager issues and resolves wallet sessions.
type Manager struct {
	vault  *vault.Vault
	secret []byte
	ttl    time.Duration
	clock  func() time.Time

	mu      sync.RWMutex
	handles map[string]*vault.Handle // session id -> unlocked handle
	expiry  map[string]time.Time
}

// NewManager creates a session manager. secret signs session tokens and
// must be process-local; ttl bounds how long an unlock stays usable.
func NewManager(v *vault.Vault, secret []byte, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		vault:   v,
		secret:  secret,
		ttl:     ttl,
		clock:   time.Now,
		handles: make(map[string]*vault.Handle),
		expiry:  make(map[string]time.Time),
	}
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Unlock loads the wallet with the supplied password and opens a session.
// A wrong password surfaces as bad_credentials; no signature is attempted.
func (m *Manager) Unlock(ctx context.Context, name, password string) (string, error) {
	handle, err := m.vault.Load(ctx, name, password)
	if err != nil {
		return "", err
	}

	now := m.clock().UTC()
	sid := uuid.New().String()
	claims := &Claims{
		SessionID: sid,
		Wallet:    name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		handle.Close()
		return "", contracts.Errorf(contracts.ErrInvariant, "sign session token: %v", err)
	}

	m.mu.Lock()
	m.handles[sid] = handle
	m.expiry[sid] = now.Add(m.ttl)
	m.mu.Unlock()
	return token, nil
}

// Resolve validates a session token and returns the unlocked handle.
func (m *Manager) Resolve(token string) (*vault.Handle, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, contracts.Errorf(contracts.ErrBadCredentials, "unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.clock().UTC() }))
	if err != nil || !parsed.Valid {
		return nil, contracts.Errorf(contracts.ErrBadCredentials, "invalid session token")
	}

	m.mu.RLock()
	handle, ok := m.handles[claims.SessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, contracts.Errorf(contracts.ErrNotFound, "session %s not active", claims.SessionID)
	}
	return handle, nil
}

// HandleFor returns an unlocked handle owning addr, if any session has one.
// This is the lookup the orchestrator signs through.
func (m *Manager) HandleFor(ctx context.Context, addr common.Address) (*vault.Handle, error) {
	now := m.clock().UTC()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sid, h := range m.handles {
		if h.Address() == addr && now.Before(m.expiry[sid]) {
			return h, nil
		}
	}
	return nil, contracts.Errorf(contracts.ErrNotFound, "no unlocked wallet for %s", addr.Hex())
}

// Lock closes a session's handle and forgets it.
func (m *Manager) Lock(token string) {
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return
	}
	m.mu.Lock()
	if h, ok := m.handles[claims.SessionID]; ok {
		h.Close()
		delete(m.handles, claims.SessionID)
		delete(m.expiry, claims.SessionID)
	}
	m.mu.Unlock()
}

// Prune closes sessions past their expiry.
func (m *Manager) Prune() {
	now := m.clock().UTC()
	m.mu.Lock()
	for sid, exp := range m.expiry {
		if !now.Before(exp) {
			m.handles[sid].Close()
			delete(m.handles, sid)
			delete(m.expiry, sid)
		}
	}
	m.mu.Unlock()
}
