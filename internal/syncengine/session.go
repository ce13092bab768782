package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials is the authentication context the processor must hold before
// draining. ExpiresAt may be zero, in which case expiry is read from the
// access token's exp claim.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the credential can no longer be presented. A token
// whose expiry cannot be determined is treated as expired; the authority is
// the final judge either way.
func (c Credentials) Expired(now time.Time) bool {
	if c.AccessToken == "" {
		return true
	}
	if !c.ExpiresAt.IsZero() {
		return !now.Before(c.ExpiresAt)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return !now.Before(exp.Time)
}

// CredentialStore persists the terminal's session across restarts.
type CredentialStore interface {
	Load() (Credentials, error)
	Save(creds Credentials) error
	Clear() error
}

type fileCredentialStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCredentialStore(path string) (CredentialStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &fileCredentialStore{path: path}, nil
}

func (s *fileCredentialStore) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, nil
		}
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func (s *fileCredentialStore) Save(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type memoryCredentialStore struct {
	mu    sync.Mutex
	creds Credentials
}

func NewMemoryCredentialStore() CredentialStore {
	return &memoryCredentialStore{}
}

func (s *memoryCredentialStore) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, nil
}

func (s *memoryCredentialStore) Save(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	return nil
}

func (s *memoryCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	return nil
}

// SessionRefresher exchanges a refresh token for fresh credentials.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (Credentials, error)
}

// SessionGuardian ensures a valid authentication context before a drain. It
// performs at most one refresh attempt per call; retry-of-refresh belongs to
// the processor's next trigger, not here.
type SessionGuardian struct {
	store     CredentialStore
	refresher SessionRefresher
	now       func() time.Time
	logger    *log.Logger
}

func NewSessionGuardian(store CredentialStore, refresher SessionRefresher, logger *log.Logger) *SessionGuardian {
	if logger == nil {
		logger = log.Default()
	}
	return &SessionGuardian{
		store:     store,
		refresher: refresher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// EnsureValidSession returns live credentials or ErrAuthRequired. The
// no-credential and rejected-credential cases collapse into the same outcome;
// the distinction only shows up in the log line.
func (g *SessionGuardian) EnsureValidSession(ctx context.Context) (Credentials, error) {
	if g == nil || g.store == nil {
		return Credentials{}, ErrAuthRequired
	}
	creds, err := g.store.Load()
	if err != nil {
		return Credentials{}, err
	}
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		g.logger.Printf("session: no stored credential")
		return Credentials{}, ErrAuthRequired
	}
	if !creds.Expired(g.now()) {
		return creds, nil
	}
	if creds.RefreshToken == "" || g.refresher == nil {
		g.logger.Printf("session: credential expired, no refresh token")
		return Credentials{}, ErrAuthRequired
	}
	fresh, err := g.refresher.RefreshSession(ctx, creds.RefreshToken)
	if err != nil {
		g.logger.Printf("session: refresh rejected: %v", err)
		return Credentials{}, fmt.Errorf("session refresh: %w", ErrAuthRequired)
	}
	if err := g.store.Save(fresh); err != nil {
		return Credentials{}, err
	}
	return fresh, nil
}
