// Package auth is the authentication plane: token issue and verify,
// password verification, CSRF tokens, and IP-keyed rate limiting.
//
// PURPOSE:
//
//	Everything between "credentials arrive" and "a verified principal with
//	a role is attached to the request" lives here. The API layer composes
//	these pieces into middleware; this package holds the mechanisms.
//
// KEY CONCEPTS:
//
//	Bearer tokens - HS256 JWTs binding subject, role, issued-at, expiry and
//	the signing-key id. Keys are symmetric, at least 32 bytes, and read-only
//	after boot.
//
//	Timing uniformity - every login failure path performs one bcrypt
//	comparison, real or dummy, so "no such user" is not measurably faster
//	than "wrong password".
//
//	Rate buckets - five token buckets per client IP (default, auth, sync,
//	export, backup). The login path always pays the auth bucket.
//
// USAGE:
//
//	tm, err := auth.NewTokenManager(key, "v1", auth.DefaultTokenTTL)
//	svc := auth.NewService(store, tm, false, logger)
//	session, err := svc.Login(ctx, username, password)
//
// SEE ALSO:
//
//	api/middleware.go - request authentication and role enforcement
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/yukyu/fiscal"
)

// UserStore is the account directory the service authenticates against.
type UserStore interface {
	GetUser(ctx context.Context, username string) (*fiscal.User, error)
	ListUsers(ctx context.Context) ([]fiscal.User, error)
	TouchUserLogin(ctx context.Context, username string, at time.Time) error
}

// Session is a successful login: the bearer token, its expiry, and the
// CSRF token the browser must echo on mutations.
type Session struct {
	Token     string
	ExpiresAt time.Time
	CSRFToken string
	User      fiscal.User
}

// Service authenticates users and issues sessions.
type Service struct {
	users          UserStore
	tokens         *TokenManager
	allowPlaintext bool
	log            zerolog.Logger
}

// NewService wires the authentication service. allowPlaintext permits
// legacy plaintext stored credentials and must only be true in development.
func NewService(users UserStore, tokens *TokenManager, allowPlaintext bool, log zerolog.Logger) *Service {
	return &Service{
		users:          users,
		tokens:         tokens,
		allowPlaintext: allowPlaintext,
		log:            log.With().Str("component", "auth").Logger(),
	}
}

// Login verifies credentials and issues a session. All failure branches
// return ErrUnauthenticated and cost one bcrypt comparison.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := s.users.GetUser(ctx, username)
	if err != nil {
		maskTiming(password)
		if fiscal.IsNotFound(err) {
			return nil, fiscal.ErrUnauthenticated
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	if !s.verify(user.PasswordHash, password, username) || !user.Active {
		return nil, fiscal.ErrUnauthenticated
	}

	now := time.Now().UTC()
	token, expires, err := s.tokens.Issue(*user, now)
	if err != nil {
		return nil, err
	}
	csrf, err := NewCSRFToken()
	if err != nil {
		return nil, err
	}
	if err := s.users.TouchUserLogin(ctx, username, now); err != nil {
		s.log.Warn().Err(err).Str("user", username).Msg("record last login")
	}

	s.log.Info().Str("user", username).Str("role", string(user.Role)).Msg("login")
	return &Session{Token: token, ExpiresAt: expires, CSRFToken: csrf, User: *user}, nil
}

// verify runs exactly one password comparison regardless of credential
// format, keeping the timing profile flat.
func (s *Service) verify(stored, given, username string) bool {
	if IsBcryptHash(stored) {
		return VerifyPassword(stored, given)
	}
	maskTiming(given)
	if !s.allowPlaintext {
		s.log.Error().Str("user", username).Msg("legacy plaintext credential rejected")
		return false
	}
	return legacyEqual(stored, given)
}

// Verify validates a bearer token and returns its principal.
func (s *Service) Verify(raw string) (*Principal, error) {
	return s.tokens.Verify(raw)
}

// VetStoredCredentials refuses to boot a production deployment whose user
// directory still contains plaintext credentials.
func (s *Service) VetStoredCredentials(ctx context.Context) error {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		if !IsBcryptHash(u.PasswordHash) {
			return fmt.Errorf("user %s has a legacy plaintext credential; rehash before deploying", u.Username)
		}
	}
	return nil
}
