package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/yukyu/fiscal"
)

// MinKeyBytes is the smallest HMAC signing key accepted. Boot refuses
// shorter keys outside development mode.
const MinKeyBytes = 32

// DefaultTokenTTL is the bearer token lifetime.
const DefaultTokenTTL = 8 * time.Hour

const tokenIssuer = "yukyu"

// Claims is the JWT payload: subject carries the username, role the
// access level, and emp the linked employee number when the account
// belongs to an employee.
type Claims struct {
	Role        string `json:"role"`
	EmployeeNum string `json:"emp,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified identity attached to a request.
type Principal struct {
	Username    string
	Role        fiscal.Role
	EmployeeNum fiscal.EmployeeNum
}

// TokenManager issues and verifies HS256 bearer tokens. The key id travels
// in the token header so a rotated-out key is rejected by id before any
// signature work.
type TokenManager struct {
	key   []byte
	keyID string
	ttl   time.Duration
}

// NewTokenManager validates the signing key length and fixes the token
// lifetime. keyID names the key generation, "v1" when rotation is not used.
func NewTokenManager(key []byte, keyID string, ttl time.Duration) (*TokenManager, error) {
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("signing key is %d bytes, need at least %d", len(key), MinKeyBytes)
	}
	if keyID == "" {
		keyID = "v1"
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenManager{key: key, keyID: keyID, ttl: ttl}, nil
}

// Issue signs a token for the user, valid from now for the configured TTL.
func (m *TokenManager) Issue(user fiscal.User, now time.Time) (string, time.Time, error) {
	expires := now.Add(m.ttl)
	claims := Claims{
		Role:        string(user.Role),
		EmployeeNum: string(user.EmployeeNum),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = m.keyID

	signed, err := tok.SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature, issuer, expiry and key id, and returns the
// principal. Malformed input maps to ErrInvalidToken; a well-formed token
// that fails verification maps to ErrUnauthenticated.
func (m *TokenManager) Verify(raw string) (*Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", fiscal.ErrInvalidToken, err)
		}
		return nil, fmt.Errorf("%w: %v", fiscal.ErrUnauthenticated, err)
	}
	return &Principal{
		Username:    claims.Subject,
		Role:        fiscal.Role(claims.Role),
		EmployeeNum: fiscal.EmployeeNum(claims.EmployeeNum),
	}, nil
}

func (m *TokenManager) keyFunc(tok *jwt.Token) (any, error) {
	kid, _ := tok.Header["kid"].(string)
	if kid != m.keyID {
		return nil, fmt.Errorf("unknown signing key id %q", kid)
	}
	return m.key, nil
}
