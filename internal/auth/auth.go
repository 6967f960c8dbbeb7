// Package auth issues and verifies the gateway's bearer tokens and manages
// user accounts. Tokens are signed JWTs carrying the username, role and a
// unique id used for pre-expiry revocation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/coinflux/gateway/internal/store"
)

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = 30 * time.Minute

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrForbidden          = errors.New("forbidden")
	ErrWeakPassword       = errors.New("password too short")
)

const minPasswordLen = 8

// Identity is the verified caller of a privileged operation.
type Identity struct {
	Username string
	Role     string
	TokenID  string
	Expires  time.Time
}

// Admin reports whether the identity carries the admin role.
func (i Identity) Admin() bool { return i.Role == RoleAdmin }

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service binds the user store, the revocation set and the signing key.
type Service struct {
	users   store.UserStore
	revoked store.RevocationStore
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

// New builds an auth service. ttl <= 0 selects DefaultTTL.
func New(users store.UserStore, revoked store.RevocationStore, secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{users: users, revoked: revoked, secret: secret, ttl: ttl, now: time.Now}
}

// SeedAdmin ensures the configured admin account exists. An already-present
// admin is left untouched.
func (s *Service) SeedAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	err := s.Register(ctx, username, password, RoleAdmin)
	if errors.Is(err, store.ErrUsernameTaken) {
		return nil
	}
	if err == nil {
		log.Info().Str("username", username).Msg("admin account seeded")
	}
	return err
}

// Register creates an account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password, role string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("%w: minimum %d characters", ErrWeakPassword, minPasswordLen)
	}
	if role != RoleAdmin {
		role = RoleUser
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.users.Create(ctx, store.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    s.now().UTC(),
	})
}

// Login checks the credentials and issues a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	u, err := s.users.Get(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a bearer token against signature, expiry and the
// revocation set, returning the caller's identity.
func (s *Service) Verify(ctx context.Context, raw string) (Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || c.Subject == "" || c.ID == "" || c.ExpiresAt == nil {
		return Identity{}, ErrInvalidToken
	}

	revoked, err := s.revoked.IsRevoked(ctx, c.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Identity{}, ErrTokenRevoked
	}

	return Identity{
		Username: c.Subject,
		Role:     c.Role,
		TokenID:  c.ID,
		Expires:  c.ExpiresAt.Time,
	}, nil
}

// Invalidate revokes the identity's token for the rest of its lifetime.
func (s *Service) Invalidate(ctx context.Context, id Identity) error {
	return s.revoked.Revoke(ctx, id.TokenID, id.Expires)
}

// Unregister deletes the caller's own account. Admin accounts cannot be
// unregistered.
func (s *Service) Unregister(ctx context.Context, id Identity) error {
	if id.Admin() {
		return fmt.Errorf("%w: admin cannot be unregistered", ErrForbidden)
	}
	if err := s.users.Delete(ctx, id.Username); err != nil {
		return err
	}
	// The deleted account's live token dies with it.
	return s.revoked.Revoke(ctx, id.TokenID, id.Expires)
}

// Users lists every account; callers gate this on the admin role.
func (s *Service) Users(ctx context.Context) ([]store.User, error) {
	return s.users.List(ctx)
}
