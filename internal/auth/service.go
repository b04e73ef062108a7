package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomchat/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidUser     = errors.New("username and password are required")
)

// TokenConfig is the per-deployment signing setup. Every component that
// verifies tokens must be built from the same Secret and Issuer.
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
	// EnforceExpiry rejects tokens whose exp claim is missing or in the past.
	// Signature and issuer are checked either way.
	EnforceExpiry bool
}

// Verifier checks tokens without touching the credential store.
type Verifier struct {
	cfg TokenConfig
	now func() time.Time
}

func NewVerifier(cfg TokenConfig) *Verifier {
	return &Verifier{cfg: cfg, now: time.Now}
}

// Authorize verifies signature, algorithm, issuer and (if enforced) expiry and
// returns the identity embedded in the token.
func (v *Verifier) Authorize(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.EnforceExpiry {
		opts = append(opts, jwt.WithExpirationRequired(), jwt.WithIssuer(v.cfg.Issuer))
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(v.cfg.Secret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Issuer != v.cfg.Issuer {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrUnauthenticated, claims.Issuer)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}

	return Identity{Username: claims.Subject, Roles: claims.Roles}, nil
}

func (v *Verifier) issue(username string, roles []string) (string, error) {
	now := v.now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  username,
			Issuer:   v.cfg.Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if v.cfg.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(v.cfg.TTL))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.cfg.Secret))
}

// Authority is the Token Authority: it checks credentials against the store
// and issues tokens the Verifier accepts.
type Authority struct {
	*Verifier
	store Store
}

func NewAuthority(store Store, cfg TokenConfig) *Authority {
	return &Authority{
		Verifier: NewVerifier(cfg),
		store:    store,
	}
}

// Authenticate returns a signed token for valid credentials. Any failure,
// including an unknown user, is reported as ErrUnauthenticated.
func (a *Authority) Authenticate(ctx context.Context, username, password string) (string, error) {
	u, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", ErrUnauthenticated
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return "", ErrUnauthenticated
	}

	ss, err := a.issue(u.Username, u.Roles)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return ss, nil
}

func (a *Authority) Register(ctx context.Context, username, password string, roles []string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" || strings.ContainsAny(username, " \t/") {
		return nil, ErrInvalidUser
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: username,
		Password: string(hashedPwd),
		Roles:    roles,
	}
	return a.store.CreateUser(ctx, u)
}

// Seed registers the given users, skipping ones that already exist so a
// persistent store can be re-seeded on every start.
func (a *Authority) Seed(ctx context.Context, users []config.SeedUser) error {
	for _, su := range users {
		if _, err := a.Register(ctx, su.Username, su.Password, su.Roles); err != nil && !errors.Is(err, ErrUserExists) {
			return fmt.Errorf("seed user %q: %w", su.Username, err)
		}
	}
	return nil
}
