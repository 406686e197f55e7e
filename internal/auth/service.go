// Package auth verifies identity-provider tokens and maps them onto tenant profiles.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"corpuschat/internal/config"
	"corpuschat/internal/models"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"

	profileCacheSize = 4096
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrUnknownTenant = errors.New("unknown tenant")
)

// Claims carried by access tokens. The subject is the identity-provider user id.
type Claims struct {
	TenantID int64  `json:"tenant_id"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller of a request.
type Identity struct {
	TenantID  int64
	ProfileID int64
	Subject   string
	Role      string
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Directory resolves tenants and their profiles.
type Directory interface {
	GetTenant(ctx context.Context, id int64) (*models.Tenant, error)
	EnsureProfile(ctx context.Context, tenantID int64, subject string) (*models.Profile, error)
}

// Service validates bearer tokens, either HS256 against a shared secret or
// asymmetric signatures against a JWKS endpoint.
type Service struct {
	directory Directory
	keyfunc   jwt.Keyfunc
	jwks      *keyfunc.JWKS
	parser    *jwt.Parser
	profiles  *lru.Cache
	logger    zerolog.Logger

	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService builds the verifier described by cfg. With a JWKS URL the key
// set is fetched immediately and refreshed in the background until ctx ends.
func NewService(ctx context.Context, cfg config.AuthConfig, directory Directory, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		directory:      directory,
		logger:         logger,
		cookieName:     valueOr(cfg.CookieName, "auth_token"),
		headerName:     "Authorization",
		csrfCookieName: valueOr(cfg.CSRFCookieName, "csrf_token"),
		csrfHeaderName: valueOr(cfg.CSRFHeaderName, "X-CSRF-Token"),
	}

	var methods []string
	switch {
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Ctx:               ctx,
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.Error().Err(err).Msg("jwks refresh error")
			},
		})
		if err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		s.jwks = jwks
		s.keyfunc = jwks.Keyfunc
		methods = []string{"RS256", "RS384", "RS512", "ES256"}
	case cfg.JWTSecret != "":
		secret := []byte(cfg.JWTSecret)
		s.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
		methods = []string{jwt.SigningMethodHS256.Alg()}
	default:
		return nil, errors.New("auth requires jwt_secret or jwks_url")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	s.parser = jwt.NewParser(opts...)

	cache, err := lru.New(profileCacheSize)
	if err != nil {
		return nil, err
	}
	s.profiles = cache
	return s, nil
}

// Close stops the background JWKS refresh.
func (s *Service) Close() {
	if s.jwks != nil {
		s.jwks.EndBackground()
	}
}

// Authenticate verifies the token and returns the caller, creating the
// caller's profile on first sight.
func (s *Service) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if _, err := s.parser.ParseWithClaims(token, &claims, s.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if claims.TenantID <= 0 || subject == "" {
		return nil, fmt.Errorf("%w: tenant_id and sub are required", ErrInvalidToken)
	}
	role := claims.Role
	if role == "" {
		role = RoleMember
	}

	profileID, err := s.profileID(ctx, claims.TenantID, subject)
	if err != nil {
		return nil, err
	}
	return &Identity{TenantID: claims.TenantID, ProfileID: profileID, Subject: subject, Role: role}, nil
}

func (s *Service) profileID(ctx context.Context, tenantID int64, subject string) (int64, error) {
	key := fmt.Sprintf("%d:%s", tenantID, subject)
	if v, ok := s.profiles.Get(key); ok {
		return v.(int64), nil
	}
	if _, err := s.directory.GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUnknownTenant
		}
		return 0, err
	}
	profile, err := s.directory.EnsureProfile(ctx, tenantID, subject)
	if err != nil {
		return 0, err
	}
	s.profiles.Add(key, profile.ID)
	return profile.ID, nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing access tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
