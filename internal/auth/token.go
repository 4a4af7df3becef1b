// Package auth mints and verifies the compact service tokens that form
// the engine's entire trust boundary: HMAC-SHA256 signed JWTs carrying
// workspace/datasource/dataset/actor claims.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"querygrid/internal/domain"
)

// Claims are the scope a service token authorizes. The pipeline
// cross-checks them against the request before executing anything.
type Claims struct {
	WorkspaceID  string `json:"workspace_id"`
	DatasourceID string `json:"datasource_id"`
	DatasetID    string `json:"dataset_id"`
	Actor        string `json:"actor"`
}

type tokenClaims struct {
	WorkspaceID  string `json:"workspace_id"`
	DatasourceID string `json:"datasource_id"`
	DatasetID    string `json:"dataset_id"`
	jwt.RegisteredClaims
}

// Service signs and verifies service tokens with a shared HS256 secret.
// Stateless; safe for concurrent use.
type Service struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// New creates a token service. ttl bounds minted token lifetimes.
func New(secret, issuer, audience string, ttl time.Duration) *Service {
	return &Service{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Mint signs a token for the given scope.
func (s *Service) Mint(c Claims) (string, error) {
	now := s.now()
	claims := tokenClaims{
		WorkspaceID:  c.WorkspaceID,
		DatasourceID: c.DatasourceID,
		DatasetID:    c.DatasetID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Actor,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token, failing closed on malformed
// structure, signature mismatch, expiry, and wrong audience or issuer.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, domain.ErrUnauthorized(domain.CodeMissingServiceToken, "service token is required")
	}
	var claims tokenClaims
	tok, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(s.audience),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrUnauthorized(domain.CodeExpiredServiceToken, "service token expired")
		}
		return nil, domain.ErrUnauthorized(domain.CodeInvalidServiceToken, "service token rejected: %v", err)
	}
	if !tok.Valid {
		return nil, domain.ErrUnauthorized(domain.CodeInvalidServiceToken, "service token rejected")
	}
	return &Claims{
		WorkspaceID:  claims.WorkspaceID,
		DatasourceID: claims.DatasourceID,
		DatasetID:    claims.DatasetID,
		Actor:        claims.Subject,
	}, nil
}

// CheckScope cross-checks the token scope against the request's own
// workspace/datasource/dataset.
func (c *Claims) CheckScope(workspaceID, datasourceID, datasetID string) error {
	if workspaceID != "" && c.WorkspaceID != workspaceID {
		return domain.ErrAccessDenied(domain.CodeWorkspaceMismatch, "token workspace does not match request")
	}
	if datasourceID != "" && c.DatasourceID != datasourceID {
		return domain.ErrAccessDenied(domain.CodeDatasourceMismatch, "token datasource does not match request")
	}
	if datasetID != "" && c.DatasetID != "" && c.DatasetID != datasetID {
		return domain.ErrAccessDenied(domain.CodeDatasetMismatch, "token dataset does not match request")
	}
	return nil
}

// SetClock overrides the token clock. Test helper.
func (s *Service) SetClock(now func() time.Time) { s.now = now }
