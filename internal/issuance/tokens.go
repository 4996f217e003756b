package issuance

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "credtrust/pkg/domain-errors"
)

// AccessClaims scope a bearer token to exactly one grant.
type AccessClaims struct {
	Grant      string `json:"grant"`
	TemplateID string `json:"template"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 access tokens for the credential
// endpoint.
type TokenService struct {
	signingKey []byte
	issuer     string
	audience   string
	now        func() time.Time
}

type TokenOption func(*TokenService)

func WithTimeFunc(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewTokenService(signingKey, issuer, audience string, opts ...TokenOption) *TokenService {
	if signingKey == "" {
		panic("issuance: access token signing key is required")
	}
	s := &TokenService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TokenService) Generate(grant *Grant, issuedAt time.Time, expiresIn time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Grant:      grant.CodeHash,
		TemplateID: grant.TemplateID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			Subject:   grant.Recipient.ID,
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "sign access token")
	}
	return signed, nil
}

func (s *TokenService) Validate(tokenString string) (*AccessClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeInvalidToken, "access token has expired")
		}
		return nil, dErrors.New(dErrors.CodeInvalidToken, "invalid access token")
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid || claims.Grant == "" {
		return nil, dErrors.New(dErrors.CodeInvalidToken, "invalid access token claims")
	}
	return claims, nil
}
