package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the token issued by the platform's auth service.
type Claims struct {
	jwt.RegisteredClaims
	UserID         uuid.UUID `json:"user_id"`
	EmployeeID     uuid.UUID `json:"employee_id"`
	BranchID       uuid.UUID `json:"branch_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Roles          []string  `json:"roles"`
	Permissions    []string  `json:"permissions"`
}

func (c *Claims) Identity() *model.Identity {
	return &model.Identity{
		UserID:         c.UserID,
		EmployeeID:     c.EmployeeID,
		BranchID:       c.BranchID,
		OrganizationID: c.OrganizationID,
		Roles:          c.Roles,
		Permissions:    c.Permissions,
	}
}

type JWTService interface {
	// Issue signs a token for identity. Production tokens come from the auth
	// service; this exists for tooling and tests.
	Issue(identity *model.Identity, ttl time.Duration) (string, error)
	Parse(token string) (*model.Identity, error)
}

type jwtService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTService(secret, issuer string) JWTService {
	return &jwtService{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (s *jwtService) Issue(identity *model.Identity, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:         identity.UserID,
		EmployeeID:     identity.EmployeeID,
		BranchID:       identity.BranchID,
		OrganizationID: identity.OrganizationID,
		Roles:          identity.Roles,
		Permissions:    identity.Permissions,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *jwtService) Parse(token string) (*model.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims.Identity(), nil
}
