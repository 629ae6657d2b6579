package identity

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrCredentialExpired is returned for a well-formed but expired token
	ErrCredentialExpired = errors.New("credential expired")
	// ErrCredentialInvalid is returned for anything that does not verify
	ErrCredentialInvalid = errors.New("credential invalid")
)

// Principal is the authenticated caller
type Principal struct {
	UserID int64
	Role   string
}

// Validator checks bearer credentials
type Validator interface {
	ValidateCredential(token string) (Principal, error)
}

type claims struct {
	UserID int64  `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 tokens signed with a shared secret
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for the shared secret
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// ValidateCredential parses the token and returns its principal
func (v *JWTValidator) ValidateCredential(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrCredentialInvalid
	}

	parser := jwt.Parser{ValidMethods: []string{jwt.SigningMethodHS256.Alg()}}
	var c claims
	_, err := parser.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 &&
			verr.Errors&^jwt.ValidationErrorExpired == 0 {
			return Principal{}, ErrCredentialExpired
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	if c.UserID <= 0 || c.Role == "" {
		return Principal{}, ErrCredentialInvalid
	}
	return Principal{UserID: c.UserID, Role: c.Role}, nil
}

// Issuer signs tokens. Only used by the seed tool and tests; real
// credentials come from the identity provider.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer with the given lifetime
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for the principal
func (i *Issuer) Issue(p Principal) (string, error) {
	now := i.now()
	c := claims{
		UserID: p.UserID,
		Role:   p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
}
