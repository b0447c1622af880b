package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL is how long an issued session token stays valid.
const DefaultSessionTTL = 7 * 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified subject of a session token.
type Identity struct {
	UserID string
	Email  string
}

// Claims is the session token payload.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
	Email  string `json:"email"`
}

// Issuer mints and verifies HS256 session tokens. Validity depends only on
// the signature and the expiry; nothing is looked up server-side.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration, now func() time.Time) *Issuer {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: secret, ttl: ttl, now: now}
}

func (i *Issuer) Issue(userID, email string) (string, error) {
	issuedAt := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.ttl)),
		},
		UserID: userID,
		Email:  email,
	})
	return token.SignedString(i.secret)
}

// Verify returns the identity bound to tokenString. Every failure, whatever
// its cause, is reported as ErrInvalidToken.
func (i *Issuer) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
