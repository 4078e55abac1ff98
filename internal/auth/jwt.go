package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const triggerScope = "trigger"

var ErrInvalidToken = errors.New("invalid token")

// JWT signs and verifies trigger tokens: short HS256 tokens naming the
// calling scheduler.
type JWT struct {
	secret []byte
	now    func() time.Time
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret), now: time.Now}
}

type triggerClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

func (j *JWT) Sign(caller string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := triggerClaims{
		Scope: triggerScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(j.secret)
}

// Verify returns the caller named by a valid trigger token.
func (j *JWT) Verify(tokenStr string) (string, error) {
	var claims triggerClaims
	t, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(j.now), jwt.WithExpirationRequired())
	if err != nil || !t.Valid {
		return "", ErrInvalidToken
	}
	if claims.Scope != triggerScope || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
