package ipc

import (
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/childguard/daemon/internal/errs"
)

// adminClaims is the HS256 token minted at set-parent-password time and
// presented in Hello.Token for every admin connection thereafter.
type adminClaims struct {
	jwt.StandardClaims
}

// TokenMinter issues and verifies the admin bearer token, grounded on
// r3e-network-service_layer's own JWT-based service auth pattern and
// realized here with the pack's dgrijalva/jwt-go dependency.
type TokenMinter struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenMinter(secret string, ttl time.Duration) *TokenMinter {
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &TokenMinter{secret: []byte(secret), ttl: ttl}
}

// Mint issues a fresh admin token, called whenever set-parent-password
// succeeds. Every token is signed with the minter's fixed secret, so
// minting a new one does not invalidate tokens issued earlier; they stay
// valid until they expire.
func (m *TokenMinter) Mint() (string, error) {
	now := time.Now()
	claims := adminClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   "parent",
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(m.ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify checks tokenStr's signature and expiry against the current
// secret.
func (m *TokenMinter) Verify(tokenStr string) error {
	claims := &adminClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New(errs.CodeUnauthorized, "unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return errs.New(errs.CodeUnauthorized, "invalid or expired admin token")
	}
	return nil
}
