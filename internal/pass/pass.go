package pass

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Pass is an issued gate credential. The token is what a QR encoder renders.
type Pass struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims is the signed payload a gate device can verify offline.
type Claims struct {
	RequestID string `json:"rid"`
	StudentID string `json:"sid"`
	jwt.RegisteredClaims
}

// Issuer mints HS256-signed pass tokens. A random jti makes every token
// unique even for identical validity windows.
type Issuer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer signing with key.
func NewIssuer(key, issuer string) *Issuer {
	return &Issuer{key: []byte(key), issuer: issuer, now: time.Now}
}

// Issue signs a pass bound to the request, expiring at the scheduled return
// time. Persistence is the caller's responsibility.
func (i *Issuer) Issue(requestID, studentID string, returnTime time.Time) (Pass, error) {
	issuedAt := i.now().UTC()
	claims := Claims{
		RequestID: requestID,
		StudentID: studentID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   studentID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(returnTime),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Pass{}, err
	}
	return Pass{Token: token, IssuedAt: issuedAt, ExpiresAt: returnTime}, nil
}

// Verify validates a pass token's signature and returns its claims. Expiry
// is deliberately not rejected here: gates scan returns after the window
// closes, and lateness is judged by the lifecycle manager.
func (i *Issuer) Verify(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return Claims{}, errors.New("invalid pass token")
	}
	if i.issuer != "" && claims.Issuer != i.issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
