package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token lifetimes. Refresh expiry depends on the "remember" flag at login.
const (
	AccessTTL          = 15 * time.Minute
	RefreshTTL         = time.Hour
	RefreshRememberTTL = 7 * 24 * time.Hour
)

// ErrInvalidToken covers bad signature, wrong kind and expiry.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims carried by both token kinds. Kind distinguishes access from refresh
// so one can never be replayed as the other.
type Claims struct {
	AccountID    int64  `json:"account_id"`
	Username     string `json:"username"`
	Usertype     string `json:"usertype"`
	DepartmentID *int64 `json:"department_id,omitempty"`
	Kind         string `json:"kind"`
	jwt.RegisteredClaims
}

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

// IssueAccess signs a short-lived access token.
func IssueAccess(secret string, acc Account) (string, error) {
	now := time.Now()
	claims := Claims{
		AccountID:    acc.ID,
		Username:     acc.Username,
		Usertype:     acc.Usertype,
		DepartmentID: acc.DepartmentID,
		Kind:         kindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// IssueRefresh signs a refresh token. remember extends its lifetime from one
// hour to seven days. The jti identifies the persisted server-side record.
func IssueRefresh(secret string, acc Account, remember bool) (token string, expires time.Time, err error) {
	now := time.Now()
	ttl := RefreshTTL
	if remember {
		ttl = RefreshRememberTTL
	}
	expires = now.Add(ttl)
	claims := Claims{
		AccountID: acc.ID,
		Username:  acc.Username,
		Usertype:  acc.Usertype,
		Kind:      kindRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return token, expires, err
}

// VerifyAccess validates an access token and returns its claims.
func VerifyAccess(secret, token string) (*Claims, error) {
	return verify(secret, token, kindAccess)
}

// VerifyRefresh validates a refresh token and returns its claims.
func VerifyRefresh(secret, token string) (*Claims, error) {
	return verify(secret, token, kindRefresh)
}

func verify(secret, token, kind string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Kind != kind {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// DecodeUnsafe extracts claims without any verification. Used only to log
// which account an invalid or expired token claimed to belong to; never for
// authorization.
func DecodeUnsafe(token string) *Claims {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}
