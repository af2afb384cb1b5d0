package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrExpiredToken   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrMalformedToken = errors.New("malformed token")
)

const AccessTokenExpiry = time.Hour

// Claims is the security context embedded in an access token at login.
// The device fingerprint, login IP/user agent, and login coordinates are
// optional: not every login embeds every claim (geolocation may have been
// unavailable at issuance). Decoded once per request by the token
// revocation stage and consumed by the session security stage.
type Claims struct {
	jwt.RegisteredClaims
	UserID            string           `json:"uid"`
	Email             string           `json:"email,omitempty"`
	Role              string           `json:"role,omitempty"`
	DeviceFingerprint string           `json:"dfp,omitempty"`
	LoginIP           string           `json:"lip,omitempty"`
	LoginUserAgent    string           `json:"lua,omitempty"`
	LoginLatitude     *float64         `json:"llat,omitempty"`
	LoginLongitude    *float64         `json:"llng,omitempty"`
	LoginCountry      string           `json:"lcc,omitempty"`
	LastReauth        *jwt.NumericDate `json:"last_reauth,omitempty"`
}

// LoginContext is everything captured at token issuance time that the
// session security stage later validates against.
type LoginContext struct {
	UserID            string
	Email             string
	Role              string
	Fingerprint       string
	IP                string
	UserAgent         string
	Latitude          *float64
	Longitude         *float64
	CountryCode       string
	ReauthenticatedAt *time.Time
}

// IssueAccessToken returns a signed JWT carrying the login security context.
func IssueAccessToken(secret string, lc LoginContext) (string, string, error) {
	if secret == "" {
		return "", "", fmt.Errorf("jwt secret is required")
	}
	now := time.Now()
	jti := uuid.New().String()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   lc.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
			ID:        jti,
		},
		UserID:            lc.UserID,
		Email:             lc.Email,
		Role:              lc.Role,
		DeviceFingerprint: lc.Fingerprint,
		LoginIP:           lc.IP,
		LoginUserAgent:    lc.UserAgent,
		LoginLatitude:     lc.Latitude,
		LoginLongitude:    lc.Longitude,
		LoginCountry:      lc.CountryCode,
	}
	if lc.ReauthenticatedAt != nil {
		claims.LastReauth = jwt.NewNumericDate(*lc.ReauthenticatedAt)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// ValidateToken parses and validates the token string; returns claims or error.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrMalformedToken
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrMalformedToken
	}
	return claims, nil
}

// PeekSubject extracts the user id from a token WITHOUT verifying the
// signature. Used only for rate-limit scoping before the revocation stage
// has authenticated the token; never for access decisions.
func PeekSubject(tokenString string) string {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return ""
	}
	if claims, ok := tok.Claims.(*Claims); ok {
		return claims.UserID
	}
	return ""
}
