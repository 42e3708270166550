package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims grant access to one room, or to every room when Room is empty.
type Claims struct {
	Room string `json:"room,omitempty"`
	jwt.RegisteredClaims
}

func IssueToken(secret []byte, subject, room string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Room: room,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func verifyToken(secret []byte, raw, room string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if room != "" && claims.Room != "" && claims.Room != room {
		return nil, fmt.Errorf("%w: token is for room %q", ErrUnauthorized, claims.Room)
	}
	return claims, nil
}

// tokenFromRequest accepts the token query parameter and the Bearer or Jupyter style Authorization header.
func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	for _, prefix := range []string{"Bearer ", "token "} {
		if strings.HasPrefix(h, prefix) {
			return strings.TrimPrefix(h, prefix)
		}
	}
	return ""
}
