// Package auth verifies bearer tokens for instructors and detection devices.
// Tokens are issued elsewhere; this package only parses them.
package auth

import (
	"errors"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"classroll/internal/model"
)

// Roles carried in the role claim.
const (
	RoleProfessor = "professor"
	RoleDevice    = "device"
)

// Claims represents JWT payload.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Professor maps professor claims to the instructor recorded on a session.
// A non-numeric subject yields ID 0.
func (c Claims) Professor() model.Professor {
	id, _ := strconv.ParseInt(c.Subject, 10, 64)
	return model.Professor{ID: id, Name: c.Name}
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
