// Package api exposes the REST and event-stream endpoints.
package api

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/recapd/recapd/internal/apperr"
)

// TokenValidator returns a validator for HS256 bearer tokens signed with
// secret. Tokens are issued elsewhere; this service only verifies them and
// extracts the owner identity from the "sub" or "user_id" claim.
func TokenValidator(secret string) func(token string) (string, error) {
	key := []byte(secret)
	return func(tokenString string) (string, error) {
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			return "", apperr.InvalidToken()
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return "", apperr.InvalidToken()
		}
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
		if uid, ok := claims["user_id"].(string); ok && uid != "" {
			return uid, nil
		}
		return "", apperr.InvalidToken()
	}
}
