package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this client.
// PhoneNumber is the normalized device identity; every control-API call
// acts as exactly one number.
type Claims struct {
	jwt.RegisteredClaims

	PhoneNumber string    `json:"phone_number"`
	Username    string    `json:"username"`
	TokenType   TokenType `json:"token_type"`
}
