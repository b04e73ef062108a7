package auth

import "github.com/golang-jwt/jwt/v5"

type User struct {
	ID       int      `json:"id"`
	Username string   `json:"username"`
	Password string   `json:"-"` // bcrypt hash
	Roles    []string `json:"roles"`
}

// Identity is the verified caller as derived from a token.
type Identity struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type AuthorizeRequest struct {
	Token string `json:"token"`
}
