package credential

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the identity claims embedded in a JWT-shaped credential.
// They back the profile fallback when the profile endpoint is unreachable
// and are never used for authorization decisions, so the token signature is
// deliberately not verified here.
type Claims struct {
	Subject  string
	Name     string
	Username string
	Email    string
}

// Empty reports whether no usable claim was extracted.
func (c Claims) Empty() bool {
	return c.Subject == "" && c.Name == "" && c.Username == "" && c.Email == ""
}

// ExtractClaims parses identity claims out of the credential token. Opaque
// (non-JWT) tokens yield zero-value claims without error.
func ExtractClaims(c Credential) Claims {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(c.Token, claims); err != nil {
		return Claims{}
	}

	str := func(key string) string {
		v, ok := claims[key].(string)
		if !ok {
			return ""
		}
		return v
	}

	return Claims{
		Subject:  str("sub"),
		Name:     str("name"),
		Username: str("preferred_username"),
		Email:    str("email"),
	}
}
