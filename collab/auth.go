package collab

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the bearer credential claims used at connection time
type AuthClaims struct {
	UserId   string
	UserName string
}

// the client reads its own identity from the token
// the relay is the party that verifies the signature
func ParseAuthUnverified(authToken string) (*AuthClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(authToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return authClaims(token.Claims.(gojwt.MapClaims))
}

// verifies an HS256 signed token
func ParseAuth(authToken string, secret []byte) (*AuthClaims, error) {
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	token, err := parser.Parse(authToken, func(token *gojwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	return authClaims(token.Claims.(gojwt.MapClaims))
}

func authClaims(claims gojwt.MapClaims) (*AuthClaims, error) {
	auth := &AuthClaims{}
	if userId, ok := claims["user_id"].(string); ok {
		auth.UserId = userId
	}
	if name, ok := claims["name"].(string); ok {
		auth.UserName = name
	}
	if auth.UserId == "" {
		return nil, errors.New("Token missing user_id.")
	}
	return auth, nil
}

// a zero `ttl` mints a token without expiry
func NewAuthToken(secret []byte, userId string, userName string, ttl time.Duration) (string, error) {
	if userId == "" {
		return "", fmt.Errorf("Missing user id.")
	}
	claims := gojwt.MapClaims{
		"user_id": userId,
		"name":    userName,
		"iat":     time.Now().Unix(),
	}
	if 0 < ttl {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
