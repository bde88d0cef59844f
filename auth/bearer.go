package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

var (
	errMissingAuthorizationHeader = errors.New("missing Authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid Authorization header")
)

// BearerTokenFromRequest extracts the ID token from the Authorization header.
func BearerTokenFromRequest(r *http.Request) (string, error) {
	reqToken := r.Header.Get(authorizationHeader)
	if reqToken == "" {
		return "", errMissingAuthorizationHeader
	}
	splitToken := strings.Split(reqToken, bearerPrefix)
	if len(splitToken) != 2 || splitToken[0] != "" {
		return "", errInvalidAuthorizationHeader
	}
	token := strings.TrimSpace(splitToken[1])
	if token == "" {
		return "", errInvalidAuthorizationHeader
	}
	return token, nil
}

// SetBearerToken is the client side of BearerTokenFromRequest.
func SetBearerToken(r *http.Request, idToken string) {
	r.Header.Set(authorizationHeader, bearerPrefix+idToken)
}
