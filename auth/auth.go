package auth

import (
	"errors"
	"net/http"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Client interface {
	// Auth authenticates the current user and returns the user id.
	Auth(r *http.Request) (string, error)
}
