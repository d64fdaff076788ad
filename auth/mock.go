package auth

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	uidCookie = "x-uid"
	uidHeader = "X-Uid"
)

// MockClient trusts the user id in the x-uid cookie or the X-Uid header. For development only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	var uid string

	if c, err := r.Cookie(uidCookie); err == nil {
		uid = c.Value
	}
	if uid == "" {
		uid = r.Header.Get(uidHeader)
	}

	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", fmt.Errorf("%w: empty %s cookie or %s header", ErrUnauthenticated, uidCookie, uidHeader)
	}
	if len(uid) > 64 || strings.ContainsAny(uid, ":/ ") {
		return "", fmt.Errorf("%w: malformed user id", ErrUnauthenticated)
	}
	return uid, nil
}
