package history

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mqy/minichat/chatstore"
)

const (
	DefaultLimit = 30
	MaxLimit     = 100
)

// InvalidHistoryQueryError is returned for a query that must be rejected with HTTPStatus.
type InvalidHistoryQueryError struct {
	Reason     string
	HTTPStatus int
}

func (e *InvalidHistoryQueryError) Error() string {
	return "invalid history query: " + e.Reason
}

func invalid(format string, args ...interface{}) *InvalidHistoryQueryError {
	return &InvalidHistoryQueryError{Reason: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// Params is a history query. At most one of BeforeSeq, AfterSeq and BeforeTimestamp is set.
type Params struct {
	ChatType        chatstore.ChatType `json:"chatType"`
	ChatID          string             `json:"chatId"`
	BeforeSeq       *int64             `json:"beforeSeq,omitempty"`
	AfterSeq        *int64             `json:"afterSeq,omitempty"`
	BeforeTimestamp *time.Time         `json:"beforeTimestamp,omitempty"`
	Limit           int                `json:"limit,omitempty"`
	SearchText      string             `json:"searchText,omitempty"`
}

// Mode names the cursor in use, for logs and metrics.
func (p *Params) Mode() string {
	switch {
	case p.BeforeSeq != nil:
		return "beforeSeq"
	case p.AfterSeq != nil:
		return "afterSeq"
	case p.BeforeTimestamp != nil:
		return "beforeTimestamp"
	}
	return "latest"
}

// Validate checks p and fills in the default limit. It is the only gate in front of the store.
func (p *Params) Validate(pageSize int) error {
	if !p.ChatType.Valid() {
		return invalid("chatType must be direct or room, got %q", p.ChatType)
	}
	if strings.TrimSpace(p.ChatID) == "" {
		return invalid("chatId is required")
	}

	n := 0
	for _, set := range []bool{p.BeforeSeq != nil, p.AfterSeq != nil, p.BeforeTimestamp != nil} {
		if set {
			n++
		}
	}
	if n > 1 {
		return invalid("beforeSeq, afterSeq and beforeTimestamp are mutually exclusive")
	}
	if p.BeforeSeq != nil && *p.BeforeSeq < 1 {
		return invalid("beforeSeq must be positive")
	}
	if p.AfterSeq != nil && *p.AfterSeq < 0 {
		return invalid("afterSeq must not be negative")
	}

	if p.Limit < 0 {
		return invalid("limit must not be negative")
	}
	if p.Limit == 0 {
		p.Limit = clampPageSize(pageSize)
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return nil
}

func clampPageSize(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ParseParams reads a query string. It only reports malformed values; combination rules are left to
// Validate.
func ParseParams(q url.Values) (Params, error) {
	p := Params{
		ChatType:   chatstore.ChatType(strings.ToLower(strings.TrimSpace(q.Get("chatType")))),
		ChatID:     strings.TrimSpace(q.Get("chatId")),
		SearchText: q.Get("searchText"),
	}

	var err error
	if p.BeforeSeq, err = parseSeq(q, "beforeSeq"); err != nil {
		return p, err
	}
	if p.AfterSeq, err = parseSeq(q, "afterSeq"); err != nil {
		return p, err
	}
	if v := strings.TrimSpace(q.Get("beforeTimestamp")); v != "" {
		t, err := parseTimestamp(v)
		if err != nil {
			return p, invalid("beforeTimestamp: %v", err)
		}
		p.BeforeTimestamp = &t
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, invalid("limit must be an integer")
		}
		p.Limit = n
	}
	return p, nil
}

func parseSeq(q url.Values, name string) (*int64, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, invalid("%s must be an integer", name)
	}
	return &n, nil
}

// parseTimestamp accepts unix milliseconds or RFC 3339.
func parseTimestamp(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
