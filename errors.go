package websub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound     = errors.New("subscription not found")
	ErrDestroyed    = errors.New("manager destroyed")
	ErrUnauthorized = errors.New("hub rejected credentials")
	ErrRateLimited  = errors.New("hub rate limit exceeded")
	ErrHubFailure   = errors.New("hub request failed")
	ErrZeroLease    = errors.New("hub granted a zero lease")
	ErrQueueFull    = errors.New("notification queue full")
)

// HubErrorKind classifies a failed hub request.
type HubErrorKind int

const (
	HubErrorGeneric HubErrorKind = iota
	HubErrorUnauthorized
	HubErrorRateLimited
)

// HubError is returned when the hub answers a subscribe or unsubscribe with a non-2xx status.
type HubError struct {
	Kind       HubErrorKind
	StatusCode int
	Message    string

	// Rate limit metadata, set from the response headers when present.
	RetryAfter time.Duration
	Limit      int
	Remaining  int
	Reset      time.Time
}

func (e *HubError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hub responded %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("hub responded %d", e.StatusCode)
}

// Is lets errors.Is match a HubError against the kind sentinels.
func (e *HubError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Kind == HubErrorUnauthorized
	case ErrRateLimited:
		return e.Kind == HubErrorRateLimited
	case ErrHubFailure:
		return true
	}

	return false
}

// helixError is the error body returned by the Helix API.
type helixError struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// newHubError classifies a non-2xx hub response.
func newHubError(res *http.Response, body []byte) *HubError {
	e := &HubError{
		StatusCode: res.StatusCode,
	}

	switch res.StatusCode {
	case http.StatusUnauthorized:
		e.Kind = HubErrorUnauthorized
	case http.StatusTooManyRequests:
		e.Kind = HubErrorRateLimited
	}

	var he helixError

	if err := json.Unmarshal(body, &he); err == nil && (he.Message != "" || he.Error != "") {
		e.Message = he.Message

		if e.Message == "" {
			e.Message = he.Error
		}
	} else if len(body) > 0 && len(body) <= 512 {
		e.Message = string(body)
	}

	h := res.Header

	if v, err := strconv.Atoi(h.Get("Retry-After")); err == nil {
		e.RetryAfter = time.Duration(v) * time.Second
	}

	if v, err := strconv.Atoi(h.Get("Ratelimit-Limit")); err == nil {
		e.Limit = v
	}

	if v, err := strconv.Atoi(h.Get("Ratelimit-Remaining")); err == nil {
		e.Remaining = v
	}

	if v, err := strconv.ParseInt(h.Get("Ratelimit-Reset"), 10, 64); err == nil {
		e.Reset = time.Unix(v, 0)

		if e.RetryAfter == 0 {
			if wait := time.Until(e.Reset); wait > 0 {
				e.RetryAfter = wait
			}
		}
	}

	return e
}
