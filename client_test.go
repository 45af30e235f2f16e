package websub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"meow.tf/websub-client/model"
	"meow.tf/websub-client/token"
)

type recordedRequest struct {
	Header http.Header
	Body   map[string]interface{}
}

// hubServer is a fake hub answering each request with the next status in statuses
// (repeating the last one).
type hubServer struct {
	*httptest.Server

	mu       sync.Mutex
	statuses []int
	header   http.Header
	body     string
	requests []recordedRequest
}

func newHubServer(t *testing.T, statuses ...int) *hubServer {
	h := &hubServer{statuses: statuses, header: make(http.Header)}

	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)

		h.mu.Lock()
		h.requests = append(h.requests, recordedRequest{Header: r.Header.Clone(), Body: body})
		n := len(h.requests)
		status := h.statuses[len(h.statuses)-1]

		if n <= len(h.statuses) {
			status = h.statuses[n-1]
		}

		for k, v := range h.header {
			w.Header()[k] = v
		}

		body2 := h.body
		h.mu.Unlock()

		w.WriteHeader(status)
		fmt.Fprint(w, body2)
	}))

	t.Cleanup(h.Close)

	return h
}

func (h *hubServer) Requests() []recordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]recordedRequest(nil), h.requests...)
}

func subscribeRequest() model.HubRequest {
	return model.HubRequest{
		Callback:     "https://subscriber.example.com/webhooks/follows?to_id=1",
		Mode:         model.ModeSubscribe,
		Topic:        "https://api.twitch.tv/helix/users/follows?to_id=1",
		LeaseSeconds: 864000,
		Secret:       "derived",
	}
}

func TestRequestSendsHubBody(t *testing.T) {
	hub := newHubServer(t, http.StatusAccepted)
	c := NewClient(hub.URL, "client-id", token.Static("tok"))

	require.NoError(t, c.Request(context.Background(), subscribeRequest()))

	reqs := hub.Requests()
	require.Len(t, reqs, 1)

	assert.Equal(t, "Bearer tok", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "client-id", reqs[0].Header.Get("Client-ID"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))

	assert.Equal(t, map[string]interface{}{
		"hub.callback":      "https://subscriber.example.com/webhooks/follows?to_id=1",
		"hub.mode":          "subscribe",
		"hub.topic":         "https://api.twitch.tv/helix/users/follows?to_id=1",
		"hub.lease_seconds": float64(864000),
		"hub.secret":        "derived",
	}, reqs[0].Body)
}

func TestRequestRefreshesOnceOn401(t *testing.T) {
	hub := newHubServer(t, http.StatusUnauthorized, http.StatusAccepted)

	var refreshes int32

	tokens := token.Funcs{
		GetFunc: func(context.Context) (string, error) { return "stale", nil },
		RefreshFunc: func(context.Context) (string, error) {
			atomic.AddInt32(&refreshes, 1)
			return "fresh", nil
		},
	}

	c := NewClient(hub.URL, "client-id", tokens)

	require.NoError(t, c.Request(context.Background(), subscribeRequest()))

	reqs := hub.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer stale", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "Bearer fresh", reqs[1].Header.Get("Authorization"))
	assert.Equal(t, reqs[0].Body, reqs[1].Body)
	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
}

func TestRequestSecond401IsTerminal(t *testing.T) {
	hub := newHubServer(t, http.StatusUnauthorized)
	hub.body = `{"error":"Unauthorized","status":401,"message":"invalid oauth token"}`

	var refreshes int32

	tokens := token.Funcs{
		GetFunc: func(context.Context) (string, error) { return "stale", nil },
		RefreshFunc: func(context.Context) (string, error) {
			atomic.AddInt32(&refreshes, 1)
			return "still-bad", nil
		},
	}

	err := NewClient(hub.URL, "client-id", tokens).Request(context.Background(), subscribeRequest())

	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, err, ErrHubFailure)

	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, "invalid oauth token", hubErr.Message)

	assert.Len(t, hub.Requests(), 2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
}

func TestRequestRefreshFailure(t *testing.T) {
	hub := newHubServer(t, http.StatusUnauthorized)

	tokens := token.Funcs{
		GetFunc:     func(context.Context) (string, error) { return "stale", nil },
		RefreshFunc: func(context.Context) (string, error) { return "", fmt.Errorf("refresh token revoked") },
	}

	err := NewClient(hub.URL, "", tokens).Request(context.Background(), subscribeRequest())

	assert.ErrorContains(t, err, "refresh token revoked")
	assert.Len(t, hub.Requests(), 1)
}

func TestRequestRateLimited(t *testing.T) {
	hub := newHubServer(t, http.StatusTooManyRequests)
	hub.header.Set("Ratelimit-Limit", "800")
	hub.header.Set("Ratelimit-Remaining", "0")
	hub.header.Set("Ratelimit-Reset", fmt.Sprint(time.Now().Add(time.Minute).Unix()))
	hub.header.Set("Retry-After", "42")

	err := NewClient(hub.URL, "", token.Static("tok")).Request(context.Background(), subscribeRequest())

	require.ErrorIs(t, err, ErrRateLimited)

	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, HubErrorRateLimited, hubErr.Kind)
	assert.Equal(t, 800, hubErr.Limit)
	assert.Equal(t, 0, hubErr.Remaining)
	assert.Equal(t, 42*time.Second, hubErr.RetryAfter)
	assert.False(t, hubErr.Reset.IsZero())

	assert.Len(t, hub.Requests(), 1)
}

func TestRequestGenericFailureNotRetried(t *testing.T) {
	hub := newHubServer(t, http.StatusBadRequest)
	hub.body = `{"error":"Bad Request","status":400,"message":"invalid callback"}`

	err := NewClient(hub.URL, "", token.Static("tok")).Request(context.Background(), subscribeRequest())

	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, HubErrorGeneric, hubErr.Kind)
	assert.Equal(t, http.StatusBadRequest, hubErr.StatusCode)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "hub responded 400: invalid callback", hubErr.Error())

	assert.Len(t, hub.Requests(), 1)
}

func TestRequestTimeoutNotRetried(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil, WithTimeout(20*time.Millisecond))

	err := c.Request(context.Background(), subscribeRequest())
	require.Error(t, err)

	var hubErr *HubError
	assert.False(t, errors.As(err, &hubErr))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRequestValidation(t *testing.T) {
	hub := newHubServer(t, http.StatusAccepted)

	req := subscribeRequest()
	req.Mode = "publish"

	err := NewClient(hub.URL, "", nil).Request(context.Background(), req)

	var verr model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, hub.Requests())
}

func TestRequestWithoutTokenSource(t *testing.T) {
	hub := newHubServer(t, http.StatusUnauthorized)

	err := NewClient(hub.URL, "", nil).Request(context.Background(), subscribeRequest())

	require.ErrorIs(t, err, ErrUnauthorized)

	reqs := hub.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Header.Get("Authorization"))
}

func TestRequestRateLimiter(t *testing.T) {
	hub := newHubServer(t, http.StatusAccepted)
	c := NewClient(hub.URL, "", nil, WithRateLimit(1000, 1))

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Request(context.Background(), subscribeRequest()))
	}

	assert.Len(t, hub.Requests(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, NewClient(hub.URL, "", nil, WithRateLimit(0.001, 1)).Request(ctx, subscribeRequest()))
}

func TestWithTimeoutCopiesClient(t *testing.T) {
	custom := &http.Client{Timeout: time.Minute}

	c := NewClient(DefaultHubURL, "", nil, WithHTTPClient(custom), WithTimeout(time.Second))

	assert.Equal(t, time.Minute, custom.Timeout)
	assert.Equal(t, time.Second, c.client.Timeout)
	assert.NotSame(t, custom, c.client)
}

func TestWithNilHTTPClient(t *testing.T) {
	var c *Client

	require.NotPanics(t, func() {
		c = NewClient(DefaultHubURL, "", nil, WithHTTPClient(nil), WithTimeout(time.Second))
	})

	require.NotNil(t, c.client)
	assert.Equal(t, time.Second, c.client.Timeout)
}
