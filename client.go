package websub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"meow.tf/websub-client/model"
)

// DefaultHubURL is the Helix webhooks hub.
const DefaultHubURL = "https://api.twitch.tv/helix/webhooks/hub"

// TokenSource supplies the bearer token for hub requests.
// Refresh is called at most once per request, after the hub rejects the current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Requester sends subscribe and unsubscribe requests to a hub.
type Requester interface {
	Request(ctx context.Context, req model.HubRequest) error
}

// ClientOption represents a Client option.
type ClientOption func(c *Client)

// WithHTTPClient sets the http.Client used for hub requests. A nil client is ignored.
// Its Transport must not retry on its own.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithTimeout sets the per-attempt request timeout.
// A client passed to WithHTTPClient is copied, not modified.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		client := *c.client
		client.Timeout = timeout
		c.client = &client
	}
}

// WithRateLimit limits hub requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClientLogger sets the logger used by the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client executes hub subscribe/unsubscribe requests.
type Client struct {
	hubURL   string
	clientID string
	tokens   TokenSource
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewClient creates a hub client. tokens may be nil for hubs that do not require authentication.
func NewClient(hubURL, clientID string, tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		hubURL:   hubURL,
		clientID: clientID,
		tokens:   tokens,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Request sends req to the hub. A 401 triggers exactly one token refresh and resend;
// every other failure is returned as is. Non-2xx responses are returned as *HubError.
func (c *Client) Request(ctx context.Context, req model.HubRequest) error {
	if err := model.Validate(req); err != nil {
		return err
	}

	body, err := json.Marshal(req)

	if err != nil {
		return errors.Wrap(err, "encode hub request")
	}

	token, err := c.token(ctx, false)

	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		status, hubErr, err := c.send(ctx, body, token)

		if err != nil {
			return err
		}

		if hubErr == nil {
			c.logger.Debug("hub accepted request", "mode", req.Mode, "topic", req.Topic, "status", status)
			return nil
		}

		if status != http.StatusUnauthorized || attempt > 0 || c.tokens == nil {
			return hubErr
		}

		c.logger.Info("hub rejected token, refreshing", "mode", req.Mode, "topic", req.Topic)

		if token, err = c.token(ctx, true); err != nil {
			return err
		}
	}
}

func (c *Client) token(ctx context.Context, refresh bool) (string, error) {
	if c.tokens == nil {
		return "", nil
	}

	var (
		token string
		err   error
	)

	if refresh {
		token, err = c.tokens.Refresh(ctx)
	} else {
		token, err = c.tokens.Token(ctx)
	}

	return token, errors.Wrap(err, "get token")
}

// send performs a single attempt. A transport failure is returned as err; a
// non-2xx response as hubErr.
func (c *Client) send(ctx context.Context, body []byte, token string) (int, *HubError, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, errors.Wrap(err, "rate limit")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubURL, bytes.NewReader(body))

	if err != nil {
		return 0, nil, errors.Wrap(err, "create hub request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Go WebSub Client 1.0 ("+runtime.Version()+")")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.clientID != "" {
		req.Header.Set("Client-ID", c.clientID)
	}

	res, err := c.client.Do(req)

	if err != nil {
		return 0, nil, errors.Wrap(err, "hub request")
	}

	defer res.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	if res.StatusCode >= 200 && res.StatusCode <= 299 {
		return res.StatusCode, nil, nil
	}

	return res.StatusCode, newHubError(res, data), nil
}
