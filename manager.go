package websub

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"meow.tf/websub-client/handler"
	"meow.tf/websub-client/model"
	"meow.tf/websub-client/signature"
	"meow.tf/websub-client/store"
	"meow.tf/websub-client/topic"
)

const noReason = "no reason given"

// unsubscribeWindow bounds how long an unsubscribe waits for the hub's verification.
const unsubscribeWindow = time.Hour

// Option represents a Manager option.
type Option func(m *Manager)

// WithSecret sets the manager-wide base secret that per-subscription secrets are derived from.
// Without it a random secret is generated, which is fine as long as records are persisted.
func WithSecret(secret string) Option {
	return func(m *Manager) {
		m.secret = secret
	}
}

// WithLeaseSeconds sets the default requested lease.
func WithLeaseSeconds(seconds int) Option {
	return func(m *Manager) {
		m.leaseSeconds = seconds
	}
}

// WithScheduler replaces the renewal scheduler. The factory receives the function
// the scheduler must call when a renewal is due.
func WithScheduler(factory func(renew RenewFunc) Scheduler) Option {
	return func(m *Manager) {
		m.scheduler = factory(m.renewScheduled)
	}
}

// WithWorker lets you set the worker used to dispatch notifications.
// A custom worker must be started by the caller.
func WithWorker(worker Worker) Option {
	return func(m *Manager) {
		m.worker = worker
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRenewBackoff sets the delay bounds used to retry failed renewals.
func WithRenewBackoff(min, max time.Duration) Option {
	return func(m *Manager) {
		m.retryMin = min
		m.retryMax = max
	}
}

// SubscribeOption customizes a single subscription.
type SubscribeOption func(o *subscribeOptions)

type subscribeOptions struct {
	leaseSeconds int
	secret       string
}

// WithLease requests a lease other than the manager default.
func WithLease(seconds int) SubscribeOption {
	return func(o *subscribeOptions) {
		o.leaseSeconds = seconds
	}
}

// WithSubscriptionSecret derives this subscription's secret from base instead of the manager secret.
func WithSubscriptionSecret(base string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.secret = base
	}
}

// Manager runs the subscription lifecycle: subscribe, hub verification,
// notification delivery, renewal and unsubscribe.
// Register event handlers with On, e.g. m.On(func(e *websub.Message) { ... }).
type Manager struct {
	*handler.Handler

	hub          Requester
	store        store.Store
	scheduler    Scheduler
	worker       Worker
	logger       *slog.Logger
	router       http.Handler
	callback     string
	secret       string
	leaseSeconds int
	now          func() time.Time

	locks         keyedMutex
	inflight      singleflight.Group
	unsubscribing sync.Map

	retryMin time.Duration
	retryMax time.Duration
	retryMu  sync.Mutex
	retries  map[string]*backoff.Backoff

	destroyed atomic.Bool
}

// New creates a subscription manager.
// callback is the externally reachable URL the router is mounted at (hostname plus base path);
// each subscription's callback is callback + "/" + its ID.
func New(callback string, hub Requester, st store.Store, opts ...Option) (*Manager, error) {
	if err := model.ValidateVar("callback", callback, "required,url"); err != nil {
		return nil, err
	}

	if hub == nil || st == nil {
		return nil, errors.New("websub: hub and store are required")
	}

	m := &Manager{
		Handler:      handler.New(),
		hub:          hub,
		store:        st,
		logger:       slog.Default(),
		callback:     strings.TrimRight(callback, "/"),
		leaseSeconds: model.MaxLeaseSeconds,
		now:          time.Now,
		retryMin:     30 * time.Second,
		retryMax:     30 * time.Minute,
		retries:      make(map[string]*backoff.Backoff),
	}

	for _, opt := range opts {
		opt(m)
	}

	if err := model.ValidateVar("lease_seconds", m.leaseSeconds, "min=0,max=864000"); err != nil {
		return nil, err
	}

	if m.secret == "" {
		secret, err := uuid.NewRandom()

		if err != nil {
			return nil, errors.Wrap(err, "generate secret")
		}

		m.secret = secret.String()
	}

	if m.scheduler == nil {
		m.scheduler = NewTimerScheduler(m.renewScheduled)
	}

	if m.worker == nil {
		w := NewGoWorker(m, runtime.NumCPU())
		w.Start()
		m.worker = w
	}

	m.router = m.Router()

	return m, nil
}

// Subscribe subscribes to t with params and returns the subscription ID.
// If a subscription with the same identity already exists its ID is returned and no request is sent.
// When the hub request fails the ID is still returned alongside the error: the record stays
// pending, and the caller may retry later or Unsubscribe.
func (m *Manager) Subscribe(ctx context.Context, t topic.Type, params topic.Params, opts ...SubscribeOption) (string, error) {
	if m.destroyed.Load() {
		return "", ErrDestroyed
	}

	if err := topic.Validate(t, params); err != nil {
		return "", err
	}

	o := subscribeOptions{
		leaseSeconds: m.leaseSeconds,
		secret:       m.secret,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if err := model.ValidateVar("lease_seconds", o.leaseSeconds, "min=0,max=864000"); err != nil {
		return "", err
	}

	id := topic.ID(t, params)

	_, err, _ := m.inflight.Do(id, func() (interface{}, error) {
		return nil, m.subscribe(ctx, t, params, o)
	})

	return id, err
}

func (m *Manager) subscribe(ctx context.Context, t topic.Type, params topic.Params, o subscribeOptions) error {
	id := topic.ID(t, params)
	unlock := m.locks.Lock(id)

	if _, err := m.store.Get(id); err == nil {
		unlock()
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		unlock()
		return errors.Wrap(err, "lookup subscription")
	}

	href := topic.Href(t, params)

	sub := model.Subscription{
		ID:           id,
		TopicType:    t.String(),
		Topic:        href,
		Secret:       signature.DeriveSecret(o.secret, href),
		LeaseSeconds: o.leaseSeconds,
	}

	err := m.store.Persist(sub)
	m.unsubscribing.Delete(id)
	unlock()

	if err != nil {
		return errors.Wrap(err, "persist subscription")
	}

	m.logger.Info("subscribing", "id", id, "topic", href, "lease", o.leaseSeconds)

	if err := m.hub.Request(ctx, m.hubRequest(sub, model.ModeSubscribe)); err != nil {
		m.logger.Warn("subscribe request failed", "id", id, "error", err)
		return err
	}

	return nil
}

// Unsubscribe asks the hub to end the subscription and removes it locally.
// The record is kept only if the request could not be delivered at all; if the hub
// answered with an error the record is still removed and the *HubError returned.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}

	sub, err := m.Get(id)

	if err != nil {
		return err
	}

	m.expireUnsubscribing()
	m.unsubscribing.Store(id, m.now())

	err = m.hub.Request(ctx, m.hubRequest(*sub, model.ModeUnsubscribe))

	var hubErr *HubError

	if err != nil && !errors.As(err, &hubErr) {
		m.unsubscribing.Delete(id)
		return err
	}

	if m.destroyed.Load() {
		m.unsubscribing.Delete(id)
		return ErrDestroyed
	}

	if hubErr != nil {
		// The hub will not send a verification for a rejected request.
		m.unsubscribing.Delete(id)
		m.logger.Warn("hub rejected unsubscribe", "id", id, "status", hubErr.StatusCode, "error", hubErr)
	}

	m.scheduler.Cancel(id)
	m.clearRetry(id)

	unlock := m.locks.Lock(id)
	delErr := m.store.Delete(id)
	unlock()

	if delErr != nil {
		return errors.Wrap(delErr, "delete subscription")
	}

	m.logger.Info("unsubscribed", "id", id)

	return err
}

// expireUnsubscribing forgets unsubscribes the hub never verified.
func (m *Manager) expireUnsubscribing() {
	cutoff := m.now().Add(-unsubscribeWindow)

	m.unsubscribing.Range(func(key, value interface{}) bool {
		if value.(time.Time).Before(cutoff) {
			m.unsubscribing.Delete(key)
		}

		return true
	})
}

// UnsubscribeAll unsubscribes every stored subscription. It attempts all of them and
// returns the first error encountered.
func (m *Manager) UnsubscribeAll(ctx context.Context) error {
	subs, err := m.Subscriptions()

	if err != nil {
		return err
	}

	var first error

	for _, sub := range subs {
		if err := m.Unsubscribe(ctx, sub.ID); err != nil {
			m.logger.Warn("unsubscribe failed", "id", sub.ID, "error", err)

			if first == nil {
				first = err
			}
		}
	}

	return first
}

// Renew re-sends the subscribe request for an existing subscription.
// The record keeps its current lease until the hub verifies the renewal.
func (m *Manager) Renew(ctx context.Context, id string) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}

	sub, err := m.Get(id)

	if err != nil {
		return err
	}

	m.logger.Info("renewing subscription", "id", id)

	return m.hub.Request(ctx, m.hubRequest(*sub, model.ModeSubscribe))
}

// renewScheduled is the scheduler's callback. Failures are reported as Error events
// and retried with backoff while the current lease is still valid.
func (m *Manager) renewScheduled(ctx context.Context, id string) error {
	err := m.Renew(ctx, id)

	if err == nil || m.destroyed.Load() || errors.Is(err, ErrNotFound) {
		return err
	}

	m.emitError(id, errors.Wrap(err, "renew"))

	retrier, ok := m.scheduler.(interface {
		Retry(id string, after time.Duration)
	})

	if !ok {
		return err
	}

	delay := m.nextRetry(id)

	var hubErr *HubError

	if errors.As(err, &hubErr) && hubErr.RetryAfter > delay {
		delay = hubErr.RetryAfter
	}

	sub, getErr := m.Get(id)

	if getErr != nil || sub.End == nil || !m.now().Add(delay).Before(*sub.End) {
		m.logger.Warn("renewal failed, lease will lapse", "id", id, "error", err)
		return err
	}

	m.logger.Warn("renewal failed, retrying", "id", id, "retry_in", delay, "error", err)
	retrier.Retry(id, delay)

	return err
}

func (m *Manager) nextRetry(id string) time.Duration {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()

	b, ok := m.retries[id]

	if !ok {
		b = &backoff.Backoff{
			Min:    m.retryMin,
			Max:    m.retryMax,
			Factor: 2,
			Jitter: true,
		}

		m.retries[id] = b
	}

	return b.Duration()
}

func (m *Manager) clearRetry(id string) {
	m.retryMu.Lock()
	delete(m.retries, id)
	m.retryMu.Unlock()
}

// Verify handles the hub's verification (GET) callback and returns the response body.
// It returns ErrNotFound for unknown subscriptions and a model.ValidationError for malformed requests.
func (m *Manager) Verify(ctx context.Context, query url.Values) (string, error) {
	if m.destroyed.Load() {
		return "", ErrDestroyed
	}

	req, err := decodeVerifyRequest(query)

	if err != nil {
		m.emitError("", err)
		return "", err
	}

	t, params, err := topic.ParseHref(req.Topic)

	if err != nil {
		m.logger.Warn("verification for unknown topic", "topic", req.Topic)
		return "", ErrNotFound
	}

	id := topic.ID(t, params)

	if req.Mode == model.ModeUnsubscribe {
		started, ok := m.unsubscribing.LoadAndDelete(id)

		if !ok || m.now().Sub(started.(time.Time)) > unsubscribeWindow {
			m.logger.Warn("unsubscribe verification for unknown subscription", "id", id)
			return "", ErrNotFound
		}

		m.Go(&Unsubscribed{ID: id, Topic: req.Topic})

		return req.Challenge, nil
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	sub, err := m.Get(id)

	if err != nil {
		m.logger.Warn("verification for unknown subscription", "id", id, "mode", req.Mode)
		return "", err
	}

	switch req.Mode {
	case "", model.ModeDenied:
		return "", m.deny(sub, req.Reason)
	case model.ModeSubscribe:
	default:
		return "", model.ValidationError{Fields: map[string]interface{}{"hub.mode": req.Mode}}
	}

	if req.Challenge == "" {
		return "", model.ValidationError{Fields: map[string]interface{}{"hub.challenge": "required"}}
	}

	lease := sub.LeaseSeconds

	if req.LeaseSeconds != nil {
		lease = *req.LeaseSeconds
	}

	if lease <= 0 {
		m.logger.Info("hub granted a zero lease, dropping subscription", "id", id)

		m.scheduler.Cancel(id)
		m.clearRetry(id)

		if err := m.store.Delete(id); err != nil {
			return "", errors.Wrap(err, "delete subscription")
		}

		m.emitError(id, ErrZeroLease)

		return req.Challenge, nil
	}

	now := m.now()
	end := now.Add(time.Duration(lease) * time.Second)

	sub.Start = &now
	sub.End = &end
	sub.Subscribed = true

	if err := m.store.Save(*sub); err != nil {
		return "", errors.Wrap(err, "save subscription")
	}

	m.clearRetry(id)
	m.scheduler.Schedule(sub.Clone())

	m.logger.Info("subscription verified", "id", id, "lease", lease, "expires", end)
	m.Go(&Subscribed{Subscription: sub.Clone()})

	return req.Challenge, nil
}

func (m *Manager) deny(sub *model.Subscription, reason string) error {
	if reason == "" {
		reason = noReason
	}

	m.scheduler.Cancel(sub.ID)
	m.clearRetry(sub.ID)

	if err := m.store.Delete(sub.ID); err != nil {
		return errors.Wrap(err, "delete subscription")
	}

	m.logger.Warn("subscription denied", "id", sub.ID, "reason", reason)
	m.Go(&Denied{ID: sub.ID, Topic: sub.Topic, Reason: reason})

	return nil
}

// Notify authenticates a notification (POST) callback and queues it for dispatch.
// query is the callback query string; it identifies the subscription together with t.
func (m *Manager) Notify(ctx context.Context, t topic.Type, query url.Values, header http.Header, body []byte) error {
	job, err := m.authenticate(t, query, header, body)

	if err != nil {
		return err
	}

	return m.worker.Add(*job)
}

// authenticate resolves the subscription of a notification and checks its signature.
func (m *Manager) authenticate(t topic.Type, query url.Values, header http.Header, body []byte) (*Job, error) {
	if m.destroyed.Load() {
		return nil, ErrDestroyed
	}

	id := topic.ID(t, topic.FromQuery(t, query))

	sub, err := m.Get(id)

	if err != nil {
		m.logger.Warn("notification for unknown subscription", "id", id)
		return nil, err
	}

	if err := signature.VerifyHeader(sub.Secret, body, header.Get(signature.HeaderName)); err != nil {
		m.logger.Warn("rejected notification", "id", id, "error", err)
		return nil, err
	}

	return &Job{
		Subscription: *sub,
		Type:         t,
		Header:       header.Clone(),
		Body:         body,
		Received:     m.now(),
	}, nil
}

// dispatch emits the Message event for an authenticated notification.
func (m *Manager) dispatch(job Job) {
	msg, err := decodeMessage(job)

	if err != nil {
		m.emitError(job.Subscription.ID, err)
	}

	m.Call(msg)
}

// Restore re-arms renewals for every verified subscription in the store,
// for use after a restart. Expired leases are renewed immediately.
// Pending subscriptions never verified by the hub get their subscribe request re-sent;
// failures there are reported as Error events.
func (m *Manager) Restore(ctx context.Context) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}

	subs, err := m.Subscriptions()

	if err != nil {
		return err
	}

	var scheduled, resent int

	for _, sub := range subs {
		if sub.Subscribed && sub.Start != nil && sub.End != nil {
			m.scheduler.Schedule(sub)
			scheduled++
			continue
		}

		if err := m.hub.Request(ctx, m.hubRequest(sub, model.ModeSubscribe)); err != nil {
			m.emitError(sub.ID, errors.Wrap(err, "resubscribe"))
			continue
		}

		resent++
	}

	m.logger.Info("restored subscriptions", "scheduled", scheduled, "resubscribed", resent, "total", len(subs))

	return nil
}

// Get returns the subscription with the given ID, or ErrNotFound.
func (m *Manager) Get(id string) (*model.Subscription, error) {
	sub, err := m.store.Get(id)

	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "get subscription")
	}

	return sub, nil
}

// Subscriptions returns every stored subscription.
func (m *Manager) Subscriptions() ([]model.Subscription, error) {
	subs, err := m.store.All()

	return subs, errors.Wrap(err, "list subscriptions")
}

// Callback returns the callback URL registered with the hub for id.
func (m *Manager) Callback(id string) string {
	return m.callback + "/" + id
}

// Destroy cancels pending renewals, stops dispatch and releases the store.
// It does not unsubscribe; call UnsubscribeAll first for a clean hub-side teardown.
func (m *Manager) Destroy() error {
	if !m.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	m.scheduler.Shutdown()
	m.worker.Stop()

	return m.store.Destroy()
}

func (m *Manager) hubRequest(sub model.Subscription, mode string) model.HubRequest {
	return model.HubRequest{
		Callback:     m.Callback(sub.ID),
		Mode:         mode,
		Topic:        sub.Topic,
		LeaseSeconds: sub.LeaseSeconds,
		Secret:       sub.Secret,
	}
}

func (m *Manager) emitError(id string, err error) {
	m.logger.Error("websub error", "id", id, "error", err)
	m.Go(&Error{EventID: uuid.NewString(), ID: id, Err: err})
}

var decoder = newDecoder()

func newDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}

func decodeVerifyRequest(query url.Values) (*model.VerifyRequest, error) {
	var req model.VerifyRequest

	// schema treats dots as nested paths, so decode on the names without the "hub." prefix.
	values := make(url.Values, len(query))

	for key, v := range query {
		if name := strings.TrimPrefix(key, "hub."); name != key {
			values[name] = v
		}
	}

	if err := decoder.Decode(&req, values); err != nil {
		return nil, model.ValidationError{Fields: map[string]interface{}{"query": err.Error()}}
	}

	if err := model.Validate(req); err != nil {
		return nil, err
	}

	return &req, nil
}
