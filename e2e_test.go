package websub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"meow.tf/websub-client/model"
	"meow.tf/websub-client/signature"
	"meow.tf/websub-client/store/memory"
	"meow.tf/websub-client/token"
	"meow.tf/websub-client/topic"
)

// verifyingHub accepts every request and then calls back like the Helix hub:
// a verification GET, and for subscriptions one signed notification.
func verifyingHub(t *testing.T, echoed chan<- string) *httptest.Server {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req model.HubRequest

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)

		go func() {
			q := url.Values{
				"hub.mode":      {req.Mode},
				"hub.topic":     {req.Topic},
				"hub.challenge": {"challenge-" + req.Mode},
			}

			if req.Mode == model.ModeSubscribe {
				q.Set("hub.lease_seconds", "600")
			}

			res, err := http.Get(req.Callback + "&" + q.Encode())

			if err != nil {
				echoed <- err.Error()
				return
			}

			body, _ := io.ReadAll(res.Body)
			res.Body.Close()

			echoed <- string(body)

			if req.Mode != model.ModeSubscribe {
				return
			}

			payload := []byte(`{"data":[{"from_id":"2","to_id":"1"}]}`)

			notify, _ := http.NewRequest(http.MethodPost, req.Callback, bytes.NewReader(payload))
			notify.Header.Set(signature.HeaderName, signature.Header(req.Secret, payload))
			notify.Header.Set("Link", `<https://api.twitch.tv/helix/webhooks/hub>; rel="hub", <`+req.Topic+`>; rel="self"`)

			if res, err := http.DefaultClient.Do(notify); err == nil {
				res.Body.Close()
			}
		}()
	}))

	t.Cleanup(hub.Close)

	return hub
}

func TestSubscriptionRoundTrip(t *testing.T) {
	echoed := make(chan string, 4)
	hub := verifyingHub(t, echoed)

	callback := httptest.NewUnstartedServer(nil)
	defer callback.Close()

	client := NewClient(hub.URL, "client-id", token.Static("tok"), WithClientLogger(discardLogger()))

	m, err := New("http://"+callback.Listener.Addr().String()+"/webhooks", client, memory.New(), WithSecret(testSecret), WithLogger(discardLogger()))
	require.NoError(t, err)
	defer m.Destroy()

	r := chi.NewRouter()
	r.Mount("/webhooks", m)

	callback.Config.Handler = r
	callback.Start()

	subscribed := events[Subscribed](m)
	messages := events[Message](m)
	unsubscribed := events[Unsubscribed](m)

	id, err := m.Subscribe(context.Background(), topic.UserFollows, follows)
	require.NoError(t, err)

	assert.Equal(t, "challenge-subscribe", receiveString(t, echoed))

	e := receive(t, subscribed)
	assert.Equal(t, id, e.Subscription.ID)
	assert.Equal(t, 600, int(e.Subscription.Lease().Seconds()))

	msg := receive(t, messages)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "https://api.twitch.tv/helix/webhooks/hub", msg.Hub)
	assert.Len(t, msg.Data, 1)

	require.NoError(t, m.Unsubscribe(context.Background(), id))

	assert.Equal(t, "challenge-unsubscribe", receiveString(t, echoed))
	assert.Equal(t, id, receive(t, unsubscribed).ID)
}

func receiveString(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not call back")
		return ""
	}
}
