package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	start := time.Unix(1000, 0)
	end := start.Add(time.Hour)

	sub := Subscription{ID: "follows?to_id=1", Start: &start, End: &end, Subscribed: true}
	c := sub.Clone()

	*c.Start = time.Unix(0, 0)

	assert.Equal(t, time.Unix(1000, 0), *sub.Start)
	assert.Equal(t, time.Hour, sub.Lease())
}

func TestLeaseUnverified(t *testing.T) {
	assert.Zero(t, Subscription{}.Lease())
}

func TestValidateHubRequest(t *testing.T) {
	req := HubRequest{
		Callback:     "https://example.com/webhooks/follows?to_id=1",
		Mode:         ModeSubscribe,
		Topic:        "https://api.twitch.tv/helix/users/follows?to_id=1",
		LeaseSeconds: 864000,
		Secret:       "s",
	}

	require.NoError(t, Validate(req))

	req.Mode = "publish"
	req.LeaseSeconds = MaxLeaseSeconds + 1

	err := Validate(req)

	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "oneof", verr.Fields["Mode"])
	assert.Equal(t, "max", verr.Fields["LeaseSeconds"])
}

func TestValidationErrorMessageIsSorted(t *testing.T) {
	err := ValidationError{Fields: map[string]interface{}{"b": 2, "a": 1}}

	assert.Equal(t, "validation failed: a=1, b=2", err.Error())
}
