package model

const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
	ModeDenied      = "denied"
)

// HubRequest is the JSON body sent to the hub for a subscribe or unsubscribe.
type HubRequest struct {
	Callback     string `json:"hub.callback" validate:"required,url"`
	Mode         string `json:"hub.mode" validate:"required,oneof=subscribe unsubscribe"`
	Topic        string `json:"hub.topic" validate:"required,url"`
	LeaseSeconds int    `json:"hub.lease_seconds" validate:"min=0,max=864000"`
	Secret       string `json:"hub.secret,omitempty" validate:"max=200"`
}

// VerifyRequest represents the query of a hub verification (GET) callback.
// Field names are the query keys without their "hub." prefix.
type VerifyRequest struct {
	Mode         string `schema:"mode"`
	Topic        string `schema:"topic" validate:"required"`
	Challenge    string `schema:"challenge"`
	LeaseSeconds *int   `schema:"lease_seconds" validate:"omitempty,min=0"`
	Reason       string `schema:"reason"`
}
