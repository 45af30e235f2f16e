package model

import "time"

// MaxLeaseSeconds is the longest lease the hub accepts.
const MaxLeaseSeconds = 864000

// Subscription is the persisted record for one subscription identity.
// Start and End are nil until the hub has verified the subscription.
type Subscription struct {
	ID           string     `json:"id"`
	TopicType    string     `json:"topic_type"`
	Topic        string     `json:"topic"`
	Secret       string     `json:"secret"`
	LeaseSeconds int        `json:"lease_seconds"`
	Subscribed   bool       `json:"subscribed"`
	Start        *time.Time `json:"subscription_start,omitempty"`
	End          *time.Time `json:"subscription_end,omitempty"`
}

// Clone returns a deep copy of the subscription.
func (s Subscription) Clone() Subscription {
	if s.Start != nil {
		start := *s.Start
		s.Start = &start
	}

	if s.End != nil {
		end := *s.End
		s.End = &end
	}

	return s
}

// Lease returns the verified lease window, or zero if the subscription has not been verified.
func (s Subscription) Lease() time.Duration {
	if s.Start == nil || s.End == nil {
		return 0
	}

	return s.End.Sub(*s.Start)
}
