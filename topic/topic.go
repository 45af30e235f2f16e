// Package topic computes canonical identities and topic URLs for Helix webhook subscriptions.
package topic

import (
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"meow.tf/websub-client/model"
)

// Type is a supported webhook topic.
type Type int

const (
	UserFollows Type = iota + 1
	StreamChanged
	UserChanged
	ExtensionTransactionCreated
	ModeratorChange
	ChannelBanChange
	SubscriptionEvents
	HypeTrainEvent
)

const helixBase = "https://api.twitch.tv/helix/"

var (
	ErrUnknownType  = errors.New("unknown topic type")
	ErrUnknownTopic = errors.New("topic does not match a supported type")
)

type definition struct {
	name     string
	segment  string
	base     string
	allowed  []string
	required []string
	// anyOf lists parameters of which at least one must be present.
	anyOf []string
}

var definitions = map[Type]definition{
	UserFollows: {
		name:    "user_follows",
		segment: "follows",
		base:    helixBase + "users/follows",
		allowed: []string{"from_id", "to_id"},
		anyOf:   []string{"from_id", "to_id"},
	},
	StreamChanged: {
		name:     "stream_changed",
		segment:  "streams",
		base:     helixBase + "streams",
		allowed:  []string{"user_id"},
		required: []string{"user_id"},
	},
	UserChanged: {
		name:     "user_changed",
		segment:  "users",
		base:     helixBase + "users",
		allowed:  []string{"id"},
		required: []string{"id"},
	},
	ExtensionTransactionCreated: {
		name:     "extension_transaction_created",
		segment:  "transactions",
		base:     helixBase + "extensions/transactions",
		allowed:  []string{"extension_id"},
		required: []string{"extension_id"},
	},
	ModeratorChange: {
		name:     "moderator_change",
		segment:  "moderators",
		base:     helixBase + "moderation/moderators/events",
		allowed:  []string{"broadcaster_id", "user_id"},
		required: []string{"broadcaster_id"},
	},
	ChannelBanChange: {
		name:     "channel_ban_change",
		segment:  "bans",
		base:     helixBase + "moderation/banned/events",
		allowed:  []string{"broadcaster_id", "user_id"},
		required: []string{"broadcaster_id"},
	},
	SubscriptionEvents: {
		name:     "subscription_events",
		segment:  "subscriptions",
		base:     helixBase + "subscriptions/events",
		allowed:  []string{"broadcaster_id", "user_id", "gifter_id", "gifter_name"},
		required: []string{"broadcaster_id"},
	},
	HypeTrainEvent: {
		name:     "hype_train_event",
		segment:  "hypetrain",
		base:     helixBase + "hypetrain/events",
		allowed:  []string{"broadcaster_id"},
		required: []string{"broadcaster_id"},
	},
}

// Types returns every supported type in declaration order.
func Types() []Type {
	ret := make([]Type, 0, len(definitions))

	for t := UserFollows; t <= HypeTrainEvent; t++ {
		ret = append(ret, t)
	}

	return ret
}

// Valid reports whether t is a supported type.
func (t Type) Valid() bool {
	_, ok := definitions[t]
	return ok
}

func (t Type) String() string {
	if d, ok := definitions[t]; ok {
		return d.name
	}

	return "unknown"
}

// Segment returns the callback path segment for t.
func (t Type) Segment() string {
	return definitions[t].segment
}

// BaseURL returns the hub topic URL for t, without parameters.
func (t Type) BaseURL() string {
	return definitions[t].base
}

// ParseType resolves a type by its name (as returned by String).
func ParseType(name string) (Type, error) {
	for t, d := range definitions {
		if d.name == name {
			return t, nil
		}
	}

	return 0, errors.Wrap(ErrUnknownType, name)
}

// TypeForSegment resolves a type by its callback path segment.
func TypeForSegment(segment string) (Type, error) {
	for t, d := range definitions {
		if d.segment == segment {
			return t, nil
		}
	}

	return 0, errors.Wrap(ErrUnknownType, segment)
}

// Params is a set of topic parameters keyed by name.
type Params map[string]string

// Canonicalize returns the canonical query string for params: names sorted,
// values URL-encoded, prefixed with "?". Empty params yield "".
func Canonicalize(params Params) string {
	if len(params) == 0 {
		return ""
	}

	names := make([]string, 0, len(params))

	for name := range params {
		names = append(names, name)
	}

	sort.Strings(names)

	var b strings.Builder

	for i, name := range names {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}

		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[name]))
	}

	return b.String()
}

// ID returns the canonical subscription identifier for t and params.
func ID(t Type, params Params) string {
	return t.Segment() + Canonicalize(params)
}

// Href returns the canonical hub topic URL for t and params.
func Href(t Type, params Params) string {
	return t.BaseURL() + Canonicalize(params)
}

// Validate checks params against the parameter rules of t.
func Validate(t Type, params Params) error {
	d, ok := definitions[t]

	if !ok {
		return model.ValidationError{Fields: map[string]interface{}{"type": "unknown"}}
	}

	fields := make(map[string]interface{})

	for name, value := range params {
		if !contains(d.allowed, name) {
			fields[name] = "unknown"
			continue
		}

		if err := model.ValidateVar(name, value, "required,printascii,max=100"); err != nil {
			fields[name] = "invalid"
		}
	}

	for _, name := range d.required {
		if _, ok := params[name]; !ok {
			fields[name] = "required"
		}
	}

	if len(d.anyOf) > 0 {
		found := false

		for _, name := range d.anyOf {
			if _, ok := params[name]; ok {
				found = true
				break
			}
		}

		if !found {
			fields[strings.Join(d.anyOf, "|")] = "required"
		}
	}

	if len(fields) > 0 {
		return model.ValidationError{Fields: fields}
	}

	return nil
}

// FromQuery extracts the params of t from a callback or topic query.
// Names that t does not accept are ignored.
func FromQuery(t Type, q url.Values) Params {
	params := make(Params)

	for _, name := range definitions[t].allowed {
		if values, ok := q[name]; ok && len(values) > 0 {
			params[name] = values[0]
		}
	}

	return params
}

// ParseHref resolves a hub topic URL back into its type and params.
func ParseHref(href string) (Type, Params, error) {
	u, err := url.Parse(href)

	if err != nil {
		return 0, nil, errors.Wrap(err, "parse topic")
	}

	base := u.Scheme + "://" + u.Host + u.Path

	for t, d := range definitions {
		if d.base == base {
			return t, FromQuery(t, u.Query()), nil
		}
	}

	return 0, nil, errors.Wrap(ErrUnknownTopic, href)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}
