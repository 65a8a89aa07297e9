package bus

import "time"

// Event kinds published on the process bus. Subscribers filter by prefix,
// so "feed." receives every feed change regardless of scope.
const (
	KindFeedChanged         = "feed.changed"
	KindChannelStateChanged = "channel.state_changed"
	KindChannelEvent        = "channel.event"
	KindMutationConfirmed   = "mutation.confirmed"
	KindMutationRolledBack  = "mutation.rolled_back"
	KindSessionLoggedIn     = "session.logged_in"
	KindSessionLoggedOut    = "session.logged_out"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
