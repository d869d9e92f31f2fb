package domain

import (
	"github.com/s2quake/tabledeck/internal/auth"
	"github.com/s2quake/tabledeck/internal/session/action"
)

// EventType identifies the kind of a session event.
type EventType string

// Session lifecycle events.
const (
	// EventCreated records a session coming into existence.
	EventCreated EventType = "session.created"
	// EventDeleted records a session being torn down.
	EventDeleted EventType = "session.deleted"
	// EventInfoChanged records a modification-signature update.
	EventInfoChanged EventType = "session.info_changed"
	// EventStateChanged records an activation/deactivation transition.
	EventStateChanged EventType = "session.state_changed"
)

// Membership events.
const (
	// EventMemberAdded records a caller joining.
	EventMemberAdded EventType = "member.added"
	// EventMemberRemoved records a member leaving or being kicked.
	EventMemberRemoved EventType = "member.removed"
	// EventMemberChanged records any other member state change, including
	// ownership transfers, edit begin/end, focus moves, and online flips.
	EventMemberChanged EventType = "member.changed"
)

// Payload events.
const (
	// EventRowAdded records rows inserted into the payload.
	EventRowAdded EventType = "row.added"
	// EventRowChanged records rows updated in the payload.
	EventRowChanged EventType = "row.changed"
	// EventRowRemoved records rows removed from the payload.
	EventRowRemoved EventType = "row.removed"
	// EventPropertyChanged records a schema property change.
	EventPropertyChanged EventType = "property.changed"
)

// Event is a fact raised by a session after a state change. Exactly the
// fields relevant to its Type are populated.
type Event struct {
	Type         EventType
	SessionID    string
	DataSourceID string
	// Signature identifies who caused the event and when.
	Signature auth.Signature

	// Membership events
	Member *MemberSnapshot
	// Reason distinguishes leave vs kick on member removal and carries the
	// kick comment.
	Reason string

	// Payload events
	Rows          []action.Row
	PropertyName  string
	PropertyValue string

	// EventStateChanged
	Activated bool

	// EventDeleted
	Canceled bool
}

// Publisher receives events raised by a session. Implementations must not
// block the raising executor significantly.
type Publisher interface {
	Publish(evt Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(evt Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(evt Event) {
	f(evt)
}
