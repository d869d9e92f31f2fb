package domain

import (
	"github.com/s2quake/tabledeck/internal/auth"
	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
	"github.com/s2quake/tabledeck/internal/session/access"
	"github.com/s2quake/tabledeck/internal/session/action"
)

// Member is one authenticated participant in a session.
type Member struct {
	CallerID    string
	DisplayName string
	Access      access.Level

	// Online is true while the member holds a live authentication.
	Online bool
	// Editing is true while the member is mid-edit of Location.
	Editing bool
	// Location is the spot the member is focused on, or empty.
	Location action.Location

	// authentication is the live binding, nil when offline.
	authentication *auth.Authentication
}

// MemberSnapshot is the externally visible view of a member.
type MemberSnapshot struct {
	CallerID    string          `json:"caller_id"`
	DisplayName string          `json:"display_name"`
	Access      access.Level    `json:"access"`
	Online      bool            `json:"online"`
	Editing     bool            `json:"editing"`
	Location    action.Location `json:"location"`
}

func (m *Member) snapshot() MemberSnapshot {
	return MemberSnapshot{
		CallerID:    m.CallerID,
		DisplayName: m.DisplayName,
		Access:      m.Access,
		Online:      m.Online,
		Editing:     m.Editing,
		Location:    m.Location,
	}
}

// Roster tracks session membership in join order.
type Roster struct {
	members []*Member
	byID    map[string]*Member
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{byID: make(map[string]*Member)}
}

// Len returns the number of members.
func (r *Roster) Len() int {
	return len(r.members)
}

// Get returns the member for the caller id, or nil.
func (r *Roster) Get(callerID string) *Member {
	return r.byID[callerID]
}

// Owner returns the member holding Owner access, or nil when ownership is
// vacant.
func (r *Roster) Owner() *Member {
	for _, member := range r.members {
		if member.Access == access.LevelOwner {
			return member
		}
	}
	return nil
}

// Add joins a new member. The first member of a session always becomes the
// owner regardless of the requested level.
func (r *Roster) Add(member *Member) error {
	if _, exists := r.byID[member.CallerID]; exists {
		return apperrors.WithMetadata(apperrors.CodeMemberAlreadyJoined, "caller is already a member",
			map[string]string{"CallerID": member.CallerID})
	}
	if len(r.members) == 0 {
		member.Access = access.LevelOwner
	}
	r.members = append(r.members, member)
	r.byID[member.CallerID] = member
	return nil
}

// Remove drops a member from the roster.
func (r *Roster) Remove(callerID string) (*Member, error) {
	member, exists := r.byID[callerID]
	if !exists {
		return nil, apperrors.WithMetadata(apperrors.CodeMemberNotFound, "caller is not a member",
			map[string]string{"CallerID": callerID})
	}
	delete(r.byID, callerID)
	for i, item := range r.members {
		if item == member {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	return member, nil
}

// Members returns the members in join order.
func (r *Roster) Members() []*Member {
	return append([]*Member(nil), r.members...)
}

// Snapshots returns member snapshots in join order.
func (r *Roster) Snapshots() []MemberSnapshot {
	snapshots := make([]MemberSnapshot, 0, len(r.members))
	for _, member := range r.members {
		snapshots = append(snapshots, member.snapshot())
	}
	return snapshots
}
