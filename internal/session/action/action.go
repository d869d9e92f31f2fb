// Package action defines the journaled mutation records for sessions.
//
// Every state change that must survive a crash is expressed as an Action,
// serialized into the session's journal before it is applied, and replayed
// from the journal during recovery. Actions are facts: they carry the author
// and the originally accepted timestamp so replay is deterministic.
package action

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/s2quake/tabledeck/internal/session/access"
)

// Kind identifies the action variant.
type Kind string

// Payload actions mutate the session's edited source.
const (
	// KindNewRow records insertion of rows.
	KindNewRow Kind = "row.new"
	// KindSetRow records updates to existing rows.
	KindSetRow Kind = "row.set"
	// KindRemoveRow records removal of rows.
	KindRemoveRow Kind = "row.remove"
	// KindSetProperty records a schema property change.
	KindSetProperty Kind = "property.set"
)

// Membership actions mutate the session roster.
const (
	// KindEnter records a caller joining the session.
	KindEnter Kind = "member.enter"
	// KindLeave records a member leaving the session.
	KindLeave Kind = "member.leave"
	// KindKick records forcible removal of a member.
	KindKick Kind = "member.kick"
	// KindSetOwner records an ownership transfer.
	KindSetOwner Kind = "member.set_owner"
	// KindBeginEdit records a member starting an edit at a location.
	KindBeginEdit Kind = "member.begin_edit"
	// KindEndEdit records a member finishing an edit.
	KindEndEdit Kind = "member.end_edit"
)

// Lifecycle actions.
const (
	// KindDelete records the session being torn down. It is journaled only
	// when the journal files are kept, so a later replay can tell that the
	// session ended deliberately rather than crashing.
	KindDelete Kind = "session.delete"
)

// Row describes one tabular row touched by a row action.
type Row struct {
	TableName string            `json:"table_name"`
	Keys      []string          `json:"keys"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Location identifies the table/row/column a member is focused on.
type Location struct {
	TableName  string   `json:"table_name,omitempty"`
	Keys       []string `json:"keys,omitempty"`
	ColumnName string   `json:"column_name,omitempty"`
}

// IsEmpty reports whether the location points nowhere.
func (l Location) IsEmpty() bool {
	return l.TableName == "" && len(l.Keys) == 0 && l.ColumnName == ""
}

// Action is one journaled mutation. Exactly the fields relevant to its Kind
// are populated.
type Action struct {
	Kind       Kind      `json:"kind"`
	AuthorID   string    `json:"author_id"`
	AcceptedAt time.Time `json:"accepted_at"`

	// Row actions
	Rows []Row `json:"rows,omitempty"`

	// property.set
	PropertyName  string `json:"property_name,omitempty"`
	PropertyValue string `json:"property_value,omitempty"`

	// member.enter
	AccessLevel access.Level `json:"access_level,omitempty"`

	// member.leave / member.kick
	TargetID string `json:"target_id,omitempty"`
	Comment  string `json:"comment,omitempty"`

	// member.begin_edit
	Location Location `json:"location,omitempty"`

	// session.delete
	Canceled bool `json:"canceled,omitempty"`
}

// Validate checks the action carries the fields its kind requires.
func (a Action) Validate() error {
	if strings.TrimSpace(a.AuthorID) == "" {
		return errors.New("author id is required")
	}
	if a.AcceptedAt.IsZero() {
		return errors.New("accepted time is required")
	}
	switch a.Kind {
	case KindNewRow, KindSetRow, KindRemoveRow:
		if len(a.Rows) == 0 {
			return fmt.Errorf("%s requires rows", a.Kind)
		}
		for _, row := range a.Rows {
			if strings.TrimSpace(row.TableName) == "" {
				return fmt.Errorf("%s requires a table name on every row", a.Kind)
			}
			if len(row.Keys) == 0 {
				return fmt.Errorf("%s requires keys on every row", a.Kind)
			}
		}
	case KindSetProperty:
		if strings.TrimSpace(a.PropertyName) == "" {
			return errors.New("property.set requires a property name")
		}
	case KindEnter:
		if !a.AccessLevel.Valid() {
			return errors.New("member.enter requires a valid access level")
		}
	case KindKick, KindSetOwner:
		if strings.TrimSpace(a.TargetID) == "" {
			return fmt.Errorf("%s requires a target id", a.Kind)
		}
	case KindBeginEdit:
		if a.Location.IsEmpty() {
			return errors.New("member.begin_edit requires a location")
		}
	case KindLeave, KindEndEdit, KindDelete:
		// No extra fields.
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}
