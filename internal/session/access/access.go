// Package access defines member access levels for collaboration sessions.
package access

import (
	"encoding/json"
	"fmt"
)

// Level describes what a session member is allowed to do.
type Level int

const (
	// LevelNone represents an invalid access level value.
	LevelNone Level = iota
	// LevelReadOnly allows reading the session payload only.
	LevelReadOnly
	// LevelReadWrite allows mutating the session payload.
	LevelReadWrite
	// LevelOwner is read-write access plus session administration.
	LevelOwner
)

// CanWrite reports whether the level permits payload mutations.
func (l Level) CanWrite() bool {
	return l == LevelReadWrite || l == LevelOwner
}

// Valid reports whether the level is a defined member level.
func (l Level) Valid() bool {
	switch l {
	case LevelReadOnly, LevelReadWrite, LevelOwner:
		return true
	default:
		return false
	}
}

// String returns the canonical name of the level.
func (l Level) String() string {
	switch l {
	case LevelReadOnly:
		return "read_only"
	case LevelReadWrite:
		return "read_write"
	case LevelOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseLevel resolves a canonical level name.
func ParseLevel(value string) (Level, error) {
	switch value {
	case "read_only":
		return LevelReadOnly, nil
	case "read_write":
		return LevelReadWrite, nil
	case "owner":
		return LevelOwner, nil
	case "none":
		return LevelNone, nil
	default:
		return LevelNone, fmt.Errorf("unknown access level %q", value)
	}
}

// MarshalJSON encodes the level as its canonical name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a canonical level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
