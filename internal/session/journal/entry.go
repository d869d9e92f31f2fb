package journal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/s2quake/tabledeck/internal/session/action"
)

// PostedEntry marks that an action was durably recorded before being applied.
type PostedEntry struct {
	ID       int64
	AuthorID string
	Kind     action.Kind
}

// String renders the entry in its on-disk line form: "id,authorID,kind".
func (e PostedEntry) String() string {
	return fmt.Sprintf("%d,%s,%s", e.ID, e.AuthorID, e.Kind)
}

// ParsePostedEntry reverses PostedEntry.String.
func ParsePostedEntry(line string) (PostedEntry, error) {
	parts := strings.SplitN(line, ",", 3)
	if len(parts) != 3 {
		return PostedEntry{}, fmt.Errorf("malformed posted entry %q", line)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return PostedEntry{}, fmt.Errorf("malformed posted entry id %q: %w", parts[0], err)
	}
	if parts[1] == "" {
		return PostedEntry{}, fmt.Errorf("posted entry %q has no author", line)
	}
	if parts[2] == "" {
		return PostedEntry{}, fmt.Errorf("posted entry %q has no action kind", line)
	}
	return PostedEntry{ID: id, AuthorID: parts[1], Kind: action.Kind(parts[2])}, nil
}

// CompletedEntry marks that a posted action was applied without error.
type CompletedEntry struct {
	ID int64
}

// String renders the entry in its on-disk line form: "id".
func (e CompletedEntry) String() string {
	return strconv.FormatInt(e.ID, 10)
}

// ParseCompletedEntry reverses CompletedEntry.String.
func ParseCompletedEntry(line string) (CompletedEntry, error) {
	id, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return CompletedEntry{}, fmt.Errorf("malformed completed entry %q: %w", line, err)
	}
	return CompletedEntry{ID: id}, nil
}
