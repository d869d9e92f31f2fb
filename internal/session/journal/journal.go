// Package journal implements the per-session append-only action journal.
//
// Layout of a session's journal directory:
//
//	header     identity, signatures and source-type tag (JSON, written once)
//	source     baseline payload snapshot (written once, never rewritten)
//	posted     append-only line log of posted entries: "id,authorID,kind"
//	completed  append-only line log of completed entries: "id"
//	<id>       serialized action envelope, one file per posted id
//
// An action's application is durable only once its id appears in both the
// posted and the completed log. An id that is posted but never completed is
// treated by replay as if the action never happened.
//
// The journal is not safe for concurrent use; all calls must happen on the
// owning session's serial executor.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/s2quake/tabledeck/internal/auth"
	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
	"github.com/s2quake/tabledeck/internal/session/action"
)

// File names within a session's journal directory.
const (
	HeaderFile    = "header"
	SourceFile    = "source"
	PostedFile    = "posted"
	CompletedFile = "completed"
)

const headerVersion = 1

// Header is the session identity persisted once at creation.
type Header struct {
	Version      int            `json:"version"`
	SessionID    string         `json:"session_id"`
	DataSourceID string         `json:"data_source_id"`
	ItemPath     string         `json:"item_path"`
	ItemType     string         `json:"item_type"`
	SourceType   string         `json:"source_type"`
	CreatedBy    auth.Signature `json:"created_by"`
}

// Journal is a session's durable action log.
type Journal struct {
	dir    string
	header Header
	source []byte

	enabled bool
	closed  bool
	nextID  int64

	posted    []PostedEntry
	completed []CompletedEntry
}

// Create initializes a journal directory for a new session, persisting the
// header and the baseline source snapshot.
func Create(dir string, header Header, source []byte) (*Journal, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("journal dir is required")
	}
	if header.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if len(source) == 0 {
		return nil, fmt.Errorf("baseline source snapshot is required")
	}
	header.Version = headerVersion

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJournalIO, "create journal dir", err)
	}
	headerData, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode journal header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, HeaderFile), headerData, 0o644); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJournalIO, "write journal header", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SourceFile), source, 0o644); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJournalIO, "write baseline snapshot", err)
	}
	for _, name := range []string{PostedFile, CompletedFile} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeJournalIO, "initialize "+name+" log", err)
		}
	}

	return &Journal{
		dir:     dir,
		header:  header,
		source:  append([]byte(nil), source...),
		enabled: true,
		nextID:  1,
	}, nil
}

// Open loads an existing journal directory, including its posted and
// completed entry logs. The journal resumes numbering one past the highest
// posted id.
func Open(dir string) (*Journal, error) {
	headerData, err := os.ReadFile(filepath.Join(dir, HeaderFile))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJournalIO, "read journal header", err)
	}
	var header Header
	if err := json.Unmarshal(headerData, &header); err != nil {
		return nil, fmt.Errorf("decode journal header: %w", err)
	}
	if header.Version != headerVersion {
		return nil, fmt.Errorf("unsupported journal header version %d", header.Version)
	}

	source, err := os.ReadFile(filepath.Join(dir, SourceFile))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJournalIO, "read baseline snapshot", err)
	}

	posted, err := readLines(filepath.Join(dir, PostedFile))
	if err != nil {
		return nil, err
	}
	completed, err := readLines(filepath.Join(dir, CompletedFile))
	if err != nil {
		return nil, err
	}

	j := &Journal{
		dir:     dir,
		header:  header,
		source:  source,
		enabled: true,
		nextID:  1,
	}
	for _, line := range posted {
		entry, err := ParsePostedEntry(line)
		if err != nil {
			return nil, fmt.Errorf("parse posted log: %w", err)
		}
		j.posted = append(j.posted, entry)
		if entry.ID >= j.nextID {
			j.nextID = entry.ID + 1
		}
	}
	for _, line := range completed {
		entry, err := ParseCompletedEntry(line)
		if err != nil {
			return nil, fmt.Errorf("parse completed log: %w", err)
		}
		j.completed = append(j.completed, entry)
	}
	return j, nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJournalIO, "read "+filepath.Base(path)+" log", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeJournalIO, "open "+filepath.Base(path)+" log", err)
	}
	_, writeErr := f.WriteString(line + "\n")
	closeErr := f.Close()
	if writeErr != nil {
		return apperrors.Wrap(apperrors.CodeJournalIO, "append "+filepath.Base(path)+" log", writeErr)
	}
	if closeErr != nil {
		return apperrors.Wrap(apperrors.CodeJournalIO, "close "+filepath.Base(path)+" log", closeErr)
	}
	return nil
}

// Post durably records the action and returns its assigned sequence id. The
// serialized action payload is written before the posted marker, so a posted
// line always refers to an existing payload file. When journaling is
// disabled (replay), nothing is written and the forced next id is returned.
func (j *Journal) Post(act action.Action) (int64, error) {
	if j.closed {
		return 0, apperrors.New(apperrors.CodeJournalClosed, "journal is closed")
	}
	if !j.enabled {
		return j.nextID, nil
	}

	data, err := action.Encode(act)
	if err != nil {
		return 0, err
	}

	id := j.nextID
	entry := PostedEntry{ID: id, AuthorID: act.AuthorID, Kind: act.Kind}
	if err := os.WriteFile(j.ActionPath(id), data, 0o644); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeJournalIO, "write action payload", err)
	}
	if err := appendLine(filepath.Join(j.dir, PostedFile), entry.String()); err != nil {
		return 0, err
	}
	j.posted = append(j.posted, entry)
	j.nextID = id + 1
	return id, nil
}

// Complete records that the posted action with the given id was applied.
// It is a no-op while journaling is disabled.
func (j *Journal) Complete(id int64) error {
	if j.closed {
		return apperrors.New(apperrors.CodeJournalClosed, "journal is closed")
	}
	if !j.enabled {
		return nil
	}

	entry := CompletedEntry{ID: id}
	if err := appendLine(filepath.Join(j.dir, CompletedFile), entry.String()); err != nil {
		return err
	}
	j.completed = append(j.completed, entry)
	return nil
}

// SetEnabled toggles journaling. The replayer disables journaling so that
// re-applying historical actions does not re-append them.
func (j *Journal) SetEnabled(enabled bool) {
	j.enabled = enabled
}

// Enabled reports whether posts and completes are being recorded.
func (j *Journal) Enabled() bool {
	return j.enabled
}

// NextID returns the id the next posted action will receive.
func (j *Journal) NextID() int64 {
	return j.nextID
}

// SetNextID overrides the next sequence id. Used by the replayer to pin the
// historical id while re-applying an action, and to resume numbering after
// the last replayed entry.
func (j *Journal) SetNextID(id int64) {
	j.nextID = id
}

// Header returns the persisted session header.
func (j *Journal) Header() Header {
	return j.header
}

// Source returns the baseline payload snapshot bytes.
func (j *Journal) Source() []byte {
	return j.source
}

// Posted returns the posted entries in append order.
func (j *Journal) Posted() []PostedEntry {
	return append([]PostedEntry(nil), j.posted...)
}

// Completed returns the completed entries in append order.
func (j *Journal) Completed() []CompletedEntry {
	return append([]CompletedEntry(nil), j.completed...)
}

// CompletedIDs returns the ids present in both the posted and completed
// logs, in posted order. These are exactly the actions replay re-applies.
func (j *Journal) CompletedIDs() []int64 {
	completed := make(map[int64]bool, len(j.completed))
	for _, entry := range j.completed {
		completed[entry.ID] = true
	}
	var ids []int64
	for _, entry := range j.posted {
		if completed[entry.ID] {
			ids = append(ids, entry.ID)
		}
	}
	return ids
}

// ActionPath returns the payload file path for a posted id.
func (j *Journal) ActionPath(id int64) string {
	return filepath.Join(j.dir, strconv.FormatInt(id, 10))
}

// LoadAction reads and decodes the serialized action payload for an id.
func (j *Journal) LoadAction(id int64) (action.Action, error) {
	data, err := os.ReadFile(j.ActionPath(id))
	if err != nil {
		return action.Action{}, apperrors.Wrap(apperrors.CodeJournalIO, "read action payload", err)
	}
	return action.Decode(data)
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Close tears the journal down. When erase is true every on-disk record for
// the session is deleted; otherwise the files are left for a later restart.
func (j *Journal) Close(erase bool) error {
	if j.closed {
		return nil
	}
	j.closed = true
	j.enabled = false
	if erase {
		if err := os.RemoveAll(j.dir); err != nil {
			return apperrors.Wrap(apperrors.CodeJournalIO, "erase journal dir", err)
		}
	}
	return nil
}
