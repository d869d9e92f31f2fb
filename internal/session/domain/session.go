// Package domain implements the collaborative editing session aggregate.
//
// A Session owns one payload, one journal and one roster, and serializes
// every operation through a dedicated executor. Each mutating operation runs
// the same pipeline: validate against current state, sign with the caller's
// authentication, post the action to the journal, apply it, complete the
// journal entry, then notify subscribers. A crash between post and complete
// leaves a dangling posted entry that replay ignores, so observers only ever
// see state backed by a completed journal entry.
package domain

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/s2quake/tabledeck/internal/auth"
	"github.com/s2quake/tabledeck/internal/executor"
	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
	"github.com/s2quake/tabledeck/internal/session/access"
	"github.com/s2quake/tabledeck/internal/session/action"
	"github.com/s2quake/tabledeck/internal/session/journal"
	"github.com/s2quake/tabledeck/internal/session/payload"
)

// Config assembles the collaborators a session needs.
type Config struct {
	// Journal is the session's durable action log, already created or
	// reopened by the caller.
	Journal *journal.Journal
	// Strategy applies and codes the session's payload kind.
	Strategy payload.Strategy
	// Source is the decoded baseline payload.
	Source any
	// Publisher receives session events. Optional.
	Publisher Publisher
	// Clock overrides the wall clock. Optional.
	Clock func() time.Time
}

// Session is one live editing session. All state behind the executor is
// owned by it; external goroutines interact only through the exported
// operations.
type Session struct {
	exec     *executor.Executor
	journal  *journal.Journal
	strategy payload.Strategy

	id           string
	dataSourceID string
	itemPath     string
	itemType     string

	// Owned by the executor.
	source     any
	createdBy  auth.Signature
	modifiedBy auth.Signature
	roster     *Roster
	host       Host
	activated  bool
	clock      func() time.Time

	deleted   atomic.Bool
	publisher Publisher
}

// New creates a session over an existing journal. Identity comes from the
// journal header; the roster starts empty.
func New(cfg Config) (*Session, error) {
	if cfg.Journal == nil {
		return nil, errors.New("journal is required")
	}
	if cfg.Strategy == nil {
		return nil, errors.New("payload strategy is required")
	}
	header := cfg.Journal.Header()
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Session{
		exec:         executor.New(),
		journal:      cfg.Journal,
		strategy:     cfg.Strategy,
		id:           header.SessionID,
		dataSourceID: header.DataSourceID,
		itemPath:     header.ItemPath,
		itemType:     header.ItemType,
		source:       cfg.Source,
		createdBy:    header.CreatedBy,
		modifiedBy:   header.CreatedBy,
		roster:       NewRoster(),
		clock:        clock,
		publisher:    cfg.Publisher,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// DataSourceID returns the id of the data source the session edits.
func (s *Session) DataSourceID() string { return s.dataSourceID }

// ItemPath returns the path of the edited item within its data source.
func (s *Session) ItemPath() string { return s.itemPath }

// ItemType returns the type tag of the edited item.
func (s *Session) ItemType() string { return s.itemType }

// Journal exposes the session's journal for replay and registry bookkeeping.
// Mutating journal calls must happen on the session's executor.
func (s *Session) Journal() *journal.Journal { return s.journal }

// Deleted reports whether the session has been torn down.
func (s *Session) Deleted() bool { return s.deleted.Load() }

// invoke runs fn on the session's executor, translating a closed executor
// into the deleted-session error.
func (s *Session) invoke(ctx context.Context, fn func() error) error {
	if s.deleted.Load() {
		return apperrors.WithMetadata(apperrors.CodeSessionDeleted, "session is deleted",
			map[string]string{"SessionID": s.id})
	}
	err := s.exec.Invoke(ctx, fn)
	if errors.Is(err, executor.ErrClosed) {
		return apperrors.WithMetadata(apperrors.CodeSessionDeleted, "session is deleted",
			map[string]string{"SessionID": s.id})
	}
	return err
}

func (s *Session) publish(evt Event) {
	if s.publisher == nil {
		return
	}
	evt.SessionID = s.id
	evt.DataSourceID = s.dataSourceID
	s.publisher.Publish(evt)
}

// journaled posts the action, applies the change, then completes the entry.
// When apply fails the posted entry is left dangling and no state changes,
// so replay and live observers agree the action never happened.
func (s *Session) journaled(act action.Action, apply func() error) error {
	id, err := s.journal.Post(act)
	if err != nil {
		return err
	}
	if err := apply(); err != nil {
		return err
	}
	return s.journal.Complete(id)
}

// applySource runs a payload action through the strategy. The in-memory
// payload is only swapped after the strategy succeeds.
func (s *Session) applySource(act action.Action) error {
	return s.journaled(act, func() error {
		next, err := s.strategy.Apply(s.source, act)
		if err != nil {
			return err
		}
		s.source = next
		return nil
	})
}

// member resolves the caller to a roster member.
func (s *Session) member(callerID string) (*Member, error) {
	member := s.roster.Get(callerID)
	if member == nil {
		return nil, apperrors.WithMetadata(apperrors.CodeMemberNotFound, "caller is not a member",
			map[string]string{"CallerID": callerID, "SessionID": s.id})
	}
	return member, nil
}

// writer resolves the caller to a member with write access.
func (s *Session) writer(callerID string) (*Member, error) {
	member, err := s.member(callerID)
	if err != nil {
		return nil, err
	}
	if !member.Access.CanWrite() {
		return nil, apperrors.WithMetadata(apperrors.CodeMemberReadOnly, "caller has read-only access",
			map[string]string{"CallerID": callerID, "SessionID": s.id})
	}
	return member, nil
}

// requireOwnerOrAdmin gates owner-only operations. Administrators pass even
// when they are not on the roster.
func (s *Session) requireOwnerOrAdmin(authn *auth.Authentication) error {
	if authn.Admin() {
		return nil
	}
	member, err := s.member(authn.CallerID())
	if err != nil {
		return err
	}
	if member.Access != access.LevelOwner {
		return apperrors.WithMetadata(apperrors.CodeMemberNotOwner, "caller is not the session owner",
			map[string]string{"CallerID": authn.CallerID(), "SessionID": s.id})
	}
	return nil
}

// watchExpiry demotes the member to offline when its authentication expires.
// The demotion is re-dispatched onto the executor from a fresh goroutine so
// an Invalidate fired from inside an executor task cannot deadlock.
func (s *Session) watchExpiry(authn *auth.Authentication) {
	authn.OnExpired(func(callerID string) {
		go func() {
			_ = s.invoke(context.Background(), func() error {
				member := s.roster.Get(callerID)
				if member == nil || member.authentication != authn {
					return nil
				}
				member.authentication = nil
				member.Online = false
				member.Editing = false
				member.Location = action.Location{}
				snapshot := member.snapshot()
				s.publish(Event{Type: EventMemberChanged, Member: &snapshot,
					Signature: auth.Signature{CallerID: auth.SystemCallerID, At: s.clock().UTC()}})
				return nil
			})
		}()
	})
}

// Enter joins the caller as a member at the requested access level. Owner
// is never a joinable level: the first member of a session is promoted to
// owner and the seat moves only through SetOwner. Replay-only
// authentications join offline.
func (s *Session) Enter(ctx context.Context, authn *auth.Authentication, level access.Level) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	if !level.Valid() || level == access.LevelOwner {
		return apperrors.WithMetadata(apperrors.CodeAccessInvalid, "a joinable access level is required",
			map[string]string{"Access": level.String()})
	}
	return s.invoke(ctx, func() error {
		if s.roster.Get(authn.CallerID()) != nil {
			return apperrors.WithMetadata(apperrors.CodeMemberAlreadyJoined, "caller is already a member",
				map[string]string{"CallerID": authn.CallerID(), "SessionID": s.id})
		}
		sig := authn.Sign(s.clock)
		member := &Member{
			CallerID:    authn.CallerID(),
			DisplayName: authn.DisplayName(),
			Access:      level,
		}
		if !authn.Replay() {
			member.Online = true
			member.authentication = authn
		}
		act := action.Action{Kind: action.KindEnter, AuthorID: sig.CallerID, AcceptedAt: sig.At, AccessLevel: level}
		if err := s.journaled(act, func() error { return s.roster.Add(member) }); err != nil {
			return err
		}
		if !authn.Replay() {
			s.watchExpiry(authn)
		}
		snapshot := member.snapshot()
		s.publish(Event{Type: EventMemberAdded, Signature: sig, Member: &snapshot})
		return nil
	})
}

// Leave removes the caller from the roster. A leaving owner vacates the
// seat; ownership stays vacant until SetOwner assigns it.
func (s *Session) Leave(ctx context.Context, authn *auth.Authentication) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		if _, err := s.member(authn.CallerID()); err != nil {
			return err
		}
		sig := authn.Sign(s.clock)
		act := action.Action{Kind: action.KindLeave, AuthorID: sig.CallerID, AcceptedAt: sig.At}
		var removed *Member
		err := s.journaled(act, func() error {
			member, err := s.roster.Remove(authn.CallerID())
			if err != nil {
				return err
			}
			removed = member
			return nil
		})
		if err != nil {
			return err
		}
		removed.authentication = nil
		snapshot := removed.snapshot()
		snapshot.Online = false
		s.publish(Event{Type: EventMemberRemoved, Signature: sig, Member: &snapshot, Reason: "leave"})
		s.deactivateIfIdle(sig)
		return nil
	})
}

// Kick forcibly removes a member and invalidates their live authentication.
// Only the owner or an administrator may kick; the owner cannot be kicked
// and callers cannot kick themselves.
func (s *Session) Kick(ctx context.Context, authn *auth.Authentication, targetID, comment string) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		if err := s.requireOwnerOrAdmin(authn); err != nil {
			return err
		}
		if targetID == authn.CallerID() {
			return apperrors.New(apperrors.CodeKickSelfForbidden, "cannot kick yourself")
		}
		target, err := s.member(targetID)
		if err != nil {
			return err
		}
		if target.Access == access.LevelOwner {
			return apperrors.WithMetadata(apperrors.CodeKickOwnerForbidden, "cannot kick the session owner",
				map[string]string{"TargetID": targetID})
		}
		sig := authn.Sign(s.clock)
		act := action.Action{Kind: action.KindKick, AuthorID: sig.CallerID, AcceptedAt: sig.At,
			TargetID: targetID, Comment: comment}
		if err := s.journaled(act, func() error {
			_, err := s.roster.Remove(targetID)
			return err
		}); err != nil {
			return err
		}
		expiring := target.authentication
		target.authentication = nil
		snapshot := target.snapshot()
		snapshot.Online = false
		s.publish(Event{Type: EventMemberRemoved, Signature: sig, Member: &snapshot, Reason: comment})
		if expiring != nil {
			expiring.Invalidate()
		}
		s.deactivateIfIdle(sig)
		return nil
	})
}

// SetOwner transfers ownership to the target member. The previous owner, if
// still present, is demoted to read-write. Only the current owner or an
// administrator may transfer.
func (s *Session) SetOwner(ctx context.Context, authn *auth.Authentication, targetID string) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		if err := s.requireOwnerOrAdmin(authn); err != nil {
			return err
		}
		target, err := s.member(targetID)
		if err != nil {
			return err
		}
		sig := authn.Sign(s.clock)
		act := action.Action{Kind: action.KindSetOwner, AuthorID: sig.CallerID, AcceptedAt: sig.At,
			TargetID: targetID}
		previous := s.roster.Owner()
		if err := s.journaled(act, func() error {
			if previous != nil && previous != target {
				previous.Access = access.LevelReadWrite
			}
			target.Access = access.LevelOwner
			return nil
		}); err != nil {
			return err
		}
		if previous != nil && previous != target {
			snapshot := previous.snapshot()
			s.publish(Event{Type: EventMemberChanged, Signature: sig, Member: &snapshot})
		}
		snapshot := target.snapshot()
		s.publish(Event{Type: EventMemberChanged, Signature: sig, Member: &snapshot})
		return nil
	})
}

// BeginEdit marks the caller as editing at the given location.
func (s *Session) BeginEdit(ctx context.Context, authn *auth.Authentication, loc action.Location) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		member, err := s.writer(authn.CallerID())
		if err != nil {
			return err
		}
		sig := authn.Sign(s.clock)
		act := action.Action{Kind: action.KindBeginEdit, AuthorID: sig.CallerID, AcceptedAt: sig.At, Location: loc}
		if err := s.journaled(act, func() error {
			member.Editing = true
			member.Location = loc
			return nil
		}); err != nil {
			return err
		}
		snapshot := member.snapshot()
		s.publish(Event{Type: EventMemberChanged, Signature: sig, Member: &snapshot})
		return nil
	})
}

// EndEdit clears the caller's editing state.
func (s *Session) EndEdit(ctx context.Context, authn *auth.Authentication) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		member, err := s.writer(authn.CallerID())
		if err != nil {
			return err
		}
		sig := authn.Sign(s.clock)
		act := action.Action{Kind: action.KindEndEdit, AuthorID: sig.CallerID, AcceptedAt: sig.At}
		if err := s.journaled(act, func() error {
			member.Editing = false
			member.Location = action.Location{}
			return nil
		}); err != nil {
			return err
		}
		snapshot := member.snapshot()
		s.publish(Event{Type: EventMemberChanged, Signature: sig, Member: &snapshot})
		return nil
	})
}

// SetLocation moves the caller's focus. Focus is presence state, not an
// edit, so it is never journaled and does not survive a restore.
func (s *Session) SetLocation(ctx context.Context, authn *auth.Authentication, loc action.Location) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		member, err := s.member(authn.CallerID())
		if err != nil {
			return err
		}
		member.Location = loc
		sig := authn.Sign(s.clock)
		snapshot := member.snapshot()
		s.publish(Event{Type: EventMemberChanged, Signature: sig, Member: &snapshot})
		return nil
	})
}

// NewRow inserts rows into the payload.
func (s *Session) NewRow(ctx context.Context, authn *auth.Authentication, rows []action.Row) error {
	return s.rowAction(ctx, authn, action.KindNewRow, EventRowAdded, rows)
}

// SetRow updates fields of existing rows.
func (s *Session) SetRow(ctx context.Context, authn *auth.Authentication, rows []action.Row) error {
	return s.rowAction(ctx, authn, action.KindSetRow, EventRowChanged, rows)
}

// RemoveRow removes rows from the payload.
func (s *Session) RemoveRow(ctx context.Context, authn *auth.Authentication, rows []action.Row) error {
	return s.rowAction(ctx, authn, action.KindRemoveRow, EventRowRemoved, rows)
}

func (s *Session) rowAction(ctx context.Context, authn *auth.Authentication, kind action.Kind, evt EventType, rows []action.Row) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		if _, err := s.writer(authn.CallerID()); err != nil {
			return err
		}
		sig := authn.Sign(s.clock)
		act := action.Action{Kind: kind, AuthorID: sig.CallerID, AcceptedAt: sig.At, Rows: rows}
		if err := act.Validate(); err != nil {
			return err
		}
		if err := s.applySource(act); err != nil {
			return err
		}
		s.modifiedBy = sig
		s.publish(Event{Type: evt, Signature: sig, Rows: rows})
		s.publish(Event{Type: EventInfoChanged, Signature: sig})
		return nil
	})
}

// SetProperty sets a schema property on the payload.
func (s *Session) SetProperty(ctx context.Context, authn *auth.Authentication, name, value string) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		if _, err := s.writer(authn.CallerID()); err != nil {
			return err
		}
		sig := authn.Sign(s.clock)
		act := action.Action{Kind: action.KindSetProperty, AuthorID: sig.CallerID, AcceptedAt: sig.At,
			PropertyName: name, PropertyValue: value}
		if err := act.Validate(); err != nil {
			return err
		}
		if err := s.applySource(act); err != nil {
			return err
		}
		s.modifiedBy = sig
		s.publish(Event{Type: EventPropertyChanged, Signature: sig, PropertyName: name, PropertyValue: value})
		s.publish(Event{Type: EventInfoChanged, Signature: sig})
		return nil
	})
}

// Attach binds a live host and marks the caller online. The first attach
// activates the session. Attaching is open to any member regardless of
// access level.
func (s *Session) Attach(ctx context.Context, authn *auth.Authentication, host Host) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		member, err := s.member(authn.CallerID())
		if err != nil {
			return err
		}
		sig := authn.Sign(s.clock)
		member.authentication = authn
		member.Online = true
		s.watchExpiry(authn)
		if s.host == nil && host != nil {
			s.host = host
			s.activated = true
			s.publish(Event{Type: EventStateChanged, Signature: sig, Activated: true})
		}
		snapshot := member.snapshot()
		s.publish(Event{Type: EventMemberChanged, Signature: sig, Member: &snapshot})
		return nil
	})
}

// Detach drops the caller's live binding, leaving membership intact. When
// the last online member detaches the host is released and the session
// deactivates.
func (s *Session) Detach(ctx context.Context, authn *auth.Authentication) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	return s.invoke(ctx, func() error {
		member, err := s.member(authn.CallerID())
		if err != nil {
			return err
		}
		if !member.Online {
			return apperrors.WithMetadata(apperrors.CodeMemberNotOnline, "caller is not attached",
				map[string]string{"CallerID": authn.CallerID(), "SessionID": s.id})
		}
		sig := authn.Sign(s.clock)
		member.authentication = nil
		member.Online = false
		member.Editing = false
		member.Location = action.Location{}
		snapshot := member.snapshot()
		s.publish(Event{Type: EventMemberChanged, Signature: sig, Member: &snapshot})
		s.deactivateIfIdle(sig)
		return nil
	})
}

// DetachAll drops every live binding, used when a data source unloads.
func (s *Session) DetachAll(ctx context.Context) error {
	return s.invoke(ctx, func() error {
		sig := auth.Signature{CallerID: auth.SystemCallerID, At: s.clock().UTC()}
		for _, member := range s.roster.Members() {
			if !member.Online {
				continue
			}
			member.authentication = nil
			member.Online = false
			member.Editing = false
			member.Location = action.Location{}
			snapshot := member.snapshot()
			s.publish(Event{Type: EventMemberChanged, Signature: sig, Member: &snapshot})
		}
		s.deactivateIfIdle(sig)
		return nil
	})
}

func (s *Session) deactivateIfIdle(sig auth.Signature) {
	if !s.activated {
		return
	}
	for _, member := range s.roster.Members() {
		if member.Online {
			return
		}
	}
	s.host = nil
	s.activated = false
	s.publish(Event{Type: EventStateChanged, Signature: sig, Activated: false})
}

// Delete tears the session down. With canceled false the edit is discarded
// and the journal directory is erased; with canceled true the files are
// kept, a delete action is journaled, and a later restore sees a
// deliberately closed session. Only the owner or an administrator may
// delete. After Delete returns successfully every further operation fails
// with the deleted-session error.
func (s *Session) Delete(ctx context.Context, authn *auth.Authentication, canceled bool) error {
	if err := authn.Validate(); err != nil {
		return err
	}
	err := s.invoke(ctx, func() error {
		if err := s.requireOwnerOrAdmin(authn); err != nil {
			return err
		}
		if s.host != nil {
			if err := s.host.ValidateDelete(authn.CallerID(), canceled); err != nil {
				return err
			}
		}
		sig := authn.Sign(s.clock)
		if canceled {
			act := action.Action{Kind: action.KindDelete, AuthorID: sig.CallerID, AcceptedAt: sig.At,
				Canceled: true}
			if err := s.journaled(act, func() error { return nil }); err != nil {
				return err
			}
		}
		if err := s.journal.Close(!canceled); err != nil {
			return err
		}
		s.deleted.Store(true)
		for _, member := range s.roster.Members() {
			member.authentication = nil
			member.Online = false
		}
		s.roster = NewRoster()
		s.host = nil
		s.activated = false
		s.publish(Event{Type: EventDeleted, Signature: sig, Canceled: canceled})
		return nil
	})
	if err != nil {
		return err
	}
	s.exec.Close()
	return nil
}

// Shutdown stops the session without deleting it: the journal is closed
// with files kept and the executor is drained so a later restore can replay
// it. Intended for process shutdown.
func (s *Session) Shutdown(ctx context.Context) error {
	err := s.invoke(ctx, func() error {
		for _, member := range s.roster.Members() {
			member.authentication = nil
			member.Online = false
		}
		s.host = nil
		s.activated = false
		return s.journal.Close(false)
	})
	if err != nil && !apperrors.HasCode(err, apperrors.CodeSessionDeleted) {
		return err
	}
	s.exec.Close()
	return nil
}

// Summary is the metadata view of a session.
type Summary struct {
	SessionID    string           `json:"session_id"`
	DataSourceID string           `json:"data_source_id"`
	ItemPath     string           `json:"item_path"`
	ItemType     string           `json:"item_type"`
	SourceType   string           `json:"source_type"`
	CreatedBy    auth.Signature   `json:"created_by"`
	ModifiedBy   auth.Signature   `json:"modified_by"`
	Activated    bool             `json:"activated"`
	Members      []MemberSnapshot `json:"members"`
}

// Snapshot is a consistent view of a session including its encoded payload.
type Snapshot struct {
	Summary
	Source []byte `json:"source"`
}

// Summary returns session metadata and the roster. It is open to any
// caller with a valid authentication.
func (s *Session) Summary(ctx context.Context, authn *auth.Authentication) (Summary, error) {
	if err := authn.Validate(); err != nil {
		return Summary{}, err
	}
	var summary Summary
	err := s.invoke(ctx, func() error {
		summary = s.summaryLocked()
		return nil
	})
	return summary, err
}

// Snapshot returns the session metadata plus the encoded payload. Only
// members may read the payload.
func (s *Session) Snapshot(ctx context.Context, authn *auth.Authentication) (Snapshot, error) {
	if err := authn.Validate(); err != nil {
		return Snapshot{}, err
	}
	var snapshot Snapshot
	err := s.invoke(ctx, func() error {
		if _, err := s.member(authn.CallerID()); err != nil {
			return err
		}
		encoded, err := s.strategy.Encode(s.source)
		if err != nil {
			return err
		}
		snapshot = Snapshot{Summary: s.summaryLocked(), Source: encoded}
		return nil
	})
	return snapshot, err
}

func (s *Session) summaryLocked() Summary {
	return Summary{
		SessionID:    s.id,
		DataSourceID: s.dataSourceID,
		ItemPath:     s.itemPath,
		ItemType:     s.itemType,
		SourceType:   s.strategy.Kind(),
		CreatedBy:    s.createdBy,
		ModifiedBy:   s.modifiedBy,
		Activated:    s.activated,
		Members:      s.roster.Snapshots(),
	}
}

// OverrideClock substitutes the session's time source. A nil now restores
// the wall clock. Replay uses this to stamp restored actions with their
// recorded accepted times; it must only be called while the session is not
// yet exposed to other goroutines.
func (s *Session) OverrideClock(now func() time.Time) {
	if now == nil {
		s.clock = time.Now
		return
	}
	s.clock = now
}

// AttachPublisher installs the event publisher. Replay constructs sessions
// without one so restored actions are not re-broadcast as fresh events; it
// must only be called while the session is not yet exposed.
func (s *Session) AttachPublisher(p Publisher) {
	s.publisher = p
}

// ReplaceHost swaps the session's host binding without touching the roster.
// Replay uses this to install a rejecting host so restored state cannot be
// deleted mid-replay; like OverrideClock it must only be called while the
// session is not yet exposed.
func (s *Session) ReplaceHost(host Host) {
	s.host = host
}
