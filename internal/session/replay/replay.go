// Package replay rebuilds sessions from their journals after a restart.
//
// Replay reuses the live operation pipeline instead of a parallel apply
// path: a fresh aggregate is constructed over the reopened journal with
// journaling disabled, then every completed action is pushed through the
// same exported operations a caller would use. Posted-but-never-completed
// entries are skipped, recorded accepted times are stamped via a clock
// override, and the replay-only authentications minted for recorded authors
// are invalidated as soon as the replay finishes.
package replay

import (
	"context"
	"time"

	"github.com/s2quake/tabledeck/internal/auth"
	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
	"github.com/s2quake/tabledeck/internal/session/action"
	"github.com/s2quake/tabledeck/internal/session/domain"
	"github.com/s2quake/tabledeck/internal/session/journal"
	"github.com/s2quake/tabledeck/internal/session/payload"
)

// ErrDeleted is returned when the journal records a deliberate delete. The
// session was closed on purpose, not interrupted, so there is nothing to
// restore.
var ErrDeleted = apperrors.New(apperrors.CodeSessionDeleted, "session was deliberately deleted")

// rejectingHost blocks destructive transitions while replay is running.
var rejectingHost = domain.HostFunc(func(callerID string, canceled bool) error {
	return apperrors.New(apperrors.CodeReplayCorrupt, "session is being restored")
})

// Restore reopens the journal at dir and replays it into a live session.
// On success the returned session journals normally and carries the roster
// and payload the completed journal entries describe, with every member
// offline. A journal recording a deliberate delete yields ErrDeleted.
func Restore(dir string, strategies *payload.Registry, authenticator *auth.Authenticator, publisher domain.Publisher) (*domain.Session, error) {
	jnl, err := journal.Open(dir)
	if err != nil {
		return nil, err
	}
	header := jnl.Header()
	strategy := strategies.Get(header.SourceType)
	if strategy == nil {
		_ = jnl.Close(false)
		return nil, apperrors.WithMetadata(apperrors.CodeReplayCorrupt, "no strategy for source type",
			map[string]string{"SessionID": header.SessionID, "SourceType": header.SourceType})
	}
	source, err := strategy.Decode(jnl.Source())
	if err != nil {
		_ = jnl.Close(false)
		return nil, apperrors.Wrap(apperrors.CodeReplayCorrupt, "decode baseline source", err)
	}

	session, err := domain.New(domain.Config{
		Journal:  jnl,
		Strategy: strategy,
		Source:   source,
		// The publisher is attached only after replay so subscribers do
		// not observe restored actions as fresh events.
	})
	if err != nil {
		_ = jnl.Close(false)
		return nil, err
	}

	jnl.SetEnabled(false)
	session.ReplaceHost(rejectingHost)

	auths := make(map[string]*auth.Authentication)
	defer func() {
		for _, authn := range auths {
			authn.Invalidate()
		}
	}()

	ctx := context.Background()
	for _, id := range jnl.CompletedIDs() {
		act, err := jnl.LoadAction(id)
		if err != nil {
			_ = session.Shutdown(ctx)
			return nil, apperrors.Wrap(apperrors.CodeReplayCorrupt, "load journaled action", err)
		}
		if act.Kind == action.KindDelete {
			_ = session.Shutdown(ctx)
			return nil, ErrDeleted
		}

		authn := auths[act.AuthorID]
		if authn == nil || authn.Expired() {
			authn = authenticator.RestoreForReplay(act.AuthorID)
			auths[act.AuthorID] = authn
		}
		acceptedAt := act.AcceptedAt
		session.OverrideClock(func() time.Time { return acceptedAt })

		if err := apply(ctx, session, authn, act); err != nil {
			_ = session.Shutdown(ctx)
			return nil, apperrors.Wrap(apperrors.CodeReplayCorrupt, "replay journaled action", err)
		}
	}

	session.OverrideClock(nil)
	session.ReplaceHost(nil)
	session.AttachPublisher(publisher)
	jnl.SetNextID(maxPostedID(jnl) + 1)
	jnl.SetEnabled(true)
	return session, nil
}

// apply dispatches one recorded action through the live operation it was
// recorded from.
func apply(ctx context.Context, session *domain.Session, authn *auth.Authentication, act action.Action) error {
	switch act.Kind {
	case action.KindEnter:
		return session.Enter(ctx, authn, act.AccessLevel)
	case action.KindLeave:
		return session.Leave(ctx, authn)
	case action.KindKick:
		return session.Kick(ctx, authn, act.TargetID, act.Comment)
	case action.KindSetOwner:
		return session.SetOwner(ctx, authn, act.TargetID)
	case action.KindBeginEdit:
		return session.BeginEdit(ctx, authn, act.Location)
	case action.KindEndEdit:
		return session.EndEdit(ctx, authn)
	case action.KindNewRow:
		return session.NewRow(ctx, authn, act.Rows)
	case action.KindSetRow:
		return session.SetRow(ctx, authn, act.Rows)
	case action.KindRemoveRow:
		return session.RemoveRow(ctx, authn, act.Rows)
	case action.KindSetProperty:
		return session.SetProperty(ctx, authn, act.PropertyName, act.PropertyValue)
	default:
		return apperrors.WithMetadata(apperrors.CodeReplayCorrupt, "unknown action kind",
			map[string]string{"Kind": string(act.Kind)})
	}
}

func maxPostedID(jnl *journal.Journal) int64 {
	var max int64
	for _, entry := range jnl.Posted() {
		if entry.ID > max {
			max = entry.ID
		}
	}
	return max
}
