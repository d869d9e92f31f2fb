package domain

import (
	"context"
	"crypto/ed25519"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/s2quake/tabledeck/internal/auth"
	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
	"github.com/s2quake/tabledeck/internal/session/access"
	"github.com/s2quake/tabledeck/internal/session/action"
	"github.com/s2quake/tabledeck/internal/session/journal"
	"github.com/s2quake/tabledeck/internal/session/payload"
)

func testAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	authenticator, err := auth.NewAuthenticator(auth.Settings{
		Issuer:   "tabledeck-test",
		Audience: "tabledeck",
		Key:      ed25519.NewKeyFromSeed(seed),
	})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return authenticator
}

func testAuth(t *testing.T, authenticator *auth.Authenticator, callerID, displayName string) *auth.Authentication {
	t.Helper()
	grant, err := authenticator.Issue(callerID, displayName, false, time.Hour)
	if err != nil {
		t.Fatalf("Issue(%q): %v", callerID, err)
	}
	authn, err := authenticator.Verify(grant)
	if err != nil {
		t.Fatalf("Verify(%q): %v", callerID, err)
	}
	return authn
}

func testAdminAuth(t *testing.T, authenticator *auth.Authenticator, callerID, displayName string) *auth.Authentication {
	t.Helper()
	grant, err := authenticator.Issue(callerID, displayName, true, time.Hour)
	if err != nil {
		t.Fatalf("Issue(%q): %v", callerID, err)
	}
	authn, err := authenticator.Verify(grant)
	if err != nil {
		t.Fatalf("Verify(%q): %v", callerID, err)
	}
	return authn
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) Publish(evt Event) {
	r.events = append(r.events, evt)
}

func (r *eventRecorder) ofType(evtType EventType) []Event {
	var matched []Event
	for _, evt := range r.events {
		if evt.Type == evtType {
			matched = append(matched, evt)
		}
	}
	return matched
}

func newTestSession(t *testing.T) (*Session, *eventRecorder) {
	t.Helper()
	strategy := payload.TableStrategy{}
	source, err := strategy.Decode(nil)
	if err != nil {
		t.Fatalf("Decode baseline: %v", err)
	}
	encoded, err := strategy.Encode(source)
	if err != nil {
		t.Fatalf("Encode baseline: %v", err)
	}
	jnl, err := journal.Create(t.TempDir(), journal.Header{
		SessionID:    "s1",
		DataSourceID: "ds1",
		ItemPath:     "/tables/products",
		ItemType:     "table",
		SourceType:   strategy.Kind(),
		CreatedBy:    auth.Signature{CallerID: "u1", At: time.Now().UTC()},
	}, encoded)
	if err != nil {
		t.Fatalf("journal.Create: %v", err)
	}
	recorder := &eventRecorder{}
	session, err := New(Config{
		Journal:   jnl,
		Strategy:  strategy,
		Source:    source,
		Publisher: recorder,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Shutdown(context.Background())
	})
	return session, recorder
}

func TestEnterFirstMemberBecomesOwner(t *testing.T) {
	session, recorder := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadOnly); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	summary, err := session.Summary(ctx, u1)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(summary.Members) != 1 {
		t.Fatalf("members = %d, want 1", len(summary.Members))
	}
	if got := summary.Members[0].Access; got != access.LevelOwner {
		t.Errorf("first member access = %v, want owner", got)
	}
	if added := recorder.ofType(EventMemberAdded); len(added) != 1 {
		t.Errorf("member.added events = %d, want 1", len(added))
	}
}

func TestEnterRejectsOwnerLevel(t *testing.T) {
	session, _ := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	u2 := testAuth(t, authenticator, "u2", "User Two")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter u1: %v", err)
	}
	if err := session.Enter(ctx, u2, access.LevelOwner); !apperrors.HasCode(err, apperrors.CodeAccessInvalid) {
		t.Fatalf("Enter with owner level = %v, want ACCESS_INVALID", err)
	}

	summary, err := session.Summary(ctx, u1)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	owners := 0
	for _, member := range summary.Members {
		if member.Access == access.LevelOwner {
			owners++
		}
	}
	if owners != 1 {
		t.Fatalf("owner seats = %d, want 1", owners)
	}
}

func TestEnterTwiceRejected(t *testing.T) {
	session, _ := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	err := session.Enter(ctx, u1, access.LevelReadWrite)
	if !apperrors.HasCode(err, apperrors.CodeMemberAlreadyJoined) {
		t.Fatalf("second Enter = %v, want MEMBER_ALREADY_JOINED", err)
	}
}

func TestRowActionsRequireWriteAccess(t *testing.T) {
	session, _ := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	u2 := testAuth(t, authenticator, "u2", "User Two")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter u1: %v", err)
	}
	if err := session.Enter(ctx, u2, access.LevelReadOnly); err != nil {
		t.Fatalf("Enter u2: %v", err)
	}

	rows := []action.Row{{TableName: "products", Keys: []string{"p1"}, Fields: map[string]string{"name": "bolt"}}}
	err := session.NewRow(ctx, u2, rows)
	if !apperrors.HasCode(err, apperrors.CodeMemberReadOnly) {
		t.Fatalf("NewRow by read-only member = %v, want MEMBER_READ_ONLY", err)
	}
	if err := session.NewRow(ctx, u1, rows); err != nil {
		t.Fatalf("NewRow by owner: %v", err)
	}
}

func TestRowRoundTripThroughJournal(t *testing.T) {
	session, recorder := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	newRows := []action.Row{{TableName: "products", Keys: []string{"p1"}, Fields: map[string]string{"name": "bolt"}}}
	if err := session.NewRow(ctx, u1, newRows); err != nil {
		t.Fatalf("NewRow: %v", err)
	}
	setRows := []action.Row{{TableName: "products", Keys: []string{"p1"}, Fields: map[string]string{"price": "2"}}}
	if err := session.SetRow(ctx, u1, setRows); err != nil {
		t.Fatalf("SetRow: %v", err)
	}
	if err := session.SetProperty(ctx, u1, "comment", "initial load"); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}

	snapshot, err := session.Snapshot(ctx, u1)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	strategy := payload.TableStrategy{}
	decoded, err := strategy.Decode(snapshot.Source)
	if err != nil {
		t.Fatalf("Decode snapshot: %v", err)
	}
	data := decoded.(payload.TableData)
	if got := data.Properties["comment"]; got != "initial load" {
		t.Errorf("property comment = %q, want %q", got, "initial load")
	}
	if got := len(data.Tables["products"]); got != 1 {
		t.Fatalf("products rows = %d, want 1", got)
	}
	row := data.Tables["products"][0]
	if row.Fields["name"] != "bolt" || row.Fields["price"] != "2" {
		t.Errorf("row fields = %v, want name=bolt price=2", row.Fields)
	}

	// Enter plus three payload actions, all completed.
	completed := session.Journal().CompletedIDs()
	if len(completed) != 4 {
		t.Errorf("completed journal entries = %d, want 4", len(completed))
	}
	if info := recorder.ofType(EventInfoChanged); len(info) != 3 {
		t.Errorf("info_changed events = %d, want 3", len(info))
	}
	if snapshot.ModifiedBy.CallerID != "u1" {
		t.Errorf("modified by = %q, want u1", snapshot.ModifiedBy.CallerID)
	}
}

func TestFailedApplyLeavesDanglingPost(t *testing.T) {
	session, recorder := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	rows := []action.Row{{TableName: "products", Keys: []string{"missing"}, Fields: map[string]string{"name": "x"}}}
	err := session.SetRow(ctx, u1, rows)
	if !apperrors.HasCode(err, apperrors.CodeRowNotFound) {
		t.Fatalf("SetRow on missing row = %v, want ROW_NOT_FOUND", err)
	}

	jnl := session.Journal()
	if got := len(jnl.Posted()); got != 2 {
		t.Fatalf("posted entries = %d, want 2", got)
	}
	if got := len(jnl.CompletedIDs()); got != 1 {
		t.Fatalf("completed entries = %d, want 1", got)
	}
	if changed := recorder.ofType(EventRowChanged); len(changed) != 0 {
		t.Errorf("row.changed events after failed apply = %d, want 0", len(changed))
	}
}

func TestKickRemovesMemberAndInvalidatesAuth(t *testing.T) {
	session, recorder := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	u2 := testAuth(t, authenticator, "u2", "User Two")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter u1: %v", err)
	}
	if err := session.Enter(ctx, u2, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter u2: %v", err)
	}
	if err := session.Kick(ctx, u1, "u2", "inactive"); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	if !u2.Expired() {
		t.Error("kicked member's authentication should be invalidated")
	}
	summary, err := session.Summary(ctx, u1)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(summary.Members) != 1 {
		t.Fatalf("members after kick = %d, want 1", len(summary.Members))
	}
	removed := recorder.ofType(EventMemberRemoved)
	if len(removed) != 1 {
		t.Fatalf("member.removed events = %d, want 1", len(removed))
	}
	if removed[0].Reason != "inactive" {
		t.Errorf("removal reason = %q, want %q", removed[0].Reason, "inactive")
	}
}

func TestKickGuards(t *testing.T) {
	session, _ := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	u2 := testAuth(t, authenticator, "u2", "User Two")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter u1: %v", err)
	}
	if err := session.Enter(ctx, u2, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter u2: %v", err)
	}

	if err := session.Kick(ctx, u2, "u1", ""); !apperrors.HasCode(err, apperrors.CodeMemberNotOwner) {
		t.Errorf("kick by non-owner = %v, want MEMBER_NOT_OWNER", err)
	}
	if err := session.Kick(ctx, u1, "u1", ""); !apperrors.HasCode(err, apperrors.CodeKickSelfForbidden) {
		t.Errorf("self kick = %v, want KICK_SELF_FORBIDDEN", err)
	}

	if err := session.SetOwner(ctx, u1, "u2"); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	if err := session.Kick(ctx, u1, "u2", ""); !apperrors.HasCode(err, apperrors.CodeMemberNotOwner) {
		t.Errorf("kick by demoted previous owner = %v, want MEMBER_NOT_OWNER", err)
	}
	admin := testAdminAuth(t, authenticator, "admin", "Administrator")
	if err := session.Kick(ctx, admin, "u2", ""); !apperrors.HasCode(err, apperrors.CodeKickOwnerForbidden) {
		t.Errorf("admin kick of owner = %v, want KICK_OWNER_FORBIDDEN", err)
	}
}

func TestSetOwnerTransfersAndDemotes(t *testing.T) {
	session, _ := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	u2 := testAuth(t, authenticator, "u2", "User Two")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter u1: %v", err)
	}
	if err := session.Enter(ctx, u2, access.LevelReadOnly); err != nil {
		t.Fatalf("Enter u2: %v", err)
	}
	if err := session.SetOwner(ctx, u1, "u2"); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}

	summary, err := session.Summary(ctx, u1)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	byID := map[string]access.Level{}
	for _, member := range summary.Members {
		byID[member.CallerID] = member.Access
	}
	if byID["u2"] != access.LevelOwner {
		t.Errorf("u2 access = %v, want owner", byID["u2"])
	}
	if byID["u1"] != access.LevelReadWrite {
		t.Errorf("u1 access = %v, want read_write", byID["u1"])
	}
}

func TestBeginEndEditAndLocation(t *testing.T) {
	session, recorder := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	loc := action.Location{TableName: "products", Keys: []string{"p1"}, ColumnName: "price"}
	if err := session.BeginEdit(ctx, u1, loc); err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}

	summary, err := session.Summary(ctx, u1)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !summary.Members[0].Editing {
		t.Error("member should be editing after BeginEdit")
	}
	if got := summary.Members[0].Location; !reflect.DeepEqual(got, loc) {
		t.Errorf("location = %+v, want %+v", got, loc)
	}

	journaledBefore := len(session.Journal().CompletedIDs())
	focus := action.Location{TableName: "products", ColumnName: "name"}
	if err := session.SetLocation(ctx, u1, focus); err != nil {
		t.Fatalf("SetLocation: %v", err)
	}
	if got := len(session.Journal().CompletedIDs()); got != journaledBefore {
		t.Errorf("SetLocation journaled an action: completed %d, want %d", got, journaledBefore)
	}

	if err := session.EndEdit(ctx, u1); err != nil {
		t.Fatalf("EndEdit: %v", err)
	}
	summary, err = session.Summary(ctx, u1)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Members[0].Editing {
		t.Error("member should not be editing after EndEdit")
	}
	if changed := recorder.ofType(EventMemberChanged); len(changed) < 3 {
		t.Errorf("member.changed events = %d, want at least 3", len(changed))
	}
}

func TestAttachDetachTogglesActivation(t *testing.T) {
	session, recorder := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	host := HostFunc(func(callerID string, canceled bool) error { return nil })
	if err := session.Attach(ctx, u1, host); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	summary, err := session.Summary(ctx, u1)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !summary.Activated {
		t.Error("session should be activated after first attach")
	}

	if err := session.Detach(ctx, u1); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	summary, err = session.Summary(ctx, u1)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Activated {
		t.Error("session should deactivate when the last member detaches")
	}
	if err := session.Detach(ctx, u1); !apperrors.HasCode(err, apperrors.CodeMemberNotOnline) {
		t.Errorf("second Detach = %v, want MEMBER_NOT_ONLINE", err)
	}

	states := recorder.ofType(EventStateChanged)
	if len(states) != 2 {
		t.Fatalf("state_changed events = %d, want 2", len(states))
	}
	if !states[0].Activated || states[1].Activated {
		t.Errorf("state transitions = %v then %v, want true then false", states[0].Activated, states[1].Activated)
	}
}

func TestExpiredAuthenticationDemotesMember(t *testing.T) {
	session, _ := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	authenticator.Invalidate("u1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		online := true
		err := session.invoke(ctx, func() error {
			online = session.roster.Get("u1").Online
			return nil
		})
		if err != nil {
			t.Fatalf("invoke: %v", err)
		}
		if !online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("member still online after authentication expired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := session.NewRow(ctx, u1, []action.Row{{TableName: "t", Keys: []string{"k"}}}); !apperrors.HasCode(err, apperrors.CodeAuthExpired) {
		t.Errorf("NewRow with expired auth = %v, want AUTH_EXPIRED", err)
	}
}

func TestDeleteErasesJournalAndClosesSession(t *testing.T) {
	strategy := payload.TableStrategy{}
	source, _ := strategy.Decode(nil)
	encoded, _ := strategy.Encode(source)
	dir := t.TempDir()
	jnl, err := journal.Create(dir, journal.Header{
		SessionID: "s1", DataSourceID: "ds1", ItemPath: "/t", ItemType: "table",
		SourceType: strategy.Kind(), CreatedBy: auth.Signature{CallerID: "u1", At: time.Now().UTC()},
	}, encoded)
	if err != nil {
		t.Fatalf("journal.Create: %v", err)
	}
	recorder := &eventRecorder{}
	session, err := New(Config{Journal: jnl, Strategy: strategy, Source: source, Publisher: recorder})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()
	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := session.Delete(ctx, u1, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if !session.Deleted() {
		t.Error("Deleted() should report true")
	}
	if _, err := journal.Open(dir); err == nil {
		t.Error("journal directory should be erased after non-canceled delete")
	}
	err = session.NewRow(ctx, u1, []action.Row{{TableName: "t", Keys: []string{"k"}}})
	if !apperrors.HasCode(err, apperrors.CodeSessionDeleted) {
		t.Errorf("NewRow after delete = %v, want SESSION_DELETED", err)
	}
	deletedEvents := recorder.ofType(EventDeleted)
	if len(deletedEvents) != 1 || deletedEvents[0].Canceled {
		t.Errorf("deleted events = %+v, want one with canceled=false", deletedEvents)
	}
}

func TestDeleteCanceledKeepsJournalWithDeleteAction(t *testing.T) {
	strategy := payload.TableStrategy{}
	source, _ := strategy.Decode(nil)
	encoded, _ := strategy.Encode(source)
	dir := t.TempDir()
	jnl, err := journal.Create(dir, journal.Header{
		SessionID: "s1", DataSourceID: "ds1", ItemPath: "/t", ItemType: "table",
		SourceType: strategy.Kind(), CreatedBy: auth.Signature{CallerID: "u1", At: time.Now().UTC()},
	}, encoded)
	if err != nil {
		t.Fatalf("journal.Create: %v", err)
	}
	session, err := New(Config{Journal: jnl, Strategy: strategy, Source: source})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()
	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := session.Delete(ctx, u1, true); err != nil {
		t.Fatalf("Delete canceled: %v", err)
	}

	reopened, err := journal.Open(dir)
	if err != nil {
		t.Fatalf("Open after canceled delete: %v", err)
	}
	posted := reopened.Posted()
	last := posted[len(posted)-1]
	if last.Kind != action.KindDelete {
		t.Errorf("last posted kind = %q, want %q", last.Kind, action.KindDelete)
	}
}

func TestDeleteVetoedByHost(t *testing.T) {
	session, _ := newTestSession(t)
	authenticator := testAuthenticator(t)
	u1 := testAuth(t, authenticator, "u1", "User One")
	ctx := context.Background()

	if err := session.Enter(ctx, u1, access.LevelReadWrite); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	veto := errors.New("unsaved edits")
	host := HostFunc(func(callerID string, canceled bool) error { return veto })
	if err := session.Attach(ctx, u1, host); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := session.Delete(ctx, u1, false); !errors.Is(err, veto) {
		t.Fatalf("Delete = %v, want host veto", err)
	}
	if session.Deleted() {
		t.Error("session should survive a vetoed delete")
	}
	if err := session.SetProperty(ctx, u1, "comment", "still here"); err != nil {
		t.Fatalf("SetProperty after vetoed delete: %v", err)
	}
}
