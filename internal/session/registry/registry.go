// Package registry tracks every live session in the process and restores
// journaled sessions after a restart.
package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/s2quake/tabledeck/internal/auth"
	"github.com/s2quake/tabledeck/internal/executor"
	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
	"github.com/s2quake/tabledeck/internal/platform/id"
	"github.com/s2quake/tabledeck/internal/session/access"
	"github.com/s2quake/tabledeck/internal/session/domain"
	"github.com/s2quake/tabledeck/internal/session/journal"
	"github.com/s2quake/tabledeck/internal/session/payload"
	"github.com/s2quake/tabledeck/internal/session/replay"
)

// restoreConcurrency bounds how many journals are replayed in parallel.
const restoreConcurrency = 8

// Config assembles the registry's collaborators.
type Config struct {
	// Root is the directory holding one journal directory per session.
	Root string
	// Strategies resolves payload strategies by source type.
	Strategies *payload.Registry
	// Authenticator mints replay authentications during restore.
	Authenticator *auth.Authenticator
	// Logger is required.
	Logger *zap.Logger
	// NewID overrides session id generation. Optional.
	NewID func() (string, error)
	// Clock overrides the wall clock. Optional.
	Clock func() time.Time
}

// Registry owns the set of live sessions. Map mutations run on a serial
// executor; session operations run on each session's own executor.
type Registry struct {
	root          string
	strategies    *payload.Registry
	authenticator *auth.Authenticator
	logger        *zap.Logger
	newID         func() (string, error)
	clock         func() time.Time

	exec     *executor.Executor
	sessions map[string]*domain.Session

	subMu   sync.Mutex
	subs    map[int]func(domain.Event)
	nextSub int
}

// New creates a Registry rooted at cfg.Root, creating the directory if
// needed.
func New(cfg Config) (*Registry, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("registry root is required")
	}
	if cfg.Strategies == nil {
		return nil, errors.New("payload strategies are required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJournalIO, "create registry root", err)
	}
	newID := cfg.NewID
	if newID == nil {
		newID = id.NewID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		root:          cfg.Root,
		strategies:    cfg.Strategies,
		authenticator: cfg.Authenticator,
		logger:        cfg.Logger,
		newID:         newID,
		clock:         clock,
		exec:          executor.New(),
		sessions:      make(map[string]*domain.Session),
		subs:          make(map[int]func(domain.Event)),
	}, nil
}

// Subscribe registers a handler for every event raised by any session in
// the registry. Handlers run on the raising session's executor and must not
// block. The returned function removes the subscription.
func (r *Registry) Subscribe(handler func(domain.Event)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	key := r.nextSub
	r.nextSub++
	r.subs[key] = handler
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, key)
	}
}

// Publish fans a session event out to subscribers. Deleted sessions are
// dropped from the registry as a side effect.
func (r *Registry) Publish(evt Event) {
	r.fanOut(evt)
}

// Event aliases the session event type for subscribers.
type Event = domain.Event

func (r *Registry) fanOut(evt domain.Event) {
	if evt.Type == domain.EventDeleted {
		go func() {
			_ = r.exec.Invoke(context.Background(), func() error {
				delete(r.sessions, evt.SessionID)
				return nil
			})
		}()
	}
	r.subMu.Lock()
	handlers := make([]func(domain.Event), 0, len(r.subs))
	for _, handler := range r.subs {
		handlers = append(handlers, handler)
	}
	r.subMu.Unlock()
	for _, handler := range handlers {
		handler(evt)
	}
}

// CreateParams describes a session to create.
type CreateParams struct {
	DataSourceID string
	ItemPath     string
	ItemType     string
	SourceType   string
	// Source is the encoded baseline payload.
	Source []byte
	// Access is the creator's requested level; the creator becomes the
	// owner regardless because they join first.
	Access access.Level
}

// Create starts a new session, persists its journal and joins the creator
// as the first member.
func (r *Registry) Create(ctx context.Context, authn *auth.Authentication, params CreateParams) (*domain.Session, error) {
	if err := authn.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.ItemPath) == "" {
		return nil, apperrors.New(apperrors.CodeSessionEmptyItem, "item path is required")
	}
	if len(params.Source) == 0 {
		return nil, apperrors.New(apperrors.CodeSessionEmptySource, "baseline source is required")
	}
	strategy := r.strategies.Get(params.SourceType)
	if strategy == nil {
		return nil, apperrors.WithMetadata(apperrors.CodeSessionEmptySource, "unknown source type",
			map[string]string{"SourceType": params.SourceType})
	}
	source, err := strategy.Decode(params.Source)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSessionEmptySource, "decode baseline source", err)
	}
	// The creator becomes owner through first-member promotion, so the
	// requested level only needs to be joinable.
	level := params.Access
	if !level.Valid() || level == access.LevelOwner {
		level = access.LevelReadWrite
	}

	sessionID, err := r.newID()
	if err != nil {
		return nil, err
	}
	jnl, err := journal.Create(filepath.Join(r.root, sessionID), journal.Header{
		SessionID:    sessionID,
		DataSourceID: params.DataSourceID,
		ItemPath:     params.ItemPath,
		ItemType:     params.ItemType,
		SourceType:   params.SourceType,
		CreatedBy:    authn.Sign(r.clock),
	}, params.Source)
	if err != nil {
		return nil, err
	}
	session, err := domain.New(domain.Config{
		Journal:   jnl,
		Strategy:  strategy,
		Source:    source,
		Publisher: r,
		Clock:     r.clock,
	})
	if err != nil {
		_ = jnl.Close(true)
		return nil, err
	}
	if err := session.Enter(ctx, authn, level); err != nil {
		_ = session.Shutdown(ctx)
		return nil, err
	}
	if err := r.register(ctx, session); err != nil {
		_ = session.Shutdown(ctx)
		return nil, err
	}

	r.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("data_source_id", params.DataSourceID),
		zap.String("item_path", params.ItemPath),
		zap.String("created_by", authn.CallerID()))
	r.fanOut(domain.Event{
		Type:         domain.EventCreated,
		SessionID:    sessionID,
		DataSourceID: params.DataSourceID,
		Signature:    auth.Signature{CallerID: authn.CallerID(), At: r.clock().UTC()},
	})
	return session, nil
}

func (r *Registry) register(ctx context.Context, session *domain.Session) error {
	return r.exec.Invoke(ctx, func() error {
		r.sessions[session.ID()] = session
		return nil
	})
}

// Lookup returns the live session with the id.
func (r *Registry) Lookup(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session *domain.Session
	err := r.exec.Invoke(ctx, func() error {
		session = r.sessions[sessionID]
		return nil
	})
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.WithMetadata(apperrors.CodeSessionNotFound, "no such session",
			map[string]string{"SessionID": sessionID})
	}
	return session, nil
}

// List returns every live session.
func (r *Registry) List(ctx context.Context) ([]*domain.Session, error) {
	var listed []*domain.Session
	err := r.exec.Invoke(ctx, func() error {
		listed = make([]*domain.Session, 0, len(r.sessions))
		for _, session := range r.sessions {
			listed = append(listed, session)
		}
		return nil
	})
	return listed, err
}

// RestoreAll replays every journal directory under the registry root.
// Failures are isolated per session: a corrupt journal is logged and
// skipped, never aborting its siblings.
func (r *Registry) RestoreAll(ctx context.Context) error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeJournalIO, "read registry root", err)
	}

	var restored, deleted, failed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(restoreConcurrency)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		group.Go(func() error {
			session, err := replay.Restore(dir, r.strategies, r.authenticator, r)
			switch {
			case errors.Is(err, replay.ErrDeleted):
				deleted.Add(1)
				r.logger.Info("skipping deliberately deleted session", zap.String("dir", dir))
				return nil
			case err != nil:
				failed.Add(1)
				r.logger.Error("session restore failed", zap.String("dir", dir), zap.Error(err))
				return nil
			}
			if err := r.register(groupCtx, session); err != nil {
				_ = session.Shutdown(groupCtx)
				return err
			}
			restored.Add(1)
			r.logger.Info("session restored",
				zap.String("session_id", session.ID()),
				zap.String("item_path", session.ItemPath()))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	r.logger.Info("session restore finished",
		zap.Int64("restored", restored.Load()),
		zap.Int64("deleted", deleted.Load()),
		zap.Int64("failed", failed.Load()))
	return nil
}

// DetachAll drops every live binding on sessions editing the data source,
// used when a data source unloads.
func (r *Registry) DetachAll(ctx context.Context, dataSourceID string) error {
	sessions, err := r.List(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if session.DataSourceID() != dataSourceID {
			continue
		}
		if err := session.DetachAll(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts every session down with journals kept and stops the registry.
func (r *Registry) Close(ctx context.Context) error {
	sessions, err := r.List(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := session.Shutdown(ctx); err != nil {
			r.logger.Warn("session shutdown failed",
				zap.String("session_id", session.ID()), zap.Error(err))
		}
	}
	r.exec.Close()
	return nil
}
