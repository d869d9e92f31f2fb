// Package service is the caller-facing surface over the session registry.
//
// Every operation takes a signed grant, resolves it to a live
// authentication, dispatches to the session and maps domain errors to gRPC
// statuses with machine-readable error details. Grants are verified once
// and cached until they expire so a caller's authentication identity stays
// stable across attach and the operations that follow.
package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/s2quake/tabledeck/internal/auth"
	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
	"github.com/s2quake/tabledeck/internal/session/access"
	"github.com/s2quake/tabledeck/internal/session/action"
	"github.com/s2quake/tabledeck/internal/session/domain"
	"github.com/s2quake/tabledeck/internal/session/registry"
)

// permissiveHost is bound on attach for callers that bring no editor
// surface of their own.
var permissiveHost = domain.HostFunc(func(callerID string, canceled bool) error {
	return nil
})

// Service exposes session operations to transports.
type Service struct {
	registry      *registry.Registry
	authenticator *auth.Authenticator
	logger        *zap.Logger

	mu     sync.Mutex
	grants map[string]*auth.Authentication
}

// New creates a Service.
func New(reg *registry.Registry, authenticator *auth.Authenticator, logger *zap.Logger) *Service {
	return &Service{
		registry:      reg,
		authenticator: authenticator,
		logger:        logger,
		grants:        make(map[string]*auth.Authentication),
	}
}

// authenticate resolves a grant to a live authentication, reusing the
// cached one while it is still valid.
func (s *Service) authenticate(grant string) (*auth.Authentication, error) {
	s.mu.Lock()
	cached := s.grants[grant]
	s.mu.Unlock()
	if cached != nil && !cached.Expired() {
		return cached, nil
	}

	authn, err := s.authenticator.Verify(grant)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.grants[grant] = authn
	s.mu.Unlock()
	authn.OnExpired(func(string) {
		s.mu.Lock()
		if s.grants[grant] == authn {
			delete(s.grants, grant)
		}
		s.mu.Unlock()
	})
	return authn, nil
}

// rpcError maps an operation error to a gRPC status.
func (s *Service) rpcError(op string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		s.logger.Debug("session operation rejected",
			zap.String("op", op),
			zap.String("code", string(domainErr.Code)))
		return domainErr.ToGRPCStatus()
	}
	s.logger.Error("session operation failed", zap.String("op", op), zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}

func (s *Service) session(ctx context.Context, grant, sessionID string) (*domain.Session, *auth.Authentication, error) {
	authn, err := s.authenticate(grant)
	if err != nil {
		return nil, nil, err
	}
	session, err := s.registry.Lookup(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, authn, nil
}

// Create starts a new session and returns its id. The creator joins as the
// first member and therefore owns the session.
func (s *Service) Create(ctx context.Context, grant string, params registry.CreateParams) (string, error) {
	authn, err := s.authenticate(grant)
	if err != nil {
		return "", s.rpcError("create", err)
	}
	session, err := s.registry.Create(ctx, authn, params)
	if err != nil {
		return "", s.rpcError("create", err)
	}
	return session.ID(), nil
}

// Join adds the caller to the session roster at the requested level.
func (s *Service) Join(ctx context.Context, grant, sessionID string, level access.Level) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("join", err)
	}
	return s.rpcError("join", session.Enter(ctx, authn, level))
}

// Leave removes the caller from the session roster.
func (s *Service) Leave(ctx context.Context, grant, sessionID string) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("leave", err)
	}
	return s.rpcError("leave", session.Leave(ctx, authn))
}

// Attach binds the caller online.
func (s *Service) Attach(ctx context.Context, grant, sessionID string) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("attach", err)
	}
	return s.rpcError("attach", session.Attach(ctx, authn, permissiveHost))
}

// Detach drops the caller's live binding.
func (s *Service) Detach(ctx context.Context, grant, sessionID string) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("detach", err)
	}
	return s.rpcError("detach", session.Detach(ctx, authn))
}

// Kick forcibly removes a member.
func (s *Service) Kick(ctx context.Context, grant, sessionID, targetID, comment string) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("kick", err)
	}
	return s.rpcError("kick", session.Kick(ctx, authn, targetID, comment))
}

// SetOwner transfers session ownership.
func (s *Service) SetOwner(ctx context.Context, grant, sessionID, targetID string) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("set_owner", err)
	}
	return s.rpcError("set_owner", session.SetOwner(ctx, authn, targetID))
}

// BeginEdit marks the caller editing at the location.
func (s *Service) BeginEdit(ctx context.Context, grant, sessionID string, loc action.Location) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("begin_edit", err)
	}
	return s.rpcError("begin_edit", session.BeginEdit(ctx, authn, loc))
}

// EndEdit clears the caller's editing state.
func (s *Service) EndEdit(ctx context.Context, grant, sessionID string) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("end_edit", err)
	}
	return s.rpcError("end_edit", session.EndEdit(ctx, authn))
}

// SetLocation moves the caller's focus.
func (s *Service) SetLocation(ctx context.Context, grant, sessionID string, loc action.Location) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("set_location", err)
	}
	return s.rpcError("set_location", session.SetLocation(ctx, authn, loc))
}

// NewRow inserts rows into the session payload.
func (s *Service) NewRow(ctx context.Context, grant, sessionID string, rows []action.Row) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("new_row", err)
	}
	return s.rpcError("new_row", session.NewRow(ctx, authn, rows))
}

// SetRow updates fields on existing rows.
func (s *Service) SetRow(ctx context.Context, grant, sessionID string, rows []action.Row) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("set_row", err)
	}
	return s.rpcError("set_row", session.SetRow(ctx, authn, rows))
}

// RemoveRow removes rows from the session payload.
func (s *Service) RemoveRow(ctx context.Context, grant, sessionID string, rows []action.Row) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("remove_row", err)
	}
	return s.rpcError("remove_row", session.RemoveRow(ctx, authn, rows))
}

// SetProperty sets a schema property on the session payload.
func (s *Service) SetProperty(ctx context.Context, grant, sessionID, name, value string) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("set_property", err)
	}
	return s.rpcError("set_property", session.SetProperty(ctx, authn, name, value))
}

// Delete tears the session down. With canceled false the edit is discarded
// along with its journal; with canceled true the journal files survive.
func (s *Service) Delete(ctx context.Context, grant, sessionID string, canceled bool) error {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return s.rpcError("delete", err)
	}
	return s.rpcError("delete", session.Delete(ctx, authn, canceled))
}

// GetSnapshot returns the session metadata plus its encoded payload.
func (s *Service) GetSnapshot(ctx context.Context, grant, sessionID string) (domain.Snapshot, error) {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return domain.Snapshot{}, s.rpcError("get_snapshot", err)
	}
	snapshot, err := session.Snapshot(ctx, authn)
	if err != nil {
		return domain.Snapshot{}, s.rpcError("get_snapshot", err)
	}
	return snapshot, nil
}

// GetSummary returns the session metadata and roster.
func (s *Service) GetSummary(ctx context.Context, grant, sessionID string) (domain.Summary, error) {
	session, authn, err := s.session(ctx, grant, sessionID)
	if err != nil {
		return domain.Summary{}, s.rpcError("get_summary", err)
	}
	summary, err := session.Summary(ctx, authn)
	if err != nil {
		return domain.Summary{}, s.rpcError("get_summary", err)
	}
	return summary, nil
}

// ListSummaries returns a summary for every live session.
func (s *Service) ListSummaries(ctx context.Context, grant string) ([]domain.Summary, error) {
	authn, err := s.authenticate(grant)
	if err != nil {
		return nil, s.rpcError("list", err)
	}
	sessions, err := s.registry.List(ctx)
	if err != nil {
		return nil, s.rpcError("list", err)
	}
	summaries := make([]domain.Summary, 0, len(sessions))
	for _, session := range sessions {
		summary, err := session.Summary(ctx, authn)
		if err != nil {
			if apperrors.HasCode(err, apperrors.CodeSessionDeleted) {
				continue
			}
			return nil, s.rpcError("list", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
