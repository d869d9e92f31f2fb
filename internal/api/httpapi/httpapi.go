// Package httpapi exposes session operations over a JSON HTTP API.
//
// Callers pass their grant as a bearer token. Domain errors arrive as gRPC
// statuses from the service layer and are translated to HTTP status codes,
// with the machine-readable reason preserved in the response body.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/s2quake/tabledeck/internal/session/access"
	"github.com/s2quake/tabledeck/internal/session/action"
	"github.com/s2quake/tabledeck/internal/session/registry"
	"github.com/s2quake/tabledeck/internal/session/service"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server serves the session HTTP API.
type Server struct {
	svc    *service.Service
	logger *zap.Logger
}

// New creates a Server over the service.
func New(svc *service.Service, logger *zap.Logger) *Server {
	return &Server{svc: svc, logger: logger}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSummary)
	mux.HandleFunc("GET /v1/sessions/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /v1/sessions/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /v1/sessions/{id}/leave", s.handleLeave)
	mux.HandleFunc("POST /v1/sessions/{id}/attach", s.handleAttach)
	mux.HandleFunc("POST /v1/sessions/{id}/detach", s.handleDetach)
	mux.HandleFunc("POST /v1/sessions/{id}/kick", s.handleKick)
	mux.HandleFunc("POST /v1/sessions/{id}/owner", s.handleSetOwner)
	mux.HandleFunc("POST /v1/sessions/{id}/edit/begin", s.handleBeginEdit)
	mux.HandleFunc("POST /v1/sessions/{id}/edit/end", s.handleEndEdit)
	mux.HandleFunc("POST /v1/sessions/{id}/location", s.handleSetLocation)
	mux.HandleFunc("POST /v1/sessions/{id}/rows/new", s.handleNewRow)
	mux.HandleFunc("POST /v1/sessions/{id}/rows/set", s.handleSetRow)
	mux.HandleFunc("POST /v1/sessions/{id}/rows/remove", s.handleRemoveRow)
	mux.HandleFunc("POST /v1/sessions/{id}/property", s.handleSetProperty)
	mux.HandleFunc("POST /v1/sessions/{id}/delete", s.handleDelete)
	return mux
}

func grantFrom(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// errorBody is the JSON shape of an API error.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	if !ok {
		st = status.New(codes.Internal, "internal error")
	}
	var body errorBody
	body.Error.Code = st.Code().String()
	body.Error.Message = st.Message()
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			body.Error.Reason = info.Reason
			break
		}
	}
	s.writeJSON(w, httpStatus(st.Code()), body)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, status.Error(codes.InvalidArgument, "read request body"))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, into); err != nil {
		s.writeError(w, status.Error(codes.InvalidArgument, "malformed request body"))
		return false
	}
	return true
}

type createRequest struct {
	DataSourceID string `json:"data_source_id"`
	ItemPath     string `json:"item_path"`
	ItemType     string `json:"item_type"`
	SourceType   string `json:"source_type"`
	Source       []byte `json:"source"`
	Access       string `json:"access,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	level := access.LevelReadWrite
	if req.Access != "" {
		parsed, err := access.ParseLevel(req.Access)
		if err != nil {
			s.writeError(w, status.Error(codes.InvalidArgument, err.Error()))
			return
		}
		level = parsed
	}
	sessionID, err := s.svc.Create(r.Context(), grantFrom(r), registry.CreateParams{
		DataSourceID: req.DataSourceID,
		ItemPath:     req.ItemPath,
		ItemType:     req.ItemType,
		SourceType:   req.SourceType,
		Source:       req.Source,
		Access:       level,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.svc.ListSummaries(r.Context(), grantFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.GetSummary(r.Context(), grantFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.svc.GetSnapshot(r.Context(), grantFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

type joinRequest struct {
	Access string `json:"access"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	level := access.LevelReadWrite
	if req.Access != "" {
		parsed, err := access.ParseLevel(req.Access)
		if err != nil {
			s.writeError(w, status.Error(codes.InvalidArgument, err.Error()))
			return
		}
		level = parsed
	}
	s.finish(w, s.svc.Join(r.Context(), grantFrom(r), r.PathValue("id"), level))
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.finish(w, s.svc.Leave(r.Context(), grantFrom(r), r.PathValue("id")))
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	s.finish(w, s.svc.Attach(r.Context(), grantFrom(r), r.PathValue("id")))
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	s.finish(w, s.svc.Detach(r.Context(), grantFrom(r), r.PathValue("id")))
}

type kickRequest struct {
	TargetID string `json:"target_id"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.finish(w, s.svc.Kick(r.Context(), grantFrom(r), r.PathValue("id"), req.TargetID, req.Comment))
}

type ownerRequest struct {
	TargetID string `json:"target_id"`
}

func (s *Server) handleSetOwner(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.finish(w, s.svc.SetOwner(r.Context(), grantFrom(r), r.PathValue("id"), req.TargetID))
}

type locationRequest struct {
	Location action.Location `json:"location"`
}

func (s *Server) handleBeginEdit(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.finish(w, s.svc.BeginEdit(r.Context(), grantFrom(r), r.PathValue("id"), req.Location))
}

func (s *Server) handleEndEdit(w http.ResponseWriter, r *http.Request) {
	s.finish(w, s.svc.EndEdit(r.Context(), grantFrom(r), r.PathValue("id")))
}

func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.finish(w, s.svc.SetLocation(r.Context(), grantFrom(r), r.PathValue("id"), req.Location))
}

type rowsRequest struct {
	Rows []action.Row `json:"rows"`
}

func (s *Server) handleNewRow(w http.ResponseWriter, r *http.Request) {
	var req rowsRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.finish(w, s.svc.NewRow(r.Context(), grantFrom(r), r.PathValue("id"), req.Rows))
}

func (s *Server) handleSetRow(w http.ResponseWriter, r *http.Request) {
	var req rowsRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.finish(w, s.svc.SetRow(r.Context(), grantFrom(r), r.PathValue("id"), req.Rows))
}

func (s *Server) handleRemoveRow(w http.ResponseWriter, r *http.Request) {
	var req rowsRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.finish(w, s.svc.RemoveRow(r.Context(), grantFrom(r), r.PathValue("id"), req.Rows))
}

type propertyRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	var req propertyRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.finish(w, s.svc.SetProperty(r.Context(), grantFrom(r), r.PathValue("id"), req.Name, req.Value))
}

type deleteRequest struct {
	Canceled bool `json:"canceled"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.finish(w, s.svc.Delete(r.Context(), grantFrom(r), r.PathValue("id"), req.Canceled))
}

func (s *Server) finish(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
