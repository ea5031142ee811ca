package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleetagent/internal/installer"
	"fleetagent/internal/ipc"
	"fleetagent/internal/logging"
	"fleetagent/internal/services"
	"fleetagent/internal/state"
	"fleetagent/internal/workflow"
)

const (
	socketPermissions = 0o660
	requestTimeout    = 30 * time.Second
	maxRequestBody    = 64 << 10
)

// Controller is the part of the workflow manager the API drives.
type Controller interface {
	Status() workflow.StatusSummary
	Queue() []workflow.QueueEntry
	Capabilities(ctx context.Context) ([]state.CapabilityRecord, error)
	Refresh(ctx context.Context, source string) (workflow.RefreshResult, error)
	Resume(ctx context.Context) (workflow.ResumeResult, error)
	Retry(ctx context.Context) error
	Skip(ctx context.Context) error
	SetDeviceID(ctx context.Context, id string) error
	Reset(ctx context.Context) error
	Decline(ctx context.Context, name string) error
	CompleteInstall(pkg string, st installer.Status) error
}

// StatusFunc builds the process half of a status response.
type StatusFunc func(ctx context.Context) ipc.StatusResponse

type apiServer struct {
	socket   string
	logger   *slog.Logger
	ctrl     Controller
	status   StatusFunc
	server   *http.Server
	listener net.Listener
}

func newAPIServer(socket string, ctrl Controller, status StatusFunc, logger *slog.Logger) *apiServer {
	s := &apiServer{
		socket: strings.TrimSpace(socket),
		logger: logging.NewComponentLogger(logger, "api-server"),
		ctrl:   ctrl,
		status: status,
	}
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		requestIDBridge,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		headersMiddleware,
	)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)
		r.Get("/capabilities", s.handleCapabilities)
		r.Post("/capabilities/{name}/decline", s.handleDecline)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/resume", s.handleResume)
		r.Post("/decision", s.handleDecision)
		r.Post("/device-id", s.handleDeviceID)
		r.Post("/reset", s.handleReset)
		r.Post("/installs/{package}/complete", s.handleInstallComplete)
	})
	return r
}

// requestIDBridge copies chi's request id into the context key our loggers read.
func requestIDBridge(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(services.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func setupUnixSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, socketPermissions); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return listener, nil
}

func (s *apiServer) cleanupSocket() {
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket file", logging.Error(err))
	}
}

func (s *apiServer) start() error {
	if s == nil || s.socket == "" {
		return nil
	}
	listener, err := setupUnixSocket(s.socket)
	if err != nil {
		return err
	}
	s.listener = listener
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	s.logger.Info("api server listening", logging.String("socket", s.socket))
	return nil
}

func (s *apiServer) stop() {
	if s == nil || s.listener == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown failed", logging.Error(err))
	}
	s.listener = nil
	s.cleanupSocket()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp ipc.StatusResponse
	if s.status != nil {
		resp = s.status(r.Context())
	}
	resp.Workflow = s.ctrl.Status()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleQueue(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ipc.QueueResponse{Items: s.ctrl.Queue()})
}

func (s *apiServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	records, err := s.ctrl.Capabilities(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ipc.CapabilitiesResponse{Capabilities: records})
}

func (s *apiServer) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, r, s.ctrl.Decline(r.Context(), chi.URLParam(r, "name")))
}

func (s *apiServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req ipc.RefreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "api"
	}
	result, err := s.ctrl.Refresh(r.Context(), source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.Resume(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req ipc.DecisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case ipc.DecisionRetry:
		err = s.ctrl.Retry(r.Context())
	case ipc.DecisionSkip:
		err = s.ctrl.Skip(r.Context())
	default:
		err = services.Wrap(services.ErrValidation, "api", "decision", fmt.Sprintf("unknown action %q", req.Action), nil)
	}
	s.writeOK(w, r, err)
}

func (s *apiServer) handleDeviceID(w http.ResponseWriter, r *http.Request) {
	var req ipc.DeviceIDRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeOK(w, r, s.ctrl.SetDeviceID(r.Context(), req.DeviceID))
}

func (s *apiServer) handleReset(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, r, s.ctrl.Reset(r.Context()))
}

func (s *apiServer) handleInstallComplete(w http.ResponseWriter, r *http.Request) {
	var req ipc.InstallCompleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeOK(w, r, s.ctrl.CompleteInstall(chi.URLParam(r, "package"), installer.Status(req)))
}

// decode reads an optional JSON body. An empty body leaves out untouched.
func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "decode", "invalid request body", err))
		return false
	}
	return true
}

func (s *apiServer) writeOK(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ipc.OKResponse{OK: true})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), s.logger).Error("api request failed",
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	s.writeJSON(w, status, ipc.ErrorResponse{Error: err.Error(), Category: services.Category(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrBusy), errors.Is(err, workflow.ErrNoDecision):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrNotRunning), errors.Is(err, services.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
